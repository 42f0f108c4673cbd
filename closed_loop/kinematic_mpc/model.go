package kinematic

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	nx = 4 // x, y, heading, speed
	nu = 2 // accel, steer
)

type stateVec [nx]float64
type inputVec [nu]float64

// bicycle is the kinematic bicycle model discretized with forward Euler.
type bicycle struct {
	wheelbase float64
}

func (m bicycle) deriv(x stateVec, u inputVec) stateVec {
	phi, v := x[2], x[3]
	return stateVec{
		v * math.Cos(phi),
		v * math.Sin(phi),
		v * math.Tan(u[1]) / m.wheelbase,
		u[0],
	}
}

func (m bicycle) step(x stateVec, u inputVec, dt float64) stateVec {
	d := m.deriv(x, u)
	for i := range x {
		x[i] += dt * d[i]
	}
	return x
}

// linearize returns A, B, c with step(x, u) ≈ A x + B u + c around (x, u).
func (m bicycle) linearize(x stateVec, u inputVec, dt float64) (a, b *mat.Dense, c stateVec) {
	phi, v, delta := x[2], x[3], u[1]
	cosPhi, sinPhi := math.Cos(phi), math.Sin(phi)
	cosD := math.Cos(delta)

	a = mat.NewDense(nx, nx, []float64{
		1, 0, -dt * v * sinPhi, dt * cosPhi,
		0, 1, dt * v * cosPhi, dt * sinPhi,
		0, 0, 1, dt * math.Tan(delta) / m.wheelbase,
		0, 0, 0, 1,
	})
	b = mat.NewDense(nx, nu, []float64{
		0, 0,
		0, 0,
		0, dt * v / (m.wheelbase * cosD * cosD),
		dt, 0,
	})

	next := m.step(x, u, dt)
	for i := 0; i < nx; i++ {
		c[i] = next[i]
		for j := 0; j < nx; j++ {
			c[i] -= a.At(i, j) * x[j]
		}
		for j := 0; j < nu; j++ {
			c[i] -= b.At(i, j) * u[j]
		}
	}
	return a, b, c
}

// rollout simulates the model from x0 under us; the result has len(us)+1 states.
func (m bicycle) rollout(x0 stateVec, us []inputVec, dt float64) []stateVec {
	xs := make([]stateVec, len(us)+1)
	xs[0] = x0
	for k, u := range us {
		xs[k+1] = m.step(xs[k], u, dt)
	}
	return xs
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func clampFloat(value, lo, hi float64) float64 {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}

func wrapAngle(a float64) float64 {
	return math.Remainder(a, 2*math.Pi)
}
