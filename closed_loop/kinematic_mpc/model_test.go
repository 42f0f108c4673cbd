package kinematic

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBicycleStep(t *testing.T) {
	m := bicycle{wheelbase: 2.0}
	x := m.step(stateVec{0, 0, 0, 4}, inputVec{1, 0}, 0.5)
	assert.InDeltaSlice(t, []float64{2, 0, 0, 4.5}, x[:], 1e-12)

	x = m.step(stateVec{0, 0, math.Pi / 2, 2}, inputVec{0, math.Atan(1)}, 0.1)
	assert.InDelta(t, 0.0, x[0], 1e-12)
	assert.InDelta(t, 0.2, x[1], 1e-12)
	assert.InDelta(t, math.Pi/2+0.1, x[2], 1e-12) // v tanδ / L = 1 rad/s
}

func TestLinearizationIsExactAtTheOperatingPoint(t *testing.T) {
	m := bicycle{wheelbase: 2.7}
	x := stateVec{1, -2, 0.7, 3}
	u := inputVec{0.5, 0.2}
	dt := 0.1
	A, B, c := m.linearize(x, u, dt)

	want := m.step(x, u, dt)
	for i := 0; i < nx; i++ {
		got := c[i]
		for j := 0; j < nx; j++ {
			got += A.At(i, j) * x[j]
		}
		for j := 0; j < nu; j++ {
			got += B.At(i, j) * u[j]
		}
		assert.InDelta(t, want[i], got, 1e-12, "row %d", i)
	}
}

func TestLinearizationMatchesFiniteDifferences(t *testing.T) {
	m := bicycle{wheelbase: 2.7}
	x := stateVec{1, -2, 0.7, 3}
	u := inputVec{0.5, 0.2}
	dt := 0.1
	const eps = 1e-6
	A, B, _ := m.linearize(x, u, dt)

	for j := 0; j < nx; j++ {
		xp, xm := x, x
		xp[j] += eps
		xm[j] -= eps
		fp, fm := m.step(xp, u, dt), m.step(xm, u, dt)
		for i := 0; i < nx; i++ {
			assert.InDelta(t, (fp[i]-fm[i])/(2*eps), A.At(i, j), 1e-6, "A[%d][%d]", i, j)
		}
	}
	for j := 0; j < nu; j++ {
		up, um := u, u
		up[j] += eps
		um[j] -= eps
		fp, fm := m.step(x, up, dt), m.step(x, um, dt)
		for i := 0; i < nx; i++ {
			assert.InDelta(t, (fp[i]-fm[i])/(2*eps), B.At(i, j), 1e-6, "B[%d][%d]", i, j)
		}
	}
}
