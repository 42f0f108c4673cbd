package kinematic

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"

	loop "mpc-car-core/closed_loop/control_loop"
)

// linPoint is the state/input pair a horizon step is linearized about.
type linPoint struct {
	x stateVec
	u inputVec
}

// boxQP is min ½uᵀHu + gᵀu subject to lb <= u <= ub.
type boxQP struct {
	h      *mat.SymDense
	g      *mat.VecDense
	lb, ub []float64
}

// condense eliminates the predicted states. With x_{k+1} = A_k x_k + B_k u_k + c_k
// the stacked states are X = G U + f, and the tracking cost becomes a QP in U.
func (s *Solver) condense(x0 stateVec, lin []linPoint, ref []stateVec, prevU inputVec) boxQP {
	n := len(lin)
	rows, cols := nx*n, nu*n
	cfg := s.cfg

	G := mat.NewDense(rows, cols, nil)
	f := mat.NewVecDense(rows, nil)

	prev := mat.NewVecDense(nx, x0[:])
	for k, lp := range lin {
		A, B, c := s.model.linearize(lp.x, lp.u, cfg.Dt)

		var fk mat.VecDense
		fk.MulVec(A, prev)
		fk.AddVec(&fk, mat.NewVecDense(nx, c[:]))
		for i := 0; i < nx; i++ {
			f.SetVec(nx*k+i, fk.AtVec(i))
		}
		prev = &fk

		if k > 0 {
			var blk mat.Dense
			blk.Mul(A, G.Slice(nx*(k-1), nx*k, 0, nu*k))
			G.Slice(nx*k, nx*(k+1), 0, nu*k).(*mat.Dense).Copy(&blk)
		}
		G.Slice(nx*k, nx*(k+1), nu*k, nu*(k+1)).(*mat.Dense).Copy(B)
	}

	q := [nx]float64{cfg.WeightPosition, cfg.WeightPosition, cfg.WeightHeading, cfg.WeightSpeed}
	r := [nu]float64{cfg.WeightAccel, cfg.WeightSteer}
	rd := [nu]float64{cfg.WeightAccelRate, cfg.WeightSteerRate}

	qG := mat.DenseCopyOf(G)
	qErr := mat.NewVecDense(rows, nil)
	for i := 0; i < rows; i++ {
		w := q[i%nx]
		qG.RowView(i).(*mat.VecDense).ScaleVec(w, G.RowView(i))
		qErr.SetVec(i, w*(f.AtVec(i)-ref[i/nx+1][i%nx]))
	}

	var H mat.Dense
	H.Mul(G.T(), qG)
	var g mat.VecDense
	g.MulVec(G.T(), qErr)

	for i := 0; i < cols; i++ {
		comp, k := i%nu, i/nu
		H.Set(i, i, H.At(i, i)+r[comp]+rd[comp])
		if k+1 < n {
			H.Set(i, i, H.At(i, i)+rd[comp])
			H.Set(i, i+nu, H.At(i, i+nu)-rd[comp])
			H.Set(i+nu, i, H.At(i+nu, i)-rd[comp])
		}
	}
	for comp := 0; comp < nu; comp++ {
		g.SetVec(comp, g.AtVec(comp)-rd[comp]*prevU[comp])
	}

	sym := mat.NewSymDense(cols, nil)
	for i := 0; i < cols; i++ {
		for j := i; j < cols; j++ {
			sym.SetSym(i, j, 0.5*(H.At(i, j)+H.At(j, i)))
		}
	}

	lb, ub := make([]float64, cols), make([]float64, cols)
	for i := 0; i < cols; i += nu {
		lb[i], ub[i] = -cfg.MaxAccel, cfg.MaxAccel
		lb[i+1], ub[i+1] = -cfg.MaxSteer, cfg.MaxSteer
	}
	return boxQP{h: sym, g: &g, lb: lb, ub: ub}
}

// solve returns the minimizer, the number of projected-gradient iterations
// used (0 when the unconstrained optimum is feasible) and a status.
func (p boxQP) solve(ctx context.Context, maxIter int, tol float64) ([]float64, int, loop.Status) {
	n := p.g.Len()
	if !finite(p.g.RawVector().Data...) {
		return nil, 0, loop.StatusNumericalFailure
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(p.h); !ok {
		return nil, 0, loop.StatusNumericalFailure
	}
	var negG, u mat.VecDense
	negG.ScaleVec(-1, p.g)
	if err := chol.SolveVecTo(&u, &negG); err != nil {
		return nil, 0, loop.StatusNumericalFailure
	}
	x := append([]float64(nil), u.RawVector().Data...)
	if !finite(x...) {
		return nil, 0, loop.StatusNumericalFailure
	}
	if p.feasible(x) {
		return x, 0, loop.StatusSuccess
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(p.h, false); !ok {
		return nil, 0, loop.StatusNumericalFailure
	}
	vals := eig.Values(nil)
	lip := vals[len(vals)-1]
	if !(lip > 0) {
		return nil, 0, loop.StatusNumericalFailure
	}

	// Accelerated projected gradient with adaptive restart.
	p.project(x)
	y := append([]float64(nil), x...)
	next := make([]float64, n)
	yv := mat.NewVecDense(n, y)
	var grad mat.VecDense
	t := 1.0
	for it := 1; it <= maxIter; it++ {
		if it%64 == 0 && ctx.Err() != nil {
			return x, it, loop.StatusMaxIterations
		}
		grad.MulVec(p.h, yv)
		grad.AddVec(&grad, p.g)
		for i := range next {
			next[i] = y[i] - grad.AtVec(i)/lip
		}
		p.project(next)

		step, dot := 0.0, 0.0
		for i := range next {
			d := next[i] - x[i]
			step = math.Max(step, math.Abs(d))
			dot += (y[i] - next[i]) * d
		}
		if !finite(step) {
			return nil, it, loop.StatusNumericalFailure
		}

		tNext := (1 + math.Sqrt(1+4*t*t)) / 2
		beta := (t - 1) / tNext
		if dot > 0 {
			tNext, beta = 1, 0
		}
		for i := range next {
			y[i] = next[i] + beta*(next[i]-x[i])
		}
		copy(x, next)
		t = tNext

		if step < tol {
			return x, it, loop.StatusSuccess
		}
	}
	return x, maxIter, loop.StatusMaxIterations
}

// objective evaluates ½uᵀHu + gᵀu.
func (p boxQP) objective(u []float64) float64 {
	v := mat.NewVecDense(len(u), u)
	return 0.5*mat.Inner(v, p.h, v) + mat.Dot(p.g, v)
}

func (p boxQP) feasible(u []float64) bool {
	for i, v := range u {
		if v < p.lb[i] || v > p.ub[i] {
			return false
		}
	}
	return true
}

func (p boxQP) project(u []float64) {
	for i := range u {
		u[i] = clampFloat(u[i], p.lb[i], p.ub[i])
	}
}
