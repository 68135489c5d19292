package fit

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/tpm.report/internal/tpm/gauss"
)

// Sentinel errors reported by LeastSquares.
var (
	ErrUnderdetermined = errors.New("fit: not enough points for the number of parameters")
	ErrNotConverged    = errors.New("fit: did not converge")
	ErrSingular        = errors.New("fit: covariance cannot be estimated")
	ErrNonFinite       = errors.New("fit: non-finite value")
)

// Convergence tolerances on the relative reduction of the residual sum of
// squares and on the relative step size.
const (
	ftol = 1.49012e-8
	xtol = 1.49012e-8

	lambdaStart = 1e-3
	lambdaMax   = 1e16
	condLimit   = 1e15
)

// Result is a converged least-squares fit of the Gaussian model.
type Result struct {
	Params     []float64
	Variances  []float64
	SSR        float64
	Iterations int
}

// LeastSquares fits the Gaussian model selected by len(p0) to the points
// (x, y) with Levenberg–Marquardt. Variances are the diagonal of
// inv(JᵀJ)·SSR/(n−p) at the solution.
func LeastSquares(x, y, p0 []float64, maxIter int) (Result, error) {
	n, m := len(x), len(p0)
	if _, err := gauss.ModeOf(p0); err != nil {
		return Result{}, err
	}
	if len(y) != n {
		return Result{}, fmt.Errorf("fit: %d x values but %d y values", n, len(y))
	}
	if n <= m {
		return Result{}, fmt.Errorf("%w: %d points for %d parameters", ErrUnderdetermined, n, m)
	}

	p := append([]float64(nil), p0...)
	ssr := sumSquares(x, y, p)
	if !finite(ssr) {
		return Result{}, fmt.Errorf("%w: residual at initial guess %v", ErrNonFinite, p0)
	}

	jac := mat.NewDense(n, m, nil)
	res := mat.NewVecDense(n, nil)
	trial := make([]float64, m)
	lambda := lambdaStart

	for iter := 1; iter <= maxIter; iter++ {
		jacobian(jac, res, x, y, p)
		var jtj mat.SymDense
		jtj.SymOuterK(1, jac.T())
		var grad mat.VecDense
		grad.MulVec(jac.T(), res)

		stepped := false
		for lambda < lambdaMax {
			damped := mat.NewSymDense(m, nil)
			damped.CopySym(&jtj)
			for j := 0; j < m; j++ {
				d := jtj.At(j, j)
				if d == 0 {
					d = 1
				}
				damped.SetSym(j, j, d*(1+lambda))
			}

			var chol mat.Cholesky
			if !chol.Factorize(damped) {
				lambda *= 10
				continue
			}
			var delta mat.VecDense
			if err := chol.SolveVecTo(&delta, &grad); err != nil {
				lambda *= 10
				continue
			}

			step := delta.RawVector().Data
			floats.AddTo(trial, p, step)
			trialSSR := sumSquares(x, y, trial)
			if !finite(trialSSR) || trialSSR >= ssr {
				lambda *= 10
				continue
			}

			reduction := (ssr - trialSSR) / ssr
			small := floats.Norm(step, 2) <= xtol*(floats.Norm(p, 2)+xtol)
			copy(p, trial)
			ssr = trialSSR
			lambda = math.Max(lambda/10, 1e-12)
			stepped = true
			if ssr == 0 || reduction <= ftol || small {
				return finish(x, y, p, ssr, iter)
			}
			break
		}
		if !stepped {
			// No downhill step exists at any damping: p is a minimum to
			// working precision.
			return finish(x, y, p, ssr, iter)
		}
	}
	return Result{}, fmt.Errorf("%w after %d iterations", ErrNotConverged, maxIter)
}

func finish(x, y, p []float64, ssr float64, iter int) (Result, error) {
	n, m := len(x), len(p)
	for _, v := range p {
		if !finite(v) {
			return Result{}, fmt.Errorf("%w: parameters %v", ErrNonFinite, p)
		}
	}

	jac := mat.NewDense(n, m, nil)
	res := mat.NewVecDense(n, nil)
	jacobian(jac, res, x, y, p)
	var jtj mat.SymDense
	jtj.SymOuterK(1, jac.T())

	var chol mat.Cholesky
	if !chol.Factorize(&jtj) || chol.Cond() > condLimit {
		return Result{}, ErrSingular
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrSingular, err)
	}

	scale := ssr / float64(n-m)
	vars := make([]float64, m)
	for j := range vars {
		vars[j] = inv.At(j, j) * scale
		if !finite(vars[j]) {
			return Result{}, fmt.Errorf("%w: variance of parameter %d", ErrNonFinite, j)
		}
	}

	params := append([]float64(nil), p...)
	// The model depends on the width only through its square.
	for k := 2; k < m; k += 3 {
		params[k] = math.Abs(params[k])
	}
	return Result{Params: params, Variances: vars, SSR: ssr, Iterations: iter}, nil
}

// jacobian fills jac with ∂model/∂p and res with y − model at each x.
func jacobian(jac *mat.Dense, res *mat.VecDense, x, y, p []float64) {
	row := make([]float64, len(p))
	for i, xi := range x {
		gauss.Gradient(row, xi, p)
		jac.SetRow(i, row)
		res.SetVec(i, y[i]-gauss.Eval(xi, p))
	}
}

func sumSquares(x, y, p []float64) float64 {
	var s float64
	for i, xi := range x {
		d := y[i] - gauss.Eval(xi, p)
		s += d * d
	}
	return s
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
