// Package lsq is a small Levenberg–Marquardt solver for the nonlinear
// least-squares problems in calibration and triangulation refinement.
//
// Jacobians default to central finite differences (gonum/diff/fd); the normal
// equations are solved with a Cholesky factorization from gonum/mat. The
// solver is deterministic: identical inputs give bit-identical results.
package lsq

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Problem describes a residual function r(x) with NumResiduals outputs.
type Problem struct {
	// Residuals writes r(params) into dst. It must not retain or modify params.
	Residuals    func(dst, params []float64)
	NumResiduals int
	// Jacobian optionally writes ∂r/∂x into dst (NumResiduals × len(params)).
	// When nil, central finite differences are used.
	Jacobian func(dst *mat.Dense, params []float64)
}

// Settings tunes the solver. Zero values select the defaults.
type Settings struct {
	MaxIterations int     // default 100
	InitialLambda float64 // default 1e-3
	StepTol       float64 // relative step size, default 1e-10
	CostTol       float64 // relative cost decrease, default 1e-12
	GradTol       float64 // max |Jᵀr|, default 1e-12
}

// Result is the outcome of Minimize.
type Result struct {
	X          []float64
	Cost       float64 // ½·Σr²
	Iterations int
	Converged  bool
}

// ErrBadProblem is returned for inconsistent problem definitions.
var ErrBadProblem = errors.New("lsq: invalid problem")

func (s *Settings) withDefaults() Settings {
	out := Settings{}
	if s != nil {
		out = *s
	}
	if out.MaxIterations <= 0 {
		out.MaxIterations = 100
	}
	if out.InitialLambda <= 0 {
		out.InitialLambda = 1e-3
	}
	if out.StepTol <= 0 {
		out.StepTol = 1e-10
	}
	if out.CostTol <= 0 {
		out.CostTol = 1e-12
	}
	if out.GradTol <= 0 {
		out.GradTol = 1e-12
	}
	return out
}

// Minimize runs Levenberg–Marquardt from x0. The context is checked once per
// iteration; on cancellation the best parameters so far are returned together
// with the context error.
func Minimize(ctx context.Context, p Problem, x0 []float64, settings *Settings) (Result, error) {
	if p.Residuals == nil || p.NumResiduals <= 0 || len(x0) == 0 {
		return Result{}, fmt.Errorf("%w: residuals=%v m=%d n=%d", ErrBadProblem, p.Residuals != nil, p.NumResiduals, len(x0))
	}
	s := settings.withDefaults()
	m, n := p.NumResiduals, len(x0)

	x := make([]float64, n)
	copy(x, x0)
	r := make([]float64, m)
	p.Residuals(r, x)
	cost := halfSquaredNorm(r)
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return Result{X: x, Cost: cost}, fmt.Errorf("%w: non-finite initial cost", ErrBadProblem)
	}

	jac := mat.NewDense(m, n, nil)
	jacobian := p.Jacobian
	if jacobian == nil {
		jacobian = func(dst *mat.Dense, params []float64) {
			fd.Jacobian(dst, p.Residuals, params, &fd.JacobianSettings{
				Formula: fd.Central,
			})
		}
	}

	lambda := s.InitialLambda
	trial := make([]float64, n)
	trialR := make([]float64, m)
	var jtj mat.SymDense
	var grad, step mat.VecDense

	res := Result{X: x, Cost: cost}
	for iter := 0; iter < s.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Iterations = iter + 1

		jacobian(jac, x)
		jtj.SymOuterK(1, jac.T())
		grad.MulVec(jac.T(), mat.NewVecDense(m, r))
		if mat.Norm(&grad, math.Inf(1)) < s.GradTol {
			res.Converged = true
			break
		}

		improved := false
		for !improved {
			damped := mat.NewSymDense(n, nil)
			damped.CopySym(&jtj)
			for i := 0; i < n; i++ {
				d := jtj.At(i, i)
				damped.SetSym(i, i, d+lambda*math.Max(d, 1e-12))
			}
			var chol mat.Cholesky
			if ok := chol.Factorize(damped); !ok {
				lambda *= 10
				if lambda > 1e16 {
					break
				}
				continue
			}
			if err := chol.SolveVecTo(&step, &grad); err != nil {
				lambda *= 10
				if lambda > 1e16 {
					break
				}
				continue
			}

			for i := 0; i < n; i++ {
				trial[i] = x[i] - step.AtVec(i)
			}
			p.Residuals(trialR, trial)
			trialCost := halfSquaredNorm(trialR)

			if trialCost < cost && !math.IsNaN(trialCost) {
				improved = true
				stepNorm := floats.Norm(step.RawVector().Data, 2)
				xNorm := floats.Norm(x, 2)
				decrease := (cost - trialCost) / math.Max(cost, 1e-300)

				copy(x, trial)
				copy(r, trialR)
				cost = trialCost
				lambda = math.Max(lambda/10, 1e-15)
				res.Cost = cost

				if stepNorm <= s.StepTol*(xNorm+s.StepTol) || decrease < s.CostTol {
					res.Converged = true
				}
				break
			}
			lambda *= 10
			if lambda > 1e16 {
				break
			}
		}
		if !improved {
			// No downhill step exists at any damping: we are at a minimum to
			// numerical precision.
			res.Converged = true
			break
		}
		if res.Converged {
			break
		}
	}
	res.X = x
	res.Cost = cost
	return res, nil
}

// RMS returns the root-mean-square of the residual vector r(x).
func RMS(p Problem, x []float64) float64 {
	r := make([]float64, p.NumResiduals)
	p.Residuals(r, x)
	return math.Sqrt(2 * halfSquaredNorm(r) / float64(len(r)))
}

func halfSquaredNorm(r []float64) float64 {
	return 0.5 * floats.Dot(r, r)
}
