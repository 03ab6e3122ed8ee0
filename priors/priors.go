// Package priors provides prior distributions for stochastic latent units.
//
// A Prior is an immutable distribution over a fixed-dimensional latent space,
// defined by its log-density. It is constructed once at model definition time
// and can be shared read-only by any number of latent units.
//
// The one concrete prior is IsoGaussian, the zero-mean identity-covariance
// Gaussian of standard VAEs. Other Gaussian-like priors can be plugged in by
// implementing Prior. A prior that knows the closed form of the KL divergence
// from a diagonal Gaussian posterior should also implement HasAnalyticKL,
// which enables the variance-free analytic KL path on the latent unit.
package priors

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
)

// Prior is a distribution over a latent space of Dim dimensions, defined by
// its log-density.
//
// Priors are immutable: all methods are pure graph functions with no side
// effects, so one Prior value can serve many latent units and graphs.
type Prior interface {
	// Dim is the dimensionality of the space the prior is defined over.
	Dim() int

	// LogProb returns the log-density of each vector in x under the prior.
	// x is shaped [..., Dim()]; the result drops the last axis.
	LogProb(x *Node) *Node
}

// HasAnalyticKL is implemented by priors that know a closed form for
// KL(N(mean, diag(exp(logVar))) || prior), the divergence of a diagonal
// Gaussian posterior from the prior.
//
// The latent unit checks for this capability at call time: AnalyticKL on a
// posterior whose prior does not implement it panics with a configuration
// error. There is no fallback to sampling.
type HasAnalyticKL interface {
	// AnalyticKL returns the KL divergence of the diagonal Gaussian given by
	// mean and logVar (both shaped [..., Dim()]) from the prior, one value
	// per row (the last axis is reduced).
	AnalyticKL(mean, logVar *Node) *Node
}

// IsoGaussian is the isotropic standard Gaussian prior: mean zero, unit
// variance per dimension. It implements HasAnalyticKL.
type IsoGaussian struct {
	dim int
}

// Compile-time check that IsoGaussian provides the analytic KL capability.
var _ HasAnalyticKL = &IsoGaussian{}

// NewIsoGaussian returns the standard Gaussian prior N(0, I) over dim
// dimensions. It panics if dim <= 0.
func NewIsoGaussian(dim int) *IsoGaussian {
	if dim <= 0 {
		exceptions.Panicf("priors: IsoGaussian dimension must be > 0, got %d", dim)
	}
	return &IsoGaussian{dim: dim}
}

// Dim returns the dimensionality of the space the prior is defined over.
func (p *IsoGaussian) Dim() int { return p.dim }

// LogProb returns the standard-normal log-density of each row of x:
//
//	-( sum(x^2) + dim*log(2*pi) ) / 2
//
// The density is fully normalized, so it can be compared directly against
// other normalized log-densities (see DiagonalGaussian.Posterior.LogProb).
// x must be shaped [..., dim]; the result drops the last axis.
func (p *IsoGaussian) LogProb(x *Node) *Node {
	if x.Rank() < 1 || x.Shape().Dim(-1) != p.dim {
		exceptions.Panicf("priors: IsoGaussian.LogProb requires x shaped [..., %d], got x.shape=%s",
			p.dim, x.Shape())
	}
	sumSquares := ReduceSum(Square(x), -1)
	return MulScalar(AddScalar(sumSquares, float64(p.dim)*math.Log(2*math.Pi)), -0.5)
}

// AnalyticKL returns KL(N(mean, diag(exp(logVar))) || N(0, I)) per row:
//
//	( -sum(logVar) - dim + sum(exp(logVar)) + sum(mean^2) ) / 2
//
// This is the general Gaussian-to-Gaussian divergence
// [log(det(C2)/det(C1)) - dim + Tr(C2^-1 * C1) + (m2-m1)^T * C2^-1 * (m2-m1)]/2
// specialized to C2 = I and m2 = 0. It is exactly zero when mean = 0 and
// logVar = 0, and non-negative everywhere.
func (p *IsoGaussian) AnalyticKL(mean, logVar *Node) *Node {
	if !mean.Shape().Equal(logVar.Shape()) {
		exceptions.Panicf("priors: IsoGaussian.AnalyticKL requires mean and logVar with the same shape, got mean.shape=%s and logVar.shape=%s",
			mean.Shape(), logVar.Shape())
	}
	if mean.Rank() < 1 || mean.Shape().Dim(-1) != p.dim {
		exceptions.Panicf("priors: IsoGaussian.AnalyticKL requires mean and logVar shaped [..., %d], got shape=%s",
			p.dim, mean.Shape())
	}
	logDet := ReduceSum(logVar, -1)
	trace := ReduceSum(Exp(logVar), -1)
	meanSquares := ReduceSum(Square(mean), -1)
	kl := Sub(Add(trace, meanSquares), logDet)
	kl = AddScalar(kl, -float64(p.dim))
	return MulScalar(kl, 0.5)
}
