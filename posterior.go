package latents

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"

	"github.com/gomlx/latents/priors"
)

// Posterior is the snapshot of one sampling pass of a DiagonalGaussian unit:
// the posterior parameters and the reparameterized sample drawn from them,
// all shaped like the unit's output (leading input axes followed by dim).
//
// A Posterior is immutable, belongs to the graph it was created in, and must
// be created by DiagonalGaussian.Sample or SampleWithNoise: the log-density
// and KL queries panic on a zero value.
type Posterior struct {
	// Mean and LogVar parameterize the diagonal Gaussian: the variance of
	// each latent dimension is exp(LogVar).
	Mean, LogVar *Node

	// Sample is the reparameterized draw Mean + noise*exp(LogVar/2).
	Sample *Node

	latent *DiagonalGaussian
}

// LogProb returns the log-density of each row of x under the posterior:
//
//	-( sum((x-Mean)^2 / exp(LogVar)) + sum(LogVar) + dim*log(2*pi) ) / 2
//
// x may be any tensor in the latent space with the posterior's shape, not
// necessarily the snapshot's own Sample. The density is fully normalized,
// matching priors.IsoGaussian.LogProb, so differences of the two are
// unbiased divergence estimates. The result drops the last axis.
func (p *Posterior) LogProb(x *Node) *Node {
	p.assertInitialized("LogProb")
	if !x.Shape().Equal(p.Mean.Shape()) {
		exceptions.Panicf("latents: Posterior.LogProb requires x with the posterior shape %s, got x.shape=%s",
			p.Mean.Shape(), x.Shape())
	}
	diff := Sub(x, p.Mean)
	variance := Exp(p.LogVar)
	sumSquares := ReduceSum(Div(Square(diff), variance), -1)
	logDet := ReduceSum(p.LogVar, -1)
	normalization := float64(p.latent.dim) * math.Log(2*math.Pi)
	return MulScalar(AddScalar(Add(sumSquares, logDet), normalization), -0.5)
}

// SampleKL returns the single-sample Monte-Carlo estimate of
// KL(posterior || prior) per row: LogProb(Sample) - prior.LogProb(Sample).
//
// It works for any prior with a log-density. The estimate is unbiased but
// high-variance for a single draw; averaging over repeated Sample calls
// converges to the true divergence (at the analytic value for priors that
// provide one).
func (p *Posterior) SampleKL() *Node {
	p.assertInitialized("SampleKL")
	return Sub(p.LogProb(p.Sample), p.latent.prior.LogProb(p.Sample))
}

// AnalyticKL returns the exact closed-form KL(posterior || prior) per row.
//
// It requires a prior that knows the closed form for diagonal Gaussian
// posteriors (priors.HasAnalyticKL, e.g. priors.IsoGaussian) and panics with
// a configuration error otherwise: there is no silent fallback to the
// sampled estimate. Being exact, it is variance-free and preferred over
// SampleKL whenever available.
func (p *Posterior) AnalyticKL() *Node {
	p.assertInitialized("AnalyticKL")
	withKL, ok := p.latent.prior.(priors.HasAnalyticKL)
	if !ok {
		exceptions.Panicf("latents: AnalyticKL requires a prior with a closed-form KL for diagonal Gaussian posteriors (priors.HasAnalyticKL), but the unit was configured with %T: use SampleKL instead",
			p.latent.prior)
	}
	return withKL.AnalyticKL(p.Mean, p.LogVar)
}

// KL returns the divergence from the prior per row, using the analytic form
// when the prior provides one and the Monte-Carlo estimate otherwise.
func (p *Posterior) KL() *Node {
	p.assertInitialized("KL")
	if _, ok := p.latent.prior.(priors.HasAnalyticKL); ok {
		return p.AnalyticKL()
	}
	return p.SampleKL()
}

func (p *Posterior) assertInitialized(op string) {
	if p == nil || p.latent == nil || p.Sample == nil {
		exceptions.Panicf("latents: Posterior.%s on an uninitialized posterior: it must be created by DiagonalGaussian.Sample or SampleWithNoise", op)
	}
}
