// Package latents implements stochastic latent-variable units for variational
// auto-encoders on top of GoMLX.
//
// A DiagonalGaussian unit maps each input feature vector to the mean and
// log-variance of a diagonal Gaussian posterior over a lower-dimensional
// latent space, draws a differentiable sample from it (the reparameterization
// trick) and measures how far the posterior is from a fixed prior
// (see github.com/gomlx/latents/priors) with two KL divergence estimators: a
// single-sample Monte-Carlo estimate that works for any prior with a
// log-density, and a closed-form analytic estimate for priors that provide
// one.
//
// The unit has an explicit two-phase lifecycle: New configures dimensionality
// and prior, Build creates the two projection kernels. Sampling then returns
// an immutable Posterior snapshot holding the mean, log-variance and sample
// nodes of that pass, and the KL and log-density queries are methods on the
// snapshot:
//
//	unit := latents.New(8, priors.NewIsoGaussian(8)).
//		Build(ctx, dtypes.Float32, 128)
//	...
//	post := unit.Sample(ctx, x)     // x shaped [batch, 128]
//	decoded := decode(ctx, post.Sample)
//	latents.AddKLRegularization(ctx, post)
//
// The log-variance is used unclamped: exp(logVar) overflows for very large
// values and underflows to zero for very negative ones, in which case the
// log-density queries return non-finite values. Keeping logVar in a sane
// range is left to the host model.
package latents

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/latents/priors"
)

// Scope is the context scope under which Build creates the projection
// kernels. Build different units under different parent scopes (ctx.In) to
// keep their kernels apart.
const Scope = "diagonal_gaussian"

// DiagonalGaussian is a latent unit whose posterior is a Gaussian with
// diagonal covariance. It holds two learned bias-free projections from the
// input features, one to the posterior mean and one to its log-variance.
//
// Create it with New, create the kernels with Build, then call Sample (or
// SampleWithNoise) once per forward pass. A built unit is immutable and safe
// to share across graphs; all per-pass state lives in the returned Posterior.
type DiagonalGaussian struct {
	dim   int
	prior priors.Prior

	dtype        dtypes.DType
	inputDim     int
	meanKernel   *context.Variable
	logVarKernel *context.Variable
}

// New configures a diagonal Gaussian latent unit over dim dimensions,
// regularized toward the given prior. No weights are created yet: call Build
// before sampling.
//
// It panics if dim <= 0, prior is nil or the prior is defined over a
// different number of dimensions.
func New(dim int, prior priors.Prior) *DiagonalGaussian {
	if dim <= 0 {
		exceptions.Panicf("latents: dimension must be > 0, got %d", dim)
	}
	if prior == nil {
		exceptions.Panicf("latents: a unit requires a prior, got nil")
	}
	if prior.Dim() != dim {
		exceptions.Panicf("latents: prior is defined over %d dimensions, but the unit has dim=%d",
			prior.Dim(), dim)
	}
	return &DiagonalGaussian{dim: dim, prior: prior}
}

// Build creates the unit's two projection kernels, "mean_kernel" and
// "log_var_kernel", each shaped [inputDim, dim] with the given dtype, as
// variables under ctx.In(Scope). They are initialized with the Glorot/Xavier
// uniform scheme and have no bias term.
//
// Build must be called exactly once, before the first Sample, and panics on a
// non-float dtype, inputDim <= 0 or a second call. It returns the unit to
// allow chaining with New.
func (l *DiagonalGaussian) Build(ctx *context.Context, dtype dtypes.DType, inputDim int) *DiagonalGaussian {
	if l.meanKernel != nil {
		exceptions.Panicf("latents: Build called twice, the unit was already built with dtype=%s and inputDim=%d",
			l.dtype, l.inputDim)
	}
	if !dtype.IsFloat() {
		exceptions.Panicf("latents: Build requires a float dtype for the kernels, got %s", dtype)
	}
	if inputDim <= 0 {
		exceptions.Panicf("latents: Build requires inputDim > 0, got %d", inputDim)
	}
	l.dtype = dtype
	l.inputDim = inputDim
	kernelCtx := ctx.In(Scope).WithInitializer(initializers.GlorotUniformFn(ctx))
	l.meanKernel = kernelCtx.VariableWithShape("mean_kernel", shapes.Make(dtype, inputDim, l.dim))
	l.logVarKernel = kernelCtx.VariableWithShape("log_var_kernel", shapes.Make(dtype, inputDim, l.dim))
	return l
}

// Dim returns the dimensionality of the latent space.
func (l *DiagonalGaussian) Dim() int { return l.dim }

// InputDim returns the input feature dimensionality the unit was built for,
// or 0 if Build was not called yet.
func (l *DiagonalGaussian) InputDim() int { return l.inputDim }

// Prior returns the prior the unit regularizes its posterior toward.
func (l *DiagonalGaussian) Prior() priors.Prior { return l.prior }

// MeanKernel returns the variable of the input-to-mean projection, or nil if
// Build was not called yet.
func (l *DiagonalGaussian) MeanKernel() *context.Variable { return l.meanKernel }

// LogVarKernel returns the variable of the input-to-log-variance projection,
// or nil if Build was not called yet.
func (l *DiagonalGaussian) LogVarKernel() *context.Variable { return l.logVarKernel }

// OutputShape returns the shape of the unit's outputs (mean, log-variance
// and sample) for an input of the given shape: the last axis is replaced by
// Dim, all leading axes are preserved. Pure query, no side effects.
//
// It panics on a scalar input shape, or, on a built unit, if the input's last
// axis disagrees with the build-time inputDim.
func (l *DiagonalGaussian) OutputShape(input shapes.Shape) shapes.Shape {
	if input.Rank() < 1 {
		exceptions.Panicf("latents: OutputShape requires an input shape with at least one axis, got %s", input)
	}
	if l.meanKernel != nil && input.Dim(-1) != l.inputDim {
		exceptions.Panicf("latents: OutputShape input has %d features in the last axis, but the unit was built with inputDim=%d",
			input.Dim(-1), l.inputDim)
	}
	output := input.Clone()
	output.Dimensions[output.Rank()-1] = l.dim
	return output
}

// Sample projects x to the posterior parameters and draws one reparameterized
// sample per row: mean + eps*exp(logVar/2), with eps drawn i.i.d. from a
// standard normal per element using the context's random state (seed it with
// ctx.RngStateFromSeed for reproducibility). Each call draws fresh noise.
//
// x is shaped [..., inputDim] with the unit's dtype; leading axes are
// preserved. The returned Posterior snapshot holds the mean, log-variance and
// sample of this pass and answers the log-density and KL queries.
func (l *DiagonalGaussian) Sample(ctx *context.Context, x *Node) *Posterior {
	l.assertBuilt("Sample")
	mean, logVar := l.project(x)
	eps := ctx.RandomNormal(x.Graph(), mean.Shape())
	return l.newPosterior(mean, logVar, eps)
}

// SampleWithNoise is Sample with the standard-normal draw replaced by a
// caller-supplied noise tensor: sample = mean + noise*exp(logVar/2). The
// noise must have the posterior's shape and dtype, or be a scalar, which is
// broadcast. Sampling with zero noise returns the posterior mean.
//
// This makes the reparameterization explicit: the noise is the only
// stochastic ingredient, so substituting a deterministic value makes the
// whole pass deterministic.
func (l *DiagonalGaussian) SampleWithNoise(x, noise *Node) *Posterior {
	l.assertBuilt("SampleWithNoise")
	mean, logVar := l.project(x)
	if noise.DType() != l.dtype {
		exceptions.Panicf("latents: SampleWithNoise requires noise with the unit dtype %s, got %s",
			l.dtype, noise.DType())
	}
	if noise.Shape().IsScalar() {
		noise = BroadcastToDims(noise, mean.Shape().Dimensions...)
	} else if !noise.Shape().Equal(mean.Shape()) {
		exceptions.Panicf("latents: SampleWithNoise requires noise with the posterior shape %s (or a scalar), got noise.shape=%s",
			mean.Shape(), noise.Shape())
	}
	return l.newPosterior(mean, logVar, noise)
}

func (l *DiagonalGaussian) assertBuilt(op string) {
	if l.meanKernel == nil {
		exceptions.Panicf("latents: %s called before Build: create the unit's kernels with Build(ctx, dtype, inputDim) first", op)
	}
}

// project computes mean = x·W_mean and logVar = x·W_logvar, flattening and
// restoring leading axes for inputs of rank other than 2.
func (l *DiagonalGaussian) project(x *Node) (mean, logVar *Node) {
	if x.Rank() < 1 || x.Shape().Dim(-1) != l.inputDim {
		exceptions.Panicf("latents: input must be shaped [..., %d], got x.shape=%s", l.inputDim, x.Shape())
	}
	if x.DType() != l.dtype {
		exceptions.Panicf("latents: input dtype %s does not match the unit dtype %s", x.DType(), l.dtype)
	}
	g := x.Graph()
	flat := x
	if x.Rank() != 2 {
		flat = Reshape(x, -1, l.inputDim)
	}
	mean = Dot(flat, l.meanKernel.ValueGraph(g))
	logVar = Dot(flat, l.logVarKernel.ValueGraph(g))
	if x.Rank() != 2 {
		outputDims := slices.Clone(x.Shape().Dimensions)
		outputDims[len(outputDims)-1] = l.dim
		mean = Reshape(mean, outputDims...)
		logVar = Reshape(logVar, outputDims...)
	}
	return
}

func (l *DiagonalGaussian) newPosterior(mean, logVar, noise *Node) *Posterior {
	stddev := Exp(MulScalar(logVar, 0.5))
	return &Posterior{
		Mean:   mean,
		LogVar: logVar,
		Sample: Add(mean, Mul(noise, stddev)),
		latent: l,
	}
}
