// kl_convergence draws reparameterized samples from a diagonal Gaussian
// latent unit and reports the running mean of the Monte-Carlo KL estimates
// converging to the closed-form analytic value.
//
// The posterior is fixed (one random input batch, frozen for the whole run),
// so every sampling pass estimates the same divergence and the running mean
// approaches the analytic value at the usual 1/sqrt(N) rate. Use -csv to dump
// the running estimate per step.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/latents"
	"github.com/gomlx/latents/priors"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDim      = flag.Int("dim", 8, "Dimensionality of the latent space.")
	flagInputDim = flag.Int("input_dim", 32, "Dimensionality of the input features.")
	flagBatch    = flag.Int("batch", 16, "Number of input rows; the KL is averaged over them.")
	flagSamples  = flag.Int("samples", 10_000, "Number of independent sampling passes.")
	flagSeed     = flag.Int64("seed", 42, "Seed for the random number generator.")
	flagCSV      = flag.String("csv", "", "If set, write the running estimate per step to this CSV file.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	err := exceptions.TryCatch[error](run)
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func run() {
	backend := backends.MustNew()
	ctx := context.New()
	ctx.RngStateFromSeed(*flagSeed)
	unit := latents.New(*flagDim, priors.NewIsoGaussian(*flagDim)).
		Build(ctx, dtypes.Float64, *flagInputDim)

	// One frozen input batch: the posterior stays the same across passes, so
	// all the Monte-Carlo estimates target the same divergence.
	input := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return ctx.RandomNormal(g, shapes.Make(dtypes.Float64, *flagBatch, *flagInputDim))
	})

	analytic := context.ExecOnce(backend, ctx.Reuse(), func(ctx *context.Context, x *Node) *Node {
		post := unit.SampleWithNoise(x, ScalarZero(x.Graph(), dtypes.Float64))
		return ReduceAllMean(post.AnalyticKL())
	}, input)
	analyticKL := tensors.ToScalar[float64](analytic)
	fmt.Printf("Analytic KL (dim=%d, input_dim=%d, batch=%d): %.6f\n",
		*flagDim, *flagInputDim, *flagBatch, analyticKL)

	var csvFile *os.File
	if *flagCSV != "" {
		csvFile = must.M1(os.Create(*flagCSV))
		must.M1(fmt.Fprintln(csvFile, "step,estimate,running_mean"))
	}

	// Each Call threads the context RNG state, so every pass draws fresh
	// noise.
	exec := context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, x *Node) *Node {
		post := unit.Sample(ctx, x)
		return ReduceAllMean(post.SampleKL())
	})
	bar := progressbar.Default(int64(*flagSamples), "Sampling")
	var sum float64
	for step := 1; step <= *flagSamples; step++ {
		estimate := tensors.ToScalar[float64](exec.Call(input)[0])
		sum += estimate
		if csvFile != nil {
			must.M1(fmt.Fprintf(csvFile, "%d,%g,%g\n", step, estimate, sum/float64(step)))
		}
		_ = bar.Add(1)
	}
	if csvFile != nil {
		if err := csvFile.Close(); err != nil {
			panic(errors.Wrapf(err, "closing CSV file %q", *flagCSV))
		}
	}

	mcKL := sum / float64(*flagSamples)
	fmt.Printf("Monte-Carlo KL after %s passes: %.6f (absolute error %.2g)\n",
		humanize.Comma(int64(*flagSamples)), mcKL, math.Abs(mcKL-analyticKL))
}
