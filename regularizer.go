package latents

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"k8s.io/klog/v2"
)

const (
	// ParamKLWeight is the hyperparameter with the scale of the KL term added
	// to the loss by AddKLRegularization. Set it to 0 to disable the term.
	// The default is 1.0 (float64).
	ParamKLWeight = "latents_kl_weight"

	// ParamKLEstimator is the hyperparameter selecting the KL estimator used
	// by AddKLRegularization. Valid values are "auto" (the default, also ""),
	// which uses the analytic form when the prior provides one and the
	// Monte-Carlo estimate otherwise, "analytic", which requires a prior
	// with a closed form, and "monte_carlo", which always uses the sampled
	// estimate.
	ParamKLEstimator = "latents_kl_estimator"
)

// AddKLRegularization adds the posterior's divergence from the prior to the
// training objective, as weight * mean(KL) over the batch, using
// train.AddLoss. The weight and the estimator are read from the context
// hyperparameters ParamKLWeight and ParamKLEstimator; a weight of 0 is a
// no-op.
//
// This is the usual hookup of a VAE latent unit: the reconstruction term is
// the model's main loss and the KL term regularizes the posterior toward the
// prior.
func AddKLRegularization(ctx *context.Context, post *Posterior) {
	weight := context.GetParamOr(ctx, ParamKLWeight, 1.0)
	if weight == 0 {
		return
	}
	estimator := context.GetParamOr(ctx, ParamKLEstimator, "auto")
	var kl *Node
	switch estimator {
	case "auto", "":
		kl = post.KL()
	case "analytic":
		kl = post.AnalyticKL()
	case "monte_carlo":
		kl = post.SampleKL()
	default:
		exceptions.Panicf("latents: invalid %q value %q: valid values are \"auto\", \"analytic\" or \"monte_carlo\"",
			ParamKLEstimator, estimator)
	}
	if klog.V(2).Enabled() {
		klog.Infof("latents: adding KL regularization term (estimator=%q, weight=%g)", estimator, weight)
	}
	train.AddLoss(ctx, MulScalar(ReduceAllMean(kl), weight))
}
