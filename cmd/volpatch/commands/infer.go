package commands

import (
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"volpatch/internal/logger"
	"volpatch/internal/models"
	"volpatch/pkg/aggregator"
	"volpatch/pkg/dataset"
	"volpatch/pkg/evaluation"
	"volpatch/pkg/filter"
	"volpatch/pkg/sampler"
	"volpatch/pkg/visualization"
)

var (
	inferSubject string
	inferChannel string
	inferModel   string
	inferCutoff  float64
)

var inferCmd = &cobra.Command{
	Use:   "infer",
	Short: "Tile a subject, run a model on every patch and reassemble the volume",
	Long: `Tile one subject with the configured patch size and overlap, pass every
patch through a model, average the outputs back into a full volume and
compare it with the input channel.

Models:
  identity  returns the patch unchanged; the reconstruction must match the input
  smooth    3x3x3 mean filter inside each patch
  lowpass   FFT low-pass inside each patch, see --cutoff

Set output.slicesDir to save x, y and z slices of the reconstruction.

Examples:
  volpatch infer --subject subject_000
  volpatch infer --subject subject_000 --model smooth --channel t1`,
	RunE: runInfer,
}

func init() {
	inferCmd.Flags().StringVar(&inferSubject, "subject", "", "Subject ID (default: first subject)")
	inferCmd.Flags().StringVar(&inferChannel, "channel", "t1", "Channel to reconstruct")
	inferCmd.Flags().StringVar(&inferModel, "model", "identity", "Model to run: identity, smooth or lowpass")
	inferCmd.Flags().Float64Var(&inferCutoff, "cutoff", 0.5, "Low-pass cutoff as a fraction of Nyquist")
}

// patchModel maps one patch image to a prediction of the same shape.
type patchModel func(*models.Image) (*models.Image, error)

func modelByName(name string) (patchModel, error) {
	switch name {
	case "identity":
		return func(img *models.Image) (*models.Image, error) { return img, nil }, nil
	case "smooth":
		return func(img *models.Image) (*models.Image, error) { return filter.BoxMean(img), nil }, nil
	case "lowpass":
		return func(img *models.Image) (*models.Image, error) {
			return filter.LowPass(img, inferCutoff)
		}, nil
	default:
		return nil, fmt.Errorf("unknown model %q (must be identity, smooth or lowpass)", name)
	}
}

func runInfer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, closer, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	model, err := modelByName(inferModel)
	if err != nil {
		return err
	}

	source, err := dataset.NewSliceDirSource(cfg.Dataset.Root, cfg.Dataset.LabelChannels)
	if err != nil {
		return err
	}
	idx := 0
	if inferSubject != "" {
		idx = slices.Index(source.SubjectIDs(), inferSubject)
		if idx < 0 {
			return fmt.Errorf("subject %q not found in %s", inferSubject, cfg.Dataset.Root)
		}
	}
	subject, err := source.Get(cmd.Context(), idx)
	if err != nil {
		return err
	}
	input, ok := subject.Images[inferChannel]
	if !ok {
		return fmt.Errorf("subject %s has no channel %q (have %v)", subject.ID, inferChannel, subject.ChannelNames())
	}

	gs, err := sampler.NewGridSampler(subject, models.Point3(cfg.Patch.Size), models.Point3(cfg.Patch.Overlap))
	if err != nil {
		return err
	}

	aggOpts := []aggregator.Option{aggregator.WithLogger(log)}
	if cfg.Aggregator.Sentinel != nil {
		aggOpts = append(aggOpts, aggregator.WithSentinel(*cfg.Aggregator.Sentinel))
	}
	agg, err := aggregator.NewFromSampler(gs, input.Channels, aggOpts...)
	if err != nil {
		return err
	}

	cmd.Printf("Subject %s: shape %s, %d windows of %s\n", subject.ID, subject.Shape(), gs.Len(), gs.PatchSize())

	start := time.Now()
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(max(1, cfg.Queue.NumWorkers))
	for i := 0; i < gs.Len(); i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p, err := gs.Patch(i)
			if err != nil {
				return err
			}
			pred, err := model(p.Images[inferChannel])
			if err != nil {
				return fmt.Errorf("window %d: %w", i, err)
			}
			return agg.AddPatch(pred, p.Location)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	output, err := agg.Output()
	if err != nil {
		return err
	}
	covered, total := agg.Coverage()
	log.Info("reconstruction done",
		logger.KeySubject, subject.ID,
		logger.KeyPatches, gs.Len(),
		"covered", covered,
		"elapsed", time.Since(start))

	metrics, err := evaluation.Compare(input, output)
	if err != nil {
		return err
	}
	cmd.Printf("Reconstructed %d/%d voxels in %.2fs\n", covered, total, time.Since(start).Seconds())
	cmd.Printf("Validation metrics (%s model):\n", inferModel)
	cmd.Printf("  Root Mean Square Error (RMSE): %.6f\n", metrics.RMSE)
	cmd.Printf("  Max absolute error: %.6f\n", metrics.MaxAbsError)
	cmd.Printf("  Structural Similarity Index (SSIM): %.4f\n", metrics.SSIM)
	cmd.Printf("  Correlation: %.4f\n", metrics.Correlation)

	if cfg.Output.SlicesDir != "" {
		viewer, err := visualization.NewViewer(output, 0)
		if err != nil {
			return err
		}
		for _, axis := range []string{"x", "y", "z"} {
			axisDir := filepath.Join(cfg.Output.SlicesDir, subject.ID, axis)
			cmd.Printf("Saving %s-axis slices to: %s\n", axis, axisDir)
			if err := viewer.SaveSliceSequence(axis, axisDir); err != nil {
				log.Warn("failed to save slices", "axis", axis, logger.KeyError, err)
			}
		}
	}
	return nil
}
