package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"volpatch/internal/logger"
	"volpatch/internal/models"
	"volpatch/pkg/config"
	"volpatch/pkg/dataset"
	"volpatch/pkg/queue"
	"volpatch/pkg/sampler"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Drain shuffled patch batches from the dataset",
	Long: `Run the patch queue over the dataset for the configured number of
epochs, taking batches the way a training loop would, and report what was
drawn.

Set output.metricsAddr to expose queue metrics for Prometheus while running.

Examples:
  volpatch train --config volpatch.yaml`,
	RunE: runTrain,
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, closer, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source, err := dataset.NewSliceDirSource(cfg.Dataset.Root, cfg.Dataset.LabelChannels)
	if err != nil {
		return err
	}

	smp, err := sampler.New(sampler.Kind(cfg.Sampler.Type), models.Point3(cfg.Patch.Size), cfg.SamplerOptions()...)
	if err != nil {
		return err
	}

	opts := []queue.Option{queue.WithLogger(log)}
	if cfg.Output.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		opts = append(opts, queue.WithMetrics(queue.NewMetrics(registry)))
		shutdown := serveMetrics(cfg.Output.MetricsAddr, registry, log)
		defer shutdown()
	}

	q, err := queue.New(source, queue.Config{
		Length:           cfg.Queue.Length,
		SamplesPerVolume: cfg.Queue.SamplesPerVolume,
		NumWorkers:       cfg.Queue.NumWorkers,
		Sampler:          smp,
		ShuffleSubjects:  cfg.Queue.ShuffleSubjects,
		Seed:             cfg.Sampler.Seed,
	}, opts...)
	if err != nil {
		return err
	}
	defer q.Close()

	cmd.Printf("Dataset: %d subjects from %s\n", source.Len(), cfg.Dataset.Root)
	cmd.Printf("Queue: length %d, %d patches per epoch, %d workers\n",
		q.Capacity(), q.PatchesPerEpoch(), cfg.Queue.NumWorkers)

	for epoch := 1; epoch <= cfg.Queue.Epochs; epoch++ {
		if epoch > 1 {
			if err := q.Reset(); err != nil {
				return err
			}
		}

		start := time.Now()
		stats, err := drainEpoch(ctx, q, cfg, log)
		if err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}

		cmd.Printf("Epoch %d: %d batches, %d patches from %d subjects, peak buffer %d, mean intensity %.4f (%.2fs)\n",
			epoch, stats.batches, stats.patches, len(stats.subjects), q.PeakLen(), stats.mean(), time.Since(start).Seconds())
	}
	return nil
}

type epochStats struct {
	batches  int
	patches  int
	sum      float64
	voxels   int
	subjects map[string]int
}

func (s *epochStats) mean() float64 {
	if s.voxels == 0 {
		return 0
	}
	return s.sum / float64(s.voxels)
}

// drainEpoch takes batches until the epoch is exhausted.
func drainEpoch(ctx context.Context, q *queue.Queue, cfg *config.Config, log *slog.Logger) (*epochStats, error) {
	stats := &epochStats{subjects: make(map[string]int)}
	for {
		batch, err := q.NextBatch(ctx, cfg.Queue.BatchSize)
		if errors.Is(err, queue.ErrEpochExhausted) {
			return stats, nil
		}
		if err != nil {
			return nil, err
		}

		stats.batches++
		stats.patches += len(batch)
		for _, p := range batch {
			stats.subjects[p.SubjectID]++
			for _, img := range p.Images {
				if img.Type != models.Intensity {
					continue
				}
				for _, v := range img.Data {
					stats.sum += v
				}
				stats.voxels += len(img.Data)
			}
		}
		log.Debug("batch",
			logger.KeyEpoch, q.Epoch(),
			logger.KeyPatches, len(batch),
			logger.KeyBuffered, q.Len())
	}
}

// serveMetrics exposes registry on addr/metrics and returns a function that
// shuts the server down.
func serveMetrics(addr string, registry *prometheus.Registry, log *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", logger.KeyError, err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
