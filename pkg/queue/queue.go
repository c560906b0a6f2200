// Package queue prefetches training patches into a bounded, shuffled buffer.
//
// A Queue walks a SubjectSource once per epoch. For every subject it draws
// SamplesPerVolume patches with the configured sampler and pushes them into a
// buffer of at most Length patches. The consumer pulls patches with Next in
// random order, which mixes patches from several subjects even though
// subjects are loaded one at a time.
//
// With NumWorkers == 0 the buffer is refilled on the caller's goroutine
// whenever Next finds it empty. With NumWorkers > 0, that many goroutines load
// and sample subjects in the background and block while the buffer is full.
//
// The end of an epoch is reported by ErrEpochExhausted; call Reset to start
// the next one. Close must be called to stop background workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"volpatch/internal/logger"
	"volpatch/internal/models"
	"volpatch/pkg/sampler"
)

var (
	// ErrEpochExhausted is returned by Next once every subject of the epoch
	// has been sampled and every patch consumed. It is not a failure.
	ErrEpochExhausted = errors.New("epoch exhausted")

	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue closed")
)

// SubjectSource is a finite, indexable collection of subjects.
type SubjectSource interface {
	Len() int
	Get(ctx context.Context, i int) (*models.Subject, error)
}

// Transform is applied to each subject after loading and before sampling.
// It must not modify shared state.
type Transform func(*models.Subject) (*models.Subject, error)

// Config holds the queue parameters.
type Config struct {
	// Length is the buffer capacity in patches
	Length int

	// SamplesPerVolume is the number of patches drawn from each subject
	SamplesPerVolume int

	// NumWorkers is the number of background goroutines; 0 populates the
	// buffer synchronously inside Next
	NumWorkers int

	// Sampler chooses patch windows for each subject
	Sampler sampler.Sampler

	// ShuffleSubjects visits subjects in a new random order every epoch
	ShuffleSubjects bool

	// Transforms run in order on every loaded subject
	Transforms []Transform

	// Seed makes buffer draws and subject shuffling reproducible; 0 picks a
	// random seed
	Seed uint64
}

// Validate checks the configuration values.
func (c Config) Validate() error {
	if c.Length <= 0 {
		return fmt.Errorf("queue length must be positive, got %d", c.Length)
	}
	if c.SamplesPerVolume <= 0 {
		return fmt.Errorf("samples per volume must be positive, got %d", c.SamplesPerVolume)
	}
	if c.NumWorkers < 0 {
		return fmt.Errorf("number of workers must not be negative, got %d", c.NumWorkers)
	}
	if c.Sampler == nil {
		return fmt.Errorf("sampler is required")
	}
	return nil
}

// Option configures optional queue collaborators.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithMetrics sets the Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// Queue is a bounded, shuffled patch buffer fed from a SubjectSource.
//
// Next, NextBatch and the accessors are safe for concurrent use. Reset and
// Close wait for background workers to stop.
type Queue struct {
	source  SubjectSource
	cfg     Config
	log     *slog.Logger
	metrics *Metrics

	buf    *buffer
	cursor *cursor

	produced atomic.Int64
	consumed atomic.Int64

	// mu guards the lifecycle fields below and serializes synchronous
	// population
	mu      sync.Mutex
	rng     *rand.Rand
	epoch   int
	runID   string
	pending []*models.Patch
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
}

// New validates cfg and starts the first epoch. With NumWorkers > 0 the
// workers start prefetching immediately.
func New(source SubjectSource, cfg Config, opts ...Option) (*Queue, error) {
	if source == nil {
		return nil, fmt.Errorf("subject source is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	q := &Queue{
		source: source,
		cfg:    cfg,
		log:    logger.Discard(),
		rng:    rand.New(rand.NewPCG(seed, seed+1)),
		cursor: newCursor(nil),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.buf = newBuffer(cfg.Length, rand.New(rand.NewPCG(seed+2, seed+3)))

	q.mu.Lock()
	defer q.mu.Unlock()
	q.startEpochLocked()
	return q, nil
}

// startEpochLocked resets the cursor and launches workers. q.mu must be held
// and no workers may be running.
func (q *Queue) startEpochLocked() {
	q.epoch++
	q.runID = uuid.NewString()
	q.produced.Store(0)
	q.consumed.Store(0)
	q.pending = nil
	q.buf.reset()
	q.cursor.reset(q.subjectOrder())
	q.metrics.epochStarted()

	q.log.Info("epoch started",
		logger.KeyEpoch, q.epoch,
		logger.KeyRunID, q.runID,
		"subjects", q.source.Len(),
		"workers", q.cfg.NumWorkers)

	if q.cfg.NumWorkers > 0 {
		q.startWorkersLocked()
	}
}

func (q *Queue) subjectOrder() []int {
	n := q.source.Len()
	if q.cfg.ShuffleSubjects {
		return q.rng.Perm(n)
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}

func (q *Queue) startWorkersLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < q.cfg.NumWorkers; w++ {
		g.Go(func() error {
			return q.work(gctx, w)
		})
	}

	done := make(chan struct{})
	epoch := q.epoch
	go func() {
		defer close(done)
		err := g.Wait()
		if ctx.Err() != nil {
			// torn down by Reset or Close
			err = nil
		}
		if err != nil {
			q.log.Error("population stopped", logger.KeyEpoch, epoch, logger.KeyError, err)
		} else {
			q.log.Debug("population finished", logger.KeyEpoch, epoch)
		}
		q.buf.finish(err)
	}()

	q.cancel = cancel
	q.done = done
}

// stopWorkersLocked cancels background workers and waits for them to
// return. q.mu must be held.
func (q *Queue) stopWorkersLocked() {
	if q.cancel == nil {
		return
	}
	q.cancel()
	<-q.done
	q.cancel = nil
	q.done = nil
}

// work is the body of one background worker.
func (q *Queue) work(ctx context.Context, id int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		idx, ok := q.cursor.next()
		if !ok {
			return nil
		}

		patches, err := q.loadAndSample(ctx, idx, id)
		if err != nil {
			return err
		}
		for _, p := range patches {
			if err := q.buf.push(ctx, p); err != nil {
				return err
			}
			q.produced.Add(1)
			q.metrics.produced(q.buf.len())
		}
	}
}

// loadAndSample loads subject idx, applies the transforms and draws its
// patches.
func (q *Queue) loadAndSample(ctx context.Context, idx, worker int) ([]*models.Patch, error) {
	subject, err := q.source.Get(ctx, idx)
	if err != nil {
		q.metrics.workerError()
		return nil, fmt.Errorf("loading subject %d: %w", idx, err)
	}

	for i, tr := range q.cfg.Transforms {
		subject, err = tr(subject)
		if err != nil {
			q.metrics.workerError()
			return nil, fmt.Errorf("transform %d on subject %d: %w", i, idx, err)
		}
	}

	patches, err := sampler.Sample(q.cfg.Sampler, subject, q.cfg.SamplesPerVolume)
	if err != nil {
		q.metrics.workerError()
		return nil, fmt.Errorf("sampling subject %d: %w", idx, err)
	}

	q.metrics.subjectLoaded()
	q.log.Debug("subject sampled",
		logger.KeySubject, subject.ID,
		logger.KeyIndex, idx,
		logger.KeyWorker, worker,
		logger.KeyPatches, len(patches))
	return patches, nil
}

// fillLocked refills the buffer on the caller's goroutine. q.mu must be held.
func (q *Queue) fillLocked(ctx context.Context) error {
	for q.buf.len() < q.buf.capacity {
		if len(q.pending) == 0 {
			idx, ok := q.cursor.next()
			if !ok {
				q.buf.finish(nil)
				return nil
			}
			patches, err := q.loadAndSample(ctx, idx, 0)
			if err != nil {
				q.buf.finish(err)
				return err
			}
			q.pending = patches
		}

		if !q.buf.tryPush(q.pending[0]) {
			break
		}
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.produced.Add(1)
		q.metrics.produced(q.buf.len())
	}
	return nil
}

// Next returns a patch drawn uniformly from the buffered ones. It blocks
// while the buffer is empty and workers are still producing, until ctx is
// done. After the last patch of the epoch it returns ErrEpochExhausted. A
// failure while loading or sampling a subject is returned as soon as it
// happens.
func (q *Queue) Next(ctx context.Context) (*models.Patch, error) {
	var (
		p   *models.Patch
		err error
	)
	if q.cfg.NumWorkers == 0 {
		p, err = q.nextSync(ctx)
	} else {
		p, err = q.buf.pop(ctx)
	}
	if err != nil {
		return nil, err
	}
	q.consumed.Add(1)
	q.metrics.consumed(q.buf.len())
	return p, nil
}

// nextSync refills and pops under q.mu, so concurrent callers cannot take
// the patch another caller just produced and leave it waiting with no
// producer. After fillLocked the buffer is non-empty or finished, so pop does
// not block.
func (q *Queue) nextSync(ctx context.Context) (*models.Patch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}
	if q.buf.len() == 0 {
		if err := q.fillLocked(ctx); err != nil {
			return nil, err
		}
	}
	return q.buf.pop(ctx)
}

// NextBatch returns up to size patches. The last batch of an epoch may be
// short; once nothing is left it returns ErrEpochExhausted.
func (q *Queue) NextBatch(ctx context.Context, size int) ([]*models.Patch, error) {
	if size <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", size)
	}

	batch := make([]*models.Patch, 0, size)
	for len(batch) < size {
		p, err := q.Next(ctx)
		if errors.Is(err, ErrEpochExhausted) && len(batch) > 0 {
			return batch, nil
		}
		if err != nil {
			return nil, err
		}
		batch = append(batch, p)
	}
	return batch, nil
}

// Reset discards buffered patches, stops the current epoch's workers and
// starts a new epoch.
func (q *Queue) Reset() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	q.stopWorkersLocked()
	q.startEpochLocked()
	return nil
}

// Close stops the workers, waits for them to return and releases the
// buffer. It is safe to call more than once.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	q.buf.close()
	q.stopWorkersLocked()
	q.pending = nil

	q.log.Info("queue closed",
		logger.KeyEpoch, q.epoch,
		"produced", q.produced.Load(),
		"consumed", q.consumed.Load())
	return nil
}

// Len returns the number of buffered patches.
func (q *Queue) Len() int {
	return q.buf.len()
}

// Capacity returns the buffer capacity.
func (q *Queue) Capacity() int {
	return q.cfg.Length
}

// PeakLen returns the largest number of patches buffered at once during the
// current epoch.
func (q *Queue) PeakLen() int {
	return q.buf.peakLen()
}

// Produced returns the number of patches pushed during the current epoch.
func (q *Queue) Produced() int {
	return int(q.produced.Load())
}

// Consumed returns the number of patches returned by Next during the
// current epoch.
func (q *Queue) Consumed() int {
	return int(q.consumed.Load())
}

// Epoch returns the current epoch number, starting at 1.
func (q *Queue) Epoch() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.epoch
}

// PatchesPerEpoch returns the number of patches one epoch yields.
func (q *Queue) PatchesPerEpoch() int {
	return q.source.Len() * q.cfg.SamplesPerVolume
}
