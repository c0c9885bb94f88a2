package tier

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/errors"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/log"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/memory"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/owner"
)

// Sweeper sweeps one owner.
type Sweeper interface {
	Sweep(ctx context.Context, key owner.Key) (SweepReport, error)
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// Interval runs a pass every interval when Schedule is empty
	Interval time.Duration

	// Schedule is a cron expression, e.g. "0 3 * * *" or "@hourly"
	Schedule string

	// Concurrency bounds owners swept in parallel
	Concurrency int
}

// Scheduler sweeps every owner on a cron schedule. A pass that is still
// running when the next one is due causes that tick to be skipped.
type Scheduler struct {
	sweeper     Sweeper
	owners      memory.AdminStore
	concurrency int

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
}

// cronLogger routes cron's logging through slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// NewScheduler creates a stopped Scheduler.
func NewScheduler(sweeper Sweeper, owners memory.AdminStore, config SchedulerConfig) (*Scheduler, error) {
	spec := config.Schedule
	if spec == "" {
		if config.Interval <= 0 {
			return nil, errors.Wrap(errors.ErrInvalidInput, "sweep interval or schedule required")
		}
		spec = fmt.Sprintf("@every %s", config.Interval)
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}

	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		sweeper:     sweeper,
		owners:      owners,
		concurrency: config.Concurrency,
		cron:        c,
		ctx:         ctx,
		cancel:      cancel,
	}

	if _, err := c.AddFunc(spec, s.tick); err != nil {
		cancel()
		return nil, errors.Wrap(errors.ErrInvalidInput, "invalid sweep schedule %q: %v", spec, err)
	}
	return s, nil
}

func (s *Scheduler) tick() {
	if _, err := s.RunOnce(s.ctx); err != nil {
		log.Error("Scheduled tier sweep failed", "error", err)
	}
}

// Start begins scheduling. It is a no-op if already started.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	log.Info("Tier sweep scheduler started")
}

// Stop cancels running sweeps and waits for them to return, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	s.cancel()
	if !started {
		return nil
	}

	done := s.cron.Stop()
	select {
	case <-done.Done():
		log.Info("Tier sweep scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce sweeps every owner the store knows about and returns the reports
// ordered by owner. Owners whose sweep is already running are skipped;
// other failures are joined into the returned error.
func (s *Scheduler) RunOnce(ctx context.Context) ([]SweepReport, error) {
	keys, err := s.owners.ListOwners(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list owners")
	}

	var (
		mu      sync.Mutex
		reports []SweepReport
		errs    []error
	)

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			report, err := s.sweeper.Sweep(ctx, key)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, errors.ErrSweepInProgress):
				log.Info("Skipping owner with sweep in progress", "owner", key.String())
			case err != nil:
				errs = append(errs, fmt.Errorf("owner %s: %w", key, err))
			default:
				reports = append(reports, report)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(reports, func(i, j int) bool {
		return reports[i].Owner.String() < reports[j].Owner.String()
	})
	return reports, errors.Join(errs...)
}
