/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package governor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/acronis/go-governor/log"
	"github.com/acronis/go-governor/lrucache"
	"github.com/acronis/go-governor/snapshot"
)

// MaintenanceOpts represents options for the Maintenance.
type MaintenanceOpts struct {
	// Storage is used for restoring the cache on start and for snapshots. Persistence is disabled if nil.
	Storage snapshot.Storage

	// SnapshotSchedule is a cron expression for periodic snapshots. Periodic snapshots are disabled if empty.
	SnapshotSchedule string

	// SweepInterval is an interval of the proactive removal of expired entries. Zero disables sweeping.
	SweepInterval time.Duration

	// Logger is used for reporting maintenance activity. Disabled by default.
	Logger log.FieldLogger
}

// Maintenance runs background housekeeping of the cache: restore on start, scheduled snapshots,
// periodic sweeping of expired entries, and a final snapshot on stop.
type Maintenance[V any] struct {
	cache         *lrucache.Cache[V]
	storage       snapshot.Storage
	schedule      string
	sweepInterval time.Duration
	logger        log.FieldLogger

	mu           sync.Mutex
	running      bool
	cron         *cron.Cron
	sweepCancel  context.CancelFunc
	sweepDone    chan struct{}
	snapshotsCtx context.Context
}

// NewMaintenance creates a new Maintenance for the given cache.
func NewMaintenance[V any](cache *lrucache.Cache[V], opts MaintenanceOpts) (*Maintenance[V], error) {
	if cache == nil {
		return nil, fmt.Errorf("cache must be specified")
	}
	if opts.SweepInterval < 0 {
		return nil, fmt.Errorf("sweep interval cannot be negative")
	}
	if opts.SnapshotSchedule != "" {
		if _, err := cron.ParseStandard(opts.SnapshotSchedule); err != nil {
			return nil, fmt.Errorf("invalid cron schedule %q: %w", opts.SnapshotSchedule, err)
		}
	}
	return &Maintenance[V]{
		cache:         cache,
		storage:       opts.Storage,
		schedule:      opts.SnapshotSchedule,
		sweepInterval: opts.SweepInterval,
		logger:        log.OrDisabled(opts.Logger),
	}, nil
}

// NewMaintenanceFromConfig creates a new Maintenance configured by the cache section of the configuration.
// Snapshots are stored in the file at Cache.PersistPath, failed file operations are retried.
func NewMaintenanceFromConfig[V any](cache *lrucache.Cache[V], cfg *Config, logger log.FieldLogger) (*Maintenance[V], error) {
	opts := MaintenanceOpts{SweepInterval: cfg.Cache.SweepInterval, Logger: logger}
	if cfg.Cache.PersistPath != "" {
		fileStorage := snapshot.NewFileStorageWithOpts(cfg.Cache.PersistPath, snapshot.FileStorageOpts{Logger: logger})
		opts.Storage = snapshot.NewRetryingStorageWithOpts(fileStorage, snapshot.RetryingStorageOpts{Logger: logger})
		opts.SnapshotSchedule = cfg.Cache.SnapshotSchedule
	}
	return NewMaintenance[V](cache, opts)
}

// Start restores the cache from the storage and starts background jobs. It returns immediately.
// The context is used for the restore and for all scheduled snapshots.
func (m *Maintenance[V]) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("maintenance is already running")
	}

	if m.storage != nil {
		m.cache.RestoreFrom(ctx, m.storage)
	}

	if m.storage != nil && m.schedule != "" {
		cronLogger := cronLogAdapter{m.logger}
		m.cron = cron.New(cron.WithLogger(cronLogger), cron.WithChain(cron.Recover(cronLogger)))
		m.snapshotsCtx = context.WithoutCancel(ctx)
		if _, err := m.cron.AddFunc(m.schedule, m.snapshotJob); err != nil {
			m.cron = nil
			return fmt.Errorf("schedule cache snapshots: %w", err)
		}
		m.cron.Start()
	}

	if m.sweepInterval > 0 {
		sweepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		m.sweepCancel = cancel
		m.sweepDone = make(chan struct{})
		go m.runSweeping(sweepCtx, m.sweepDone)
	}

	m.running = true
	m.logger.Info("cache maintenance started",
		log.String("snapshot_schedule", m.schedule), log.Duration("sweep_interval", m.sweepInterval))
	return nil
}

// Stop stops background jobs waiting for the running ones and saves the final snapshot.
// All jobs are signaled to stop before waiting, so they never outlive Stop even if it returns early.
// If the context is done before the jobs are finished, the context error is returned and
// the final snapshot is not saved.
func (m *Maintenance[V]) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	var jobsDone []<-chan struct{}
	if m.cron != nil {
		jobsDone = append(jobsDone, m.cron.Stop().Done())
		m.cron = nil
	}
	if m.sweepCancel != nil {
		m.sweepCancel()
		jobsDone = append(jobsDone, m.sweepDone)
		m.sweepCancel, m.sweepDone = nil, nil
	}
	m.running = false

	for _, done := range jobsDone {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if m.storage != nil {
		m.cache.SnapshotTo(ctx, m.storage)
	}
	m.logger.Info("cache maintenance stopped")
	return nil
}

// SnapshotNow saves the cache snapshot immediately and returns the number of saved entries.
func (m *Maintenance[V]) SnapshotNow(ctx context.Context) int {
	if m.storage == nil {
		return 0
	}
	return m.cache.SnapshotTo(ctx, m.storage)
}

func (m *Maintenance[V]) snapshotJob() {
	m.cache.SnapshotTo(m.snapshotsCtx, m.storage)
}

func (m *Maintenance[V]) runSweeping(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		if p := recover(); p != nil {
			const logStackSize = 8192
			stack := make([]byte, logStackSize)
			stack = stack[:runtime.Stack(stack, false)]
			m.logger.Error(fmt.Sprintf("panic in cache sweeping: %+v", p), log.Bytes("stack", stack))
		}
	}()
	m.cache.RunPeriodicCleanup(ctx, m.sweepInterval)
}

// cronLogAdapter adapts log.FieldLogger to cron.Logger.
type cronLogAdapter struct {
	logger log.FieldLogger
}

func (a cronLogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug("cron: "+msg, keysAndValuesToFields(keysAndValues)...)
}

func (a cronLogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Error("cron: "+msg, append(keysAndValuesToFields(keysAndValues), log.Error(err))...)
}

func keysAndValuesToFields(keysAndValues []interface{}) []log.Field {
	fields := make([]log.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		fields = append(fields, log.Any(key, keysAndValues[i+1]))
	}
	return fields
}
