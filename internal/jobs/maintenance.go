package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/kiosk-pairing-go/internal/config"
	"github.com/openclaw/kiosk-pairing-go/internal/metrics"
)

// TaskFunc performs one maintenance pass and reports how many rows it touched.
type TaskFunc func(ctx context.Context) (int64, error)

type Task struct {
	Name     string
	Interval time.Duration
	Run      TaskFunc
}

// MaintenanceJob runs each task on its own ticker, once immediately at start
// and then every interval until stopped.
type MaintenanceJob struct {
	tasks   []Task
	timeout time.Duration
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func NewMaintenanceJob(tasks ...Task) *MaintenanceJob {
	return &MaintenanceJob{
		tasks:   tasks,
		timeout: config.MaintenanceTimeout,
		done:    make(chan struct{}),
	}
}

func (j *MaintenanceJob) Start() {
	for _, task := range j.tasks {
		if task.Interval <= 0 || task.Run == nil {
			log.Warn().Str("task", task.Name).Msg("skipping maintenance task without interval")
			continue
		}
		j.wg.Add(1)
		go j.run(task)
		log.Info().Str("task", task.Name).Dur("interval", task.Interval).Msg("maintenance task started")
	}
}

// Stop signals every task loop and waits for in-flight passes to finish.
func (j *MaintenanceJob) Stop() {
	j.once.Do(func() { close(j.done) })
	j.wg.Wait()
	log.Info().Msg("maintenance job stopped")
}

func (j *MaintenanceJob) run(task Task) {
	defer j.wg.Done()

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	j.runOnce(task)

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.runOnce(task)
		}
	}
}

func (j *MaintenanceJob) runOnce(task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	count, err := task.Run(ctx)
	if err != nil {
		metrics.MaintenanceRuns.WithLabelValues(task.Name, "error").Inc()
		log.Error().Err(err).Str("task", task.Name).Msg("maintenance task failed")
		return
	}

	metrics.MaintenanceRuns.WithLabelValues(task.Name, "ok").Inc()
	if count > 0 {
		log.Debug().Int64("count", count).Str("task", task.Name).Msg("maintenance task completed")
	}
}

// Pairer is the slice of the pairing service the maintenance tasks drive.
type Pairer interface {
	ExpireSweep(ctx context.Context) (int, error)
	Reconcile(ctx context.Context) (int, error)
	Archive(ctx context.Context, retention time.Duration) (int64, error)
}

// PairingTasks returns the sweep, reconcile and archive tasks for a pairing
// service. Reconcile shares the sweep cadence.
func PairingTasks(p Pairer, sweepInterval, retention time.Duration) []Task {
	return []Task{
		{
			Name:     "sweep",
			Interval: sweepInterval,
			Run: func(ctx context.Context) (int64, error) {
				n, err := p.ExpireSweep(ctx)
				return int64(n), err
			},
		},
		{
			Name:     "reconcile",
			Interval: sweepInterval,
			Run: func(ctx context.Context) (int64, error) {
				n, err := p.Reconcile(ctx)
				return int64(n), err
			},
		},
		{
			Name:     "archive",
			Interval: config.ArchiveJobInterval,
			Run: func(ctx context.Context) (int64, error) {
				return p.Archive(ctx, retention)
			},
		},
	}
}
