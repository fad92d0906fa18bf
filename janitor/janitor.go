// Package janitor runs scheduled compaction of the document stores and the
// event journal.
package janitor

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"chatrelay/docstore"
	"chatrelay/models"
	"chatrelay/query"
)

// DefaultSchedule runs compaction every quarter hour.
const DefaultSchedule = "*/15 * * * *"

// Target is one store compacted by age. Documents are removed once every
// recipient has acknowledged them and TimeField is older than Retention.
type Target struct {
	Store     *docstore.Store
	TimeField string
	Retention time.Duration
}

// Pruner drops expired journal rows.
type Pruner interface {
	PruneExpired(now time.Time) (int64, error)
}

// Config wires a Janitor.
type Config struct {
	Schedule string
	Targets  []Target
	Journal  Pruner
	Logger   *zap.SugaredLogger
	Now      func() time.Time
}

// Report summarises one compaction run.
type Report struct {
	Documents map[string]int
	Events    int64
}

// Janitor owns the cron scheduler.
type Janitor struct {
	cfg  Config
	cron *cron.Cron
	log  *zap.SugaredLogger
}

// New validates cfg and registers the compaction job.
func New(cfg Config) (*Janitor, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	for _, t := range cfg.Targets {
		if t.Store == nil || t.TimeField == "" || t.Retention <= 0 {
			return nil, errors.New("janitor: target needs a store, a time field and a positive retention")
		}
	}

	j := &Janitor{
		cfg:  cfg,
		cron: cron.New(cron.WithLocation(time.UTC)),
		log:  cfg.Logger.Named("janitor"),
	}
	if _, err := j.cron.AddFunc(cfg.Schedule, j.run); err != nil {
		return nil, fmt.Errorf("janitor: schedule %q: %w", cfg.Schedule, err)
	}
	return j, nil
}

// Start begins the schedule.
func (j *Janitor) Start() {
	j.cron.Start()
	j.log.Infow("janitor started", "schedule", j.cfg.Schedule)
}

// Stop waits for a running job to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.log.Info("janitor stopped")
}

func (j *Janitor) run() {
	report, err := j.Compact()
	if err != nil {
		j.log.Errorw("compaction failed", "error", err)
		return
	}
	j.log.Infow("compaction done", "documents", report.Documents, "events", report.Events)
}

// Compact runs one compaction immediately.
func (j *Janitor) Compact() (Report, error) {
	now := j.cfg.Now()
	report := Report{Documents: make(map[string]int, len(j.cfg.Targets))}

	var errs []error
	for _, t := range j.cfg.Targets {
		n, err := compactStore(t, now)
		report.Documents[t.Store.Name()] = n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Store.Name(), err))
		}
	}

	if j.cfg.Journal != nil {
		n, err := j.cfg.Journal.PruneExpired(now)
		report.Events = n
		if err != nil {
			errs = append(errs, fmt.Errorf("journal: %w", err))
		}
	}
	return report, errors.Join(errs...)
}

func compactStore(t Target, now time.Time) (int, error) {
	cutoff := now.Add(-t.Retention)
	removed := 0

	err := t.Store.Atomically(func(tx *docstore.Tx) error {
		res, err := query.ExecTx(tx, query.Get().Where(query.Lt(t.TimeField, cutoff)))
		if err != nil {
			return err
		}
		for _, doc := range res.Documents {
			if !delivered(doc) {
				continue
			}
			del, err := query.ExecTx(tx, query.Delete().Where(query.Eq("id", doc.DocumentID())))
			if err != nil {
				return err
			}
			removed += del.Affected
		}
		return nil
	})
	return removed, err
}

// delivered reports whether every recipient acknowledged doc.
func delivered(doc docstore.Document) bool {
	addressed, ok := doc.(models.Addressed)
	if !ok {
		return false
	}
	for _, r := range addressed.RecipientStatuses() {
		if r.State() != models.DeliveryDelivered {
			return false
		}
	}
	return true
}
