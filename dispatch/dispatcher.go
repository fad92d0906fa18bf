// Package dispatch delivers pending documents to connected recipients.
//
// The delivery state of one (document, recipient) pair is the pair of
// timestamps in its models.RecipientStatus: a pass only transmits to
// recipients whose sent_at is null, and re-checks that under the store lock
// immediately before sending so two passes can never both transmit.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chatrelay/docstore"
	"chatrelay/models"
	"chatrelay/query"
	"chatrelay/storage"
	"chatrelay/wire"
)

// DefaultInterval is the pause between two dispatch passes.
const DefaultInterval = 500 * time.Millisecond

// Conn is a live connection that queues outbound frames without blocking.
type Conn interface {
	Send(f wire.Frame) error
}

// Registry resolves a recipient key to its live connection.
type Registry interface {
	Resolve(recipientKey string) (Conn, bool)
}

// Journal records server events.
type Journal interface {
	LogEvent(event storage.Event) error
}

// Config wires a Dispatcher.
type Config struct {
	Registry Registry
	Stores   []*docstore.Store
	Journal  Journal
	Logger   *zap.SugaredLogger
	Interval time.Duration
	Now      func() time.Time
}

func (c Config) withDefaults() Config {
	out := c
	if out.Interval <= 0 {
		out.Interval = DefaultInterval
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop().Sugar()
	}
	return out
}

// PassStats summarises one pass.
type PassStats struct {
	Pending int
	Sent    int
	Offline int
	Races   int
	Failed  int
}

func (s *PassStats) add(o PassStats) {
	s.Pending += o.Pending
	s.Sent += o.Sent
	s.Offline += o.Offline
	s.Races += o.Races
	s.Failed += o.Failed
}

// Dispatcher scans stores for pending recipients and sends to those online.
type Dispatcher struct {
	cfg     Config
	engines []*query.Engine
	log     *zap.SugaredLogger
	wake    chan struct{}
}

// New validates cfg and returns a dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	cfg = cfg.withDefaults()
	if cfg.Registry == nil {
		return nil, errors.New("dispatch: registry is required")
	}
	if len(cfg.Stores) == 0 {
		return nil, errors.New("dispatch: at least one store is required")
	}

	d := &Dispatcher{
		cfg:  cfg,
		log:  cfg.Logger.Named("dispatch"),
		wake: make(chan struct{}, 1),
	}
	for _, store := range cfg.Stores {
		d.engines = append(d.engines, query.NewEngine(store, d.log))
	}
	return d, nil
}

// Wake requests a pass before the next tick. It never blocks.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run performs passes until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.log.Errorw("dispatch pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// RunOnce performs a single pass over every store.
func (d *Dispatcher) RunOnce(ctx context.Context) (PassStats, error) {
	var total PassStats
	var errs []error
	for _, engine := range d.engines {
		stats, err := d.pass(ctx, engine)
		total.add(stats)
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			errs = append(errs, fmt.Errorf("%s: %w", engine.Store().Name(), err))
		}
	}
	return total, errors.Join(errs...)
}

type pendingPair struct {
	doc models.Addressed
	key string
}

func (d *Dispatcher) pass(ctx context.Context, engine *query.Engine) (PassStats, error) {
	var stats PassStats

	res, err := engine.Exec(query.Get().Where(query.Eq("recipients.sent_at", nil)))
	if err != nil {
		return stats, err
	}

	var pending []pendingPair
	for _, doc := range res.Documents {
		addressed, ok := doc.(models.Addressed)
		if !ok {
			return stats, fmt.Errorf("dispatch: document %T has no recipients", doc)
		}
		for _, r := range addressed.RecipientStatuses() {
			if r.SentAt == nil {
				pending = append(pending, pendingPair{doc: addressed, key: r.RecipientKey})
			}
		}
	}
	stats.Pending = len(pending)

	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		conn, ok := d.cfg.Registry.Resolve(p.key)
		if !ok {
			stats.Offline++
			continue
		}

		sent, err := d.deliver(engine.Store(), conn, p)
		switch {
		case err != nil:
			stats.Failed++
			d.log.Warnw("dispatch failed", "id", p.doc.DocumentID(), "recipient", p.key, "error", err)
		case !sent:
			stats.Races++
			d.log.Infow("delivery race: already sent", "id", p.doc.DocumentID(), "recipient", p.key)
		default:
			stats.Sent++
			d.journal(p)
		}
	}
	return stats, nil
}

// deliver re-checks that the pair is still pending, queues the frame and
// stamps sent_at, all under one store lock.
func (d *Dispatcher) deliver(store *docstore.Store, conn Conn, p pendingPair) (bool, error) {
	frame, err := wire.FrameFor(p.doc)
	if err != nil {
		return false, err
	}

	where := []docstore.Condition{
		query.Eq("id", p.doc.DocumentID()),
		query.Eq("recipients.recipient_key", p.key),
		query.Eq("recipients.sent_at", nil),
	}

	sent := false
	err = store.Atomically(func(tx *docstore.Tx) error {
		res, err := query.ExecTx(tx, query.Get().Where(where...))
		if err != nil {
			return err
		}
		if len(res.Documents) == 0 {
			return nil
		}
		if err := conn.Send(frame); err != nil {
			return err
		}
		if _, err := query.ExecTx(tx, query.Update(query.Set("recipients.sent_at", d.cfg.Now())).Where(where...)); err != nil {
			return err
		}
		sent = true
		return nil
	})
	return sent, err
}

func (d *Dispatcher) journal(p pendingPair) {
	if d.cfg.Journal == nil {
		return
	}
	err := d.cfg.Journal.LogEvent(storage.Event{
		Type:       storage.EventMessageDispatched,
		ClientName: storage.Str(p.key),
		MessageID:  storage.Str(p.doc.DocumentID()),
	})
	if err != nil {
		d.log.Warnw("journal dispatch event", "id", p.doc.DocumentID(), "error", err)
	}
}
