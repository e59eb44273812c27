// Package audit appends privileged-action entries on a best-effort basis.
// A lost entry is an accepted degradation; failure to append never
// propagates to the action that produced it.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

type Entry struct {
	ActorID      string
	TenantID     string
	Verb         string
	ResourceType string
	ResourceID   string
	Detail       map[string]any
	At           time.Time
}

type Sink interface {
	Append(ctx context.Context, e Entry) error
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type pgSink struct {
	db execer
}

func NewPGSink(db execer) Sink { return &pgSink{db: db} }

func (s *pgSink) Append(ctx context.Context, e Entry) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO audit.entries (actor_id, tenant_id, verb, resource_type, resource_id, detail, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
`, e.ActorID, e.TenantID, e.Verb, e.ResourceType, e.ResourceID, string(detail), e.At)
	return err
}

type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
	err     error
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *MemorySink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Recorder decouples the response path from the sink: Record hands the
// entry to a background writer and returns immediately. When the buffer is
// full the entry is dropped and counted.
type Recorder struct {
	sink   Sink
	log    zerolog.Logger
	alerts *AlertSet

	ch   chan Entry
	done chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped int
}

func NewRecorder(sink Sink, log zerolog.Logger, alerts *AlertSet) *Recorder {
	r := &Recorder{
		sink:   sink,
		log:    log,
		alerts: alerts,
		ch:     make(chan Entry, 256),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.sink.Append(ctx, e); err != nil {
			r.log.Warn().Err(err).
				Str("verb", e.Verb).
				Str("tenant_id", e.TenantID).
				Msg("audit append failed, entry dropped")
		}
		cancel()
		if r.alerts != nil {
			for _, name := range r.alerts.Evaluate(e) {
				r.log.Warn().
					Str("rule", name).
					Str("verb", e.Verb).
					Str("actor_id", e.ActorID).
					Str("tenant_id", e.TenantID).
					Msg("audit alert matched")
			}
		}
	}
}

// Record never blocks and never fails. Entries recorded after Close are
// counted as dropped.
func (r *Recorder) Record(e Entry) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.dropped++
		return
	}
	select {
	case r.ch <- e:
	default:
		r.dropped++
	}
}

func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close stops accepting entries and waits for the writer to drain, or for
// ctx to expire.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
