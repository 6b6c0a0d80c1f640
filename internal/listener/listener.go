package listener

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"opsline/internal/domain"
	"opsline/internal/metrics"
	"opsline/internal/oplog"
	"opsline/internal/repo"
)

// ErrUnknownSource is returned for webhook posts to an unregistered source.
var ErrUnknownSource = errors.New("unknown source")

// ErrUnknownEventType rejects events outside the closed trigger set.
var ErrUnknownEventType = errors.New("unknown event type")

// SourceAdapter turns one source's raw payload into a canonical Event.
type SourceAdapter interface {
	Parse(raw []byte) (domain.Event, error)
}

// Handler receives each accepted event exactly once.
type Handler interface {
	HandleEvent(ctx context.Context, evt domain.Event) error
}

// Listener states reported on the health endpoint.
const (
	StateIdle       = "idle"
	StateListening  = "listening"
	StateProcessing = "processing"
)

// Listener normalizes, dedupes and forwards events. A parse failure is
// contained to its event; the listener keeps accepting.
type Listener struct {
	Repo    repo.Repo
	Oplog   oplog.Writer
	Metrics *metrics.Pipeline
	Handler Handler
	Now     func() time.Time

	DedupRetention       time.Duration
	NoisySourceThreshold int

	state atomic.Value

	mu       sync.Mutex
	adapters map[string]SourceAdapter
	failures map[string]int
}

func New(r repo.Repo, ol oplog.Writer, m *metrics.Pipeline, h Handler) *Listener {
	l := &Listener{
		Repo:                 r,
		Oplog:                ol,
		Metrics:              m,
		Handler:              h,
		Now:                  time.Now,
		DedupRetention:       24 * time.Hour,
		NoisySourceThreshold: 5,
		adapters:             map[string]SourceAdapter{},
		failures:             map[string]int{},
	}
	l.state.Store(StateIdle)
	return l
}

// Register binds an adapter to a source name.
func (l *Listener) Register(source string, a SourceAdapter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.adapters[source] = a
}

func (l *Listener) State() string {
	return l.state.Load().(string)
}

// Start marks the listener as accepting events.
func (l *Listener) Start() { l.state.Store(StateListening) }

// IngestRaw parses a source payload and ingests the resulting event. Parse
// failures feed the per-source noisy counter and never stop the listener.
func (l *Listener) IngestRaw(ctx context.Context, source string, raw []byte) (domain.Event, error) {
	l.mu.Lock()
	adapter, ok := l.adapters[source]
	l.mu.Unlock()
	if !ok {
		return domain.Event{}, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	evt, err := adapter.Parse(raw)
	if err != nil {
		l.recordParseFailure(ctx, source, err)
		return domain.Event{}, &domain.ParseError{Source: source, Err: err}
	}
	l.resetParseFailures(source)
	evt.Source = source
	return l.Ingest(ctx, evt)
}

// Ingest validates, dedupes and forwards one canonical event, returned with
// generated fields filled in. A duplicate external id inside the retention
// window returns ErrDuplicateEvent and has no other effect.
func (l *Listener) Ingest(ctx context.Context, evt domain.Event) (domain.Event, error) {
	l.state.Store(StateProcessing)
	defer l.state.Store(StateListening)

	if !domain.KnownEventType(evt.Type) {
		l.Metrics.EventUnparseable(ctx, evt.Source)
		if err := l.Oplog.AppendDB(ctx, oplog.EventUnknownType, "event", evt.ID, oplog.Payload{
			"type": string(evt.Type), "source": evt.Source,
		}); err != nil {
			log.Printf("listener: oplog append: %v", err)
		}
		return evt, fmt.Errorf("%w: %s", ErrUnknownEventType, evt.Type)
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.ReceivedAt == "" {
		evt.ReceivedAt = l.Now().UTC().Format(time.RFC3339)
	}
	fresh, err := l.Repo.MarkEventSeen(ctx, evt.Source, evt.ID, l.Now(), l.DedupRetention)
	if err != nil {
		return evt, fmt.Errorf("dedup ledger: %w", err)
	}
	if !fresh {
		l.Metrics.EventDuplicate(ctx, evt.Source)
		if err := l.Oplog.AppendDB(ctx, oplog.EventDuplicate, "event", evt.ID, nil); err != nil {
			log.Printf("listener: oplog append: %v", err)
		}
		return evt, domain.ErrDuplicateEvent
	}
	l.Metrics.EventIngested(ctx, evt.Source)
	if err := l.Oplog.AppendDB(ctx, oplog.EventIngested, "event", evt.ID, oplog.Payload{
		"type": string(evt.Type), "source": evt.Source,
	}); err != nil {
		log.Printf("listener: oplog append: %v", err)
	}
	if l.Handler != nil {
		if err := l.Handler.HandleEvent(ctx, evt); err != nil {
			// Pipeline errors are contained here; ingestion already succeeded.
			log.Printf("listener: handle event %s: %v", evt.ID, err)
		}
	}
	return evt, nil
}

func (l *Listener) recordParseFailure(ctx context.Context, source string, parseErr error) {
	l.Metrics.EventUnparseable(ctx, source)
	log.Printf("listener: parse payload from %s: %v", source, parseErr)
	if err := l.Oplog.AppendDB(ctx, oplog.EventUnparseable, "source", source, oplog.Payload{
		"error": parseErr.Error(),
	}); err != nil {
		log.Printf("listener: oplog append: %v", err)
	}

	l.mu.Lock()
	l.failures[source]++
	n := l.failures[source]
	l.mu.Unlock()
	if n == l.NoisySourceThreshold {
		log.Printf("listener: source %s produced %d consecutive parse failures", source, n)
		if err := l.Oplog.AppendDB(ctx, oplog.SourceNoisy, "source", source, oplog.Payload{
			"consecutive_failures": n,
		}); err != nil {
			log.Printf("listener: oplog append: %v", err)
		}
	}
}

func (l *Listener) resetParseFailures(source string) {
	l.mu.Lock()
	l.failures[source] = 0
	l.mu.Unlock()
}

// ConsecutiveFailures reports the current noisy counter for a source.
func (l *Listener) ConsecutiveFailures(source string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures[source]
}
