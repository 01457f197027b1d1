// Package relay forwards geo query events to a NATS subject.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/geoquery/internal/geoquery"
)

var publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "relay_published_total",
	Help: "Query events handed to NATS grouped by result.",
}, []string{"result"})

var relayedEvents = [...]geoquery.EventType{
	geoquery.EventReady,
	geoquery.EventKeyEntered,
	geoquery.EventKeyExited,
	geoquery.EventKeyMoved,
}

// ErrAlreadyAttached is returned when Attach is called twice.
var ErrAlreadyAttached = errors.New("relay already attached to a query")

// Publisher is the subset of *nats.Conn used by the relay.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Config defines relay tunables.
type Config struct {
	Subject  string
	QueryID  string
	Buffer   int
	RetryMax int
	Backoff  time.Duration
}

// Message is the JSON body published for every event.
type Message struct {
	ID        string    `json:"id"`
	QueryID   string    `json:"query_id,omitempty"`
	EmittedAt time.Time `json:"emitted_at"`
	geoquery.Event
}

// Relay queues events from one query and publishes them from Run.
type Relay struct {
	publisher Publisher
	logger    *zap.Logger
	cfg       Config
	tracer    trace.Tracer
	pending   chan Message

	mu   sync.Mutex
	regs []*geoquery.Registration
}

// New constructs a Relay.
func New(publisher Publisher, logger *zap.Logger, cfg Config) *Relay {
	if cfg.Subject == "" {
		cfg.Subject = "geoquery.events"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		publisher: publisher,
		logger:    logger.Named("relay"),
		cfg:       cfg,
		tracer:    otel.Tracer("geoquery.relay"),
		pending:   make(chan Message, cfg.Buffer),
	}
}

// Attach subscribes the relay to every event of q. Events are queued
// without blocking the query; when the buffer is full they are dropped.
func (r *Relay) Attach(q *geoquery.Query) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.regs) > 0 {
		return ErrAlreadyAttached
	}
	for _, et := range relayedEvents {
		reg, err := q.On(et, r.enqueue)
		if err != nil {
			r.detachLocked()
			return fmt.Errorf("register %s: %w", et, err)
		}
		r.regs = append(r.regs, reg)
	}
	return nil
}

// Detach stops forwarding events. Queued messages are still published.
func (r *Relay) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detachLocked()
}

func (r *Relay) detachLocked() {
	for _, reg := range r.regs {
		reg.Cancel()
	}
	r.regs = nil
}

func (r *Relay) enqueue(ev geoquery.Event) {
	msg := Message{
		ID:        uuid.NewString(),
		QueryID:   r.cfg.QueryID,
		EmittedAt: time.Now().UTC(),
		Event:     ev,
	}
	select {
	case r.pending <- msg:
	default:
		publishedTotal.WithLabelValues("dropped").Inc()
		r.logger.Warn("relay buffer full, dropping event", zap.String("type", string(ev.Type)), zap.String("key", ev.Key))
	}
}

// Run publishes queued events until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	if r.publisher == nil {
		return errors.New("relay requires a NATS publisher")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-r.pending:
			if err := r.publishWithRetry(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("relay publish failed", zap.Error(err), zap.String("id", msg.ID))
			}
		}
	}
}

func (r *Relay) publishWithRetry(ctx context.Context, m Message) error {
	ctx, span := r.tracer.Start(ctx, "relay.publish", trace.WithAttributes(
		attribute.String("event.type", string(m.Type)),
		attribute.String("event.key", m.Key),
	))
	defer span.End()

	payload, err := json.Marshal(m)
	if err != nil {
		publishedTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := nats.NewMsg(r.cfg.Subject)
	msg.Data = payload
	msg.Header.Set("x-event-type", string(m.Type))
	msg.Header.Set(nats.MsgIdHdr, m.ID)
	if sc := span.SpanContext(); sc.IsValid() {
		msg.Header.Set("traceparent", fmt.Sprintf("00-%s-%s-01", sc.TraceID(), sc.SpanID()))
	}

	var attempt int
	for {
		attempt++
		err := r.publisher.PublishMsg(msg)
		if err == nil {
			publishedTotal.WithLabelValues("ok").Inc()
			return nil
		}
		r.logger.Warn("publish failed", zap.Error(err), zap.Int("attempt", attempt), zap.String("id", m.ID))
		if attempt >= r.cfg.RetryMax {
			publishedTotal.WithLabelValues("failed").Inc()
			return fmt.Errorf("publish %s: %w", m.ID, err)
		}
		backoff := time.Duration(attempt*attempt) * r.cfg.Backoff
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
