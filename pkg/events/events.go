package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level is the severity of a structured event.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Type is the fixed taxonomy of structured event types (spec §6), listed
// as the typed constants below. Type is a string type, so the compiler
// does not reject an unlisted untyped string literal; Emit does not check
// it either.
type Type string

const (
	TypeWorker  Type = "worker"
	TypeSession Type = "session"
	TypeAction  Type = "action"
	TypeQueue   Type = "queue"
)

// Subtype further qualifies a Type.
type Subtype string

const (
	SubtypeWorkerRegistered Subtype = "registered"
	SubtypeWorkerStarted    Subtype = "started"
	SubtypeWorkerDraining   Subtype = "draining"
	SubtypeWorkerStopped    Subtype = "stopped"

	SubtypeSessionStarted  Subtype = "started"
	SubtypeSessionTornDown Subtype = "torn_down"

	SubtypeActionStarted   Subtype = "started"
	SubtypeActionProgress  Subtype = "progress"
	SubtypeActionCompleted Subtype = "completed"

	SubtypeQueueCredentialsAcquired  Subtype = "credentials_acquired"
	SubtypeQueueCredentialsRefreshed Subtype = "credentials_refreshed"
	SubtypeQueueCredentialsPurged    Subtype = "credentials_purged"
)

// Event is one structured log entry, scoped to a worker and optionally to
// a queue/session/action, carrying a type-specific payload.
type Event struct {
	ID        string
	Timestamp time.Time
	Level     Level
	Type      Type
	Subtype   Subtype

	WorkerID  string
	QueueID   string
	JobID     string
	SessionID string
	ActionID  string

	OperationName string
	Duration      time.Duration
	ProcessExit   *int
	Message       string
}

// Sink receives structured events. Implementations must not block the
// caller for long; the transport a Sink ships events to is outside the
// core's scope (spec §1).
type Sink interface {
	Emit(Event)
}

// Subscriber is a channel that receives events from a Broker.
type Subscriber chan Event

// Broker is an in-process fan-out Sink: every Emit is broadcast to every
// current Subscriber. A full subscriber buffer is skipped rather than
// blocking the publisher.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 128)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Emit implements Sink by publishing to every subscriber.
func (b *Broker) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- e:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case e := <-b.eventCh:
			b.broadcast(e)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- e:
		default:
			// subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// LoggingSink turns every Event into a zerolog line. cmd/workeragent does
// not wire it; it wires a Broker as the Sink.
type LoggingSink struct {
	Logger zerolog.Logger
}

// Emit implements Sink.
func (s LoggingSink) Emit(e Event) {
	var evt *zerolog.Event
	switch e.Level {
	case LevelDebug:
		evt = s.Logger.Debug()
	case LevelWarn:
		evt = s.Logger.Warn()
	case LevelError:
		evt = s.Logger.Error()
	default:
		evt = s.Logger.Info()
	}

	evt = evt.Str("event_type", string(e.Type)).Str("event_subtype", string(e.Subtype))
	if e.WorkerID != "" {
		evt = evt.Str("worker_id", e.WorkerID)
	}
	if e.QueueID != "" {
		evt = evt.Str("queue_id", e.QueueID)
	}
	if e.JobID != "" {
		evt = evt.Str("job_id", e.JobID)
	}
	if e.SessionID != "" {
		evt = evt.Str("session_id", e.SessionID)
	}
	if e.ActionID != "" {
		evt = evt.Str("action_id", e.ActionID)
	}
	if e.OperationName != "" {
		evt = evt.Str("operation", e.OperationName)
	}
	if e.Duration > 0 {
		evt = evt.Dur("duration", e.Duration)
	}
	if e.ProcessExit != nil {
		evt = evt.Int("exit_code", *e.ProcessExit)
	}
	evt.Msg(e.Message)
}
