package monitoring

import (
	"github.com/rs/zerolog"

	"github.com/codegraph/hybrid-search/pkg/pool"
)

// EventLogger writes pool lifecycle events as structured log lines
type EventLogger struct {
	logger zerolog.Logger
}

// NewEventLogger creates an event logger on top of logger
func NewEventLogger(logger zerolog.Logger) *EventLogger {
	return &EventLogger{logger: logger.With().Str("component", "pool").Logger()}
}

// Attach subscribes the logger to the pool and returns the unsubscribe func
func (l *EventLogger) Attach(p PoolInspector) func() {
	return p.Subscribe(l.Handle)
}

// Handle logs a single event at a level matching its severity
func (l *EventLogger) Handle(event pool.Event) {
	e := l.logger.WithLevel(levelFor(event.Type))
	if !e.Enabled() {
		return
	}

	e = e.Str("event", string(event.Type)).Time("event_time", event.Timestamp)
	if event.ConnectionID != "" {
		e = e.Str("connection_id", event.ConnectionID)
	}
	if event.Duration > 0 {
		e = e.Dur("duration", event.Duration)
	}
	if event.Err != nil {
		e = e.Err(event.Err)
	}
	for k, v := range event.Metadata {
		e = e.Interface(k, v)
	}
	e.Msg("Pool event")
}

func levelFor(t pool.EventType) zerolog.Level {
	switch t {
	case pool.EventConnectionError,
		pool.EventHealthCheckFailed,
		pool.EventWarmupFailed,
		pool.EventAcquireTimeout:
		return zerolog.WarnLevel
	case pool.EventPoolInitialized,
		pool.EventPoolClosed,
		pool.EventConnectionCreated,
		pool.EventConnectionRemoved:
		return zerolog.InfoLevel
	case pool.EventQueryStarted,
		pool.EventQuerySucceeded,
		pool.EventQueryFailed:
		return zerolog.TraceLevel
	default:
		return zerolog.DebugLevel
	}
}
