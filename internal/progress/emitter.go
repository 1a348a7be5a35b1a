// Package progress fans cycle events out to any number of subscribers.
// Dispatch is best-effort: a panicking or slow handler never takes the
// keeper down, and fan-out order is unspecified.
package progress

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cdp-keeper/internal/jsonl"
)

// Event is one progress record. Cycle carries the UUID of the controller
// pass that produced it.
type Event struct {
	Time    time.Time      `json:"ts"`
	Cycle   string         `json:"cycle,omitempty"`
	Event   string         `json:"event"`
	Message string         `json:"message,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Handler consumes one event. Handlers must not assume synchronous delivery
// blocks the producer beyond best-effort dispatch.
type Handler func(Event)

// Emitter is a simple observer registry. Safe for concurrent use.
type Emitter struct {
	mu       sync.RWMutex
	handlers []Handler
	log      zerolog.Logger
}

func NewEmitter(log zerolog.Logger) *Emitter {
	return &Emitter{log: log}
}

// Subscribe registers a handler for all subsequent events.
func (e *Emitter) Subscribe(h Handler) {
	if h == nil {
		return
	}
	e.mu.Lock()
	e.handlers = append(e.handlers, h)
	e.mu.Unlock()
}

// Emit dispatches ev to every subscriber. A nil emitter is a no-op.
func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	e.mu.RLock()
	handlers := e.handlers
	e.mu.RUnlock()
	for _, h := range handlers {
		e.dispatch(h, ev)
	}
}

func (e *Emitter) dispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Debug().Interface("panic", r).Str("event", ev.Event).Msg("progress handler panicked")
		}
	}()
	h(ev)
}

// JSONLHandler writes every event to w as one JSONL record. Write failures
// are logged and dropped.
func JSONLHandler(w *jsonl.Writer, log zerolog.Logger) Handler {
	return func(ev Event) {
		if err := w.Write(ev); err != nil {
			log.Warn().Err(err).Msg("progress log write failed")
		}
	}
}

// LogHandler mirrors events into the structured log at debug level.
func LogHandler(log zerolog.Logger) Handler {
	return func(ev Event) {
		log.Debug().Str("cycle", ev.Cycle).Str("event", ev.Event).Msg(ev.Message)
	}
}
