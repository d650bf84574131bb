package events

import (
	"log/slog"
	"sort"

	"gapguard/core/types"
)

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
}

// Canonical is implemented by events that can flatten themselves into a
// generic attribute record for sinks that do not know the concrete types.
type Canonical interface {
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (RPC streams, audit
// sinks, webhooks).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events.
// Engines default to it so event wiring stays optional.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// AuditLog writes every committed ledger mutation to a structured logger,
// giving operators an append-only audit trail alongside the persisted
// records. Attribute keys are emitted in sorted order so entries are
// stable and greppable.
type AuditLog struct {
	logger *slog.Logger
}

// NewAuditLog wraps the given logger; nil falls back to slog.Default.
func NewAuditLog(logger *slog.Logger) *AuditLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLog{logger: logger}
}

// Emit implements the Emitter interface.
func (a *AuditLog) Emit(ev Event) {
	if a == nil || a.logger == nil || ev == nil {
		return
	}
	canonical, ok := ev.(Canonical)
	if !ok {
		a.logger.Info("ledger event", "type", ev.EventType())
		return
	}
	record := canonical.Event()
	keys := make([]string, 0, len(record.Attributes))
	for key := range record.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, 2+2*len(keys))
	args = append(args, "type", record.Type)
	for _, key := range keys {
		args = append(args, key, record.Attributes[key])
	}
	a.logger.Info("ledger event", args...)
}

// Fanout forwards each event to every wrapped emitter in order.
type Fanout []Emitter

// Emit implements the Emitter interface.
func (f Fanout) Emit(ev Event) {
	for _, emitter := range f {
		if emitter != nil {
			emitter.Emit(ev)
		}
	}
}
