package events

import (
	"context"
	"encoding/hex"
	"log/slog"
	"math/big"
	"testing"
)

type captureHandler struct {
	messages []string
	records  []map[string]string
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]string)
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.String()
		return true
	})
	h.messages = append(h.messages, r.Message)
	h.records = append(h.records, attrs)
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func TestAuditLogRecordsCanonicalAttributes(t *testing.T) {
	handler := &captureHandler{}
	sink := NewAuditLog(slog.New(handler))

	holder := [20]byte{19: 0x02}
	sink.Emit(PolicyPurchased{
		ID:           7,
		Holder:       holder,
		Coverage:     big.NewInt(10_000),
		ThresholdBps: 500,
		Premium:      big.NewInt(220),
		Week:         3,
	})

	if len(handler.records) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(handler.records))
	}
	if handler.messages[0] != "ledger event" {
		t.Fatalf("unexpected message %q", handler.messages[0])
	}
	attrs := handler.records[0]
	if attrs["type"] != TypePolicyPurchased {
		t.Fatalf("unexpected type attribute %q", attrs["type"])
	}
	if attrs["id"] != "7" || attrs["premium"] != "220" || attrs["week"] != "3" {
		t.Fatalf("unexpected attributes: %v", attrs)
	}
	if attrs["holder"] != hex.EncodeToString(holder[:]) {
		t.Fatalf("holder not hex encoded: %q", attrs["holder"])
	}
}

func TestAuditLogCoversEveryEventType(t *testing.T) {
	handler := &captureHandler{}
	sink := NewAuditLog(slog.New(handler))

	emitted := []Event{
		PolicyPurchased{ID: 1, Coverage: big.NewInt(1), Premium: big.NewInt(1)},
		PolicySettled{ID: 1, GapBps: 750, Payout: big.NewInt(1), Paid: true},
		PoolStaked{Amount: big.NewInt(1), Shares: big.NewInt(1)},
		WithdrawalQueued{Seq: 0, Amount: big.NewInt(1)},
		WithdrawalProcessed{Seq: 0, Amount: big.NewInt(1), Final: true},
		ChangeQueued{Param: "volatility", Value: 12_000, Reason: "drill"},
		SettlementApproved{Week: 2, SplitBps: 9_300, Source: "guardian"},
		ProtocolPaused{Paused: true},
		ProtocolPaused{Paused: false},
	}
	for _, ev := range emitted {
		sink.Emit(ev)
	}

	if len(handler.records) != len(emitted) {
		t.Fatalf("expected %d entries, got %d", len(emitted), len(handler.records))
	}
	for i, ev := range emitted {
		if got := handler.records[i]["type"]; got != ev.EventType() {
			t.Fatalf("entry %d: type %q, want %q", i, got, ev.EventType())
		}
	}
}

type countingEmitter struct{ seen []string }

func (c *countingEmitter) Emit(ev Event) { c.seen = append(c.seen, ev.EventType()) }

func TestFanoutForwardsToEveryEmitter(t *testing.T) {
	first := &countingEmitter{}
	second := &countingEmitter{}
	fan := Fanout{first, nil, second}

	fan.Emit(ProtocolPaused{Paused: true})
	fan.Emit(ProtocolPaused{Paused: false})

	for _, emitter := range []*countingEmitter{first, second} {
		if len(emitter.seen) != 2 {
			t.Fatalf("emitter missed events: %v", emitter.seen)
		}
		if emitter.seen[0] != TypeProtocolPaused || emitter.seen[1] != TypeProtocolUnpaused {
			t.Fatalf("wrong order: %v", emitter.seen)
		}
	}
}
