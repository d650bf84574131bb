package oracle

import (
	"bytes"
	"errors"
	"io"
	"math/big"
	"net/http"
	"testing"
	"time"
)

func TestParsePrice(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"250.00", 25_000_000_000},
		{"250", 25_000_000_000},
		{"0.00000001", 1},
		{"199.999999999", 19_999_999_999},
	}
	for _, tc := range cases {
		got, err := ParsePrice(tc.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.in, err)
		}
		if got.Cmp(big.NewInt(tc.want)) != 0 {
			t.Fatalf("parse %q: got %s want %d", tc.in, got, tc.want)
		}
	}

	for _, bad := range []string{"", "abc", "-3", "0"} {
		if _, err := ParsePrice(bad); err == nil {
			t.Fatalf("parse %q should fail", bad)
		}
	}
}

func TestGatewaySkipsStaleSources(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	gateway := NewGateway([]string{"primary", "backup"}, time.Hour)
	gateway.SetNowFunc(func() time.Time { return now })

	primary := NewManual()
	primary.Set(big.NewInt(20_000_000_000), now.Add(-2*time.Hour))
	backup := NewManual()
	backup.Set(big.NewInt(20_100_000_000), now.Add(-10*time.Minute))
	gateway.Register("primary", primary)
	gateway.Register("backup", backup)

	quote, err := gateway.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if quote.Price.Cmp(big.NewInt(20_100_000_000)) != 0 {
		t.Fatalf("stale primary should be skipped, got %s", quote.Price)
	}
}

func TestGatewayPrefersPriorityOrder(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	gateway := NewGateway([]string{"primary", "backup"}, time.Hour)
	gateway.SetNowFunc(func() time.Time { return now })

	primary := NewManual()
	primary.Set(big.NewInt(20_000_000_000), now.Add(-time.Minute))
	backup := NewManual()
	backup.Set(big.NewInt(30_000_000_000), now)
	gateway.Register("primary", primary)
	gateway.Register("backup", backup)

	quote, err := gateway.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if quote.Price.Cmp(big.NewInt(20_000_000_000)) != 0 {
		t.Fatalf("fresh primary should win, got %s", quote.Price)
	}
	if quote.Source != "manual" && quote.Source != "primary" {
		t.Fatalf("unexpected source %q", quote.Source)
	}
}

func TestGatewayAllStale(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	gateway := NewGateway(nil, time.Hour)
	gateway.SetNowFunc(func() time.Time { return now })

	manual := NewManual()
	manual.Set(big.NewInt(20_000_000_000), now.Add(-90*time.Minute))
	gateway.Register("manual", manual)

	if _, err := gateway.Latest(); !errors.Is(err, ErrNoFreshQuote) {
		t.Fatalf("expected ErrNoFreshQuote, got %v", err)
	}
}

func TestFreshWithin(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	quote := Quote{Price: big.NewInt(1), AsOf: now.Add(-59 * time.Minute)}
	if !quote.FreshWithin(now, time.Hour) {
		t.Fatalf("59 minutes old should be fresh within an hour")
	}
	quote.AsOf = now.Add(-61 * time.Minute)
	if quote.FreshWithin(now, time.Hour) {
		t.Fatalf("61 minutes old should be stale within an hour")
	}
	if (Quote{Price: big.NewInt(1)}).FreshWithin(now, time.Hour) {
		t.Fatalf("zero timestamp is never fresh")
	}
}

type stubDoer struct {
	status int
	body   string
	err    error
}

func (s stubDoer) Do(*http.Request) (*http.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &http.Response{
		StatusCode: s.status,
		Body:       io.NopCloser(bytes.NewBufferString(s.body)),
	}, nil
}

func TestHTTPSourceParsesPayload(t *testing.T) {
	source := NewHTTPSource(stubDoer{
		status: http.StatusOK,
		body:   `{"price":"215.50","timestamp":1767387600}`,
	}, "https://feed.example/price", "")

	quote, err := source.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if quote.Price.Cmp(big.NewInt(21_550_000_000)) != 0 {
		t.Fatalf("unexpected price %s", quote.Price)
	}
	if quote.AsOf.Unix() != 1767387600 {
		t.Fatalf("unexpected timestamp %d", quote.AsOf.Unix())
	}
}

func TestHTTPSourceRejectsBadResponses(t *testing.T) {
	cases := []stubDoer{
		{status: http.StatusBadGateway, body: "upstream down"},
		{status: http.StatusOK, body: `{"price":"0","timestamp":1767387600}`},
		{status: http.StatusOK, body: `{"price":"215.50"}`},
		{status: http.StatusOK, body: `not json`},
		{err: errors.New("dial timeout")},
	}
	for i, tc := range cases {
		source := NewHTTPSource(tc, "https://feed.example/price", "")
		if _, err := source.Latest(); err == nil {
			t.Fatalf("case %d should fail", i)
		}
	}
}
