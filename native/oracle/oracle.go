package oracle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Quote captures a price observation for the tracked asset together with the
// timestamp reported by the upstream feed. Prices carry 8 decimal places of
// fixed-point precision (PriceDecimals).
type Quote struct {
	Price  *big.Int
	AsOf   time.Time
	Source string
}

// PriceDecimals is the fixed-point scale applied to every price.
const PriceDecimals = 8

// PriceScale is 10^PriceDecimals.
var PriceScale = big.NewInt(100_000_000)

// Clone returns a deep copy of the quote so callers cannot mutate shared
// state held by the gateway.
func (q Quote) Clone() Quote {
	clone := Quote{AsOf: q.AsOf, Source: q.Source}
	if q.Price != nil {
		clone.Price = new(big.Int).Set(q.Price)
	}
	return clone
}

// FreshWithin reports whether the quote is no older than maxAge at the
// supplied reference time. Staleness windows differ per use: purchase-time
// reference capture tolerates one hour, volatility inputs a full day.
func (q Quote) FreshWithin(now time.Time, maxAge time.Duration) bool {
	if q.AsOf.IsZero() || maxAge <= 0 {
		return false
	}
	return !q.AsOf.Before(now.Add(-maxAge))
}

// Source resolves the latest price observation for the tracked asset.
type Source interface {
	Latest() (Quote, error)
}

// ErrNoFreshQuote indicates that no registered source produced a quote
// within the gateway's freshness window.
var ErrNoFreshQuote = errors.New("oracle: no fresh quote available")

// Gateway consults registered sources in priority order until one returns a
// quote inside the freshness window. It is the single oracle capability the
// ledger core consumes.
type Gateway struct {
	mu       sync.RWMutex
	priority []string
	sources  map[string]Source
	maxAge   time.Duration
	nowFn    func() time.Time
}

// NewGateway constructs a gateway with the provided priority ordering and
// freshness window.
func NewGateway(priority []string, maxAge time.Duration) *Gateway {
	return &Gateway{
		priority: append([]string{}, priority...),
		sources:  make(map[string]Source),
		maxAge:   maxAge,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock used for freshness checks. Nil restores the
// default UTC clock.
func (g *Gateway) SetNowFunc(now func() time.Time) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if now == nil {
		g.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	g.nowFn = now
}

// Register adds or replaces a source under the supplied identifier.
// Identifiers are stored lowercase so configuration casing is irrelevant.
func (g *Gateway) Register(name string, source Source) {
	if g == nil {
		return
	}
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" || source == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sources[trimmed] = source
	for _, entry := range g.priority {
		if entry == trimmed {
			return
		}
	}
	g.priority = append(g.priority, trimmed)
}

// Latest walks the priority list and returns the first fresh quote. Stale or
// invalid quotes are skipped; when every source fails the last error is
// surfaced, defaulting to ErrNoFreshQuote.
func (g *Gateway) Latest() (Quote, error) {
	if g == nil {
		return Quote{}, fmt.Errorf("oracle: gateway not configured")
	}
	g.mu.RLock()
	priority := append([]string{}, g.priority...)
	maxAge := g.maxAge
	now := g.nowFn()
	g.mu.RUnlock()

	var lastErr error
	for _, name := range priority {
		g.mu.RLock()
		source := g.sources[name]
		g.mu.RUnlock()
		if source == nil {
			continue
		}
		quote, err := source.Latest()
		if err != nil {
			lastErr = err
			continue
		}
		if quote.Price == nil || quote.Price.Sign() <= 0 {
			lastErr = fmt.Errorf("oracle: source %s returned invalid price", name)
			continue
		}
		if maxAge > 0 && !quote.FreshWithin(now, maxAge) {
			lastErr = ErrNoFreshQuote
			continue
		}
		result := quote.Clone()
		if strings.TrimSpace(result.Source) == "" {
			result.Source = name
		}
		return result, nil
	}
	if lastErr == nil {
		lastErr = ErrNoFreshQuote
	}
	return Quote{}, lastErr
}

// Manual is an in-memory source used for tests and operator overrides
// during oracle incidents.
type Manual struct {
	mu    sync.RWMutex
	quote Quote
	set   bool
}

// NewManual constructs an empty manual source.
func NewManual() *Manual {
	return &Manual{}
}

// Set stores the supplied price observation.
func (m *Manual) Set(price *big.Int, asOf time.Time) {
	if m == nil || price == nil {
		return
	}
	m.mu.Lock()
	m.quote = Quote{Price: new(big.Int).Set(price), AsOf: asOf, Source: "manual"}
	m.set = true
	m.mu.Unlock()
}

// SetDecimal parses a decimal price string such as "250.00" and stores it at
// the fixed-point scale.
func (m *Manual) SetDecimal(price string, asOf time.Time) error {
	if m == nil {
		return fmt.Errorf("oracle: manual source not configured")
	}
	parsed, err := ParsePrice(price)
	if err != nil {
		return err
	}
	m.Set(parsed, asOf)
	return nil
}

// Latest implements Source.
func (m *Manual) Latest() (Quote, error) {
	if m == nil {
		return Quote{}, fmt.Errorf("oracle: manual source not configured")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.set {
		return Quote{}, fmt.Errorf("oracle: manual source has no quote")
	}
	return m.quote.Clone(), nil
}

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPSource fetches the latest price from a JSON endpoint shaped as
// {"price":"250.00","timestamp":1700000000}.
type HTTPSource struct {
	client   HTTPDoer
	endpoint string
	apiKey   string
}

// NewHTTPSource constructs an HTTP source adapter. A nil client falls back
// to http.DefaultClient. The API key header is only sent when supplied.
func NewHTTPSource(client HTTPDoer, endpoint, apiKey string) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{
		client:   client,
		endpoint: strings.TrimSpace(endpoint),
		apiKey:   strings.TrimSpace(apiKey),
	}
}

// Latest implements Source.
func (s *HTTPSource) Latest() (Quote, error) {
	if s == nil || s.endpoint == "" {
		return Quote{}, fmt.Errorf("oracle: http source not configured")
	}
	req, err := http.NewRequest(http.MethodGet, s.endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	if s.apiKey != "" {
		req.Header.Set("x-api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, fmt.Errorf("oracle: http source status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Price     string `json:"price"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Quote{}, fmt.Errorf("oracle: http source decode: %w", err)
	}
	price, err := ParsePrice(payload.Price)
	if err != nil {
		return Quote{}, err
	}
	if payload.Timestamp <= 0 {
		return Quote{}, fmt.Errorf("oracle: http source missing timestamp")
	}
	return Quote{Price: price, AsOf: time.Unix(payload.Timestamp, 0).UTC(), Source: "http"}, nil
}

// ParsePrice converts a decimal string into the fixed-point price scale,
// truncating digits beyond PriceDecimals.
func ParsePrice(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("oracle: price required")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("oracle: invalid price %q", raw)
	}
	if rat.Sign() <= 0 {
		return nil, fmt.Errorf("oracle: price must be positive")
	}
	scaled := new(big.Rat).Mul(rat, new(big.Rat).SetInt(PriceScale))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom()), nil
}
