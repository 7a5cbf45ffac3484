package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"intervention-engine/internal/logger"
	"intervention-engine/internal/model"
)

// PollConfig configures the REST poller.
type PollConfig struct {
	// URL is the quote endpoint. "{symbol}" is replaced with the instrument's
	// vendor symbol, e.g. "https://api.example.com/ticker?symbol={symbol}".
	URL string

	// Interval between polling cycles. Defaults to 5s.
	Interval time.Duration

	// FetchTimeout bounds one whole cycle. Defaults to Interval.
	FetchTimeout time.Duration

	// PricePath and VolumePath are gjson paths into the response body.
	// Defaults: "price" and "volume". TimestampPath is optional and is read
	// as Unix milliseconds.
	PricePath     string
	VolumePath    string
	TimestampPath string

	// RateLimit caps requests per second across all instruments (0 = 10).
	RateLimit float64
	Burst     int

	// MaxConcurrency bounds in-flight requests per cycle. Defaults to 8.
	MaxConcurrency int

	// Optional credentials.
	APIKey       string
	APIKeyHeader string // defaults to "X-API-KEY"
	TOTPSecret   string
	TOTPHeader   string // defaults to "X-TOTP"
}

func (c *PollConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = c.Interval
	}
	if c.PricePath == "" {
		c.PricePath = "price"
	}
	if c.VolumePath == "" {
		c.VolumePath = "volume"
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 8
	}
	if c.APIKeyHeader == "" {
		c.APIKeyHeader = "X-API-KEY"
	}
	if c.TOTPHeader == "" {
		c.TOTPHeader = "X-TOTP"
	}
}

// Poller fetches every instrument's quote once per cycle. Instruments are
// fetched concurrently and joined under FetchTimeout; a failure for one
// instrument is logged and skipped for that cycle only.
type Poller struct {
	cfg         PollConfig
	instruments []model.Instrument
	client      *http.Client
	limiter     *rate.Limiter
	log         *slog.Logger
	now         func() time.Time

	// OnFetchError is called for each failed instrument fetch (optional).
	OnFetchError func(instrument string, err error)
	// OnCycle is called after each cycle with the number of ticks emitted (optional).
	OnCycle func(ok, failed int, took time.Duration)
}

// NewPoller creates a REST poller.
func NewPoller(cfg PollConfig, instruments []model.Instrument, log *slog.Logger) *Poller {
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		cfg:         cfg,
		instruments: instruments,
		client:      &http.Client{},
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		log:         logger.Component(log, "poller"),
		now:         time.Now,
	}
}

func (p *Poller) Name() string { return "rest" }

// Run polls every Interval until ctx is cancelled. It returns
// model.ErrUpstreamUnconfigured without polling when no URL is set or the
// TOTP secret is unusable.
func (p *Poller) Run(ctx context.Context, onTick func(model.Tick)) error {
	if p.cfg.URL == "" {
		return fmt.Errorf("%w: no REST endpoint", model.ErrUpstreamUnconfigured)
	}
	if p.cfg.TOTPSecret != "" {
		if _, err := totp.GenerateCode(p.cfg.TOTPSecret, p.now()); err != nil {
			return fmt.Errorf("%w: totp secret: %v", model.ErrUpstreamUnconfigured, err)
		}
	}

	p.Poll(ctx, onTick)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Poll(ctx, onTick)
		}
	}
}

// Poll runs one cycle and returns the number of ticks emitted.
func (p *Poller) Poll(ctx context.Context, onTick func(model.Tick)) int {
	start := p.now()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	ticks := make([]*model.Tick, len(p.instruments))
	g := new(errgroup.Group)
	g.SetLimit(p.cfg.MaxConcurrency)
	for i, in := range p.instruments {
		g.Go(func() error {
			fctx := logger.WithTraceID(ctx, logger.GenerateTraceID(in.Symbol, start))
			t, err := p.fetch(fctx, in)
			if err != nil {
				p.log.Warn("fetch failed, skipping instrument this cycle",
					append([]any{
						slog.String("instrument", in.Symbol),
						slog.String("error", err.Error()),
					}, logger.LogWithTrace(fctx)...)...)
				if p.OnFetchError != nil {
					p.OnFetchError(in.Symbol, err)
				}
				return nil
			}
			ticks[i] = &t
			return nil
		})
	}
	_ = g.Wait()

	ok := 0
	for _, t := range ticks {
		if t != nil {
			onTick(*t)
			ok++
		}
	}
	if p.OnCycle != nil {
		p.OnCycle(ok, len(p.instruments)-ok, p.now().Sub(start))
	}
	return ok
}

func (p *Poller) fetch(ctx context.Context, in model.Instrument) (model.Tick, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return model.Tick{}, fmt.Errorf("%w: %v", model.ErrUpstreamUnavailable, err)
	}

	url := strings.ReplaceAll(p.cfg.URL, "{symbol}", in.VendorSymbol())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.Tick{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set(p.cfg.APIKeyHeader, p.cfg.APIKey)
	}
	if p.cfg.TOTPSecret != "" {
		code, err := totp.GenerateCode(p.cfg.TOTPSecret, p.now())
		if err != nil {
			return model.Tick{}, fmt.Errorf("totp: %w", err)
		}
		req.Header.Set(p.cfg.TOTPHeader, code)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return model.Tick{}, fmt.Errorf("%w: %v", model.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.Tick{}, fmt.Errorf("%w: read body: %v", model.ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return model.Tick{}, fmt.Errorf("%w: %s returned %d", model.ErrUpstreamUnavailable, in.Symbol, resp.StatusCode)
	}
	t, err := p.decode(in.Symbol, body)
	t.TraceID = logger.TraceID(ctx)
	return t, err
}

// decode maps a vendor payload to a Tick using the configured gjson paths.
func (p *Poller) decode(symbol string, body []byte) (model.Tick, error) {
	if !gjson.ValidBytes(body) {
		return model.Tick{}, fmt.Errorf("%w: %s: malformed JSON", model.ErrUpstreamUnavailable, symbol)
	}
	price, err := decimalAt(body, p.cfg.PricePath)
	if err != nil || !price.IsPositive() {
		return model.Tick{}, fmt.Errorf("%w: %s: bad price at %q", model.ErrUpstreamUnavailable, symbol, p.cfg.PricePath)
	}
	vol, err := decimalAt(body, p.cfg.VolumePath)
	if err != nil || vol.IsNegative() {
		vol = decimal.Zero
	}

	ts := p.now().UTC()
	if p.cfg.TimestampPath != "" {
		if r := gjson.GetBytes(body, p.cfg.TimestampPath); r.Exists() && r.Int() > 0 {
			ts = time.UnixMilli(r.Int()).UTC()
		}
	}
	return model.Tick{
		Instrument: symbol,
		Price:      price,
		Volume:     vol,
		Timestamp:  ts,
		Source:     p.Name(),
	}, nil
}

// decimalAt reads a number or numeric string at path without going through
// float64.
func decimalAt(body []byte, path string) (decimal.Decimal, error) {
	r := gjson.GetBytes(body, path)
	if !r.Exists() {
		return decimal.Zero, fmt.Errorf("missing %q", path)
	}
	raw := r.Raw
	if r.Type == gjson.String {
		raw = r.Str
	}
	return decimal.NewFromString(strings.TrimSpace(raw))
}
