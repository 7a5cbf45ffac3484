package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"intervention-engine/internal/logger"
	"intervention-engine/internal/model"
)

// StreamConfig configures the push WebSocket feed.
//
// Each text frame is one JSON tick. Field locations are gjson paths, so a
// frame like the demo tick server's
//
//	{"instrument":"BTC/USDT","price":"65012.5","volume":"0.3","ts":"2026-03-10T10:00:00Z"}
//
// works with the defaults, and vendor frames can be mapped by changing the paths.
type StreamConfig struct {
	// URL of the tick WebSocket server, e.g. "ws://localhost:9001/ws".
	URL string

	// Subscribe, when set, is sent after connecting. "{symbols}" is replaced
	// with a JSON array of the configured symbols.
	Subscribe string

	InstrumentPath string // default "instrument"
	PricePath      string // default "price"
	VolumePath     string // default "volume"
	TimestampPath  string // default "ts"; RFC 3339 string or Unix milliseconds

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration

	// HandshakeTimeout bounds the dial. Defaults to 10s.
	HandshakeTimeout time.Duration
}

func (c *StreamConfig) defaults() {
	if c.InstrumentPath == "" {
		c.InstrumentPath = "instrument"
	}
	if c.PricePath == "" {
		c.PricePath = "price"
	}
	if c.VolumePath == "" {
		c.VolumePath = "volume"
	}
	if c.TimestampPath == "" {
		c.TimestampPath = "ts"
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// Stream keeps one persistent WebSocket connection for the configured
// instrument set and reconnects with exponential backoff.
type Stream struct {
	cfg     StreamConfig
	symbols map[string]string
	names   []string
	log     *slog.Logger
	now     func() time.Time

	// OnReconnect is called each time a reconnection happens (optional).
	OnReconnect func()
	// OnBadFrame is called for frames that cannot be mapped to a tick (optional).
	OnBadFrame func(err error)
}

// NewStream creates a stream feed for instruments.
func NewStream(cfg StreamConfig, instruments []model.Instrument, log *slog.Logger) *Stream {
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	names := make([]string, 0, len(instruments))
	for _, in := range instruments {
		names = append(names, in.Symbol)
	}
	return &Stream{
		cfg:     cfg,
		symbols: symbolIndex(instruments),
		names:   names,
		log:     logger.Component(log, "stream"),
		now:     time.Now,
	}
}

func (s *Stream) Name() string { return "stream" }

// Run connects and streams ticks until ctx is cancelled, reconnecting on
// disconnect. It returns model.ErrUpstreamUnconfigured if no usable URL is set.
func (s *Stream) Run(ctx context.Context, onTick func(model.Tick)) error {
	if s.cfg.URL == "" {
		return fmt.Errorf("%w: no stream URL", model.ErrUpstreamUnconfigured)
	}
	if u, err := url.Parse(s.cfg.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("%w: bad stream URL %q", model.ErrUpstreamUnconfigured, s.cfg.URL)
	}

	delay := s.cfg.ReconnectDelay
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		connected, err := s.runOnce(ctx, onTick)
		if err == nil {
			return nil
		}
		if connected {
			delay = s.cfg.ReconnectDelay
		}

		s.log.Warn("stream disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay))
		if s.OnReconnect != nil {
			s.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > s.cfg.MaxReconnectDelay {
			delay = s.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes a single connection attempt and reads until disconnect or
// ctx cancel. connected reports whether the dial succeeded.
func (s *Stream) runOnce(ctx context.Context, onTick func(model.Tick)) (connected bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	s.log.Info("stream connected", slog.String("url", s.cfg.URL))

	if s.cfg.Subscribe != "" {
		msg := strings.ReplaceAll(s.cfg.Subscribe, "{symbols}", jsonStrings(s.names))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return true, fmt.Errorf("subscribe: %w", err)
		}
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return true, nil
			default:
			}
			return true, err
		}

		tick, err := s.decode(raw)
		if err != nil {
			s.log.Debug("skipping frame", slog.String("error", err.Error()))
			if s.OnBadFrame != nil {
				s.OnBadFrame(err)
			}
			continue
		}
		onTick(tick)
	}
}

// decode maps one frame to a tick for a configured instrument.
func (s *Stream) decode(raw []byte) (model.Tick, error) {
	if !gjson.ValidBytes(raw) {
		return model.Tick{}, fmt.Errorf("malformed frame")
	}
	name := gjson.GetBytes(raw, s.cfg.InstrumentPath).String()
	symbol, ok := s.symbols[name]
	if !ok {
		symbol, ok = s.symbols[strings.ToUpper(name)]
	}
	if !ok {
		return model.Tick{}, fmt.Errorf("unknown instrument %q", name)
	}

	price, err := decimalAt(raw, s.cfg.PricePath)
	if err != nil || !price.IsPositive() {
		return model.Tick{}, fmt.Errorf("%s: bad price", symbol)
	}
	vol, err := decimalAt(raw, s.cfg.VolumePath)
	if err != nil || vol.IsNegative() {
		vol = decimal.Zero
	}

	return model.Tick{
		Instrument: symbol,
		Price:      price,
		Volume:     vol,
		Timestamp:  s.timestamp(raw),
		Source:     s.Name(),
		TraceID:    logger.GenerateTraceID(symbol, s.now()),
	}, nil
}

func (s *Stream) timestamp(raw []byte) time.Time {
	r := gjson.GetBytes(raw, s.cfg.TimestampPath)
	switch r.Type {
	case gjson.String:
		if t, err := time.Parse(time.RFC3339Nano, r.Str); err == nil {
			return t.UTC()
		}
	case gjson.Number:
		if ms := r.Int(); ms > 0 {
			return time.UnixMilli(ms).UTC()
		}
	}
	return s.now().UTC()
}

func jsonStrings(ss []string) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, s := range ss {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%q", s)
	}
	b.WriteByte(']')
	return b.String()
}
