// Package feed adapts upstream market data into model.Tick events: REST
// polling, a push WebSocket stream, and a deterministic random-walk fallback
// used while no upstream is configured or producing.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"intervention-engine/internal/logger"
	"intervention-engine/internal/model"
)

// Source produces ticks until ctx is cancelled. Run calls onTick from one or
// more goroutines; onTick must be safe for concurrent use. Run returns nil on
// cancellation and model.ErrUpstreamUnconfigured if it cannot start at all.
type Source interface {
	Name() string
	Run(ctx context.Context, onTick func(model.Tick)) error
}

// Handle controls a started Source.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	once   sync.Once
}

// Start runs src in its own goroutine and returns a Handle to stop it.
func Start(ctx context.Context, src Source, onTick func(model.Tick)) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.err = src.Run(ctx, onTick)
	}()
	return h
}

// Stop cancels the source's in-flight fetches and waits for it to return.
// Stop is idempotent and returns the source's exit error.
func (h *Handle) Stop() error {
	h.once.Do(h.cancel)
	<-h.done
	return h.err
}

// Done is closed once the source has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Fallback runs Primary and hands over to Backup while Primary is not
// producing: at once if Primary reports model.ErrUpstreamUnconfigured or
// exits, and after StallAfter without a Primary tick (failed dials, cycles in
// which every fetch failed). The first Primary tick after a takeover stops
// Backup again.
type Fallback struct {
	Primary Source
	Backup  Source
	Log     *slog.Logger

	// StallAfter is how long Primary may stay silent before Backup takes
	// over. Zero disables stall detection.
	StallAfter time.Duration

	// OnFallback is called when Backup takes over (optional).
	OnFallback func(reason error)
	// OnRecover is called when Primary resumes after a takeover (optional).
	OnRecover func()

	mu          sync.Mutex
	lastPrimary time.Time
	stopBackup  context.CancelFunc
}

func (f *Fallback) Name() string {
	return f.Primary.Name() + "|" + f.Backup.Name()
}

// Active reports whether Backup is currently producing the ticks.
func (f *Fallback) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopBackup != nil
}

// Run implements Source.
func (f *Fallback) Run(ctx context.Context, onTick func(model.Tick)) error {
	var backups sync.WaitGroup
	defer func() {
		f.mu.Lock()
		if f.stopBackup != nil {
			f.stopBackup()
			f.stopBackup = nil
		}
		f.mu.Unlock()
		backups.Wait()
	}()

	f.mu.Lock()
	f.lastPrimary = time.Now()
	f.mu.Unlock()

	primaryDone := make(chan error, 1)
	go func() {
		primaryDone <- f.Primary.Run(ctx, func(t model.Tick) {
			f.primaryTick()
			onTick(t)
		})
	}()

	var stall <-chan time.Time
	if f.StallAfter > 0 {
		ticker := time.NewTicker(max(f.StallAfter/4, 10*time.Millisecond))
		defer ticker.Stop()
		stall = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			<-primaryDone
			return nil
		case err := <-primaryDone:
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				err = fmt.Errorf("%w: %s stopped", model.ErrUpstreamUnavailable, f.Primary.Name())
			}
			f.takeOver(ctx, &backups, onTick, err)
			<-ctx.Done()
			return nil
		case now := <-stall:
			f.mu.Lock()
			silent := f.stopBackup == nil && now.Sub(f.lastPrimary) >= f.StallAfter
			f.mu.Unlock()
			if silent {
				f.takeOver(ctx, &backups, onTick, fmt.Errorf("%w: no ticks from %s for %s",
					model.ErrUpstreamUnavailable, f.Primary.Name(), f.StallAfter))
			}
		}
	}
}

// takeOver starts Backup unless it is already running.
func (f *Fallback) takeOver(ctx context.Context, wg *sync.WaitGroup, onTick func(model.Tick), reason error) {
	f.mu.Lock()
	if f.stopBackup != nil {
		f.mu.Unlock()
		return
	}
	bctx, cancel := context.WithCancel(ctx)
	f.stopBackup = cancel
	f.mu.Unlock()

	if r, ok := f.Backup.(interface{ Rebase() }); ok {
		r.Rebase()
	}
	f.logger().Warn("upstream not producing, falling back",
		slog.String("primary", f.Primary.Name()),
		slog.String("backup", f.Backup.Name()),
		slog.String("reason", reason.Error()))
	if f.OnFallback != nil {
		f.OnFallback(reason)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = f.Backup.Run(bctx, func(t model.Tick) {
			// Ticks racing a recovery are discarded.
			f.mu.Lock()
			live := bctx.Err() == nil
			f.mu.Unlock()
			if live {
				onTick(t)
			}
		})
	}()
}

func (f *Fallback) primaryTick() {
	f.mu.Lock()
	f.lastPrimary = time.Now()
	recovered := f.stopBackup != nil
	if recovered {
		f.stopBackup()
		f.stopBackup = nil
	}
	f.mu.Unlock()
	if !recovered {
		return
	}
	f.logger().Info("upstream recovered, leaving fallback", slog.String("primary", f.Primary.Name()))
	if f.OnRecover != nil {
		f.OnRecover()
	}
}

func (f *Fallback) logger() *slog.Logger {
	if f.Log == nil {
		return logger.Component(slog.Default(), "feed")
	}
	return f.Log
}

// Config selects and configures the upstream source.
type Config struct {
	// Mode is "rest", "ws", "walk" or "" to pick whichever upstream is configured.
	Mode   string
	Poll   PollConfig
	Stream StreamConfig
	Walk   WalkConfig

	// StallAfter is how long the upstream may go without a tick before the
	// walk takes over. Zero derives it: three poll intervals for REST, three
	// reconnect delays for the stream.
	StallAfter time.Duration
}

// New builds the configured Source for instruments. Every upstream is wrapped
// in a Fallback to the random walk; lastPrice (optional) lets the walk resume
// from the most recently observed price.
func New(cfg Config, instruments []model.Instrument, lastPrice func(string) (decimal.Decimal, bool), log *slog.Logger) Source {
	if log == nil {
		log = slog.Default()
	}
	walk := NewWalk(cfg.Walk, instruments, lastPrice)

	var primary Source
	stall := cfg.StallAfter
	switch strings.ToLower(cfg.Mode) {
	case "walk", "sim":
		return walk
	case "rest", "poll":
		primary = NewPoller(cfg.Poll, instruments, log)
	case "ws", "stream":
		primary = NewStream(cfg.Stream, instruments, log)
	default:
		switch {
		case cfg.Stream.URL != "":
			primary = NewStream(cfg.Stream, instruments, log)
		default:
			// An empty poll URL reports unconfigured and falls through to the walk.
			primary = NewPoller(cfg.Poll, instruments, log)
		}
	}
	if stall == 0 {
		switch p := primary.(type) {
		case *Poller:
			stall = 3 * p.cfg.Interval
		case *Stream:
			stall = 3 * p.cfg.ReconnectDelay
		}
	}
	return &Fallback{Primary: primary, Backup: walk, Log: logger.Component(log, "feed"), StallAfter: stall}
}

// symbolIndex maps configured and vendor spellings to the configured symbol.
func symbolIndex(instruments []model.Instrument) map[string]string {
	idx := make(map[string]string, 2*len(instruments))
	for _, in := range instruments {
		idx[in.Symbol] = in.Symbol
		idx[strings.ToUpper(in.VendorSymbol())] = in.Symbol
	}
	return idx
}
