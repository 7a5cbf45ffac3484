// cmd/tickserver: demo WebSocket tick server.
// Broadcasts random-walk ticks so the engine can run without vendor credentials.
//
// Frame shape is the engine's default stream format:
//
//	{"instrument":"BTC/USDT","price":"65012.5","volume":"3.2","ts":"2026-03-10T10:00:00.25Z","source":"walk"}
//
// Config (env vars):
//
//	TICK_SERVER_ADDR  listen address (default ":9001")
//	INSTRUMENTS       SYMBOL:SEED_PRICE pairs (default "BTC/USDT:65000,ETH/USDT:3200")
//	TICK_INTERVAL     broadcast interval (default "250ms")
//	WALK_VOLATILITY   per-step log-return deviation (default 0.0005)
//	WALK_SEED         PRNG seed (default 0)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"intervention-engine/config"
	"intervention-engine/internal/logger"
	"intervention-engine/internal/marketdata/feed"
)

type serverConfig struct {
	Addr        string        `env:"TICK_SERVER_ADDR" envDefault:":9001"`
	Instruments []string      `env:"INSTRUMENTS" envSeparator:"," envDefault:"BTC/USDT:65000,ETH/USDT:3200"`
	Interval    time.Duration `env:"TICK_INTERVAL" envDefault:"250ms"`
	Volatility  float64       `env:"WALK_VOLATILITY" envDefault:"0.0005"`
	Seed        uint64        `env:"WALK_SEED"`
	LogLevel    string        `env:"LOG_LEVEL" envDefault:"info"`
}

// hub fans frames out to every connected client; slow clients drop frames.
type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	for conn, ch := range h.clients {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("upgrade failed", "error", err)
			return
		}
		log.Info("client connected", "remote", r.RemoteAddr)

		ch := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Info("client disconnected", "remote", r.RemoteAddr)
		}()

		// Drain reads so subscribe messages and close frames are handled.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					h.unregister(conn)
					return
				}
			}
		}()

		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func runGenerator(ctx context.Context, h *hub, walk *feed.Walk, symbols []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, sym := range symbols {
				t, ok := walk.Step(sym, now)
				if !ok {
					continue
				}
				b, err := json.Marshal(t)
				if err != nil {
					continue
				}
				h.broadcast(b)
			}
		}
	}
}

func main() {
	_ = godotenv.Load()
	var cfg serverConfig
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "tickserver: %v\n", err)
		os.Exit(1)
	}
	log := logger.Init("tickserver", logger.Options{Level: logger.ParseLevel(cfg.LogLevel)})

	instruments := (&config.Config{Instruments: cfg.Instruments}).ParseInstruments()
	if len(instruments) == 0 {
		log.Error("no instruments configured via INSTRUMENTS")
		os.Exit(1)
	}
	symbols := make([]string, len(instruments))
	for i, in := range instruments {
		if in.SeedPrice.IsZero() {
			log.Warn("instrument has no seed price and will not tick", "instrument", in.Symbol)
		}
		symbols[i] = in.Symbol
	}
	walk := feed.NewWalk(feed.WalkConfig{Volatility: cfg.Volatility, Seed: cfg.Seed}, instruments, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h := newHub()
	go runGenerator(ctx, h, walk, symbols, cfg.Interval)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler(h, log))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"status":"ok","service":"tickserver"}`)
	})
	srv := &http.Server{Addr: cfg.Addr, Handler: mux}

	go func() {
		log.Info("listening", "addr", cfg.Addr, "instruments", symbols, "interval", cfg.Interval)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	h.closeAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("shutdown complete")
}
