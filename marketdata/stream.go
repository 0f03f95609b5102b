package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Reconnect/ping policy for the quote stream
const (
	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second
)

// quoteTick is one pushed price update
type quoteTick struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Time   int64   `json:"time"`
}

// subscribeMessage asks the push endpoint for symbols; "*" means all
type subscribeMessage struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

// QuoteStream maintains a live last-price map from a websocket quote push
// endpoint. It reconnects on failure and is safe for concurrent reads.
// The engine works without it; intraday facts just lose the live tick.
type QuoteStream struct {
	url     string
	symbols []string

	mu     sync.RWMutex
	prices map[string]float64

	writeMu sync.Mutex
	conn    *websocket.Conn
}

// NewQuoteStream creates a stream for the given push endpoint. An empty
// symbol list subscribes to everything.
func NewQuoteStream(url string, symbols []string) *QuoteStream {
	if len(symbols) == 0 {
		symbols = []string{"*"}
	}
	return &QuoteStream{
		url:     url,
		symbols: symbols,
		prices:  make(map[string]float64),
	}
}

// Run connects and consumes ticks until the context is cancelled,
// reconnecting with a fixed delay on any failure
func (s *QuoteStream) Run(ctx context.Context) {
	for {
		if err := s.connectAndConsume(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("⚠️ Quote stream disconnected: %v, reconnecting in %s", err, reconnectDelay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// LastPrice returns the most recent pushed price for a symbol
func (s *QuoteStream) LastPrice(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.prices[symbol]
	return price, ok
}

func (s *QuoteStream) connectAndConsume(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", s.url, err)
	}
	defer conn.Close()

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()

	if err := s.writeJSON(subscribeMessage{Type: "subscribe", Symbols: s.symbols}); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}
	log.Printf("✅ Quote stream connected to %s", s.url)

	// Keepalive pings; the reader below notices the drop if they stop
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}

		var tick quoteTick
		if err := json.Unmarshal(payload, &tick); err != nil {
			continue // skip malformed frames
		}
		if tick.Symbol == "" || tick.Price <= 0 {
			continue
		}

		s.mu.Lock()
		s.prices[tick.Symbol] = tick.Price
		s.mu.Unlock()
	}
}

func (s *QuoteStream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			conn := s.conn
			if conn != nil {
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
			s.writeMu.Unlock()
		}
	}
}

func (s *QuoteStream) writeJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("not connected")
	}
	return s.conn.WriteJSON(v)
}
