package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"gridtrader/internal/core"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const defaultStreamURL = "wss://stream.binance.com:9443/ws"

// TickerStream pushes live book-ticker updates over a websocket so the
// engine sees prices between REST polls. Reconnects with a fixed delay
// until the context ends.
type TickerStream struct {
	baseURL        string
	reconnectDelay time.Duration
	logger         core.ILogger

	mu     sync.RWMutex
	latest map[string]core.Ticker
}

// NewTickerStream builds a stream against the public endpoint. baseURL is
// overridable for tests.
func NewTickerStream(baseURL string, logger core.ILogger) *TickerStream {
	if baseURL == "" {
		baseURL = defaultStreamURL
	}
	return &TickerStream{
		baseURL:        baseURL,
		reconnectDelay: 5 * time.Second,
		logger:         logger.WithField("component", "ticker_stream"),
		latest:         make(map[string]core.Ticker),
	}
}

type bookTickerEvent struct {
	Symbol string `json:"s"`
	Bid    string `json:"b"`
	Ask    string `json:"a"`
}

// Latest returns the most recent streamed ticker for a symbol.
func (s *TickerStream) Latest(symbol string) (core.Ticker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.latest[symbol]
	return t, ok
}

// Run subscribes to the book-ticker stream for a symbol and blocks until
// the context is cancelled. onUpdate may be nil.
func (s *TickerStream) Run(ctx context.Context, symbol string, onUpdate func(core.Ticker)) error {
	url := fmt.Sprintf("%s/%s@bookTicker", s.baseURL, strings.ToLower(symbol))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			s.logger.Warn("websocket connect failed, retrying",
				"symbol", symbol, "error", err, "delay", s.reconnectDelay.String())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.reconnectDelay):
			}
			continue
		}
		s.logger.Info("ticker stream connected", "symbol", symbol)

		if err := s.readLoop(ctx, conn, symbol, onUpdate); err != nil && ctx.Err() == nil {
			s.logger.Warn("ticker stream dropped, reconnecting", "symbol", symbol, "error", err)
		}
		conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (s *TickerStream) readLoop(ctx context.Context, conn *websocket.Conn, symbol string, onUpdate func(core.Ticker)) error {
	// Unblock ReadMessage when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var ev bookTickerEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			s.logger.Debug("skipping malformed stream message", "error", err)
			continue
		}
		bid, err := decimal.NewFromString(ev.Bid)
		if err != nil {
			continue
		}
		ask, err := decimal.NewFromString(ev.Ask)
		if err != nil {
			continue
		}

		ticker := core.Ticker{
			Symbol: symbol,
			Bid:    bid,
			Ask:    ask,
			Last:   bid.Add(ask).Div(decimal.NewFromInt(2)),
		}
		s.mu.Lock()
		s.latest[symbol] = ticker
		s.mu.Unlock()

		if onUpdate != nil {
			onUpdate(ticker)
		}
	}
}
