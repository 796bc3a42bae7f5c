// Package pricefeed maintains a websocket subscription to a market
// data stream and feeds received prices into the portfolio service.
//
// Wire protocol: the client sends the subscription frame ["prices"]
// after connecting, then receives frames of the form
//
//	["prices", {"timestamp": "2026-01-08T14:30:22Z",
//	            "prices": {"BTCUSDT": "40123.5", ...}}]
//
// Prices travel as strings so no precision is lost in transit.
package pricefeed

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"nhooyr.io/websocket"

	"github.com/atlasalgo/portfolio-engine/internal/domain"
)

const (
	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second

	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	maxReconnectAttempts = 10

	// A cache older than this is reported stale on the health surface
	cacheStaleThreshold = 5 * time.Minute

	priceSource = "websocket"
)

// Broadcaster receives each parsed price tick. *portfolio.Service
// satisfies it.
type Broadcaster interface {
	BroadcastPrices(prices domain.PriceMap, at time.Time, source string) map[string][]domain.Warning
}

// Client handles real-time price updates from the market data stream
type Client struct {
	// Connection
	url        string
	httpClient *http.Client // Reusable HTTP client configured for HTTP/1.1
	conn       *websocket.Conn
	connCtx    context.Context    // Connection context (cancelled on disconnect)
	cancelFunc context.CancelFunc // For cancelling the connection context
	mu         sync.RWMutex

	// Dependencies
	broadcaster Broadcaster
	log         zerolog.Logger

	// State
	connected    bool
	reconnecting bool
	stopChan     chan struct{}
	stopped      bool

	// Cache (thread-safe)
	priceCache map[string]decimal.Decimal
	lastUpdate time.Time
	cacheMu    sync.RWMutex
}

// wsPriceData is the payload element of a "prices" frame
type wsPriceData struct {
	Timestamp time.Time         `json:"timestamp"`
	Prices    map[string]string `json:"prices"`
}

// createHTTP1Client creates an HTTP client that forces HTTP/1.1.
// The websocket upgrade handshake requires HTTP/1.1, but CDN edges
// negotiate HTTP/2 via TLS ALPN unless it is pinned here.
func createHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				NextProtos: []string{"http/1.1"},
			},
			ForceAttemptHTTP2: false,
		},
	}
}

// NewClient creates a new price feed client
func NewClient(url string, broadcaster Broadcaster, log zerolog.Logger) *Client {
	return &Client{
		url:         url,
		httpClient:  createHTTP1Client(),
		broadcaster: broadcaster,
		log:         log.With().Str("component", "pricefeed").Logger(),
		priceCache:  make(map[string]decimal.Decimal),
		stopChan:    make(chan struct{}),
	}
}

// Start initializes the websocket connection and starts the read loop
func (c *Client) Start() error {
	c.log.Info().Str("url", c.url).Msg("Starting price feed client")

	if err := c.Connect(); err != nil {
		c.log.Warn().Err(err).Msg("Initial price feed connection failed, will retry in background")
		go c.reconnectLoop()
		return err
	}

	// The read loop lives on the connection context
	c.mu.RLock()
	ctx := c.connCtx
	c.mu.RUnlock()
	go c.readMessages(ctx)

	c.log.Info().Msg("Price feed client started successfully")
	return nil
}

// Stop gracefully shuts down the websocket connection
func (c *Client) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	c.log.Info().Msg("Stopping price feed client")

	// Signal stop
	close(c.stopChan)

	// Close connection
	return c.Disconnect()
}

// Connect establishes the websocket connection and subscribes to the
// prices channel
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.log.Info().Str("url", c.url).Msg("Connecting to price feed")

	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		HTTPClient: c.httpClient,
	})
	if err != nil {
		return fmt.Errorf("failed to dial websocket: %w", err)
	}

	// Long-lived context for the connection, cancelled on disconnect
	connCtx, connCancel := context.WithCancel(context.Background())
	c.conn = conn
	c.connCtx = connCtx
	c.cancelFunc = connCancel
	c.connected = true

	// Subscribe to prices channel
	if err := c.subscribe(connCtx); err != nil {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		c.conn = nil
		c.connCtx = nil
		c.cancelFunc = nil
		c.connected = false
		return fmt.Errorf("failed to subscribe to prices: %w", err)
	}

	c.log.Info().Msg("Connected to price feed")
	return nil
}

// Disconnect closes the websocket connection
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	c.log.Info().Msg("Disconnecting from price feed")

	// Cancelling the context unblocks any in-flight Read
	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}

	// Close sends a close frame and waits for the response
	err := c.conn.Close(websocket.StatusNormalClosure, "")

	c.conn = nil
	c.connCtx = nil
	c.connected = false

	if err != nil {
		return fmt.Errorf("error closing websocket: %w", err)
	}

	return nil
}

// subscribe sends the subscription frame for the prices channel
func (c *Client) subscribe(ctx context.Context) error {
	subscribeMsg := []string{"prices"}

	data, err := json.Marshal(subscribeMsg)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription message: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send subscription message: %w", err)
	}

	c.log.Debug().Msg("Subscribed to prices channel")
	return nil
}

// readMessages continuously reads messages from the websocket
func (c *Client) readMessages(ctx context.Context) {
	defer func() {
		c.log.Info().Msg("Read loop stopped")
		// A read loop that ends without Stop means the connection died
		c.mu.RLock()
		stopped := c.stopped
		c.mu.RUnlock()
		if !stopped {
			go c.reconnectLoop()
		}
	}()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ctx.Done():
			c.log.Debug().Msg("Read loop context cancelled")
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		if conn == nil {
			c.log.Warn().Msg("Connection is nil, stopping read loop")
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				c.log.Info().Int("status", int(closeStatus)).Msg("Websocket closed normally")
			} else if ctx.Err() != nil {
				c.log.Debug().Msg("Read cancelled by context")
			} else {
				c.log.Error().Err(err).Msg("Unexpected websocket read error")
			}
			return
		}

		if msgType != websocket.MessageText {
			c.log.Debug().Int("type", int(msgType)).Msg("Ignoring non-text message")
			continue
		}

		if err := c.handleMessage(message); err != nil {
			// A bad frame is logged; the stream keeps going
			c.log.Error().Err(err).Str("message", string(message)).Msg("Failed to handle price feed message")
		}
	}
}

// handleMessage parses a ["channel", data] frame
func (c *Client) handleMessage(message []byte) error {
	var rawMessage []json.RawMessage
	if err := json.Unmarshal(message, &rawMessage); err != nil {
		return fmt.Errorf("failed to parse message array: %w", err)
	}

	if len(rawMessage) < 2 {
		return fmt.Errorf("message array too short: expected 2 elements, got %d", len(rawMessage))
	}

	var channel string
	if err := json.Unmarshal(rawMessage[0], &channel); err != nil {
		return fmt.Errorf("failed to parse channel: %w", err)
	}

	if channel != "prices" {
		c.log.Debug().Str("channel", channel).Msg("Ignoring non-prices message")
		return nil
	}

	var data wsPriceData
	if err := json.Unmarshal(rawMessage[1], &data); err != nil {
		return fmt.Errorf("failed to parse price data: %w", err)
	}

	return c.handlePriceUpdate(data)
}

// handlePriceUpdate converts the tick into a decimal price map and
// hands it to the broadcaster, refreshing the cache on the way
func (c *Client) handlePriceUpdate(data wsPriceData) error {
	if len(data.Prices) == 0 {
		c.log.Warn().Msg("Received empty price update")
		return nil
	}

	at := data.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	prices := make(domain.PriceMap, len(data.Prices))
	for instrument, raw := range data.Prices {
		price, err := decimal.NewFromString(raw)
		if err != nil {
			c.log.Warn().
				Str("instrument", instrument).
				Str("raw", raw).
				Msg("Skipping unparseable price")
			continue
		}
		prices[instrument] = price
	}

	if len(prices) == 0 {
		return fmt.Errorf("no parseable prices in update of %d instruments", len(data.Prices))
	}

	// Update cache (thread-safe)
	c.cacheMu.Lock()
	for instrument, price := range prices {
		c.priceCache[instrument] = price
	}
	c.lastUpdate = time.Now()
	c.cacheMu.Unlock()

	warnings := c.broadcaster.BroadcastPrices(prices, at, priceSource)

	c.log.Debug().
		Int("instrument_count", len(prices)).
		Int("portfolios_with_warnings", len(warnings)).
		Time("tick_time", at).
		Msg("Price update applied")

	return nil
}

// reconnectLoop handles automatic reconnection with exponential backoff
func (c *Client) reconnectLoop() {
	c.mu.Lock()
	if c.reconnecting || c.stopped {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-c.stopChan:
			c.log.Info().Msg("Reconnection loop stopped by user")
			return
		default:
		}

		c.mu.RLock()
		stopped := c.stopped
		c.mu.RUnlock()
		if stopped {
			return
		}

		attempt++

		delay := c.calculateBackoff(attempt)

		if attempt <= maxReconnectAttempts {
			c.log.Info().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Attempting to reconnect to price feed")
		} else {
			c.log.Warn().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Reconnection attempts past backoff ceiling, still retrying")
		}

		select {
		case <-time.After(delay):
		case <-c.stopChan:
			return
		}

		if err := c.Connect(); err != nil {
			c.log.Error().Err(err).
				Int("attempt", attempt).
				Msg("Reconnection failed")
			continue
		}

		c.log.Info().
			Int("attempt", attempt).
			Msg("Successfully reconnected to price feed")

		attempt = 0

		c.mu.RLock()
		ctx := c.connCtx
		c.mu.RUnlock()
		go c.readMessages(ctx)
		return
	}
}

// calculateBackoff returns base * 2^(attempt-1), capped at the
// ceiling delay
func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}

	return time.Duration(delay)
}

// Price returns the cached price for an instrument (thread-safe)
func (c *Client) Price(instrument string) (decimal.Decimal, bool) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()

	price, ok := c.priceCache[instrument]
	return price, ok
}

// Snapshot returns a copy of the cached prices (thread-safe)
func (c *Client) Snapshot() domain.PriceMap {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()

	result := make(domain.PriceMap, len(c.priceCache))
	for instrument, price := range c.priceCache {
		result[instrument] = price
	}

	return result
}

// IsCacheStale checks if the cache hasn't been updated recently
func (c *Client) IsCacheStale() bool {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()

	if c.lastUpdate.IsZero() {
		return true
	}

	return time.Since(c.lastUpdate) > cacheStaleThreshold
}

// IsConnected returns current connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}
