// Package feed maintains live prices for the forward engine: a WebSocket
// client that streams ticks into an LTP cache and a per-key minute candle
// aggregator. Ticks arrive as JSON frames carrying paise prices; the cache
// converts to rupees at the read boundary.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"

	"optionsim/internal/metrics"
	"optionsim/internal/model"
	"optionsim/internal/ringbuf"
)

const (
	heartbeatInterval = 10 * time.Second
	writeTimeout      = 5 * time.Second
	reconnectBase     = 5 * time.Second
	reconnectMax      = 60 * time.Second
	tickRingCapacity  = 4096

	// SpotKey is the cache key for the underlying index.
	SpotKey = "SPOT"
)

const (
	subscribeAction   = 1
	unsubscribeAction = 0
)

// subscribeRequest is the wire shape for (un)subscribe frames.
type subscribeRequest struct {
	Action int      `json:"action"`
	Keys   []string `json:"keys"`
}

// Config wires one feed connection.
type Config struct {
	URL        string
	APIKey     string
	ClientCode string
	FeedToken  string
	TOTPSecret string // fresh code generated per connect

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Health  *metrics.HealthStatus // optional
}

// Client streams ticks into an LTP cache and minute candles. It implements
// the engine's quote and candle sources plus strike resubscription.
// Reads are safe from any goroutine; Run owns the connection.
type Client struct {
	cfg    Config
	log    *slog.Logger
	dialer *websocket.Dialer

	connMu sync.Mutex // guards conn writes
	conn   *websocket.Conn

	ring      *ringbuf.Ring // WS read loop -> aggregation, never blocks reads
	drainOnce sync.Once

	mu        sync.RWMutex
	ltp       map[string]int64 // paise
	current   map[string]*minuteCandle
	completed map[string]model.Bar
	subs      map[string]bool
}

// minuteCandle is one in-progress minute bucket.
type minuteCandle struct {
	bucket int64 // Unix minute
	open   int64
	high   int64
	low    int64
	close  int64
	volume int64
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("feed URL is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		cfg:       cfg,
		log:       cfg.Logger,
		dialer:    websocket.DefaultDialer,
		ring:      ringbuf.New(tickRingCapacity),
		ltp:       make(map[string]int64),
		current:   make(map[string]*minuteCandle),
		completed: make(map[string]model.Bar),
		subs:      make(map[string]bool),
	}, nil
}

// Key builds the cache key for one option contract.
func Key(strike int, opt model.OptionType) string {
	return fmt.Sprintf("%d_%s", strike, opt)
}

// ─────────────────────────────────────────────────────────────────────────────
// Engine-facing reads
// ─────────────────────────────────────────────────────────────────────────────

// OptionPrice returns the last traded price for a contract, in rupees.
func (c *Client) OptionPrice(strike int, opt model.OptionType) (float64, bool) {
	return c.price(Key(strike, opt))
}

// SpotPrice returns the underlying index level.
func (c *Client) SpotPrice() (float64, bool) {
	return c.price(SpotKey)
}

func (c *Client) price(key string) (float64, bool) {
	c.mu.RLock()
	p, ok := c.ltp[key]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return float64(p) / 100, true
}

// CompletedCandle returns the most recently finalized minute candle for a
// contract.
func (c *Client) CompletedCandle(strike int, opt model.OptionType) (model.Bar, bool) {
	c.mu.RLock()
	bar, ok := c.completed[Key(strike, opt)]
	c.mu.RUnlock()
	return bar, ok
}

// ─────────────────────────────────────────────────────────────────────────────
// Subscriptions
// ─────────────────────────────────────────────────────────────────────────────

// Subscribe registers keys with the feed. A change to the registered set
// tears down the live connection; Run redials and replays the full set on
// the fresh session, so the server always sees one subscribe frame per
// connection rather than incremental mutations.
func (c *Client) Subscribe(keys ...string) error {
	c.mu.Lock()
	added := 0
	for _, k := range keys {
		if !c.subs[k] {
			c.subs[k] = true
			added++
		}
	}
	c.mu.Unlock()
	if added == 0 {
		return nil
	}

	c.connMu.Lock()
	connected := c.conn != nil
	c.connMu.Unlock()
	if connected {
		c.log.Info("subscription set changed, forcing reconnect", "new_keys", added)
		c.closeConn()
	}
	return nil
}

// EnsureSubscribed covers both sides of a strike, used on ATM shifts.
func (c *Client) EnsureSubscribed(strike int) error {
	return c.Subscribe(Key(strike, model.CE), Key(strike, model.PE))
}

// resubscribe sends the full registered key set on a fresh connection.
func (c *Client) resubscribe() error {
	c.mu.RLock()
	keys := make([]string, 0, len(c.subs))
	for k := range c.subs {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	if len(keys) == 0 {
		return nil
	}
	return c.send(subscribeRequest{Action: subscribeAction, Keys: keys})
}

func (c *Client) send(v interface{}) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// ─────────────────────────────────────────────────────────────────────────────
// Connection lifecycle
// ─────────────────────────────────────────────────────────────────────────────

// Run maintains the connection until ctx is cancelled: connect, resubscribe,
// pump ticks, and reconnect with capped exponential backoff on any failure.
func (c *Client) Run(ctx context.Context) error {
	c.drainOnce.Do(func() { go c.drainLoop(ctx) })

	backoff := reconnectBase
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.connect(ctx); err != nil {
			c.log.Error("feed connect failed", "err", err, "backoff", backoff)
			c.cfg.Metrics.IncWSReconnect()
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff = backoff * 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}
		backoff = reconnectBase
		if c.cfg.Health != nil {
			c.cfg.Health.SetWSConnected(true)
		}

		if err := c.resubscribe(); err != nil {
			c.log.Warn("resubscribe failed", "err", err)
		}

		err := c.readLoop(ctx)
		if c.cfg.Health != nil {
			c.cfg.Health.SetWSConnected(false)
		}
		c.closeConn()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("feed disconnected, reconnecting", "err", err)
		c.cfg.Metrics.IncWSReconnect()
	}
}

func (c *Client) connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("x-api-key", c.cfg.APIKey)
	header.Set("x-client-code", c.cfg.ClientCode)
	header.Set("x-feed-token", c.cfg.FeedToken)
	if c.cfg.TOTPSecret != "" {
		code, err := totp.GenerateCode(c.cfg.TOTPSecret, time.Now())
		if err != nil {
			return fmt.Errorf("generate totp: %w", err)
		}
		header.Set("x-totp", code)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %s)", c.cfg.URL, err, resp.Status)
		}
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.log.Info("feed connected", "url", c.cfg.URL)
	return nil
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
}

// readLoop pumps frames until the connection drops. A heartbeat goroutine
// keeps the connection alive; a read error tears both down.
func (c *Client) readLoop(ctx context.Context) error {
	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeat(hbCtx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		var tick model.Tick
		if err := json.Unmarshal(payload, &tick); err != nil {
			c.log.Warn("bad tick frame", "err", err)
			continue
		}
		if tick.Key == "" || tick.Price <= 0 {
			continue
		}
		if !c.ring.Push(tick) {
			c.log.Warn("tick ring full, dropping", "key", tick.Key, "overflow", c.ring.Overflow())
		}
		if c.cfg.Health != nil {
			c.cfg.Health.SetLastTickTime(tick.TickTS)
		}
	}
}

// drainLoop is the ring consumer: it folds ticks into the LTP cache and
// minute candles off the WS read path.
func (c *Client) drainLoop(ctx context.Context) {
	for {
		t, ok := c.ring.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Millisecond):
			}
			continue
		}
		c.handleTick(t)
	}
}

func (c *Client) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.connMu.Lock()
			conn := c.conn
			c.connMu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				c.log.Warn("heartbeat write failed", "err", err)
				return
			}
		}
	}
}

// handleTick updates the LTP cache and folds the tick into its minute
// candle. A tick in a newer minute finalizes the previous candle; late
// ticks for older minutes are dropped.
func (c *Client) handleTick(t model.Tick) {
	bucket := t.TickTS.Unix() / 60

	c.mu.Lock()
	defer c.mu.Unlock()

	c.ltp[t.Key] = t.Price

	cur, ok := c.current[t.Key]
	if ok && bucket < cur.bucket {
		return
	}
	if ok && bucket > cur.bucket {
		c.completed[t.Key] = finalize(cur)
		ok = false
	}
	if !ok {
		c.current[t.Key] = &minuteCandle{
			bucket: bucket,
			open:   t.Price, high: t.Price, low: t.Price, close: t.Price,
			volume: t.Qty,
		}
		return
	}

	if t.Price > cur.high {
		cur.high = t.Price
	}
	if t.Price < cur.low {
		cur.low = t.Price
	}
	cur.close = t.Price
	cur.volume += t.Qty
}

func finalize(mc *minuteCandle) model.Bar {
	return model.Bar{
		TS:        time.Unix(mc.bucket*60, 0),
		Open:      float64(mc.open) / 100,
		High:      float64(mc.high) / 100,
		Low:       float64(mc.low) / 100,
		Close:     float64(mc.close) / 100,
		Volume:    mc.volume,
		HasVolume: mc.volume > 0,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
