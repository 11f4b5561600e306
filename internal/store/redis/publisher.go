// Package redis distributes engine events over Redis pub/sub. The forward
// engine publishes to one channel per instrument; consumers (notification
// pump, external tooling) subscribe to the same channel. Publishes run
// through a circuit breaker with local buffering, so a Redis outage never
// stalls the trading loop and events are replayed once the server returns.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"optionsim/internal/model"
)

const (
	publishTimeout = 2 * time.Second
	sessionTTL     = 12 * time.Hour
	maxBuffered    = 10000
)

// PublisherConfig configures the event publisher.
type PublisherConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int

	Instrument string
}

// Publisher fans engine events out to Redis and tracks session status.
type Publisher struct {
	client     *goredis.Client
	instrument string
	cb         *CircuitBreaker

	mu     sync.Mutex
	buffer [][]byte // events held while the circuit is open
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// EventChannel is the pub/sub channel for one instrument's events.
func EventChannel(instrument string) string {
	return "events:" + instrument
}

func sessionKey(instrument string) string {
	return "session:" + instrument
}

// NewPublisher connects, pings the server, and arms the circuit breaker.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	p := &Publisher{
		client:     client,
		instrument: cfg.Instrument,
		cb:         NewCircuitBreaker(5, 10*time.Second),
	}
	p.cb.OnStateChange = func(from, to State) {
		log.Printf("[redis-pub] circuit breaker %s -> %s", from, to)
		if to == StateClosed {
			go p.flush()
		}
	}

	log.Printf("[redis-pub] connected to %s (channel=%s)", cfg.Addr, EventChannel(cfg.Instrument))
	return p, nil
}

// Run pumps events from eventCh to Redis until ctx is cancelled or the
// channel closes.
func (p *Publisher) Run(ctx context.Context, eventCh <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-eventCh:
			if !ok {
				return
			}
			p.Publish(ev)
		}
	}
}

// Publish sends one event. While the circuit is open the event is buffered
// and replayed later; the caller never blocks on a Redis failure.
func (p *Publisher) Publish(ev model.Event) {
	payload := ev.JSON()
	err := p.cb.Execute(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		return p.client.Publish(ctx, EventChannel(p.instrument), payload).Err()
	})
	if err == ErrCircuitOpen {
		p.bufferEvent(payload)
		return
	}
	if err != nil {
		log.Printf("[redis-pub] publish error: %v", err)
	}
}

func (p *Publisher) bufferEvent(payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffer) >= maxBuffered {
		p.buffer = p.buffer[1:]
	}
	p.buffer = append(p.buffer, payload)
}

// flush replays buffered events in arrival order once the circuit closes.
func (p *Publisher) flush() {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	toFlush := p.buffer
	p.buffer = nil
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, payload := range toFlush {
		if err := p.client.Publish(ctx, EventChannel(p.instrument), payload).Err(); err != nil {
			log.Printf("[redis-pub] flush error: %v", err)
			return
		}
	}
	log.Printf("[redis-pub] flushed %d buffered events", len(toFlush))
}

// PendingCount returns the number of buffered events awaiting replay.
func (p *Publisher) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// SessionStatus is the live session summary stored alongside the stream.
type SessionStatus struct {
	Strategy   string  `json:"strategy"`
	ATMStrike  int     `json:"atm_strike"`
	Expiry     string  `json:"expiry"`
	DayTrades  int     `json:"day_trades"`
	TotalPnL   float64 `json:"total_pnl"`
	UpdatedAt  int64   `json:"updated_at"`
	MarketOpen bool    `json:"market_open"`
}

// SetSessionStatus writes the latest session summary with a TTL, so stale
// sessions age out on their own.
func (p *Publisher) SetSessionStatus(ctx context.Context, st SessionStatus) error {
	st.UpdatedAt = time.Now().Unix()
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return p.client.Set(ctx, sessionKey(p.instrument), data, sessionTTL).Err()
}

// Close releases the connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// Subscriber receives one instrument's event stream.
type Subscriber struct {
	client *goredis.Client
	sub    *goredis.PubSub
}

// NewSubscriber connects and subscribes to an instrument's event channel.
func NewSubscriber(cfg PublisherConfig) (*Subscriber, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	sub := client.Subscribe(context.Background(), EventChannel(cfg.Instrument))
	return &Subscriber{client: client, sub: sub}, nil
}

// Run decodes incoming events into out until ctx is cancelled. Malformed
// frames are logged and skipped.
func (s *Subscriber) Run(ctx context.Context, out chan<- model.Event) error {
	ch := s.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev model.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("[redis-sub] bad event frame: %v", err)
				continue
			}
			select {
			case out <- ev:
			default:
				log.Printf("[redis-sub] consumer slow, dropping event")
			}
		}
	}
}

// Close tears down the subscription and connection.
func (s *Subscriber) Close() error {
	s.sub.Close()
	return s.client.Close()
}
