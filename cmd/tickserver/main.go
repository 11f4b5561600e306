// cmd/tickserver — Demo WebSocket tick server.
// Broadcasts a simulated option chain so cmd/forward can run without live
// feed credentials.
//
// Tick JSON shape is identical to model.Tick:
//
//	{"key":"25000_CE","price":11250,"qty":10,"tick_ts":"..."}
//
// Price is stored in paise (1 INR = 100 paise), same as the live feed.
//
// Config (env vars):
//
//	TICK_SERVER_ADDR  — listen address          (default: ":9001")
//	SIM_INSTRUMENT    — index to simulate       (default: "NIFTY")
//	SIM_SPOT          — starting spot in rupees (default: 25000)
//	SIM_STRIKE_RANGE  — strikes each side of ATM (default: 5)
//	TICK_INTERVAL_MS  — broadcast interval milliseconds (default: "100")
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"optionsim/config"
	"optionsim/internal/model"
)

// contract holds per-key simulation state.
type contract struct {
	Key   string
	Price int64 // current simulated price in paise
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

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
		default: // slow client — drop tick
		}
	}
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[tickserver] upgrade error: %v", err)
			return
		}
		log.Printf("[tickserver] client connected: %s", r.RemoteAddr)

		ch := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[tickserver] client disconnected: %s", r.RemoteAddr)
		}()

		// Read pump: drains subscribe frames and control messages. The sim
		// broadcasts the whole chain, so subscriptions are acknowledged by
		// ignoring them.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		// Write pump: sends tick JSON to this client.
		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── Tick generator ──────────────────────────────────────────────────────────

// walkPrice applies a tiny random walk (±0.1%) to simulate price movement.
func walkPrice(price int64) int64 {
	pct := (rand.Float64()*0.2 - 0.1) / 100.0
	delta := int64(float64(price) * pct)
	newPrice := price + delta
	if newPrice < 100 { // floor at 1 paise
		newPrice = 100
	}
	return newPrice
}

func runGenerator(h *hub, chain []contract, intervalMs int) {
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		for i := range chain {
			chain[i].Price = walkPrice(chain[i].Price)
			msg := model.Tick{
				Key:    chain[i].Key,
				Price:  chain[i].Price,
				Qty:    int64(rand.Intn(100) + 1),
				TickTS: time.Now().UTC(),
			}
			b, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			h.broadcast(b)
		}
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[tickserver] starting demo tick server...")

	addr := envOrDefault("TICK_SERVER_ADDR", ":9001")
	instrument := envOrDefault("SIM_INSTRUMENT", "NIFTY")
	spot := float64(envIntOrDefault("SIM_SPOT", 25000))
	strikeRange := envIntOrDefault("SIM_STRIKE_RANGE", 5)
	intervalMs := envIntOrDefault("TICK_INTERVAL_MS", 100)

	chain, err := buildChain(instrument, spot, strikeRange)
	if err != nil {
		log.Fatalf("[tickserver] %v", err)
	}
	log.Printf("[tickserver] simulating %s around %.0f (%d contracts)", instrument, spot, len(chain))
	log.Printf("[tickserver] broadcast interval: %dms", intervalMs)

	h := newHub()
	go runGenerator(h, chain, intervalMs)

	http.HandleFunc("/ws", wsHandler(h))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"tickserver"}`)
	})

	log.Printf("[tickserver] listening on %s  (WebSocket: ws://localhost%s/ws)", addr, addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("[tickserver] server error: %v", err)
	}
}

// buildChain seeds the spot plus CE/PE contracts around ATM. Option premiums
// start at a rough intrinsic-plus-time value so SL/TP percentages behave
// plausibly.
func buildChain(instrument string, spot float64, strikeRange int) ([]contract, error) {
	step, err := config.StrikeStep(instrument)
	if err != nil {
		return nil, err
	}
	atm, err := config.ATMStrike(instrument, spot)
	if err != nil {
		return nil, err
	}

	chain := []contract{{Key: "SPOT", Price: int64(spot * 100)}}
	timeValue := spot * 0.004 // flat premium component
	for i := -strikeRange; i <= strikeRange; i++ {
		strike := atm + i*step
		ceIntrinsic := math.Max(spot-float64(strike), 0)
		peIntrinsic := math.Max(float64(strike)-spot, 0)
		chain = append(chain,
			contract{Key: fmt.Sprintf("%d_CE", strike), Price: int64((ceIntrinsic + timeValue) * 100)},
			contract{Key: fmt.Sprintf("%d_PE", strike), Price: int64((peIntrinsic + timeValue) * 100)},
		)
	}
	return chain, nil
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
