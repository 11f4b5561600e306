package model

import "time"

// Tick is a single market data tick from the live feed.
// Price is int64 paise (1 INR = 100 paise) on the wire to avoid float drift;
// the feed cache converts to rupees at the engine boundary.
type Tick struct {
	Key    string    `json:"key"`     // "SPOT" or "{strike}_{CE|PE}"
	Price  int64     `json:"price"`   // paise (LTP)
	Qty    int64     `json:"qty"`     // last traded quantity
	TickTS time.Time `json:"tick_ts"` // exchange timestamp
}
