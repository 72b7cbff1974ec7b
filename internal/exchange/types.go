package exchange

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Fill sides, following the B(id)/A(sk) convention of perp venues.
const (
	SideBuy  = "B"
	SideSell = "A"
)

// Trigger kinds.
const (
	TPSLTakeProfit = "tp"
	TPSLStopLoss   = "sl"
)

// UserState is the account snapshot reported by a venue.
type UserState struct {
	Balance    float64    `json:"balance"`
	TotalValue float64    `json:"total_value"`
	Positions  []Position `json:"positions"`
}

// Position is one open position. Quantity is signed: positive long, negative short.
type Position struct {
	Symbol           string  `json:"symbol"`
	Quantity         float64 `json:"quantity"`
	EntryPrice       float64 `json:"entry_price"`
	CurrentPrice     float64 `json:"current_price"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	PnLPct           float64 `json:"pnl_pct"`
	Side             string  `json:"side"`
	Leverage         float64 `json:"leverage"`
	LiquidationPrice float64 `json:"liquidation_price"`
	NotionalEntry    float64 `json:"notional_entry"`
}

// IsLong reports the direction of the position.
func (p Position) IsLong() bool { return p.Quantity > 0 }

// Trigger describes a conditional order.
type Trigger struct {
	TriggerPx float64 `json:"triggerPx"`
	IsMarket  bool    `json:"isMarket"`
	TPSL      string  `json:"tpsl"`
}

// OrderType wraps the trigger definition; nil Trigger means a plain limit order.
type OrderType struct {
	Trigger *Trigger `json:"trigger,omitempty"`
}

// OpenOrder is a resting order on the venue.
type OpenOrder struct {
	Coin       string    `json:"coin"`
	Side       string    `json:"side"`
	Size       float64   `json:"sz"`
	LimitPx    float64   `json:"limitPx"`
	OID        string    `json:"oid"`
	OrderType  OrderType `json:"orderType"`
	ReduceOnly bool      `json:"reduceOnly"`
	Timestamp  int64     `json:"timestamp"`
}

// Fill is one executed trade.
type Fill struct {
	OID  string  `json:"oid"`
	Coin string  `json:"coin"`
	Side string  `json:"side"`
	Px   float64 `json:"px"`
	Sz   float64 `json:"sz"`
	Time string  `json:"time"`
	Fee  float64 `json:"fee"`
}

// Candle is an OHLCV bar in venue shape.
type Candle struct {
	T int64   `json:"t"`
	O float64 `json:"o"`
	H float64 `json:"h"`
	L float64 `json:"l"`
	C float64 `json:"c"`
	V float64 `json:"v"`
}

// Order result statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// FilledStatus carries the fill of a market order.
type FilledStatus struct {
	OID     string  `json:"oid"`
	TotalSz float64 `json:"totalSz"`
	AvgPx   float64 `json:"avgPx"`
}

// RestingStatus carries the id of an order left on the book.
type RestingStatus struct {
	OID string `json:"oid"`
}

// OrderStatus is one entry of an order result; exactly one field is set.
type OrderStatus struct {
	Filled  *FilledStatus  `json:"filled,omitempty"`
	Resting *RestingStatus `json:"resting,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// OrderResult is returned by every order placement.
type OrderResult struct {
	Status   string        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Statuses []OrderStatus `json:"statuses,omitempty"`
}

// OK reports whether the venue accepted the order.
func (r OrderResult) OK() bool { return r.Status == StatusOK }

// Err converts a rejected result into an error.
func (r OrderResult) Err() error {
	if r.OK() {
		return nil
	}
	if r.Message != "" {
		return fmt.Errorf("order rejected: %s", r.Message)
	}
	return fmt.Errorf("order rejected: status %q", r.Status)
}

// ExtractOrderIDs lists the oids carried by a result, filled before resting
// in the order they appear.
func ExtractOrderIDs(r OrderResult) []string {
	var oids []string
	for _, st := range r.Statuses {
		switch {
		case st.Filled != nil && st.Filled.OID != "":
			oids = append(oids, st.Filled.OID)
		case st.Resting != nil && st.Resting.OID != "":
			oids = append(oids, st.Resting.OID)
		}
	}
	return oids
}

// FirstOrderID returns the first oid or "" when none is present.
func FirstOrderID(r OrderResult) string {
	if oids := ExtractOrderIDs(r); len(oids) > 0 {
		return oids[0]
	}
	return ""
}

// ParseFillTime accepts epoch millis, epoch seconds, or an RFC3339/ISO string.
func ParseFillTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		// Anything past year 2286 in seconds is really millis.
		if n > 1e10 {
			return time.UnixMilli(int64(n)).UTC(), true
		}
		return time.Unix(int64(n), 0).UTC(), true
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
