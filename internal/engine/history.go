package engine

import "sync"

const (
	historyCapacity = 60
	historySeed     = 100
)

// priceHistory is a bounded per-asset OHLC buffer. Closed klines from a
// stream are parked until the next tick consumes them.
type priceHistory struct {
	mu       sync.Mutex
	capacity int
	points   map[string][]PricePoint
	streamed map[string]PricePoint
}

func newPriceHistory(capacity int) *priceHistory {
	if capacity <= 0 {
		capacity = historyCapacity
	}
	return &priceHistory{
		capacity: capacity,
		points:   make(map[string][]PricePoint),
		streamed: make(map[string]PricePoint),
	}
}

func (h *priceHistory) Len(asset string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.points[asset])
}

// Seed replaces the buffer, keeping the newest points.
func (h *priceHistory) Seed(asset string, pts []PricePoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(pts) > h.capacity {
		pts = pts[len(pts)-h.capacity:]
	}
	h.points[asset] = append([]PricePoint(nil), pts...)
}

// Append adds a point and evicts the oldest beyond capacity.
func (h *priceHistory) Append(asset string, p PricePoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := append(h.points[asset], p)
	if len(buf) > h.capacity {
		buf = buf[len(buf)-h.capacity:]
	}
	h.points[asset] = buf
}

// Tail returns up to n newest points, oldest first.
func (h *priceHistory) Tail(asset string, n int) []PricePoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := h.points[asset]
	if n > 0 && len(buf) > n {
		buf = buf[len(buf)-n:]
	}
	return append([]PricePoint(nil), buf...)
}

func (h *priceHistory) SetStreamed(asset string, p PricePoint) {
	h.mu.Lock()
	h.streamed[asset] = p
	h.mu.Unlock()
}

// TakeStreamed returns and clears the parked streamed candle.
func (h *priceHistory) TakeStreamed(asset string) (PricePoint, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.streamed[asset]
	if ok {
		delete(h.streamed, asset)
	}
	return p, ok
}
