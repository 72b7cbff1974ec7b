package engine

import (
	"sort"
	"sync"
)

// tradeLedger holds at most one ActiveTrade per asset. Both the tick and
// proposal executions write to it.
type tradeLedger struct {
	mu     sync.Mutex
	trades map[string]ActiveTrade
}

func newTradeLedger() *tradeLedger {
	return &tradeLedger{trades: make(map[string]ActiveTrade)}
}

// Upsert replaces any previous trade for the asset.
func (l *tradeLedger) Upsert(t ActiveTrade) {
	l.mu.Lock()
	l.trades[t.Asset] = t
	l.mu.Unlock()
}

func (l *tradeLedger) Get(asset string) (ActiveTrade, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.trades[asset]
	return t, ok
}

// Remove reports whether a trade was dropped.
func (l *tradeLedger) Remove(asset string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.trades[asset]; !ok {
		return false
	}
	delete(l.trades, asset)
	return true
}

func (l *tradeLedger) Assets() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.trades))
	for a := range l.trades {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// List returns trades sorted by asset.
func (l *tradeLedger) List() []ActiveTrade {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ActiveTrade, 0, len(l.trades))
	for _, t := range l.trades {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}
