package paper

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"perp-agent/internal/exchange"
)

type snapshot struct {
	Balance   float64         `json:"balance"`
	Positions []position      `json:"positions"`
	Orders    []triggerOrder  `json:"orders"`
	Fills     []exchange.Fill `json:"fills"`
	Counter   int64           `json:"order_counter"`
}

// load restores state from cfg.StatePath. It reports false when there was nothing to restore.
func (e *Engine) load() (bool, error) {
	if e.cfg.StatePath == "" {
		return false, nil
	}
	data, err := os.ReadFile(e.cfg.StatePath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read paper state: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return false, fmt.Errorf("decode paper state %s: %w", e.cfg.StatePath, err)
	}

	e.balance = snap.Balance
	for _, p := range snap.Positions {
		p := p
		e.positions[p.Asset] = &p
	}
	e.orders = snap.Orders
	e.fills = snap.Fills
	e.counter = snap.Counter
	return true, nil
}

// persistLocked writes the snapshot atomically. Failures are logged; the
// in-memory ledger stays authoritative until the next successful write.
func (e *Engine) persistLocked() {
	if e.cfg.StatePath == "" {
		return
	}
	snap := snapshot{
		Balance:   e.balance,
		Positions: make([]position, 0, len(e.positions)),
		Orders:    e.orders,
		Fills:     e.fills,
		Counter:   e.counter,
	}
	for _, p := range e.positions {
		snap.Positions = append(snap.Positions, *p)
	}
	if err := writeJSON(e.cfg.StatePath, snap); err != nil {
		e.log.Error("❌ paper state save failed", zap.String("path", e.cfg.StatePath), zap.Error(err))
	}
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
