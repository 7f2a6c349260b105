package scan

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/irfndi/celebrum-quant/internal/models"
)

// OrderColumns is the header of the morning order file.
var OrderColumns = []string{"symbol", "target_weight", "score", "robustness", "kelly_fraction", "reference_price"}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// WriteOrders writes the order file through a temp file in the same
// directory and renames it into place, so readers never see a partial file.
func WriteOrders(path string, orders []Order) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp order file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	w := csv.NewWriter(tmp)
	if err = w.Write(OrderColumns); err != nil {
		return fmt.Errorf("failed to write order header: %w", err)
	}
	for _, o := range orders {
		row := []string{
			o.Symbol,
			formatFloat(o.TargetWeight),
			formatFloat(o.Score),
			formatFloat(o.Robustness),
			formatFloat(o.KellyFraction),
			o.ReferencePrice.StringFixed(4),
		}
		if err = w.Write(row); err != nil {
			return fmt.Errorf("failed to write order for %s: %w", o.Symbol, err)
		}
	}
	w.Flush()
	if err = w.Error(); err != nil {
		return fmt.Errorf("failed to flush order file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync order file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close order file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to publish order file: %w", err)
	}
	return nil
}

// Decision is one line of the scan decision log.
type Decision struct {
	ScanID    string             `json:"scan_id"`
	Timestamp time.Time          `json:"timestamp"`
	AsOf      time.Time          `json:"as_of"`
	Regime    models.RegimeState `json:"regime"`
	Mode      models.Mode        `json:"mode,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Selected  []string           `json:"selected"`
	Weights   map[string]float64 `json:"weights"`
	Skipped   map[string]string  `json:"skipped"`
	Cash      float64            `json:"cash_weight"`
	Warnings  []string           `json:"warnings,omitempty"`
}

// NewDecision summarises a result for the decision log.
func NewDecision(res *Result, at time.Time) Decision {
	d := Decision{
		ScanID:    res.ScanID,
		Timestamp: at.UTC(),
		AsOf:      res.AsOf,
		Regime:    res.Regime,
		Mode:      res.Mode,
		Reason:    res.Reason,
		Selected:  make([]string, 0, len(res.Orders)),
		Weights:   make(map[string]float64, len(res.Orders)),
		Skipped:   res.Skipped,
		Cash:      1,
		Warnings:  res.Allocation.Warnings,
	}
	for _, o := range res.Orders {
		d.Selected = append(d.Selected, o.Symbol)
		d.Weights[o.Symbol] = o.TargetWeight
		d.Cash -= o.TargetWeight
	}
	sort.Strings(d.Selected)
	return d
}

// AppendDecision appends d as one JSON line to path.
func AppendDecision(path string, d Decision) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create decision log directory: %w", err)
	}
	line, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open decision log: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to append decision: %w", err)
	}
	return f.Close()
}
