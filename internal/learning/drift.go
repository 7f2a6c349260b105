package learning

import (
	"math"
	"sort"

	"github.com/irfndi/celebrum-quant/internal/analytics"
)

const psiEpsilon = 1e-12

// DriftReport summarises the population stability of each feature.
type DriftReport struct {
	Detected bool               `json:"drift_detected"`
	MaxPSI   float64            `json:"max_psi"`
	Scores   map[string]float64 `json:"psi_scores"`
	Drifted  []string           `json:"drifted,omitempty"`
}

// DriftDetector compares feature distributions against a reference sample
// with the population stability index over reference quantile bins.
type DriftDetector struct {
	features  []string
	bins      int
	threshold float64
	ref       [][]float64
}

// NewDriftDetector creates a detector for the given feature columns.
func NewDriftDetector(features []string, bins int, threshold float64) *DriftDetector {
	if bins < 2 {
		bins = 10
	}
	return &DriftDetector{features: features, bins: bins, threshold: threshold}
}

// SetReference replaces the reference sample (rows of feature vectors).
func (d *DriftDetector) SetReference(X [][]float64) {
	d.ref = columns(X, len(d.features))
}

// HasReference reports whether a reference sample is set.
func (d *DriftDetector) HasReference() bool {
	return d.ref != nil
}

// Detect scores X against the reference. Without a reference, X becomes
// the reference and no drift is reported.
func (d *DriftDetector) Detect(X [][]float64) DriftReport {
	if d.ref == nil {
		d.SetReference(X)
		return DriftReport{Scores: map[string]float64{}}
	}

	cur := columns(X, len(d.features))
	report := DriftReport{Scores: make(map[string]float64, len(d.features))}
	for i, name := range d.features {
		psi := PSI(d.ref[i], cur[i], d.bins)
		report.Scores[name] = psi
		if psi > report.MaxPSI {
			report.MaxPSI = psi
		}
		if psi > d.threshold {
			report.Drifted = append(report.Drifted, name)
		}
	}
	report.Detected = report.MaxPSI > d.threshold
	return report
}

// PSI returns the population stability index of cur relative to ref.
func PSI(ref, cur []float64, bins int) float64 {
	clean := make([]float64, 0, len(ref))
	for _, v := range ref {
		if !math.IsNaN(v) {
			clean = append(clean, v)
		}
	}
	if len(clean) == 0 || len(cur) == 0 {
		return 0
	}

	edges := make([]float64, bins+1)
	for i := range edges {
		edges[i] = analytics.Quantile(clean, float64(i)/float64(bins))
	}
	edges[0], edges[bins] = math.Inf(-1), math.Inf(1)

	expected := histogram(ref, edges)
	actual := histogram(cur, edges)

	var psi float64
	for i := range expected {
		diff := actual[i] - expected[i]
		psi += diff * math.Log((actual[i]+psiEpsilon)/(expected[i]+psiEpsilon))
	}
	return psi
}

// histogram returns bin proportions; a value equal to an inner edge falls
// in the bin to its right.
func histogram(values, edges []float64) []float64 {
	bins := len(edges) - 1
	counts := make([]float64, bins)
	var total float64
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		b := sort.Search(len(edges), func(i int) bool { return edges[i] > v }) - 1
		if b < 0 {
			b = 0
		}
		if b >= bins {
			b = bins - 1
		}
		counts[b]++
		total++
	}
	for i := range counts {
		counts[i] /= total + psiEpsilon
	}
	return counts
}

func columns(X [][]float64, width int) [][]float64 {
	out := make([][]float64, width)
	for _, row := range X {
		for j := 0; j < width; j++ {
			v := 0.0
			if j < len(row) {
				v = row[j]
			}
			out[j] = append(out[j], v)
		}
	}
	return out
}
