package learning

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/irfndi/celebrum-quant/internal/models"
)

// Artifact is the exported, self-contained model.
type Artifact struct {
	ModelID     string      `json:"model_id"`
	Mode        models.Mode `json:"mode"`
	Features    []string    `json:"features"`
	Booster     *Booster    `json:"booster"`
	Calibration Platt       `json:"calibration"`
}

// Predict returns the calibrated probability for a feature map. Missing
// features read as 0.
func (a *Artifact) Predict(features map[string]float64) float64 {
	return a.Calibration.Apply(a.Booster.Margin(featureVector(a.Features, features)))
}

// Manifest describes an artifact and the evaluation it passed.
type Manifest struct {
	ModelID  string              `json:"model_id"`
	Mode     models.Mode         `json:"mode"`
	Exported time.Time           `json:"exported"`
	Features []string            `json:"features"`
	Platt    Platt               `json:"platt"`
	Params   TreeParams          `json:"params"`
	Metrics  models.ModelMetrics `json:"metrics"`
	Drift    *DriftReport        `json:"drift,omitempty"`
}

// ManifestPath returns the manifest sitting next to a model artifact.
func ManifestPath(artifactPath string) string {
	return strings.TrimSuffix(artifactPath, ".json") + "_manifest.json"
}

// LoadArtifact reads a model artifact from disk.
func LoadArtifact(path string) (*Artifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model artifact: %w", err)
	}
	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("failed to decode model artifact %s: %w", path, err)
	}
	if a.Booster == nil {
		return nil, fmt.Errorf("model artifact %s has no booster", path)
	}
	return &a, nil
}

// LoadManifest reads a manifest from disk.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode model manifest %s: %w", path, err)
	}
	return &m, nil
}

// staged holds artifact files written to a private directory until the
// store commits the model rows.
type staged struct {
	tmpDir    string
	finalDir  string
	names     []string
	published []string
}

func stageArtifacts(dir string, art *Artifact, manifest *Manifest) (*staged, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	tmp, err := os.MkdirTemp(dir, ".staging-"+art.ModelID+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	s := &staged{tmpDir: tmp, finalDir: dir}

	files := []struct {
		name string
		v    any
	}{
		{art.ModelID + ".json", art},
		{art.ModelID + "_features.json", art.Features},
		{art.ModelID + "_manifest.json", manifest},
	}
	for _, f := range files {
		raw, err := json.MarshalIndent(f.v, "", "  ")
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to encode %s: %w", f.name, err)
		}
		if err := os.WriteFile(filepath.Join(tmp, f.name), raw, 0o644); err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to write %s: %w", f.name, err)
		}
		s.names = append(s.names, f.name)
	}
	return s, nil
}

func (s *staged) artifactPath() string {
	return filepath.Join(s.finalDir, s.names[0])
}

// publish moves every staged file into place. A partial publish is undone.
func (s *staged) publish() error {
	for _, name := range s.names {
		dst := filepath.Join(s.finalDir, name)
		if err := os.Rename(filepath.Join(s.tmpDir, name), dst); err != nil {
			s.unpublish()
			return fmt.Errorf("failed to publish %s: %w", name, err)
		}
		s.published = append(s.published, dst)
	}
	return nil
}

// unpublish removes files already moved into place.
func (s *staged) unpublish() {
	for _, p := range s.published {
		_ = os.Remove(p)
	}
	s.published = nil
}

func (s *staged) cleanup() {
	_ = os.RemoveAll(s.tmpDir)
}

func featureVector(order []string, features map[string]float64) []float64 {
	x := make([]float64, len(order))
	for i, name := range order {
		x[i] = features[name]
	}
	return x
}
