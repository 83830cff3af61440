// Package registry stores versioned model artifacts on disk and resolves
// them by (model name, alias). Artifacts are immutable once written; aliases
// are the only mutable pointer, so a model swap never changes client
// configuration.
package registry

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/logiflow/driftwatch/internal/encode"
	"github.com/logiflow/driftwatch/internal/train"
)

// Metadata describes one registered model version.
type Metadata struct {
	Name      string             `json:"name"`
	Version   string             `json:"version"`
	RunID     string             `json:"run_id"`
	Family    string             `json:"family"`
	TrainedAt time.Time          `json:"trained_at"`
	Params    map[string]float64 `json:"params"`
	Metrics   map[string]float64 `json:"metrics"`
}

// artifact is the on-disk representation of a version: metadata plus the
// frozen serving state (model spec, feature order, encoder) and an integrity
// hash over the model spec.
type artifact struct {
	Metadata     Metadata        `json:"metadata"`
	FeatureOrder []string        `json:"feature_order"`
	Encoder      *encode.Encoder `json:"encoder"`
	ModelSpec    json.RawMessage `json:"model_spec"`
	SpecSHA256   string          `json:"spec_sha256"`
}

// LoadedModel is a read reference to a resolved registry entry.
type LoadedModel struct {
	Model        train.Model
	Meta         Metadata
	FeatureOrder []string
	Encoder      *encode.Encoder
}

// Registry manages versioned artifacts for one model name under a directory.
type Registry struct {
	mu   sync.RWMutex
	dir  string
	name string
}

// New opens (creating if needed) a registry for the given model name.
func New(dir, name string) (*Registry, error) {
	if name == "" {
		return nil, fmt.Errorf("registry: empty model name")
	}
	if err := os.MkdirAll(filepath.Join(dir, name), 0o755); err != nil {
		return nil, fmt.Errorf("registry: create dir: %w", err)
	}
	return &Registry{dir: dir, name: name}, nil
}

func (r *Registry) versionPath(version string) string {
	return filepath.Join(r.dir, r.name, version+".json")
}

func (r *Registry) aliasPath() string {
	return filepath.Join(r.dir, r.name, "aliases.json")
}

// Register writes a new immutable version from a training selection and the
// frozen encoder, and returns its metadata.
func (r *Registry) Register(sel *train.Selection, enc *encode.Encoder) (Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	spec, err := train.EncodeModel(sel.Model)
	if err != nil {
		return Metadata{}, fmt.Errorf("registry: encode model: %w", err)
	}
	sum := sha256.Sum256(spec)

	meta := Metadata{
		Name:      r.name,
		Version:   "v" + time.Now().UTC().Format("20060102-150405"),
		RunID:     newRunID(),
		Family:    sel.Family,
		TrainedAt: time.Now().UTC(),
		Params:    sel.Params,
		Metrics:   sel.Metrics,
	}

	art := artifact{
		Metadata:     meta,
		FeatureOrder: sel.FeatureOrder,
		Encoder:      enc,
		ModelSpec:    spec,
		SpecSHA256:   hex.EncodeToString(sum[:]),
	}
	data, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return Metadata{}, fmt.Errorf("registry: marshal artifact: %w", err)
	}
	path := r.versionPath(meta.Version)
	if _, err := os.Stat(path); err == nil {
		return Metadata{}, fmt.Errorf("registry: version %s already exists", meta.Version)
	}
	if err := os.WriteFile(path, data, 0o444); err != nil {
		return Metadata{}, fmt.Errorf("registry: write artifact: %w", err)
	}
	return meta, nil
}

// SetAlias points alias at an existing version.
func (r *Registry) SetAlias(alias, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := os.Stat(r.versionPath(version)); err != nil {
		return fmt.Errorf("registry: version %s not found: %w", version, err)
	}
	aliases, err := r.readAliases()
	if err != nil {
		return err
	}
	aliases[alias] = version
	data, err := json.MarshalIndent(aliases, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(r.aliasPath(), data, 0o644); err != nil {
		return fmt.Errorf("registry: write aliases: %w", err)
	}
	return nil
}

// Resolve loads the model a (name, alias) pair points at, verifying the
// artifact's integrity hash. This is the only addressing mode.
func (r *Registry) Resolve(name, alias string) (*LoadedModel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name != r.name {
		return nil, fmt.Errorf("registry: unknown model %q (serving %q)", name, r.name)
	}
	aliases, err := r.readAliases()
	if err != nil {
		return nil, err
	}
	version, ok := aliases[alias]
	if !ok {
		return nil, fmt.Errorf("registry: alias %q not set for model %q", alias, name)
	}
	return r.loadVersion(version)
}

func (r *Registry) loadVersion(version string) (*LoadedModel, error) {
	data, err := os.ReadFile(r.versionPath(version))
	if err != nil {
		return nil, fmt.Errorf("registry: read version %s: %w", version, err)
	}
	var art artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("registry: decode version %s: %w", version, err)
	}

	sum := sha256.Sum256(art.ModelSpec)
	if got := hex.EncodeToString(sum[:]); got != art.SpecSHA256 {
		return nil, fmt.Errorf("registry: integrity mismatch for %s: expected %s, got %s",
			version, art.SpecSHA256, got)
	}

	model, err := train.DecodeModel(art.Metadata.Family, art.ModelSpec)
	if err != nil {
		return nil, fmt.Errorf("registry: version %s: %w", version, err)
	}
	return &LoadedModel{
		Model:        model,
		Meta:         art.Metadata,
		FeatureOrder: art.FeatureOrder,
		Encoder:      art.Encoder,
	}, nil
}

// Versions lists registered versions, newest last.
func (r *Registry) Versions() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(r.dir, r.name))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if name == "aliases.json" || filepath.Ext(name) != ".json" {
			continue
		}
		out = append(out, name[:len(name)-len(".json")])
	}
	sort.Strings(out)
	return out, nil
}

func (r *Registry) readAliases() (map[string]string, error) {
	aliases := make(map[string]string)
	data, err := os.ReadFile(r.aliasPath())
	if err != nil {
		if os.IsNotExist(err) {
			return aliases, nil
		}
		return nil, fmt.Errorf("registry: read aliases: %w", err)
	}
	if err := json.Unmarshal(data, &aliases); err != nil {
		return nil, fmt.Errorf("registry: decode aliases: %w", err)
	}
	return aliases, nil
}

func newRunID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("run-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
