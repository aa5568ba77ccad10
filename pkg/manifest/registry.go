// Package manifest holds the registry of task manifests and validates
// task inputs and miner outputs against their declared JSON Schemas.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/taskmesh/taskmesh-backend/pkg/canonical"
	taskmesherrors "github.com/taskmesh/taskmesh-backend/pkg/errors"
	"github.com/taskmesh/taskmesh-backend/pkg/logging"
	"github.com/taskmesh/taskmesh-backend/pkg/types"
)

// Compiled pairs a validated manifest with its compiled schemas.
// A nil schema means the manifest declared none and every payload passes.
type Compiled struct {
	Manifest     *types.TaskManifest
	InputSchema  *jsonschema.Schema
	OutputSchema *jsonschema.Schema
}

// Registry holds validated task manifests keyed by manifest id.
type Registry struct {
	mu        sync.RWMutex
	manifests map[string]*Compiled
	logger    logging.Logger
}

func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		manifests: make(map[string]*Compiled),
		logger:    logger,
	}
}

// Register validates, normalizes and stores a manifest. The manifest's
// scoring hash is derived from its canonical form when not set explicitly.
func (r *Registry) Register(m *types.TaskManifest) (*Compiled, error) {
	if m == nil {
		return nil, taskmesherrors.NewValidationError("manifest", "manifest is nil")
	}
	m.Normalize()

	var reasons []string
	if m.ManifestID == "" {
		reasons = append(reasons, "manifest_id is required")
	}
	if m.TaskType == "" {
		reasons = append(reasons, "task_type is required")
	}
	if m.EvaluationMode != types.EvaluationModeDeterministic && m.EvaluationMode != types.EvaluationModeStatistical {
		reasons = append(reasons, fmt.Sprintf("unknown evaluation_mode %q", m.EvaluationMode))
	}
	if m.RedoEnabled && !m.HumanSelection {
		reasons = append(reasons, "redo_enabled requires human_selection")
	}
	if len(reasons) > 0 {
		return nil, taskmesherrors.NewValidationError("manifest", reasons...)
	}

	inputSchema, err := compileSchema(m.ManifestID+"/input", m.InputSchema)
	if err != nil {
		return nil, taskmesherrors.NewValidationError("manifest", fmt.Sprintf("input_schema: %v", err))
	}
	outputSchema, err := compileSchema(m.ManifestID+"/output", m.OutputSchema)
	if err != nil {
		return nil, taskmesherrors.NewValidationError("manifest", fmt.Sprintf("output_schema: %v", err))
	}

	if m.ScoringHash == "" {
		hash, err := DeriveScoringHash(m)
		if err != nil {
			return nil, err
		}
		m.ScoringHash = hash
	}

	compiled := &Compiled{
		Manifest:     m,
		InputSchema:  inputSchema,
		OutputSchema: outputSchema,
	}

	r.mu.Lock()
	r.manifests[m.ManifestID] = compiled
	r.mu.Unlock()

	r.logger.Infof("Registered manifest %s (task_type=%s, mode=%s)", m.ManifestID, m.TaskType, m.EvaluationMode)
	return compiled, nil
}

// Get returns the compiled manifest for the given id.
func (r *Registry) Get(manifestID string) (*Compiled, error) {
	r.mu.RLock()
	compiled, ok := r.manifests[manifestID]
	r.mu.RUnlock()
	if !ok {
		return nil, &taskmesherrors.NotFoundError{Kind: "manifest", ID: manifestID}
	}
	return compiled, nil
}

// List returns every registered manifest.
func (r *Registry) List() []*types.TaskManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.TaskManifest, 0, len(r.manifests))
	for _, compiled := range r.manifests {
		out = append(out, compiled.Manifest)
	}
	return out
}

// LoadDir registers every .yaml/.yml manifest in dir and returns how many
// were loaded.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read manifest directory %s: %w", dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if err := r.LoadFile(filepath.Join(dir, entry.Name())); err != nil {
			return loaded, err
		}
		loaded++
	}
	return loaded, nil
}

// LoadFile parses and registers a single YAML manifest file.
func (r *Registry) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read manifest file %s: %w", path, err)
	}
	m, err := ParseYAML(raw)
	if err != nil {
		return fmt.Errorf("failed to parse manifest file %s: %w", path, err)
	}
	_, err = r.Register(m)
	return err
}

// yamlManifest mirrors types.TaskManifest with schemas as plain mappings,
// since a YAML mapping cannot decode into json.RawMessage directly.
type yamlManifest struct {
	ManifestID        string                 `yaml:"manifest_id"`
	NetworkID         int64                  `yaml:"network_id"`
	TaskType          string                 `yaml:"task_type"`
	InputSchema       map[string]interface{} `yaml:"input_schema"`
	OutputSchema      map[string]interface{} `yaml:"output_schema"`
	EvaluationMode    string                 `yaml:"evaluation_mode"`
	MinValidators     int                    `yaml:"min_validators"`
	HumanSelection    bool                   `yaml:"human_selection"`
	ShortlistSize     int                    `yaml:"shortlist_size"`
	RedoEnabled       bool                   `yaml:"redo_enabled"`
	RedoLimit         int                    `yaml:"redo_limit"`
	ScoringHash       string                 `yaml:"scoring_hash"`
	DistributionBased bool                   `yaml:"distribution_based"`
	ReplayConfig      map[string]interface{} `yaml:"replay_config"`
}

// ParseYAML decodes a YAML manifest document.
func ParseYAML(raw []byte) (*types.TaskManifest, error) {
	var ym yamlManifest
	if err := yaml.Unmarshal(raw, &ym); err != nil {
		return nil, err
	}

	m := &types.TaskManifest{
		ManifestID:        ym.ManifestID,
		NetworkID:         ym.NetworkID,
		TaskType:          ym.TaskType,
		EvaluationMode:    types.EvaluationMode(ym.EvaluationMode),
		MinValidators:     ym.MinValidators,
		HumanSelection:    ym.HumanSelection,
		ShortlistSize:     ym.ShortlistSize,
		RedoEnabled:       ym.RedoEnabled,
		RedoLimit:         ym.RedoLimit,
		ScoringHash:       ym.ScoringHash,
		DistributionBased: ym.DistributionBased,
		ReplayConfig:      ym.ReplayConfig,
	}

	if ym.InputSchema != nil {
		raw, err := json.Marshal(ym.InputSchema)
		if err != nil {
			return nil, err
		}
		m.InputSchema = raw
	}
	if ym.OutputSchema != nil {
		raw, err := json.Marshal(ym.OutputSchema)
		if err != nil {
			return nil, err
		}
		m.OutputSchema = raw
	}

	return m, nil
}

// DeriveScoringHash computes the scoring hash from the canonical manifest
// definition with the hash field itself cleared.
func DeriveScoringHash(m *types.TaskManifest) (string, error) {
	clone := *m
	clone.ScoringHash = ""
	return canonical.Hash(&clone)
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://taskmesh.schemas.local/%s.schema.json", name)
	if err := c.AddResource(schemaURL, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile(schemaURL)
}
