package preset

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"pressbot/internal/domain"

	"gopkg.in/yaml.v3"
)

// PublishPreset is a per-user publishing profile loaded from YAML. The file
// name (without extension) is the user ID unless the file sets one.
type PublishPreset struct {
	UserID   string   `yaml:"userId"`
	Category string   `yaml:"category"`
	Tags     []string `yaml:"tags"`
	Draft    bool     `yaml:"draft"`
}

// Registry holds the loaded presets keyed by user ID.
type Registry struct {
	presets map[string]PublishPreset
}

// LoadFromDirectory loads publish presets from YAML files in a directory.
// Files must have .yaml or .yml extension and conform to the PublishPreset schema.
func LoadFromDirectory(dir string, logger *slog.Logger) (*Registry, error) {
	reg := &Registry{presets: make(map[string]PublishPreset)}
	if dir == "" {
		return reg, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("presets directory does not exist, skipping", "dir", dir)
		return reg, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read presets dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read preset file", "path", path, "err", err)
			continue
		}

		var p PublishPreset
		if err := yaml.Unmarshal(data, &p); err != nil {
			logger.Warn("cannot parse preset file", "path", path, "err", err)
			continue
		}

		if p.UserID == "" {
			p.UserID = strings.TrimSuffix(name, filepath.Ext(name))
		}

		logger.Info("loaded publish preset", "userID", p.UserID, "path", path)
		reg.presets[p.UserID] = p
	}

	return reg, nil
}

// ForUser returns the preset for a user, if one exists.
func (r *Registry) ForUser(userID string) (PublishPreset, bool) {
	p, ok := r.presets[userID]
	return p, ok
}

func (r *Registry) Len() int { return len(r.presets) }

// Generator decorates a domain.DraftGenerator and applies the seed user's
// preset to the produced draft.
type Generator struct {
	inner    domain.DraftGenerator
	registry *Registry
}

func NewGenerator(inner domain.DraftGenerator, registry *Registry) *Generator {
	return &Generator{inner: inner, registry: registry}
}

func (g *Generator) GenerateDraft(ctx context.Context, seed domain.DraftSeed) (domain.Draft, error) {
	draft, err := g.inner.GenerateDraft(ctx, seed)
	if err != nil {
		return draft, err
	}

	p, ok := g.registry.ForUser(seed.UserID)
	if !ok {
		return draft, nil
	}

	if p.Category != "" {
		draft.Category = p.Category
	}
	draft.Tags = mergeTags(draft.Tags, p.Tags)
	if p.Draft {
		draft.DraftMode = true
	}
	return draft, nil
}

// mergeTags appends preset tags not already present; generated tags keep
// their position.
func mergeTags(generated, preset []string) []string {
	seen := make(map[string]bool, len(generated))
	for _, t := range generated {
		seen[t] = true
	}
	out := generated
	for _, t := range preset {
		if !seen[t] {
			out = append(out, t)
			seen[t] = true
		}
	}
	return out
}
