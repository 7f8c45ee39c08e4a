// Package persona loads persona manifests and switches the tool registry
// between them. A persona names the tool modules a workspace works with, an
// optional prompt, and a skill allowlist.
package persona

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"sort"
	"strings"

	"github.com/squirehq/squire/internal/store"
	"github.com/squirehq/squire/pkg/models"
)

// Dir is the manifest directory relative to the store root.
const Dir = "personas"

// Manifest is one persona definition, read-only after load.
type Manifest struct {
	Name           string   `json:"name" yaml:"name"`
	Description    string   `json:"description,omitempty" yaml:"description,omitempty"`
	Modules        []string `json:"modules,omitempty" yaml:"modules,omitempty"`
	Prompt         string   `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	SkillAllowlist []string `json:"skill_allowlist,omitempty" yaml:"skill_allowlist,omitempty"`
}

// UniqueModules returns the manifest's modules deduplicated in declaration
// order.
func (m *Manifest) UniqueModules() []string {
	seen := make(map[string]struct{}, len(m.Modules))
	out := make([]string, 0, len(m.Modules))
	for _, name := range m.Modules {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// LoadManifest reads one persona by name through the store. Unknown names
// are not_found.
func LoadManifest(ctx context.Context, st *store.Store, name string) (*Manifest, error) {
	if name == "" {
		return nil, models.NewToolError(models.KindValidation, "persona name is required")
	}
	doc, err := st.Read(ctx, path.Join(Dir, name+".yaml"))
	if errors.Is(err, models.ErrNotFound) {
		doc, err = st.Read(ctx, path.Join(Dir, name+".yml"))
	}
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.NewToolError(models.KindNotFound, "unknown persona %q", name)
	}
	if err != nil {
		return nil, err
	}

	var m Manifest
	if derr := decodeAs(doc, &m); derr != nil {
		return nil, models.NewToolError(models.KindParse, "persona %q: %v", name, derr)
	}
	if m.Name == "" {
		m.Name = name
	}
	if m.Name != name {
		return nil, models.NewToolError(models.KindValidation,
			"persona file %s declares name %q", name+".yaml", m.Name)
	}
	return &m, nil
}

// ListManifests reads every persona under the manifest directory, sorted by
// name. Unreadable files are skipped.
func ListManifests(ctx context.Context, st *store.Store) ([]*Manifest, error) {
	files, err := st.List(ctx, Dir)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]*Manifest, 0, len(files))
	for _, file := range files {
		base := path.Base(file)
		ext := path.Ext(base)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		name := strings.TrimSuffix(base, ext)
		m, err := LoadManifest(ctx, st, name)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// decodeAs reinterprets a store document as a typed value through a JSON
// round-trip.
func decodeAs(doc, out any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
