// Package registry holds the installed model descriptors, read from a
// manifest file or discovered by scanning a models directory.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"ai4all/internal/common/fsutil"
	"ai4all/internal/config"
	"ai4all/pkg/types"
)

// Manifest is the on-disk model list. Defaults pick the model used for each
// engine kind; a kind without a default uses its first model by id.
type Manifest struct {
	Models   []types.ModelDescriptor `json:"models" yaml:"models" toml:"models"`
	Defaults map[string]string       `json:"defaults" yaml:"defaults" toml:"defaults"`
}

// Registry is an immutable, validated set of descriptors.
type Registry struct {
	models   []types.ModelDescriptor
	byID     map[string]types.ModelDescriptor
	defaults map[types.EngineKind]string
}

// LoadManifest reads a YAML, TOML or JSON manifest. Relative model paths are
// resolved against the manifest's directory and a leading ~ is expanded.
func LoadManifest(path string) (*Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := config.Decode(path, b, &m); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	base := filepath.Dir(path)
	for i := range m.Models {
		p, err := fsutil.Resolve(m.Models[i].Path, base)
		if err != nil {
			return nil, err
		}
		m.Models[i].Path = p
	}
	return New(m.Models, m.Defaults)
}

// New validates models: ids are unique and non-empty, kinds are known, paths
// are set. Defaults must name a model of the matching kind.
func New(models []types.ModelDescriptor, defaults map[string]string) (*Registry, error) {
	r := &Registry{
		byID:     make(map[string]types.ModelDescriptor, len(models)),
		defaults: make(map[types.EngineKind]string, len(defaults)),
	}
	for _, d := range models {
		switch {
		case d.ID == "":
			return nil, fmt.Errorf("model with empty id (path %q)", d.Path)
		case !d.Kind.Valid():
			return nil, fmt.Errorf("model %s: unknown kind %q", d.ID, d.Kind)
		case d.Path == "":
			return nil, fmt.Errorf("model %s: empty path", d.ID)
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate model id %s", d.ID)
		}
		r.byID[d.ID] = d
		r.models = append(r.models, d)
	}
	sort.Slice(r.models, func(i, j int) bool { return r.models[i].ID < r.models[j].ID })
	for k, id := range defaults {
		kind := types.EngineKind(k)
		d, ok := r.byID[id]
		if !ok {
			return nil, fmt.Errorf("default %s: unknown model %s", k, id)
		}
		if d.Kind != kind {
			return nil, fmt.Errorf("default %s: model %s is a %s model", k, id, d.Kind)
		}
		r.defaults[kind] = id
	}
	return r, nil
}

// Models returns all descriptors sorted by id.
func (r *Registry) Models() []types.ModelDescriptor {
	return append([]types.ModelDescriptor(nil), r.models...)
}

func (r *Registry) Get(id string) (types.ModelDescriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// Default returns the model serving kind.
func (r *Registry) Default(kind types.EngineKind) (types.ModelDescriptor, bool) {
	if id, ok := r.defaults[kind]; ok {
		return r.byID[id], true
	}
	for _, d := range r.models {
		if d.Kind == kind {
			return d, true
		}
	}
	return types.ModelDescriptor{}, false
}

// LoadDir scans a directory for *.gguf and *.onnx files and builds a registry
// from filenames. ID is the full filename; the kind is guessed from the name.
func LoadDir(dir string) (*Registry, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.ModelDescriptor
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		kind, ok := guessKind(name)
		if !ok {
			continue
		}
		models = append(models, types.ModelDescriptor{ID: name, Kind: kind, Path: filepath.Join(abs, name)})
	}
	return New(models, nil)
}

func guessKind(name string) (types.EngineKind, bool) {
	lower := strings.ToLower(name)
	has := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(lower, s) {
				return true
			}
		}
		return false
	}
	switch filepath.Ext(lower) {
	case ".gguf":
		if has("embed") {
			return types.KindEmbedding, true
		}
		return types.KindGeneration, true
	case ".onnx":
		switch {
		case has("whisper", "asr", "stt"):
			return types.KindASR, true
		case has("piper", "tts", "vits"):
			return types.KindTTS, true
		case has("embed", "minilm", "bge"):
			return types.KindEmbedding, true
		}
		return types.KindGeneration, true
	}
	return "", false
}
