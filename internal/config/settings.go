package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SettingsKey is the single namespaced key holding the settings blob.
const SettingsKey = "ionic.settings"

// SettingsSchemaVersion is the current settings layout.
const SettingsSchemaVersion = "1"

// Settings is {schemaVersion: {component: {category: {name: value}}}}.
type Settings map[string]map[string]map[string]map[string]any

// Get returns one setting from the current schema version.
func (s Settings) Get(component, category, name string) (any, bool) {
	v, ok := s[SettingsSchemaVersion][component][category][name]
	return v, ok
}

// Set stores one setting under the current schema version.
func (s Settings) Set(component, category, name string, value any) {
	comps := s[SettingsSchemaVersion]
	if comps == nil {
		comps = make(map[string]map[string]map[string]any)
		s[SettingsSchemaVersion] = comps
	}
	cats := comps[component]
	if cats == nil {
		cats = make(map[string]map[string]any)
		comps[component] = cats
	}
	vals := cats[category]
	if vals == nil {
		vals = make(map[string]any)
		cats[category] = vals
	}
	vals[name] = value
}

// KV is a small file-backed key-value store, one JSON object per file.
type KV struct {
	path string
	mu   sync.Mutex
}

// NewKV returns a KV persisted at path.
func NewKV(path string) *KV {
	return &KV{path: path}
}

// DefaultKVPath is the key-value file under dataDir.
func DefaultKVPath(dataDir string) string {
	return filepath.Join(dataDir, "kv.json")
}

func (kv *KV) read() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(kv.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]json.RawMessage), nil
	}
	if err != nil {
		return nil, err
	}
	m := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", kv.path, err)
	}
	return m, nil
}

// Get decodes key into v and reports whether it existed.
func (kv *KV) Get(key string, v any) (bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	m, err := kv.read()
	if err != nil {
		return false, err
	}
	raw, ok := m[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

// Set stores v under key.
func (kv *KV) Set(key string, v any) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	m, err := kv.read()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m[key] = raw
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(kv.path), 0755); err != nil {
		return err
	}
	tmp := kv.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, kv.path)
}

// LoadSettings reads the settings blob. A missing or null blob is empty
// settings, never a nil map.
func LoadSettings(kv *KV) (Settings, error) {
	var s Settings
	if _, err := kv.Get(SettingsKey, &s); err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if s == nil {
		s = Settings{}
	}
	return s, nil
}

// SaveSettings writes the settings blob.
func SaveSettings(kv *KV, s Settings) error {
	if err := kv.Set(SettingsKey, s); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
