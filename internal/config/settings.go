package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"docqa/internal/crypto"

	log "github.com/sirupsen/logrus"
)

// Settings are the runtime choices a user can change from the UI. They
// override the loaded Config on the next start.
type Settings struct {
	DefaultModel   string `json:"default_model,omitempty"`
	EmbeddingModel string `json:"embedding_model,omitempty"`
	OpenAIKey      string `json:"openai_key,omitempty"`
}

// SettingsStore persists Settings to <data>/settings.json with the API key
// sealed.
type SettingsStore struct {
	mu     sync.Mutex
	path   string
	sealer *crypto.Sealer
}

// NewSettingsStore returns a store for cfg's data directory.
func NewSettingsStore(cfg *Config) (*SettingsStore, error) {
	sealer, err := crypto.NewSealer(cfg.Secret, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	return &SettingsStore{path: filepath.Join(cfg.DataDir, "settings.json"), sealer: sealer}, nil
}

// Path returns the settings file location.
func (s *SettingsStore) Path() string { return s.path }

// Load returns the saved settings, or zero Settings if none were saved.
func (s *SettingsStore) Load() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var saved Settings
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return saved, nil
	}
	if err != nil {
		return saved, fmt.Errorf("read settings: %w", err)
	}
	if err := json.Unmarshal(data, &saved); err != nil {
		return Settings{}, fmt.Errorf("parse %s: %w", s.path, err)
	}
	saved.OpenAIKey = s.openOrPassthrough(saved.OpenAIKey)
	return saved, nil
}

// openOrPassthrough accepts plaintext keys written by hand.
func (s *SettingsStore) openOrPassthrough(val string) string {
	plain, err := s.sealer.Open(val)
	if err != nil {
		log.Debug("settings: API key is not sealed, using it as-is")
		return val
	}
	return plain
}

// Save writes settings, sealing the API key.
func (s *SettingsStore) Save(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := s.sealer.Seal(settings.OpenAIKey)
	if err != nil {
		return fmt.Errorf("seal API key: %w", err)
	}
	settings.OpenAIKey = sealed

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0600)
}

// Apply overlays non-empty saved settings onto c.
func (c *Config) Apply(s Settings) {
	if s.DefaultModel != "" {
		c.LLM.Model = s.DefaultModel
	}
	if s.EmbeddingModel != "" {
		c.Embedding.Model = s.EmbeddingModel
	}
	if s.OpenAIKey != "" {
		c.OpenAIKey = s.OpenAIKey
	}
}
