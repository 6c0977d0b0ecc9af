// Package persona loads how the agent presents itself from a YAML file.
package persona

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"clawbridge/internal/domain"

	"gopkg.in/yaml.v3"
)

// Load reads a persona file. A missing file yields the default persona;
// fields left out of the file keep their defaults.
func Load(path string, logger *slog.Logger) (domain.Persona, error) {
	if path == "" {
		return domain.DefaultPersona(), nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Debug("persona file does not exist, using defaults", "path", path)
		return domain.DefaultPersona(), nil
	}
	if err != nil {
		return domain.Persona{}, fmt.Errorf("read persona file: %w", err)
	}

	var p domain.Persona
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return domain.Persona{}, fmt.Errorf("parse persona file %s: %w", path, err)
	}

	p = p.WithDefaults()
	logger.Info("loaded persona", "name", p.Name, "path", path)
	return p, nil
}

// Write saves p as YAML, creating the parent directory.
func Write(path string, p domain.Persona) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create persona dir: %w", err)
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal persona: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
