package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/srediag/plugin-rpmsg/pkg/ipcerr"
)

// ErrInvalid wraps validation failures.
var ErrInvalid = ipcerr.New(ipcerr.Configuration, "invalid configuration")

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks field constraints and cross-field rules.
func (c Config) Validate() error {
	if err := validatorInstance().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Platform.BufferSize <= 16+24 {
		return fmt.Errorf("%w: buffer_size %d leaves no echo body", ErrInvalid, c.Platform.BufferSize)
	}
	if c.Platform.CPG != nil && c.Platform.CPG.ResetStatus+4 > c.Platform.CPG.Window.End {
		return fmt.Errorf("%w: cpg reset_status 0x%x outside window", ErrInvalid, c.Platform.CPG.ResetStatus)
	}
	return nil
}

// Load reads a YAML file over the defaults of the named board ("rzg2l" unless the file sets
// platform.name to "rzg3s") and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	var probe struct {
		Platform struct {
			Name string `yaml:"name"`
		} `yaml:"platform"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg, err := ForBoard(probe.Platform.Name)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ForBoard returns the defaults of a board name. The empty name selects RZ/G2L.
func ForBoard(name string) (Config, error) {
	switch name {
	case "", "rzg2l":
		return DefaultRZG2L(), nil
	case "rzg3s":
		return DefaultRZG3S(), nil
	}
	return Config{}, fmt.Errorf("%w: unknown board %q", ErrInvalid, name)
}

// Save writes cfg as YAML, creating the directory.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
