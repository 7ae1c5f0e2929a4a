package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/felundnet/felund/internal/validate"
)

// Environment variables read once at startup.
const (
	EnvStateDir = "FELUND_STATE_DIR"
	EnvAPIBase  = "FELUND_API_BASE"
)

// checkConfigFilePermissions rejects a config file with overly permissive
// permissions (group/world readable). The file can carry a rendezvous URL
// and network topology.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600; fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// DefaultStateDir returns ~/.felund.
func DefaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".felund"), nil
}

// StateDir resolves the state directory: FELUND_STATE_DIR when set,
// otherwise ~/.felund.
func StateDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(EnvStateDir)); dir != "" {
		return dir, nil
	}
	return DefaultStateDir()
}

// APIBase resolves the rendezvous base URL: FELUND_API_BASE when non-empty,
// otherwise the stored value. Either way the result is trimmed and loses
// trailing slashes; empty disables rendezvous entirely.
func APIBase(stored string) string {
	if env := normalizeBase(os.Getenv(EnvAPIBase)); env != "" {
		return env
	}
	return normalizeBase(stored)
}

func normalizeBase(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), "/")
}

// Load reads and validates a config.yaml at an explicit path.
func Load(path string) (*File, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	// Default version to 1 for configs written before versioning was added.
	if f.Version == 0 {
		f.Version = 1
	}
	if f.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade felund", ErrConfigVersionTooNew, f.Version, CurrentConfigVersion)
	}

	if err := Validate(&f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &f, nil
}

// LoadOptional loads config.yaml from the state directory when present. A
// missing file is not an error; it yields the zero tuning.
func LoadOptional(stateDir string) (*File, error) {
	path := filepath.Join(stateDir, FileName)
	f, err := Load(path)
	if errors.Is(err, ErrConfigNotFound) {
		return &File{Version: CurrentConfigVersion}, nil
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks every populated field; zero values pass.
func Validate(f *File) error {
	if f.Network.Bind != "" {
		if err := validate.BindHost(f.Network.Bind); err != nil {
			return fmt.Errorf("network.bind: %w", err)
		}
	}
	if f.Network.Port != 0 {
		if err := validate.Port(f.Network.Port); err != nil {
			return fmt.Errorf("network.port: %w", err)
		}
	}
	if f.Rendezvous.BaseURL != "" {
		if err := validate.BaseURL(f.Rendezvous.BaseURL); err != nil {
			return fmt.Errorf("rendezvous.base_url: %w", err)
		}
	}
	if f.Metrics.Listen != "" {
		if err := validate.ListenAddr(f.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics.listen: %w", err)
		}
	}
	return nil
}

// Save writes config.yaml atomically with 0600 permissions. Used by the
// init wizard so users have a file to edit later.
func Save(path string, f *File) error {
	if err := Validate(f); err != nil {
		return err
	}
	out := *f
	if out.Version == 0 {
		out.Version = CurrentConfigVersion
	}
	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
