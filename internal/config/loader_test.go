package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
version: 1
network:
  bind: "0.0.0.0"
  port: 47777
rendezvous:
  base_url: "https://rv.example.org"
discovery:
  mdns: false
metrics:
  listen: "127.0.0.1:9600"
`)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if f.Network.Bind != "0.0.0.0" || f.Network.Port != 47777 {
		t.Errorf("network section mangled: %+v", f.Network)
	}
	if f.Rendezvous.BaseURL != "https://rv.example.org" {
		t.Errorf("rendezvous section mangled: %+v", f.Rendezvous)
	}
	if f.MDNSEnabled() {
		t.Error("mdns: false not honored")
	}
	if f.Metrics.Listen != "127.0.0.1:9600" {
		t.Errorf("metrics section mangled: %+v", f.Metrics)
	}
}

func TestLoadDefaultsVersion(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "network:\n  port: 48000\n")
	f, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if f.Version != 1 {
		t.Errorf("version = %d, want 1 for unversioned config", f.Version)
	}
}

func TestLoadRejectsNewerVersion(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "version: 99\n")
	_, err := Load(path)
	if !errors.Is(err, ErrConfigVersionTooNew) {
		t.Fatalf("want ErrConfigVersionTooNew, got %v", err)
	}
	if !strings.Contains(err.Error(), "upgrade felund") {
		t.Errorf("error should tell the user to upgrade: %v", err)
	}
}

func TestLoadRejectsInvalidFields(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"bad port", "network:\n  port: 70000\n"},
		{"bad bind", "network:\n  bind: \"not a host\"\n"},
		{"bad base url", "rendezvous:\n  base_url: \"ftp://x\"\n"},
		{"bad metrics listen", "metrics:\n  listen: \"nope\"\n"},
		{"not yaml", "{{{{\n"},
	}
	for _, tc := range cases {
		dir := t.TempDir()
		path := writeConfig(t, dir, tc.content)
		if _, err := Load(path); err == nil {
			t.Errorf("%s: loaded without error", tc.name)
		}
	}
}

func TestLoadRejectsPermissiveFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "version: 1\n")
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	_, err := Load(path)
	if err == nil {
		t.Fatal("world-readable config loaded without error")
	}
	if !strings.Contains(err.Error(), "chmod 600") {
		t.Errorf("error should name the fix: %v", err)
	}
}

func TestLoadOptionalMissingFile(t *testing.T) {
	f, err := LoadOptional(t.TempDir())
	if err != nil {
		t.Fatalf("missing config.yaml should not error: %v", err)
	}
	if f.Version != CurrentConfigVersion {
		t.Errorf("version = %d, want %d", f.Version, CurrentConfigVersion)
	}
	if !f.MDNSEnabled() {
		t.Error("zero config should leave mdns enabled")
	}
	if f.Network.Port != 0 || f.Rendezvous.BaseURL != "" {
		t.Errorf("zero config carries values: %+v", f)
	}
}

func TestLoadOptionalStillRejectsBrokenFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "version: 99\n")
	if _, err := LoadOptional(dir); !errors.Is(err, ErrConfigVersionTooNew) {
		t.Fatalf("want ErrConfigVersionTooNew, got %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	mdnsOff := false
	in := &File{
		Network:    NetworkSection{Bind: "127.0.0.1", Port: 47001},
		Rendezvous: RendezvousSection{BaseURL: "https://rv.example.org"},
		Discovery:  DiscoverySection{MDNS: &mdnsOff},
	}
	if err := Save(path, in); err != nil {
		t.Fatalf("save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm()&0077 != 0 {
		t.Errorf("saved config mode %04o is group/world accessible", info.Mode().Perm())
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	out, err := Load(path)
	if err != nil {
		t.Fatalf("load saved config: %v", err)
	}
	if out.Version != CurrentConfigVersion {
		t.Errorf("version = %d, want %d", out.Version, CurrentConfigVersion)
	}
	if out.Network != in.Network || out.Rendezvous != in.Rendezvous {
		t.Errorf("round trip mangled: %+v", out)
	}
	if out.MDNSEnabled() {
		t.Error("mdns: false lost in round trip")
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	in := &File{Network: NetworkSection{Port: -1}}
	if err := Save(filepath.Join(dir, FileName), in); err == nil {
		t.Fatal("invalid config saved without error")
	}
}

func TestStateDir(t *testing.T) {
	t.Setenv(EnvStateDir, "/tmp/felund-test-state")
	dir, err := StateDir()
	if err != nil {
		t.Fatalf("state dir: %v", err)
	}
	if dir != "/tmp/felund-test-state" {
		t.Errorf("dir = %q, want env override", dir)
	}

	t.Setenv(EnvStateDir, "")
	dir, err = StateDir()
	if err != nil {
		t.Fatalf("state dir: %v", err)
	}
	if !strings.HasSuffix(dir, ".felund") {
		t.Errorf("dir = %q, want ~/.felund default", dir)
	}
}

func TestAPIBase(t *testing.T) {
	t.Setenv(EnvAPIBase, " https://rv.example.org/api/ ")
	if got := APIBase("https://stored.example.org"); got != "https://rv.example.org/api" {
		t.Errorf("APIBase = %q, want trimmed env value", got)
	}

	t.Setenv(EnvAPIBase, "")
	if got := APIBase("https://stored.example.org/"); got != "https://stored.example.org" {
		t.Errorf("APIBase = %q, want stored value", got)
	}
	if got := APIBase(""); got != "" {
		t.Errorf("APIBase = %q, want empty (disabled)", got)
	}
}
