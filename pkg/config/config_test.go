package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type sampleConfig struct {
	Name    string        `envconfig:"NAME" split_words:"true" default:"moneta"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"5s"`
	Mode    string        `envconfig:"MODE" split_words:"true"`
}

type fileConfig struct {
	Agents []struct {
		ID    string   `mapstructure:"id"`
		Tools []string `mapstructure:"tools"`
	} `mapstructure:"agents"`
}

func TestNewReadsEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("SAMPLE_MODE=hosted\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SAMPLE_MODE", "")
	SetEnvFile(path)
	t.Cleanup(func() { SetEnvFile("") })

	conf, err := New[sampleConfig]("SAMPLE")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if conf.Mode != "hosted" {
		t.Fatalf("expected mode from env file, got %q", conf.Mode)
	}
	if conf.Name != "moneta" || conf.Timeout != 5*time.Second {
		t.Fatalf("defaults not applied: %#v", conf)
	}
}

func TestLoadFileYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "agents.yaml")
	body := "agents:\n  - id: bank-crm-agent\n    tools: [load_from_crm_by_client_id]\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	conf, err := LoadFile[fileConfig](path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if len(conf.Agents) != 1 || conf.Agents[0].ID != "bank-crm-agent" || conf.Agents[0].Tools[0] != "load_from_crm_by_client_id" {
		t.Fatalf("unexpected config: %#v", conf)
	}
}

func TestLoadFileMissing(t *testing.T) {
	t.Parallel()

	if _, err := LoadFile[fileConfig](filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
