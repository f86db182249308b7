package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestStringListUnmarshalJSON(t *testing.T) {
	var s StringList
	if err := json.Unmarshal([]byte(`"a, b ,c"`), &s); err != nil {
		t.Fatalf("unmarshal string: %v", err)
	}
	if len(s) != 3 || s[0] != "a" || s[1] != "b" || s[2] != "c" {
		t.Fatalf("unexpected split: %v", s)
	}

	var arr StringList
	if err := json.Unmarshal([]byte(`["x","y"]`), &arr); err != nil {
		t.Fatalf("unmarshal array: %v", err)
	}
	if len(arr) != 2 || arr[0] != "x" || arr[1] != "y" {
		t.Fatalf("unexpected array: %v", arr)
	}
}

func TestLoadAppliesFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	body := `{"host":"0.0.0.0","port":9000,"api_keys":"k1,k2"}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AG2API_PORT", "9100")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Host != "0.0.0.0" {
		t.Fatalf("host not loaded from file: %q", cfg.Host)
	}
	if cfg.Port != 9100 {
		t.Fatalf("env override did not win: %d", cfg.Port)
	}
	if len(cfg.APIKeys) != 2 {
		t.Fatalf("api keys not parsed: %v", cfg.APIKeys)
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8317 || cfg.AuthDir != "./auths" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}
