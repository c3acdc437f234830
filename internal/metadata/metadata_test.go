package metadata

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "market_metadata.json")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoad_ValidMapping(t *testing.T) {
	path := writeTemp(t, `{"7": "BTC-PERP", "9": "ETH-PERP"}`)

	result := Load(path, nil)
	if result[7] != "BTC-PERP" || result[9] != "ETH-PERP" {
		t.Errorf("Load() = %v, want 7->BTC-PERP, 9->ETH-PERP", result)
	}
}

func TestLoad_MissingFileReturnsEmptyMap(t *testing.T) {
	result := Load(filepath.Join(t.TempDir(), "does-not-exist.json"), nil)
	if len(result) != 0 {
		t.Errorf("Load() = %v, want empty map for a missing file", result)
	}
}

func TestLoad_EmptyPathReturnsEmptyMap(t *testing.T) {
	result := Load("", nil)
	if len(result) != 0 {
		t.Errorf("Load() = %v, want empty map for an empty path", result)
	}
}

func TestLoad_MalformedJSONReturnsEmptyMap(t *testing.T) {
	path := writeTemp(t, `not json`)
	result := Load(path, nil)
	if len(result) != 0 {
		t.Errorf("Load() = %v, want empty map for malformed JSON", result)
	}
}

func TestLoad_SkipsInvalidEntries(t *testing.T) {
	path := writeTemp(t, `{"not-a-number": "X", "7": "", "9": 123, "11": "VALID"}`)
	result := Load(path, nil)
	if len(result) != 1 || result[11] != "VALID" {
		t.Errorf("Load() = %v, want only {11: VALID}", result)
	}
}
