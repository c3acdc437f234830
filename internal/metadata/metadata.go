// Package metadata loads the optional market id -> display symbol mapping
// used to label markets.
//
// Grounded on original_source/store.py's MarketStore._load_metadata: a
// missing file, unreadable file, or malformed JSON all degrade gracefully
// to an empty map rather than failing startup.
package metadata

import (
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
)

// Load reads a market id -> symbol mapping from a JSON file whose keys are
// decimal market ids and whose values are non-empty symbol strings. None of
// its problems is a fatal error: a missing file yields an empty map without
// a log line; an unreadable file or invalid JSON is logged as a warning and
// yields an empty map; an entry whose key or value doesn't fit the expected
// shape is skipped silently while the other entries are kept.
func Load(path string, logger *slog.Logger) map[int64]string {
	if logger == nil {
		logger = slog.Default()
	}
	result := make(map[int64]string)
	if path == "" {
		return result
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("failed to read market metadata file", "path", path, "error", err)
		}
		return result
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		logger.Warn("failed to parse market metadata file", "path", path, "error", err)
		return result
	}

	for key, value := range entries {
		marketID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		var symbol string
		if err := json.Unmarshal(value, &symbol); err != nil || symbol == "" {
			continue
		}
		result[marketID] = symbol
	}
	return result
}
