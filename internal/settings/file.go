package settings

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile reads an on-disk YAML settings file and overlays its keys onto
// the documented defaults, the same way FromMap overlays the host engine's
// key=value attach-time map. Used by cmd/mssqlcore-diag, which has no host
// engine to hand it a map and instead takes a file path on the command line.
//
// The file is a flat mapping using the same keys FromMap recognizes
// (connection_limit, idle_timeout, read_only, ...); durations are whole
// seconds (30, not "30s") just as they are in the host engine's map.
// Unmarshaling straight into map[string]string lets YAML's scalar types
// (42, true, 30) all come through as their literal text, so the same set()
// parsing FromMap uses applies unchanged.
func LoadFile(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("settings: read %s: %w", path, err)
	}
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Settings{}, fmt.Errorf("settings: parse %s: %w", path, err)
	}
	return FromMap(raw)
}
