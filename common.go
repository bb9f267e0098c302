package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// findFile looks name up in dir. An exact match wins, otherwise the first entry
// matching without regard to case: installs copied from Windows keep their
// original spelling.
func findFile(dir, name string) (string, bool) {
	path := filepath.Join(dir, name)
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return path, true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return path, false
	}
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(e.Name(), name) {
			return filepath.Join(dir, e.Name()), true
		}
	}
	return path, false
}

func dump(val interface{}) string {
	data, _ := json.MarshalIndent(val, "", "  ")
	return string(data)
}
