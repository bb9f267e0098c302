package main

import (
	"os"
	"path/filepath"
)

const macOSInstall = "/Applications/Vintage Story.app/"

// DefaultCandidates lists where an installation is looked for: the game's
// application data folder, the macOS bundle and the configured search path.
func DefaultCandidates(cfg Config) []string {
	var ret []string
	if dir, err := os.UserConfigDir(); err == nil {
		ret = append(ret, filepath.Join(dir, "Vintagestory"))
	}
	ret = append(ret, macOSInstall)
	return append(ret, cfg.SearchPath...)
}

// DefaultInstallDir returns the first candidate holding the main library, or "".
func DefaultInstallDir(candidates []string, mainLibrary string) string {
	for _, dir := range candidates {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		if _, ok := findFile(dir, mainLibrary); ok {
			return dir
		}
	}
	return ""
}
