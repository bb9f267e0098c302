package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultInstallDir(t *testing.T) {
	root := t.TempDir()
	missing := filepath.Join(root, "missing")
	empty := filepath.Join(root, "empty")
	valid := filepath.Join(root, "valid")
	other := filepath.Join(root, "other")
	for _, dir := range []string{empty, valid, other} {
		require.NoError(t, os.Mkdir(dir, 0755))
	}
	for _, dir := range []string{valid, other} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "VintagestoryLib.dll"), nil, 0644))
	}
	file := filepath.Join(root, "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))

	assert.Equal(t, valid, DefaultInstallDir([]string{missing, file, empty, valid, other}, "VintagestoryLib.dll"))
	assert.Equal(t, "", DefaultInstallDir([]string{missing, empty}, "VintagestoryLib.dll"))
	assert.Equal(t, "", DefaultInstallDir(nil, "VintagestoryLib.dll"))
	assert.Equal(t, valid, DefaultInstallDir([]string{valid}, "vintagestorylib.dll"))
}

func TestDefaultCandidates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SearchPath = []string{"/opt/vintagestory"}

	candidates := DefaultCandidates(cfg)
	require.NotEmpty(t, candidates)
	assert.Contains(t, candidates, macOSInstall)
	assert.Equal(t, "/opt/vintagestory", candidates[len(candidates)-1])
	if dir, err := os.UserConfigDir(); err == nil {
		assert.Equal(t, filepath.Join(dir, "Vintagestory"), candidates[0])
	}
}

func TestFindFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "GameAPI.DLL"), nil, 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "Lib"), 0755))

	path, ok := findFile(dir, "gameapi.dll")
	assert.True(t, ok)
	assert.True(t, strings.EqualFold(filepath.Join(dir, "GameAPI.DLL"), path), path)

	_, ok = findFile(dir, "lib")
	assert.False(t, ok)
	_, ok = findFile(filepath.Join(dir, "missing"), "x.dll")
	assert.False(t, ok)
}
