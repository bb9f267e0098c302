package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgwoolley/Grab-VS-Protobuff/protomodel"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	expected := DefaultConfig()
	expected.Package = "game"
	expected.Syntax = "proto2"
	expected.SearchPath = []string{"/opt/vintagestory", "/srv/vintagestory"}

	txt := writeConfig(t, "grabproto.txt", `
# where to look besides the usual places
search_path: "/opt/vintagestory"
search_path: "/srv/vintagestory"
package: "game"
syntax: proto2
`)
	cfg, err := LoadConfig(txt)
	require.NoError(t, err)
	assert.Equal(t, expected, cfg)

	yml := writeConfig(t, "grabproto.yaml", `
search_path:
  - /opt/vintagestory
  - /srv/vintagestory
package: game
syntax: proto2
`)
	cfg, err = LoadConfig(yml)
	require.NoError(t, err)
	assert.Equal(t, expected, cfg)

	assert.Equal(t, protomodel.SchemaOptions{Syntax: protomodel.Proto2, Package: "game"}, cfg.SchemaOptions())
}

func TestLoadConfig_Errors(t *testing.T) {
	for name, content := range map[string]string{
		"bad.txt":   `syntax: proto4`,
		"typo.txt":  `pakage: "game"`,
		"lib.txt":   `main_library: ""`,
		"bad.yml":   "package: [game",
		"types.txt": `package: 3`,
	} {
		_, err := LoadConfig(writeConfig(t, name, content))
		assert.Error(t, err, name)
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, protomodel.SchemaOptions{Syntax: protomodel.Proto3, Package: "vintagestory"}, cfg.SchemaOptions())
	assert.Equal(t, "VintagestoryLib.dll", cfg.MainLibrary)
	assert.Equal(t, "Lib", cfg.DependencyDir)
}
