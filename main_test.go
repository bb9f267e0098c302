package main

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/protobuf/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/jgwoolley/Grab-VS-Protobuff/clr/clrtest"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	log.SetFlags(0)
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })
	return &buf
}

func sideEnum(name string, values ...string) *clrtest.Builder {
	b := clrtest.New(name)
	e := b.Enum("Game.API", "EnumSide")
	for i, v := range values {
		e.Value(v, int64(i))
	}
	return b
}

// install lays out a game directory: the main library, and the API library under Lib.
func install(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	lib := filepath.Join(base, "Lib")
	require.NoError(t, os.Mkdir(lib, 0755))

	api := sideEnum("GameAPI", "Universal", "Client", "Server")
	require.NoError(t, api.WriteFile(filepath.Join(lib, "GameAPI.dll")))

	game := clrtest.New("VintagestoryLib")
	game.Class("Game", "Login", clrtest.Contract()).
		Field("Name", clrtest.String, clrtest.Member(1)).
		Field("Side", clrtest.ExternalValue("GameAPI", "Game.API", "EnumSide"), clrtest.Member(2))
	game.Class("Game", "Logout", clrtest.Contract()).
		Field("Reason", clrtest.String, clrtest.Member(1))
	game.Class("Game", "Helper").
		Field("Value", clrtest.Int32)
	game.Class("Game", "Box`1", clrtest.Contract()).Generic("T").
		Field("Value", clrtest.Var(0), clrtest.Member(1))
	require.NoError(t, game.WriteFile(filepath.Join(base, "VintagestoryLib.dll")))
	return base
}

func TestExtract(t *testing.T) {
	out := captureLog(t)
	base := install(t)

	ext, ok := Extract(base, DefaultConfig())
	require.True(t, ok, out.String())

	assert.Equal(t, []string{"Game.Login", "Game.Logout"}, ext.Contracts)
	assert.NotNil(t, ext.File.FindMessage("vintagestory.Login"))
	assert.NotNil(t, ext.File.FindMessage("vintagestory.Logout"))
	assert.NotNil(t, ext.File.FindEnum("vintagestory.EnumSide"))
	assert.Nil(t, ext.File.FindMessage("vintagestory.Helper"))
	assert.Len(t, ext.File.GetMessageTypes(), 2)

	assert.Contains(t, ext.Schema, `syntax = "proto3";`)
	assert.Contains(t, ext.Schema, "package vintagestory;")
	assert.Contains(t, ext.Schema, "Universal")
	assert.NotContains(t, ext.Schema, "Helper")
	assert.Contains(t, out.String(), "[warn] Game.Box`1 is an open generic type")
}

func TestExtract_Idempotent(t *testing.T) {
	captureLog(t)
	base := install(t)

	first, ok := GenerateSchema(base, DefaultConfig())
	require.True(t, ok)
	second, ok := GenerateSchema(base, DefaultConfig())
	require.True(t, ok)
	assert.Equal(t, first, second)
}

func TestExtract_BaseDirShadowsLib(t *testing.T) {
	captureLog(t)
	base := install(t)
	shadow := sideEnum("GameAPI", "Shadow")
	require.NoError(t, shadow.WriteFile(filepath.Join(base, "GameAPI.dll")))

	schema, ok := GenerateSchema(base, DefaultConfig())
	require.True(t, ok)
	assert.Contains(t, schema, "Shadow")
	assert.NotContains(t, schema, "Universal")
}

func TestExtract_Failures(t *testing.T) {
	t.Run("empty input", func(t *testing.T) {
		out := captureLog(t)
		_, ok := Extract("", DefaultConfig())
		assert.False(t, ok)
		assert.Contains(t, out.String(), "Error: ")
	})

	t.Run("missing directory", func(t *testing.T) {
		out := captureLog(t)
		_, ok := Extract(filepath.Join(t.TempDir(), "nope"), DefaultConfig())
		assert.False(t, ok)
		assert.Contains(t, out.String(), "Error: ")
		assert.Contains(t, out.String(), "Inner: ")
	})

	t.Run("no main library", func(t *testing.T) {
		out := captureLog(t)
		_, ok := Extract(t.TempDir(), DefaultConfig())
		assert.False(t, ok)
		assert.Contains(t, out.String(), "VintagestoryLib.dll not found")
	})

	t.Run("not an assembly", func(t *testing.T) {
		out := captureLog(t)
		base := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(base, "VintagestoryLib.dll"), []byte("MZ garbage"), 0644))
		_, ok := Extract(base, DefaultConfig())
		assert.False(t, ok)
		assert.Contains(t, out.String(), "Error: ")
	})

	t.Run("missing dependency", func(t *testing.T) {
		out := captureLog(t)
		base := t.TempDir()
		game := clrtest.New("VintagestoryLib")
		game.Class("Game", "Login", clrtest.Contract()).
			Field("Side", clrtest.ExternalValue("GameAPI", "Game.API", "EnumSide"), clrtest.Member(1))
		require.NoError(t, game.WriteFile(filepath.Join(base, "VintagestoryLib.dll")))

		_, ok := Extract(base, DefaultConfig())
		assert.False(t, ok)
		assert.Contains(t, out.String(), "assembly could not be resolved")
	})
}

func TestExtract_CaseInsensitiveMainLibrary(t *testing.T) {
	captureLog(t)
	base := t.TempDir()
	game := clrtest.New("VintagestoryLib")
	game.Class("Game", "Ping", clrtest.Contract()).Field("Id", clrtest.Int32, clrtest.Member(1))
	require.NoError(t, game.WriteFile(filepath.Join(base, "vintagestorylib.DLL")))

	schema, ok := GenerateSchema(base, DefaultConfig())
	require.True(t, ok)
	assert.Contains(t, schema, "message Ping")
}

func TestWriteOutput(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeOutput(&buf, "", "syntax = \"proto3\";\n"))
	assert.Equal(t, "syntax = \"proto3\";\n", buf.String())

	buf.Reset()
	require.NoError(t, writeOutput(&buf, "-", "schema"))
	assert.Equal(t, "schema", buf.String())

	buf.Reset()
	path := filepath.Join(t.TempDir(), "vintagestory.proto")
	require.NoError(t, writeOutput(&buf, path, "schema"))
	assert.Equal(t, "Wrote to: "+path+"\n", buf.String())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "schema", string(data))

	assert.Error(t, writeOutput(&buf, filepath.Join(t.TempDir(), "missing", "out.proto"), "schema"))
}

func TestWriteDescriptorSet(t *testing.T) {
	captureLog(t)
	ext, ok := Extract(install(t), DefaultConfig())
	require.True(t, ok)
	dir := t.TempDir()

	bin := filepath.Join(dir, "schema.pb")
	require.NoError(t, writeDescriptorSet(bin, ext.File))
	data, err := os.ReadFile(bin)
	require.NoError(t, err)
	var set descriptorpb.FileDescriptorSet
	require.NoError(t, proto.Unmarshal(data, &set))
	require.Len(t, set.File, 1)
	assert.Equal(t, "vintagestory.proto", set.File[0].GetName())

	text := filepath.Join(dir, "schema.textproto")
	require.NoError(t, writeDescriptorSet(text, ext.File))
	data, err = os.ReadFile(text)
	require.NoError(t, err)
	var parsed descriptorpb.FileDescriptorSet
	require.NoError(t, prototext.Unmarshal(data, &parsed))
	require.Len(t, parsed.File, 1)
	assert.Len(t, parsed.File[0].MessageType, 2)
}

func TestRootCommand(t *testing.T) {
	captureLog(t)
	base := install(t)
	out := filepath.Join(t.TempDir(), "game.proto")

	cmd := newRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"--input", base, "--output", out, "--package", "game", "--syntax", "proto2"})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, "Wrote to: "+out+"\n", buf.String())
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "package game;")
	assert.Contains(t, string(data), `syntax = "proto2";`)
}

func TestRootCommand_NoResult(t *testing.T) {
	logged := captureLog(t)
	out := filepath.Join(t.TempDir(), "game.proto")

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--input", t.TempDir(), "--output", out})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, logged.String(), "Error: ")
	assert.NoFileExists(t, out)
}

func TestRootCommand_BadFlags(t *testing.T) {
	captureLog(t)
	for _, args := range [][]string{
		{"--input", t.TempDir(), "--syntax", "proto4"},
		{"--input", t.TempDir(), "extra"},
		{"--config", filepath.Join(t.TempDir(), "missing.yaml")},
	} {
		cmd := newRootCmd()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(args)
		assert.Error(t, cmd.Execute(), "%v", args)
	}
}
