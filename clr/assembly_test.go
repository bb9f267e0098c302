package clr_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgwoolley/Grab-VS-Protobuff/clr"
	"github.com/jgwoolley/Grab-VS-Protobuff/clr/clrtest"
)

func open(t *testing.T, b *clrtest.Builder) *clr.Assembly {
	t.Helper()
	data, err := b.Bytes()
	require.NoError(t, err)
	asm, err := clr.Open(nil, "test.dll", data)
	require.NoError(t, err)
	return asm
}

func TestOpen_Types(t *testing.T) {
	b := clrtest.New("Game")
	b.Class("Game.Net", "Packet", clrtest.Contract())
	b.Class("Game.Net", "Plain")
	b.Enum("Game.Net", "Kind").Value("A", 0).Value("B", 7)

	asm := open(t, b)
	assert.Equal(t, "Game", asm.Name)

	var names []string
	for _, typ := range asm.Types() {
		names = append(names, typ.FullName())
	}
	assert.Equal(t, []string{"<Module>", "Game.Net.Packet", "Game.Net.Plain", "Game.Net.Kind"}, names)

	packet, ok := asm.FindType("Game.Net.Packet")
	require.True(t, ok)
	has, err := packet.HasAttribute("ProtoBuf.ProtoContractAttribute")
	require.NoError(t, err)
	assert.True(t, has)

	plain, _ := asm.FindType("Game.Net.Plain")
	has, err = plain.HasAttribute("ProtoBuf.ProtoContractAttribute")
	require.NoError(t, err)
	assert.False(t, has)
	assert.False(t, plain.IsEnum())
	assert.False(t, plain.IsValueType())

	kind, _ := asm.FindType("Game.Net.Kind")
	assert.True(t, kind.IsEnum())
	u, err := kind.EnumUnderlying()
	require.NoError(t, err)
	assert.Equal(t, clr.ElementI4, u)

	fields, err := kind.Fields()
	require.NoError(t, err)
	require.Len(t, fields, 3)
	assert.Equal(t, "value__", fields[0].Name)
	assert.Equal(t, "B", fields[2].Name)
	assert.True(t, fields[2].IsLiteral())
	v, ok, err := fields[2].Constant()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(7), v)
}

func TestOpen_Members(t *testing.T) {
	b := clrtest.New("Game")
	other := b.Class("Game", "Other")
	b.Class("Game", "Packet").
		Field("Id", clrtest.Int32, clrtest.Member(1, clrtest.DataFormat(1))).
		PrivateField("secret", clrtest.String).
		StaticField("Shared", clrtest.Int64).
		Field("Items", clrtest.List(other.Sig()), clrtest.Member(2, clrtest.Named("Name", "items"))).
		Field("Lookup", clrtest.Dictionary(clrtest.String, clrtest.Array(clrtest.Byte))).
		Field("Grid", clrtest.MultiArray(clrtest.Int32, 2)).
		Property("Name", clrtest.String, clrtest.Member(3)).
		PrivateProperty("Hidden", clrtest.Nullable(clrtest.Int32))

	asm := open(t, b)
	packet, ok := asm.FindType("Game.Packet")
	require.True(t, ok)

	fields, err := packet.Fields()
	require.NoError(t, err)
	require.Len(t, fields, 6)

	assert.Equal(t, clr.ElementI4, fields[0].Type.Kind)
	assert.True(t, fields[0].IsPublic())
	assert.False(t, fields[1].IsPublic())
	assert.True(t, fields[2].IsStatic())
	assert.Equal(t, "System.Collections.Generic.List`1<Game.Other>", fields[3].Type.String())
	assert.Equal(t, "System.Collections.Generic.Dictionary`2<System.String,System.Byte[]>", fields[4].Type.String())
	assert.Equal(t, "System.Int32[,]", fields[5].Type.String())

	attrs, err := fields[0].Attributes()
	require.NoError(t, err)
	require.Len(t, attrs, 1)
	assert.Equal(t, "ProtoBuf.ProtoMemberAttribute", attrs[0].Type.FullName())
	assert.Equal(t, "protobuf-net.Core", attrs[0].Type.Scope)
	fixed, err := attrs[0].Fixed()
	require.NoError(t, err)
	assert.Equal(t, []interface{}{int64(1)}, fixed)
	format, ok, err := attrs[0].Named("DataFormat")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), format)

	attrs, err = fields[3].Attributes()
	require.NoError(t, err)
	name, ok, err := attrs[0].Named("Name")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "items", name)

	ref := fields[3].Type.Args[0].Type
	resolved, err := ref.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "Game.Other", resolved.FullName())

	props, err := packet.Properties()
	require.NoError(t, err)
	require.Len(t, props, 2)
	assert.Equal(t, "Name", props[0].Name)
	assert.True(t, props[0].IsPublic())
	assert.False(t, props[1].IsPublic())
	assert.Equal(t, "System.Nullable`1<System.Int32>", props[1].Type.String())
}

func TestOpen_NestedAndGeneric(t *testing.T) {
	b := clrtest.New("Game")
	outer := b.Class("Game", "Outer")
	inner := outer.Nested("Inner", clrtest.Contract())
	wrapper := b.Class("Game", "Wrapper`1", clrtest.Contract()).Generic("T")
	wrapper.Field("Value", clrtest.Var(0), clrtest.Member(1))
	b.Class("Game", "Derived").Extends(clrtest.Instance(wrapper.Sig(), inner.Sig()))

	asm := open(t, b)

	typ, ok := asm.FindType("Game.Outer+Inner")
	require.True(t, ok)
	assert.Equal(t, "Outer", typ.Declaring.Name)
	assert.Equal(t, "Inner", typ.SimpleName())

	w, ok := asm.FindType("Game.Wrapper`1")
	require.True(t, ok)
	assert.True(t, w.IsGenericDefinition())
	assert.Equal(t, []string{"T"}, w.GenericParams)
	assert.Equal(t, "Wrapper", w.SimpleName())

	d, _ := asm.FindType("Game.Derived")
	base, err := d.BaseType()
	require.NoError(t, err)
	assert.Equal(t, "Game.Wrapper`1<Game.Outer+Inner>", base.String())

	fields, err := w.Fields()
	require.NoError(t, err)
	closed := fields[0].Type.Substitute(base.Args)
	assert.Equal(t, "Game.Outer+Inner", closed.String())
}

func TestOpen_Include(t *testing.T) {
	b := clrtest.New("Game")
	b.Class("Game", "Base", clrtest.Contract(), clrtest.Include(5, "Game.Child, Game, Version=1.0.0.0"))
	b.Class("Game", "Child", clrtest.Contract())

	asm := open(t, b)
	base, _ := asm.FindType("Game.Base")
	attrs, err := base.Attributes()
	require.NoError(t, err)
	require.Len(t, attrs, 2)

	fixed, err := attrs[1].Fixed()
	require.NoError(t, err)
	require.Len(t, fixed, 2)
	assert.Equal(t, int64(5), fixed[0])

	child, err := asm.FindTypeByName(fixed[1].(string))
	require.NoError(t, err)
	assert.Equal(t, "Game.Child", child.FullName())
}

func TestOpen_NotAnAssembly(t *testing.T) {
	_, err := clr.Open(nil, "junk.dll", []byte("definitely not a PE image"))
	assert.Error(t, err)
	assert.NotEqual(t, clr.ErrNotCLI, errors.Cause(err))

	native, err := clrtest.Native()
	require.NoError(t, err)
	_, err = clr.Open(nil, "native.dll", native)
	assert.Equal(t, clr.ErrNotCLI, errors.Cause(err))
}

func TestOpen_PointerTables(t *testing.T) {
	build := func() *clrtest.Builder {
		b := clrtest.New("Game")
		marker := b.Class("Game", "MarkerAttribute").Constructor(clrtest.String)
		b.Class("Game", "Packet", clrtest.Contract(), marker.Attr(clrtest.Arg{Type: clrtest.String, Value: "packet"})).
			Field("Id", clrtest.Int32, clrtest.Member(1)).
			Field("Name", clrtest.String, clrtest.Member(2)).
			Property("Size", clrtest.Int64, clrtest.Member(3)).
			PrivateProperty("Hidden", clrtest.Bool)
		b.Class("Game", "Other", marker.Attr(clrtest.Arg{Type: clrtest.String, Value: "other"})).
			Property("Value", clrtest.Int32)
		b.Enum("Game", "Kind").Value("A", 1).Value("B", 2)
		return b
	}

	for name, b := range map[string]*clrtest.Builder{
		"direct":   build(),
		"pointers": build().PointerTables(),
	} {
		t.Run(name, func(t *testing.T) {
			asm := open(t, b)

			packet, ok := asm.FindType("Game.Packet")
			require.True(t, ok)
			fields, err := packet.Fields()
			require.NoError(t, err)
			require.Len(t, fields, 2)
			assert.Equal(t, "Id", fields[0].Name)
			assert.Equal(t, "Name", fields[1].Name)
			attrs, err := fields[1].Attributes()
			require.NoError(t, err)
			require.Len(t, attrs, 1)
			fixed, err := attrs[0].Fixed()
			require.NoError(t, err)
			assert.Equal(t, []interface{}{int64(2)}, fixed)

			props, err := packet.Properties()
			require.NoError(t, err)
			require.Len(t, props, 2)
			assert.Equal(t, "Size", props[0].Name)
			assert.True(t, props[0].IsPublic())
			assert.Equal(t, "Hidden", props[1].Name)
			assert.False(t, props[1].IsPublic())
			attrs, err = props[0].Attributes()
			require.NoError(t, err)
			require.Len(t, attrs, 1)
			fixed, err = attrs[0].Fixed()
			require.NoError(t, err)
			assert.Equal(t, []interface{}{int64(3)}, fixed)

			for typ, arg := range map[string]string{"Game.Packet": "packet", "Game.Other": "other"} {
				owner, _ := asm.FindType(typ)
				attrs, err := owner.Attributes()
				require.NoError(t, err)
				marker := attrs[len(attrs)-1]
				assert.Equal(t, "Game.MarkerAttribute", marker.Type.FullName(), typ)
				fixed, err := marker.Fixed()
				require.NoError(t, err)
				assert.Equal(t, []interface{}{arg}, fixed)
			}

			other, _ := asm.FindType("Game.Other")
			props, err = other.Properties()
			require.NoError(t, err)
			require.Len(t, props, 1)
			assert.Equal(t, "Value", props[0].Name)
			assert.True(t, props[0].IsPublic())

			kind, _ := asm.FindType("Game.Kind")
			fields, err = kind.Fields()
			require.NoError(t, err)
			require.Len(t, fields, 3)
			v, ok, err := fields[2].Constant()
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "B", fields[2].Name)
			assert.Equal(t, int64(2), v)
		})
	}
}

func TestContext_ResolveOrder(t *testing.T) {
	base := t.TempDir()
	lib := filepath.Join(base, "Lib")
	require.NoError(t, os.Mkdir(lib, 0755))

	// same assembly name twice, told apart by content
	root := clrtest.New("Shared")
	root.Class("Root", "Marker")
	require.NoError(t, root.WriteFile(filepath.Join(base, "Shared.dll")))
	shadowed := clrtest.New("Shared")
	shadowed.Class("Lib", "Marker")
	require.NoError(t, shadowed.WriteFile(filepath.Join(lib, "Shared.dll")))
	require.NoError(t, clrtest.New("OnlyLib").WriteFile(filepath.Join(lib, "OnlyLib.dll")))
	native, err := clrtest.Native()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(lib, "Native.dll"), native, 0644))

	ctx, err := clr.NewContext(base, "Lib")
	require.NoError(t, err)

	path, ok := ctx.Lookup("shared")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(base, "Shared.dll"), path)

	asm, err := ctx.Resolve("Shared")
	require.NoError(t, err)
	_, ok = asm.FindType("Root.Marker")
	assert.True(t, ok)

	asm, err = ctx.Resolve("OnlyLib")
	require.NoError(t, err)
	assert.Equal(t, "OnlyLib", asm.Name)

	_, err = ctx.Resolve("Missing")
	assert.Equal(t, clr.ErrUnresolved, errors.Cause(err))

	_, err = ctx.Resolve("Native")
	assert.Equal(t, clr.ErrUnresolved, errors.Cause(err))
	assert.Contains(t, err.Error(), "native library")
}

func TestContext_CrossAssembly(t *testing.T) {
	base := t.TempDir()
	lib := filepath.Join(base, "Lib")
	require.NoError(t, os.Mkdir(lib, 0755))

	api := clrtest.New("GameAPI")
	api.Enum("Game.API", "EnumSide").Underlying(clrtest.Byte).Value("Client", 1).Value("Server", 2)
	require.NoError(t, api.WriteFile(filepath.Join(lib, "GameAPI.dll")))

	// the type lives in Impl, GameAPI2 only forwards it
	impl := clrtest.New("Impl")
	impl.Class("Game.API", "Moved")
	require.NoError(t, impl.WriteFile(filepath.Join(lib, "Impl.dll")))
	fwd := clrtest.New("GameAPI2")
	fwd.Forward("Game.API", "Moved", "Impl")
	require.NoError(t, fwd.WriteFile(filepath.Join(base, "GameAPI2.dll")))

	game := clrtest.New("GameLib")
	game.Class("Game", "Packet").
		Field("Side", clrtest.ExternalValue("GameAPI", "Game.API", "EnumSide")).
		Field("Moved", clrtest.External("GameAPI2", "Game.API", "Moved")).
		Field("Lost", clrtest.External("Nowhere", "Game.API", "Lost"))
	require.NoError(t, game.WriteFile(filepath.Join(base, "GameLib.dll")))

	ctx, err := clr.NewContext(base, "Lib")
	require.NoError(t, err)
	asm, err := ctx.LoadFrom(filepath.Join(base, "GameLib.dll"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"System.Runtime", "GameAPI", "GameAPI2", "Nowhere"}, asm.References())

	packet, _ := asm.FindType("Game.Packet")
	fields, err := packet.Fields()
	require.NoError(t, err)

	side, err := fields[0].Type.Type.Resolve()
	require.NoError(t, err)
	assert.True(t, side.IsEnum())
	u, err := side.EnumUnderlying()
	require.NoError(t, err)
	assert.Equal(t, clr.ElementU1, u)

	moved, err := fields[1].Type.Type.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "Impl", moved.Assembly.Name)

	_, err = fields[2].Type.Type.Resolve()
	assert.Equal(t, clr.ErrUnresolved, errors.Cause(err))
}

func TestNewContext_MissingDir(t *testing.T) {
	_, err := clr.NewContext(filepath.Join(t.TempDir(), "nope"), "Lib")
	assert.Error(t, err)
}
