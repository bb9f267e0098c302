// Package clrtest writes minimal .NET assemblies for tests.
//
// The images carry metadata only: no IL, no resources. That is all the reader
// needs, and it keeps test fixtures independent from a C# toolchain.
package clrtest

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/jgwoolley/Grab-VS-Protobuff/clr"
	"github.com/pkg/errors"
)

const (
	CoreLibrary     = "System.Runtime"
	CollectionsLib  = "System.Collections"
	ProtobufLibrary = "protobuf-net.Core"
)

const (
	typePublic       = 0x01
	typeNestedPublic = 0x02
	typeSealed       = 0x100

	fieldPublic        = 0x0006
	fieldPrivate       = 0x0001
	fieldStatic        = 0x0010
	fieldLiteral       = 0x0040
	fieldHasDefault    = 0x8000
	fieldSpecialName   = 0x0200
	fieldRTSpecialName = 0x0400

	methodPublic        = 0x0006
	methodPrivate       = 0x0001
	methodHideBySig     = 0x0080
	methodSpecialName   = 0x0800
	methodRTSpecialName = 0x1000
)

type typeKind int

const (
	kindClass typeKind = iota
	kindStruct
	kindEnum
)

// Builder accumulates type definitions and serializes them as a PE image.
type Builder struct {
	name     string
	types    []*TypeBuilder
	forwards []forward
	pointers bool

	// emission state
	strings    *heap
	blobs      *heap
	rows       [0x2D][][]uint32
	asmRefs    map[string]uint32
	typeRefs   map[typeRefKey]uint32
	typeSpecs  map[string]uint32
	ctorFixups []ctorFixup
	pendingErr error
}

// ctorFixup is a CustomAttribute row whose constructor is a MethodDef not emitted yet.
type ctorFixup struct {
	row  []uint32
	ctor *TypeBuilder
}

type forward struct {
	namespace, name, assembly string
}

type typeRefKey struct {
	assembly, namespace, name string
}

func New(name string) *Builder {
	return &Builder{name: name}
}

// Forward adds a type forwarder to another assembly.
func (b *Builder) Forward(namespace, name, assembly string) {
	b.forwards = append(b.forwards, forward{namespace, name, assembly})
}

// PointerTables stores fields, methods and properties in reverse order and
// lists them through the FieldPtr, MethodPtr and PropertyPtr tables.
func (b *Builder) PointerTables() *Builder {
	b.pointers = true
	return b
}

func (b *Builder) newType(namespace, name string, kind typeKind, attrs []Attr) *TypeBuilder {
	t := &TypeBuilder{
		b:         b,
		namespace: namespace,
		name:      name,
		kind:      kind,
		attrs:     attrs,
		flags:     typePublic,
	}
	switch kind {
	case kindClass:
		t.extends = External(CoreLibrary, "System", "Object")
	case kindStruct:
		t.extends = External(CoreLibrary, "System", "ValueType")
		t.flags |= typeSealed
	case kindEnum:
		t.extends = External(CoreLibrary, "System", "Enum")
		t.flags |= typeSealed
		t.underlying = Int32
	}
	b.types = append(b.types, t)
	return t
}

func (b *Builder) Class(namespace, name string, attrs ...Attr) *TypeBuilder {
	return b.newType(namespace, name, kindClass, attrs)
}

func (b *Builder) Struct(namespace, name string, attrs ...Attr) *TypeBuilder {
	return b.newType(namespace, name, kindStruct, attrs)
}

func (b *Builder) Enum(namespace, name string, attrs ...Attr) *TypeBuilder {
	return b.newType(namespace, name, kindEnum, attrs)
}

type member struct {
	name   string
	typ    Sig
	flags  uint16
	attrs  []Attr
	value  *int64
	getter uint16
}

type TypeBuilder struct {
	b          *Builder
	namespace  string
	name       string
	kind       typeKind
	flags      uint32
	extends    Sig
	attrs      []Attr
	enclosing  *TypeBuilder
	generic    []string
	underlying Sig
	fields     []member
	properties []member
	ctor       []Sig

	row     uint32
	ctorRow uint32
}

// Nested declares a class inside t.
func (t *TypeBuilder) Nested(name string, attrs ...Attr) *TypeBuilder {
	n := t.b.newType("", name, kindClass, attrs)
	n.enclosing = t
	n.flags = n.flags&^typePublic | typeNestedPublic
	return n
}

// NestedEnum declares an enum inside t.
func (t *TypeBuilder) NestedEnum(name string, attrs ...Attr) *TypeBuilder {
	n := t.b.newType("", name, kindEnum, attrs)
	n.enclosing = t
	n.flags = n.flags&^typePublic | typeNestedPublic
	return n
}

// Generic turns t into a generic definition. The name should carry the `N suffix.
func (t *TypeBuilder) Generic(params ...string) *TypeBuilder {
	t.generic = params
	return t
}

func (t *TypeBuilder) Extends(base Sig) *TypeBuilder {
	t.extends = base
	return t
}

// Underlying sets the storage type of an enum.
func (t *TypeBuilder) Underlying(s Sig) *TypeBuilder {
	t.underlying = s
	return t
}

func (t *TypeBuilder) Field(name string, typ Sig, attrs ...Attr) *TypeBuilder {
	t.fields = append(t.fields, member{name: name, typ: typ, flags: fieldPublic, attrs: attrs})
	return t
}

func (t *TypeBuilder) PrivateField(name string, typ Sig, attrs ...Attr) *TypeBuilder {
	t.fields = append(t.fields, member{name: name, typ: typ, flags: fieldPrivate, attrs: attrs})
	return t
}

func (t *TypeBuilder) StaticField(name string, typ Sig, attrs ...Attr) *TypeBuilder {
	t.fields = append(t.fields, member{name: name, typ: typ, flags: fieldPublic | fieldStatic, attrs: attrs})
	return t
}

// Property declares a property with a public getter.
func (t *TypeBuilder) Property(name string, typ Sig, attrs ...Attr) *TypeBuilder {
	t.properties = append(t.properties, member{name: name, typ: typ, attrs: attrs, getter: methodPublic})
	return t
}

func (t *TypeBuilder) PrivateProperty(name string, typ Sig, attrs ...Attr) *TypeBuilder {
	t.properties = append(t.properties, member{name: name, typ: typ, attrs: attrs, getter: methodPrivate})
	return t
}

// Constructor gives t an instance constructor, so that t can be applied as an
// attribute of this assembly through Attr.
func (t *TypeBuilder) Constructor(params ...Sig) *TypeBuilder {
	t.ctor = append([]Sig{}, params...)
	return t
}

// Attr applies t as an attribute. The constructor is a MethodDef of this assembly.
func (t *TypeBuilder) Attr(fixed ...Arg) Attr {
	return Attr{Assembly: t.b.name, Namespace: t.namespace, Name: t.name, Fixed: fixed}
}

// Value declares an enum member.
func (t *TypeBuilder) Value(name string, v int64, attrs ...Attr) *TypeBuilder {
	t.fields = append(t.fields, member{
		name:  name,
		typ:   t.Sig(),
		flags: fieldPublic | fieldStatic | fieldLiteral | fieldHasDefault,
		attrs: attrs,
		value: &v,
	})
	return t
}

// Sig references the type from a signature.
func (t *TypeBuilder) Sig() Sig {
	kind := clr.ElementClass
	if t.kind == kindEnum || t.kind == kindStruct {
		kind = clr.ElementValueType
	}
	return Sig{kind: kind, def: t}
}

// Bytes serializes the assembly as a PE image.
func (b *Builder) Bytes() ([]byte, error) {
	b.strings = newHeap(false)
	b.blobs = newHeap(true)
	b.rows = [0x2D][][]uint32{}
	b.asmRefs = make(map[string]uint32)
	b.typeRefs = make(map[typeRefKey]uint32)
	b.typeSpecs = make(map[string]uint32)
	b.ctorFixups = nil
	b.pendingErr = nil

	b.add(clr.TableModule, 0, b.str(b.name+".dll"), 1, 0, 0)
	b.add(clr.TableAssembly, 0x8004, 1, 0, 0, 0, 0, 0, b.str(b.name), 0)

	b.add(clr.TableTypeDef, 0, b.str("<Module>"), 0, 0, 1, 1)
	for i, t := range b.types {
		t.row = uint32(i + 2)
	}
	for _, t := range b.types {
		b.emitType(t)
	}
	for _, f := range b.ctorFixups {
		f.row[1] = b.coded(clr.CustomAttributeType, clr.TableMethodDef, f.ctor.ctorRow)
	}
	if b.pointers {
		b.pointerTables()
	}
	for _, f := range b.forwards {
		impl := b.coded(clr.Implementation, clr.TableAssemblyRef, b.asmRef(f.assembly))
		b.add(clr.TableExportedType, 0x00200000, 0, b.str(f.name), b.str(f.namespace), impl)
	}
	if b.pendingErr != nil {
		return nil, b.pendingErr
	}

	meta, err := b.metadata()
	if err != nil {
		return nil, err
	}
	return image(meta)
}

func (b *Builder) WriteFile(path string) error {
	data, err := b.Bytes()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (b *Builder) emitType(t *TypeBuilder) {
	extends := b.typeDefOrRef(t.extends)
	fieldList := uint32(len(b.rows[clr.TableField]) + 1)
	methodList := uint32(len(b.rows[clr.TableMethodDef]) + 1)

	typeRow := b.add(clr.TableTypeDef, t.flags, b.str(t.name), b.str(t.namespace), extends, fieldList, methodList)
	if typeRow != t.row {
		b.fail(errors.Errorf("type %v emitted as row %v instead of %v", t.name, typeRow, t.row))
	}
	b.attributes(clr.TableTypeDef, t.row, t.attrs)

	if t.enclosing != nil {
		b.add(clr.TableNestedClass, t.row, t.enclosing.row)
	}
	for i, p := range t.generic {
		b.add(clr.TableGenericParam, uint32(i), 0, b.coded(clr.TypeOrMethodDef, clr.TableTypeDef, t.row), b.str(p))
	}

	if t.kind == kindEnum {
		b.add(clr.TableField, fieldPublic|fieldSpecialName|fieldRTSpecialName, b.str("value__"), b.sig(0x06, t.underlying))
	}
	for _, f := range t.fields {
		row := b.add(clr.TableField, uint32(f.flags), b.str(f.name), b.sig(0x06, f.typ))
		b.attributes(clr.TableField, row, f.attrs)
		if f.value != nil {
			b.add(clr.TableConstant, uint32(t.underlying.kind), 0,
				b.coded(clr.HasConstant, clr.TableField, row), b.blob(constant(t.underlying.kind, *f.value)))
		}
	}

	if len(t.properties) > 0 {
		propList := uint32(len(b.rows[clr.TableProperty]) + 1)
		b.add(clr.TablePropertyMap, t.row, propList)
	}
	for _, p := range t.properties {
		row := b.add(clr.TableProperty, 0, b.str(p.name), b.sig(0x28, p.typ))
		b.attributes(clr.TableProperty, row, p.attrs)

		getter := b.add(clr.TableMethodDef, 0, 0, uint32(p.getter|methodHideBySig|methodSpecialName),
			b.str("get_"+p.name), b.methodSig(p.typ, nil), uint32(len(b.rows[clr.TableParam])+1))
		b.add(clr.TableMethodSemantics, 0x02, getter, b.coded(clr.HasSemantics, clr.TableProperty, row))
	}

	if t.ctor != nil {
		t.ctorRow = b.add(clr.TableMethodDef, 0, 0, methodPublic|methodHideBySig|methodSpecialName|methodRTSpecialName,
			b.str(".ctor"), b.methodSig(Void, t.ctor), uint32(len(b.rows[clr.TableParam])+1))
	}
}

// pointerTables reverses the Field, MethodDef and Property tables. The list
// columns keep their logical positions and go through the pointer tables, every
// other reference is moved to the physical row.
func (b *Builder) pointerTables() {
	reverse := func(list, ptr clr.Table) map[uint32]uint32 {
		rows := b.rows[list]
		n := uint32(len(rows))
		moved := make(map[uint32]uint32, n)
		reversed := make([][]uint32, n)
		for i, row := range rows {
			physical := n - uint32(i)
			reversed[physical-1] = row
			moved[uint32(i+1)] = physical
		}
		b.rows[list] = reversed
		for i := uint32(1); i <= n; i++ {
			b.add(ptr, moved[i])
		}
		return moved
	}
	moved := map[clr.Table]map[uint32]uint32{
		clr.TableField:     reverse(clr.TableField, clr.TableFieldPtr),
		clr.TableMethodDef: reverse(clr.TableMethodDef, clr.TableMethodPtr),
		clr.TableProperty:  reverse(clr.TableProperty, clr.TablePropertyPtr),
	}
	recode := func(row []uint32, col int, c clr.CodedIndex) {
		t, r := c.Decode(row[col])
		if m, ok := moved[t]; ok {
			row[col] = b.coded(c, t, m[r])
		}
	}

	for _, row := range b.rows[clr.TableCustomAttribute] {
		recode(row, 0, clr.HasCustomAttribute)
		recode(row, 1, clr.CustomAttributeType)
	}
	for _, row := range b.rows[clr.TableConstant] {
		recode(row, 2, clr.HasConstant)
	}
	for _, row := range b.rows[clr.TableMethodSemantics] {
		row[1] = moved[clr.TableMethodDef][row[1]]
		recode(row, 2, clr.HasSemantics)
	}
}

func (b *Builder) attributes(parent clr.Table, row uint32, attrs []Attr) {
	for _, a := range attrs {
		params := make([]Sig, len(a.Fixed))
		for i, arg := range a.Fixed {
			params[i] = arg.Type
		}
		value, err := a.encode()
		if err != nil {
			b.fail(err)
			continue
		}
		if local := b.local(a); local != nil {
			ca := b.add(clr.TableCustomAttribute, b.coded(clr.HasCustomAttribute, parent, row), 0, b.blob(value))
			b.ctorFixups = append(b.ctorFixups, ctorFixup{row: b.rows[clr.TableCustomAttribute][ca-1], ctor: local})
			continue
		}
		class := b.coded(clr.MemberRefParent, clr.TableTypeRef, b.typeRef(a.Assembly, a.Namespace, a.Name))
		ctor := b.add(clr.TableMemberRef, class, b.str(".ctor"), b.methodSig(Void, params))
		b.add(clr.TableCustomAttribute,
			b.coded(clr.HasCustomAttribute, parent, row),
			b.coded(clr.CustomAttributeType, clr.TableMemberRef, ctor),
			b.blob(value))
	}
}

// local finds the attribute type among the types of this assembly that have a constructor.
func (b *Builder) local(a Attr) *TypeBuilder {
	if a.Assembly != b.name {
		return nil
	}
	for _, t := range b.types {
		if t.ctor != nil && t.namespace == a.Namespace && t.name == a.Name {
			return t
		}
	}
	return nil
}

func (b *Builder) fail(err error) {
	if b.pendingErr == nil {
		b.pendingErr = err
	}
}

func (b *Builder) add(t clr.Table, cols ...uint32) uint32 {
	if len(cols) != len(clr.Schema(t)) {
		b.fail(errors.Errorf("table %#x: %v columns given, %v expected", t, len(cols), len(clr.Schema(t))))
	}
	b.rows[t] = append(b.rows[t], cols)
	return uint32(len(b.rows[t]))
}

func (b *Builder) str(s string) uint32 {
	return b.strings.add([]byte(s))
}

func (b *Builder) blob(data []byte) uint32 {
	return b.blobs.add(data)
}

func (b *Builder) coded(c clr.CodedIndex, t clr.Table, row uint32) uint32 {
	v, err := c.Encode(t, row)
	if err != nil {
		b.fail(err)
	}
	return v
}

func (b *Builder) asmRef(name string) uint32 {
	if row, ok := b.asmRefs[name]; ok {
		return row
	}
	row := b.add(clr.TableAssemblyRef, 4, 0, 0, 0, 0, 0, b.str(name), 0, 0)
	b.asmRefs[name] = row
	return row
}

func (b *Builder) typeRef(assembly, namespace, name string) uint32 {
	key := typeRefKey{assembly, namespace, name}
	if row, ok := b.typeRefs[key]; ok {
		return row
	}
	scope := b.coded(clr.ResolutionScope, clr.TableModule, 1)
	if assembly != b.name {
		scope = b.coded(clr.ResolutionScope, clr.TableAssemblyRef, b.asmRef(assembly))
	}
	row := b.add(clr.TableTypeRef, scope, b.str(name), b.str(namespace))
	b.typeRefs[key] = row
	return row
}

// typeDefOrRef encodes a type for TypeDef.Extends and similar columns.
func (b *Builder) typeDefOrRef(s Sig) uint32 {
	switch {
	case s.def != nil:
		return b.coded(clr.TypeDefOrRef, clr.TableTypeDef, s.def.row)
	case s.ref != nil:
		return b.coded(clr.TypeDefOrRef, clr.TableTypeRef, b.typeRef(s.ref.assembly, s.ref.namespace, s.ref.name))
	case s.kind == clr.ElementGenericInst:
		var buf bytes.Buffer
		b.encodeSig(&buf, s)
		key := buf.String()
		row, ok := b.typeSpecs[key]
		if !ok {
			row = b.add(clr.TableTypeSpec, b.blob(buf.Bytes()))
			b.typeSpecs[key] = row
		}
		return b.coded(clr.TypeDefOrRef, clr.TableTypeSpec, row)
	}
	b.fail(errors.Errorf("signature %v can not be used as a type token", s.kind))
	return 0
}

func (b *Builder) token(s Sig) []byte {
	return clr.EncodeCompressed(b.typeDefOrRef(s))
}

func (b *Builder) sig(prefix byte, s Sig) uint32 {
	var buf bytes.Buffer
	buf.WriteByte(prefix)
	if prefix == 0x28 {
		// property without parameters
		buf.WriteByte(0)
	}
	b.encodeSig(&buf, s)
	return b.blob(buf.Bytes())
}

func (b *Builder) methodSig(ret Sig, params []Sig) uint32 {
	var buf bytes.Buffer
	buf.WriteByte(0x20)
	buf.Write(clr.EncodeCompressed(uint32(len(params))))
	b.encodeSig(&buf, ret)
	for _, p := range params {
		b.encodeSig(&buf, p)
	}
	return b.blob(buf.Bytes())
}

func (b *Builder) encodeSig(buf *bytes.Buffer, s Sig) {
	switch s.kind {
	case clr.ElementClass, clr.ElementValueType:
		buf.WriteByte(byte(s.kind))
		buf.Write(b.token(Sig{kind: s.kind, def: s.def, ref: s.ref}))
	case clr.ElementGenericInst:
		buf.WriteByte(byte(s.kind))
		buf.WriteByte(byte(s.elem.kind))
		buf.Write(b.token(*s.elem))
		buf.Write(clr.EncodeCompressed(uint32(len(s.args))))
		for _, a := range s.args {
			b.encodeSig(buf, a)
		}
	case clr.ElementSZArray:
		buf.WriteByte(byte(s.kind))
		b.encodeSig(buf, *s.elem)
	case clr.ElementArray:
		buf.WriteByte(byte(s.kind))
		b.encodeSig(buf, *s.elem)
		buf.Write(clr.EncodeCompressed(s.index))
		buf.WriteByte(0)
		buf.WriteByte(0)
	case clr.ElementVar:
		buf.WriteByte(byte(s.kind))
		buf.Write(clr.EncodeCompressed(s.index))
	default:
		buf.WriteByte(byte(s.kind))
	}
}

func constant(kind clr.ElementType, v int64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(v))
	switch kind {
	case clr.ElementI1, clr.ElementU1, clr.ElementBoolean:
		return buf[:1]
	case clr.ElementI2, clr.ElementU2, clr.ElementChar:
		return buf[:2]
	case clr.ElementI8, clr.ElementU8:
		return buf
	}
	return buf[:4]
}
