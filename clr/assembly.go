package clr

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Flags of interest, ECMA-335 II.23.1.
const (
	FieldAccessMask = 0x07
	FieldPublic     = 0x06
	FieldStatic     = 0x10
	FieldLiteral    = 0x40

	MethodAccessMask = 0x07
	MethodPublic     = 0x06
	MethodStatic     = 0x10

	semanticsGetter = 0x02
)

// Assembly is a loaded library: its metadata plus lazily built views.
type Assembly struct {
	Name string
	Path string

	ctx *Context
	md  *metadata

	types    []*Type
	byName   map[string]*Type
	typeRefs map[uint32]*TypeRef

	// HasCustomAttribute coded index -> CustomAttribute rows
	attrs map[uint32][]uint32
	// HasConstant coded index -> Constant row
	constants map[uint32]uint32
	// nested TypeDef row -> enclosing TypeDef row
	enclosing map[uint32]uint32
	// Property row -> getter MethodDef row
	getters map[uint32]uint32
	// TypeDef row -> PropertyMap row
	propertyMaps map[uint32]uint32
	// TypeDef row -> generic parameter names
	genericParams map[uint32][]string
	// MethodDef row -> MethodPtr row, the position TypeDef.MethodList counts in
	methodSlots map[uint32]uint32
}

// Open parses an assembly image. Assembly references are resolved through ctx, which may be nil.
func Open(ctx *Context, path string, data []byte) (*Assembly, error) {
	raw, err := readImage(data)
	if err != nil {
		return nil, err
	}
	md, err := parseMetadata(raw)
	if err != nil {
		return nil, err
	}

	a := &Assembly{
		Path:          path,
		ctx:           ctx,
		md:            md,
		byName:        make(map[string]*Type),
		typeRefs:      make(map[uint32]*TypeRef),
		attrs:         make(map[uint32][]uint32),
		constants:     make(map[uint32]uint32),
		enclosing:     make(map[uint32]uint32),
		getters:       make(map[uint32]uint32),
		propertyMaps:  make(map[uint32]uint32),
		genericParams: make(map[uint32][]string),
		methodSlots:   make(map[uint32]uint32),
	}
	if md.rows(TableAssembly) > 0 {
		a.Name = md.string(md.get(TableAssembly, 1, 7))
	} else {
		// a bare module
		a.Name = md.string(md.get(TableModule, 1, 1))
	}

	a.index()
	return a, nil
}

func (a *Assembly) index() {
	md := a.md
	for row := uint32(1); row <= md.rows(TableCustomAttribute); row++ {
		parent := md.get(TableCustomAttribute, row, 0)
		a.attrs[parent] = append(a.attrs[parent], row)
	}
	for row := uint32(1); row <= md.rows(TableConstant); row++ {
		a.constants[md.get(TableConstant, row, 2)] = row
	}
	for row := uint32(1); row <= md.rows(TableNestedClass); row++ {
		a.enclosing[md.get(TableNestedClass, row, 0)] = md.get(TableNestedClass, row, 1)
	}
	for row := uint32(1); row <= md.rows(TableMethodSemantics); row++ {
		if md.get(TableMethodSemantics, row, 0)&semanticsGetter == 0 {
			continue
		}
		t, prop := HasSemantics.Decode(md.get(TableMethodSemantics, row, 2))
		if t == TableProperty {
			a.getters[prop] = md.get(TableMethodSemantics, row, 1)
		}
	}
	for row := uint32(1); row <= md.rows(TablePropertyMap); row++ {
		a.propertyMaps[md.get(TablePropertyMap, row, 0)] = row
	}
	for row := uint32(1); row <= md.rows(TableMethodPtr); row++ {
		a.methodSlots[md.get(TableMethodPtr, row, 0)] = row
	}

	type param struct {
		number uint16
		name   string
	}
	params := make(map[uint32][]param)
	for row := uint32(1); row <= md.rows(TableGenericParam); row++ {
		t, owner := TypeOrMethodDef.Decode(md.get(TableGenericParam, row, 2))
		if t != TableTypeDef {
			continue
		}
		params[owner] = append(params[owner], param{
			number: uint16(md.get(TableGenericParam, row, 0)),
			name:   md.string(md.get(TableGenericParam, row, 3)),
		})
	}
	for owner, ps := range params {
		sort.Slice(ps, func(i, j int) bool { return ps[i].number < ps[j].number })
		for _, p := range ps {
			a.genericParams[owner] = append(a.genericParams[owner], p.name)
		}
	}

	a.types = make([]*Type, md.rows(TableTypeDef))
	for row := uint32(1); row <= md.rows(TableTypeDef); row++ {
		a.types[row-1] = &Type{
			Assembly:      a,
			Flags:         md.get(TableTypeDef, row, 0),
			Name:          md.string(md.get(TableTypeDef, row, 1)),
			Namespace:     md.string(md.get(TableTypeDef, row, 2)),
			GenericParams: a.genericParams[row],
			row:           row,
		}
	}
	for _, t := range a.types {
		if enc, ok := a.enclosing[t.row]; ok && enc > 0 && int(enc) <= len(a.types) {
			t.Declaring = a.types[enc-1]
		}
	}
	for _, t := range a.types {
		a.byName[t.FullName()] = t
	}
}

func (a *Assembly) String() string {
	return a.Name
}

// Types returns every type defined in the assembly in TypeDef table order.
// The first one is normally the <Module> pseudo type.
func (a *Assembly) Types() []*Type {
	return a.types
}

// FindType looks a type up by its full name, nested types are separated by '+'.
func (a *Assembly) FindType(fullName string) (*Type, bool) {
	t, ok := a.byName[fullName]
	return t, ok
}

// References lists the names of the referenced assemblies.
func (a *Assembly) References() []string {
	var ret []string
	for row := uint32(1); row <= a.md.rows(TableAssemblyRef); row++ {
		ret = append(ret, a.md.string(a.md.get(TableAssemblyRef, row, 6)))
	}
	return ret
}

// forwarded returns the assembly a type is forwarded to, if any.
func (a *Assembly) forwarded(namespace, name string) (string, bool) {
	md := a.md
	for row := uint32(1); row <= md.rows(TableExportedType); row++ {
		if md.string(md.get(TableExportedType, row, 2)) != name ||
			md.string(md.get(TableExportedType, row, 3)) != namespace {
			continue
		}
		t, impl := Implementation.Decode(md.get(TableExportedType, row, 4))
		if t == TableAssemblyRef {
			return md.string(md.get(TableAssemblyRef, impl, 6)), true
		}
	}
	return "", false
}

func (a *Assembly) typeToken(t Table, row uint32) (*TypeSig, error) {
	switch t {
	case TableTypeDef:
		if row == 0 || int(row) > len(a.types) {
			return nil, errors.Errorf("TypeDef row %v out of range", row)
		}
		return &TypeSig{Kind: ElementClass, Type: a.types[row-1].Ref()}, nil
	case TableTypeRef:
		ref, err := a.typeRef(row)
		if err != nil {
			return nil, err
		}
		return &TypeSig{Kind: ElementClass, Type: ref}, nil
	case TableTypeSpec:
		return a.typeSpec(row)
	}
	return nil, errors.Errorf("unexpected type token table %#x", t)
}

func (a *Assembly) typeRef(row uint32) (*TypeRef, error) {
	if ref, ok := a.typeRefs[row]; ok {
		return ref, nil
	}
	md := a.md
	if row == 0 || row > md.rows(TableTypeRef) {
		return nil, errors.Errorf("TypeRef row %v out of range", row)
	}
	ref := &TypeRef{
		Name:      md.string(md.get(TableTypeRef, row, 1)),
		Namespace: md.string(md.get(TableTypeRef, row, 2)),
		from:      a,
	}
	// cache before resolving the scope, nested references may be cyclic in broken images
	a.typeRefs[row] = ref

	t, scope := ResolutionScope.Decode(md.get(TableTypeRef, row, 0))
	switch t {
	case TableAssemblyRef:
		ref.Scope = md.string(md.get(TableAssemblyRef, scope, 6))
	case TableTypeRef:
		enclosing, err := a.typeRef(scope)
		if err != nil {
			return nil, err
		}
		ref.Enclosing = enclosing
		ref.Scope = enclosing.Scope
	default:
		// Module and ModuleRef: defined in this assembly
	}
	return ref, nil
}

// attributes lists the custom attributes of a HasCustomAttribute parent.
func (a *Assembly) attributes(t Table, row uint32) ([]*CustomAttribute, error) {
	parent, err := HasCustomAttribute.Encode(t, row)
	if err != nil {
		return nil, err
	}
	var ret []*CustomAttribute
	for _, caRow := range a.attrs[parent] {
		ca, err := a.customAttribute(caRow)
		if err != nil {
			return nil, err
		}
		ret = append(ret, ca)
	}
	return ret, nil
}

// methodOwner finds the type whose method list contains a MethodDef row.
func (a *Assembly) methodOwner(method uint32) *Type {
	slot := method
	if a.md.rows(TableMethodPtr) > 0 {
		slot = a.methodSlots[method]
	}
	if slot == 0 {
		return nil
	}
	for i := len(a.types) - 1; i >= 0; i-- {
		start := a.md.get(TableTypeDef, a.types[i].row, 5)
		if start != 0 && start <= slot {
			return a.types[i]
		}
	}
	return nil
}

// memberRange returns rows [start, end) of a list column, e.g. TypeDef.FieldList.
func (a *Assembly) memberRange(owner Table, row uint32, col int, list Table) (uint32, uint32) {
	start := a.md.get(owner, row, col)
	end := a.md.rows(list) + 1
	if row < a.md.rows(owner) {
		end = a.md.get(owner, row+1, col)
	}
	if start == 0 || start > end {
		return 0, 0
	}
	return start, end
}

// indirect maps a list index through a pointer table when the image has one.
func (a *Assembly) indirect(ptr Table, row uint32) uint32 {
	if a.md.rows(ptr) == 0 {
		return row
	}
	return a.md.get(ptr, row, 0)
}

func (a *Assembly) constant(t Table, row uint32) (interface{}, bool, error) {
	parent, err := HasConstant.Encode(t, row)
	if err != nil {
		return nil, false, err
	}
	cRow, ok := a.constants[parent]
	if !ok {
		return nil, false, nil
	}
	kind := ElementType(a.md.get(TableConstant, cRow, 0))
	data, err := a.md.blob(a.md.get(TableConstant, cRow, 3))
	if err != nil {
		return nil, false, err
	}
	v, err := decodeConstant(kind, data)
	return v, err == nil, err
}

func decodeConstant(kind ElementType, data []byte) (interface{}, error) {
	need := map[ElementType]int{
		ElementBoolean: 1, ElementI1: 1, ElementU1: 1,
		ElementChar: 2, ElementI2: 2, ElementU2: 2,
		ElementI4: 4, ElementU4: 4, ElementR4: 4,
		ElementI8: 8, ElementU8: 8, ElementR8: 8,
	}
	if n, ok := need[kind]; ok && len(data) < n {
		return nil, errors.Errorf("constant of type %#x is truncated", uint8(kind))
	}
	switch kind {
	case ElementBoolean:
		return data[0] != 0, nil
	case ElementI1:
		return int64(int8(data[0])), nil
	case ElementU1:
		return uint64(data[0]), nil
	case ElementChar, ElementU2:
		return uint64(order.Uint16(data)), nil
	case ElementI2:
		return int64(int16(order.Uint16(data))), nil
	case ElementI4:
		return int64(int32(order.Uint32(data))), nil
	case ElementU4:
		return uint64(order.Uint32(data)), nil
	case ElementI8:
		return int64(order.Uint64(data)), nil
	case ElementU8:
		return order.Uint64(data), nil
	case ElementR4:
		return float64(math.Float32frombits(order.Uint32(data))), nil
	case ElementR8:
		return math.Float64frombits(order.Uint64(data)), nil
	case ElementString:
		u := make([]rune, 0, len(data)/2)
		for i := 0; i+1 < len(data); i += 2 {
			u = append(u, rune(order.Uint16(data[i:])))
		}
		return string(u), nil
	case ElementClass:
		// null reference
		return nil, nil
	}
	return nil, errors.Errorf("unsupported constant type %#x", uint8(kind))
}

// Type is a TypeDef row.
type Type struct {
	Assembly      *Assembly
	Namespace     string
	Name          string
	Flags         uint32
	Declaring     *Type
	GenericParams []string

	row uint32
	ref *TypeRef
}

func (t *Type) FullName() string {
	if t.Declaring != nil {
		return t.Declaring.FullName() + "+" + t.Name
	}
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

func (t *Type) String() string {
	return t.FullName()
}

// SimpleName drops the generic arity suffix: List`1 -> List.
func (t *Type) SimpleName() string {
	return stripArity(t.Name)
}

func stripArity(name string) string {
	if i := strings.IndexByte(name, '`'); i >= 0 {
		return name[:i]
	}
	return name
}

// Ref returns a resolved reference to the type.
func (t *Type) Ref() *TypeRef {
	if t.ref == nil {
		ref := &TypeRef{
			Namespace: t.Namespace,
			Name:      t.Name,
			Scope:     t.Assembly.Name,
			from:      t.Assembly,
			resolved:  t,
		}
		if t.Declaring != nil {
			ref.Namespace = ""
			ref.Enclosing = t.Declaring.Ref()
		}
		t.ref = ref
	}
	return t.ref
}

func (t *Type) IsGenericDefinition() bool {
	return len(t.GenericParams) > 0
}

// BaseType returns the extended type or nil for interfaces and System.Object.
func (t *Type) BaseType() (*TypeSig, error) {
	v := t.Assembly.md.get(TableTypeDef, t.row, 3)
	table, row := TypeDefOrRef.Decode(v)
	if row == 0 {
		return nil, nil
	}
	return t.Assembly.typeToken(table, row)
}

func (t *Type) extends(namespace, name string) bool {
	base, err := t.BaseType()
	return err == nil && base.Is(namespace, name)
}

func (t *Type) IsEnum() bool {
	return t.extends("System", "Enum")
}

func (t *Type) IsValueType() bool {
	return t.IsEnum() || t.extends("System", "ValueType")
}

// EnumUnderlying returns the storage type of an enum.
func (t *Type) EnumUnderlying() (ElementType, error) {
	fields, err := t.Fields()
	if err != nil {
		return 0, err
	}
	for _, f := range fields {
		if !f.IsStatic() {
			return f.Type.Kind, nil
		}
	}
	return 0, errors.Errorf("%v: enum without value field", t)
}

func (t *Type) Attributes() ([]*CustomAttribute, error) {
	return t.Assembly.attributes(TableTypeDef, t.row)
}

// HasAttribute checks for an attribute by its full type name.
func (t *Type) HasAttribute(fullName string) (bool, error) {
	attrs, err := t.Attributes()
	if err != nil {
		return false, err
	}
	for _, ca := range attrs {
		if ca.Type.FullName() == fullName {
			return true, nil
		}
	}
	return false, nil
}

func (t *Type) Fields() ([]*Field, error) {
	a := t.Assembly
	start, end := a.memberRange(TableTypeDef, t.row, 4, pointerOrList(a, TableFieldPtr, TableField))
	var ret []*Field
	for i := start; i < end; i++ {
		row := a.indirect(TableFieldPtr, i)
		sigBlob, err := a.md.blob(a.md.get(TableField, row, 2))
		if err != nil {
			return nil, errors.Wrapf(err, "%v: field %v", t, row)
		}
		f := &Field{
			Owner: t,
			Flags: uint16(a.md.get(TableField, row, 0)),
			Name:  a.md.string(a.md.get(TableField, row, 1)),
			row:   row,
		}
		f.Type, err = a.fieldSig(sigBlob)
		if err != nil {
			return nil, errors.Wrapf(err, "%v.%v", t, f.Name)
		}
		ret = append(ret, f)
	}
	return ret, nil
}

func (t *Type) Properties() ([]*Property, error) {
	a := t.Assembly
	mapRow, ok := a.propertyMaps[t.row]
	if !ok {
		return nil, nil
	}
	start, end := a.memberRange(TablePropertyMap, mapRow, 1, pointerOrList(a, TablePropertyPtr, TableProperty))
	var ret []*Property
	for i := start; i < end; i++ {
		row := a.indirect(TablePropertyPtr, i)
		sigBlob, err := a.md.blob(a.md.get(TableProperty, row, 2))
		if err != nil {
			return nil, errors.Wrapf(err, "%v: property %v", t, row)
		}
		p := &Property{
			Owner: t,
			Name:  a.md.string(a.md.get(TableProperty, row, 1)),
			row:   row,
		}
		p.Type, err = a.propertySig(sigBlob)
		if err != nil {
			return nil, errors.Wrapf(err, "%v.%v", t, p.Name)
		}
		if getter, ok := a.getters[row]; ok {
			p.getterFlags = uint16(a.md.get(TableMethodDef, getter, 2))
			p.hasGetter = true
		}
		ret = append(ret, p)
	}
	return ret, nil
}

// The list columns index the pointer table when it is present.
func pointerOrList(a *Assembly, ptr, list Table) Table {
	if a.md.rows(ptr) > 0 {
		return ptr
	}
	return list
}

type Field struct {
	Owner *Type
	Name  string
	Flags uint16
	Type  *TypeSig

	row uint32
}

func (f *Field) IsStatic() bool  { return f.Flags&FieldStatic != 0 }
func (f *Field) IsLiteral() bool { return f.Flags&FieldLiteral != 0 }
func (f *Field) IsPublic() bool  { return f.Flags&FieldAccessMask == FieldPublic }

func (f *Field) Attributes() ([]*CustomAttribute, error) {
	return f.Owner.Assembly.attributes(TableField, f.row)
}

// Constant returns the default value of a literal field, e.g. an enum member.
func (f *Field) Constant() (interface{}, bool, error) {
	return f.Owner.Assembly.constant(TableField, f.row)
}

type Property struct {
	Owner *Type
	Name  string
	Type  *TypeSig

	row         uint32
	hasGetter   bool
	getterFlags uint16
}

func (p *Property) IsPublic() bool {
	return p.hasGetter && p.getterFlags&MethodAccessMask == MethodPublic
}

func (p *Property) IsStatic() bool {
	return p.hasGetter && p.getterFlags&MethodStatic != 0
}

func (p *Property) Attributes() ([]*CustomAttribute, error) {
	return p.Owner.Assembly.attributes(TableProperty, p.row)
}

// TypeRef is a possibly unresolved reference to a type in this or another assembly.
type TypeRef struct {
	Namespace string
	Name      string
	Enclosing *TypeRef
	// Name of the defining assembly, empty when defined in the referencing one.
	Scope string

	from     *Assembly
	resolved *Type
}

func (r *TypeRef) FullName() string {
	if r.Enclosing != nil {
		return r.Enclosing.FullName() + "+" + r.Name
	}
	if r.Namespace == "" {
		return r.Name
	}
	return r.Namespace + "." + r.Name
}

func (r *TypeRef) String() string {
	if r.Scope == "" || r.from != nil && r.Scope == r.from.Name {
		return r.FullName()
	}
	return fmt.Sprintf("[%v]%v", r.Scope, r.FullName())
}

func (r *TypeRef) SimpleName() string {
	return stripArity(r.Name)
}

// Resolve finds the definition, loading the defining assembly through the context if needed.
func (r *TypeRef) Resolve() (*Type, error) {
	if r.resolved != nil {
		return r.resolved, nil
	}
	asm := r.from
	if r.Scope != "" && r.Scope != r.from.Name {
		if r.from.ctx == nil {
			return nil, errors.Wrapf(ErrUnresolved, "%v: no context to load %v", r.FullName(), r.Scope)
		}
		var err error
		asm, err = r.from.ctx.Resolve(r.Scope)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve %v", r.FullName())
		}
	}

	t, err := asm.lookup(r.Namespace, r.Name, r.FullName(), 0)
	if err != nil {
		return nil, err
	}
	r.resolved = t
	return t, nil
}

// lookup follows type forwarders up to a small depth.
func (a *Assembly) lookup(namespace, name, fullName string, depth int) (*Type, error) {
	if t, ok := a.FindType(fullName); ok {
		return t, nil
	}
	target, ok := a.forwarded(namespace, name)
	if !ok || depth > 4 || a.ctx == nil {
		return nil, errors.Errorf("type %v not found in %v", fullName, a.Name)
	}
	next, err := a.ctx.Resolve(target)
	if err != nil {
		return nil, errors.Wrapf(err, "%v forwarded to %v", fullName, target)
	}
	return next.lookup(namespace, name, fullName, depth+1)
}
