package clr

import (
	"io"
	"math"
	"strings"

	"github.com/pkg/errors"
)

const attributeProlog = 0x0001

const (
	namedField    = 0x53
	namedProperty = 0x54
)

// CustomAttribute is an attribute instance attached to a type or member.
// Arguments are decoded on first access, only attributes of interest pay for it.
type CustomAttribute struct {
	Type *TypeRef

	asm     *Assembly
	ctor    *MethodSig
	value   []byte
	decoded bool
	fixed   []interface{}
	named   map[string]interface{}
}

func (a *Assembly) customAttribute(row uint32) (*CustomAttribute, error) {
	md := a.md
	ca := &CustomAttribute{asm: a}

	t, ctorRow := CustomAttributeType.Decode(md.get(TableCustomAttribute, row, 1))
	var sigBlob []byte
	var err error
	switch t {
	case TableMethodDef:
		owner := a.methodOwner(ctorRow)
		if owner == nil {
			return nil, errors.Errorf("custom attribute %v: constructor %v has no owner", row, ctorRow)
		}
		ca.Type = owner.Ref()
		sigBlob, err = md.blob(md.get(TableMethodDef, ctorRow, 4))

	case TableMemberRef:
		pt, parent := MemberRefParent.Decode(md.get(TableMemberRef, ctorRow, 0))
		var ts *TypeSig
		ts, err = a.typeToken(pt, parent)
		if err != nil {
			return nil, errors.Wrapf(err, "custom attribute %v", row)
		}
		ca.Type = ts.Type
		sigBlob, err = md.blob(md.get(TableMemberRef, ctorRow, 2))

	default:
		return nil, errors.Errorf("custom attribute %v: bad constructor token", row)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "custom attribute %v", row)
	}
	if ca.Type == nil {
		return nil, errors.Errorf("custom attribute %v: constructor parent is not a type", row)
	}

	ca.ctor, err = a.methodSig(sigBlob)
	if err != nil {
		return nil, errors.Wrapf(err, "%v constructor", ca.Type)
	}
	if !ca.ctor.HasThis {
		return nil, errors.Errorf("%v constructor is static", ca.Type)
	}
	ca.value, err = md.blob(md.get(TableCustomAttribute, row, 2))
	if err != nil {
		return nil, errors.Wrapf(err, "%v value", ca.Type)
	}
	return ca, nil
}

// Fixed returns the positional constructor arguments.
func (ca *CustomAttribute) Fixed() ([]interface{}, error) {
	err := ca.decode()
	return ca.fixed, err
}

// Named returns a named field or property argument.
func (ca *CustomAttribute) Named(name string) (interface{}, bool, error) {
	err := ca.decode()
	if err != nil {
		return nil, false, err
	}
	v, ok := ca.named[name]
	return v, ok, nil
}

func (ca *CustomAttribute) decode() error {
	if ca.decoded {
		return nil
	}
	ca.named = make(map[string]interface{})
	if len(ca.value) == 0 {
		ca.decoded = true
		return nil
	}

	r := &attrReader{sigReader: sigReader{asm: ca.asm, data: ca.value}}
	prolog, err := r.u16()
	if err != nil {
		return errors.Wrapf(err, "%v", ca.Type)
	}
	if prolog != attributeProlog {
		return errors.Errorf("%v: bad custom attribute prolog %#x", ca.Type, prolog)
	}

	for i, p := range ca.ctor.Params {
		v, err := r.fixedArg(p)
		if err != nil {
			return errors.Wrapf(err, "%v: argument %v", ca.Type, i)
		}
		ca.fixed = append(ca.fixed, v)
	}

	count, err := r.u16()
	if err == io.ErrUnexpectedEOF {
		// Some compilers omit an empty named list
		ca.decoded = true
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "%v", ca.Type)
	}
	for i := 0; i < int(count); i++ {
		kind, err := r.byte()
		if err != nil {
			return errors.Wrapf(err, "%v: named argument %v", ca.Type, i)
		}
		if kind != namedField && kind != namedProperty {
			return errors.Errorf("%v: bad named argument kind %#x", ca.Type, kind)
		}
		typ, err := r.fieldOrPropType()
		if err != nil {
			return errors.Wrapf(err, "%v: named argument %v", ca.Type, i)
		}
		name, err := r.serString()
		if err != nil {
			return errors.Wrapf(err, "%v: named argument %v", ca.Type, i)
		}
		v, err := r.elem(typ)
		if err != nil {
			return errors.Wrapf(err, "%v.%v", ca.Type, name)
		}
		ca.named[name] = v
	}

	ca.decoded = true
	return nil
}

// argType describes an argument encoding: an element type and, for arrays, the element encoding.
type argType struct {
	kind ElementType
	// underlying kind for enums
	underlying ElementType
	elem       *argType
}

type attrReader struct {
	sigReader
}

func (r *attrReader) take(n int) ([]byte, error) {
	if r.pos+n > len(r.data) {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *attrReader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return order.Uint16(b), nil
}

// serString reads a SerString. A null string reads as empty.
func (r *attrReader) serString() (string, error) {
	b, err := r.peek()
	if err != nil {
		return "", err
	}
	if b == 0xFF {
		r.pos++
		return "", nil
	}
	n, err := r.compressed()
	if err != nil {
		return "", err
	}
	s, err := r.take(int(n))
	return string(s), err
}

func (r *attrReader) fieldOrPropType() (*argType, error) {
	b, err := r.byte()
	if err != nil {
		return nil, err
	}
	kind := ElementType(b)
	switch {
	case kind.Primitive(), kind == ElementSystemType, kind == ElementBoxed:
		return &argType{kind: kind}, nil
	case kind == ElementSZArray:
		elem, err := r.fieldOrPropType()
		if err != nil {
			return nil, err
		}
		return &argType{kind: kind, elem: elem}, nil
	case kind == ElementEnum:
		name, err := r.serString()
		if err != nil {
			return nil, err
		}
		return &argType{kind: ElementEnum, underlying: r.asm.enumUnderlyingByName(name)}, nil
	}
	return nil, errors.Errorf("unsupported argument type %#x", b)
}

// fixedArg converts a constructor parameter signature to its encoding.
func (r *attrReader) fixedArg(p *TypeSig) (interface{}, error) {
	typ, err := r.asm.argTypeOf(p)
	if err != nil {
		return nil, err
	}
	return r.elem(typ)
}

func (a *Assembly) argTypeOf(p *TypeSig) (*argType, error) {
	switch {
	case p.Kind.Primitive():
		return &argType{kind: p.Kind}, nil
	case p.Kind == ElementObject:
		return &argType{kind: ElementBoxed}, nil
	case p.Kind == ElementClass && p.Is("System", "Type"):
		return &argType{kind: ElementSystemType}, nil
	case p.Kind == ElementValueType || p.Kind == ElementClass:
		// enum parameter
		underlying := ElementI4
		if t, err := p.Type.Resolve(); err == nil && t.IsEnum() {
			if u, err := t.EnumUnderlying(); err == nil {
				underlying = u
			}
		}
		return &argType{kind: ElementEnum, underlying: underlying}, nil
	case p.Kind == ElementSZArray:
		elem, err := a.argTypeOf(p.Elem)
		if err != nil {
			return nil, err
		}
		return &argType{kind: ElementSZArray, elem: elem}, nil
	}
	return nil, errors.Errorf("unsupported attribute parameter type %v", p)
}

// enumUnderlyingByName resolves an enum named in a blob, e.g.
// "ProtoBuf.DataFormat, protobuf-net, Version=3.0.0.0". Unknown enums are assumed to be int.
func (a *Assembly) enumUnderlyingByName(name string) ElementType {
	t, err := a.FindTypeByName(name)
	if err != nil || !t.IsEnum() {
		return ElementI4
	}
	u, err := t.EnumUnderlying()
	if err != nil {
		return ElementI4
	}
	return u
}

func (r *attrReader) elem(t *argType) (interface{}, error) {
	switch t.kind {
	case ElementString, ElementSystemType:
		return r.serString()

	case ElementBoxed:
		inner, err := r.fieldOrPropType()
		if err != nil {
			return nil, err
		}
		return r.elem(inner)

	case ElementEnum:
		return r.elem(&argType{kind: t.underlying})

	case ElementSZArray:
		b, err := r.take(4)
		if err != nil {
			return nil, err
		}
		n := order.Uint32(b)
		if n == math.MaxUint32 {
			return []interface{}(nil), nil
		}
		if int(n) > len(r.data)-r.pos {
			return nil, errors.Errorf("array of %v elements is longer than the blob", n)
		}
		ret := make([]interface{}, 0, n)
		for i := uint32(0); i < n; i++ {
			v, err := r.elem(t.elem)
			if err != nil {
				return nil, err
			}
			ret = append(ret, v)
		}
		return ret, nil
	}

	size := map[ElementType]int{
		ElementBoolean: 1, ElementI1: 1, ElementU1: 1,
		ElementChar: 2, ElementI2: 2, ElementU2: 2,
		ElementI4: 4, ElementU4: 4, ElementR4: 4,
		ElementI8: 8, ElementU8: 8, ElementR8: 8,
	}[t.kind]
	if size == 0 {
		return nil, errors.Errorf("unsupported argument type %#x", uint8(t.kind))
	}
	data, err := r.take(size)
	if err != nil {
		return nil, err
	}
	return decodeConstant(t.kind, data)
}

// FindTypeByName resolves a reflection type name as stored in attribute blobs:
// "Namespace.Outer+Inner[, Assembly[, Version=...]]". Without an assembly part
// the type is searched in this assembly.
func (a *Assembly) FindTypeByName(name string) (*Type, error) {
	typeName, asmName := splitQualifiedName(name)
	asm := a
	if asmName != "" && !strings.EqualFold(asmName, a.Name) {
		if a.ctx == nil {
			return nil, errors.Wrapf(ErrUnresolved, "%v: no context to load %v", typeName, asmName)
		}
		var err error
		asm, err = a.ctx.Resolve(asmName)
		if err != nil {
			return nil, err
		}
	}
	t, ok := asm.FindType(typeName)
	if !ok {
		return nil, errors.Errorf("type %v not found in %v", typeName, asm.Name)
	}
	return t, nil
}

// splitQualifiedName splits an assembly qualified name at the first top level comma.
func splitQualifiedName(name string) (typeName, asmName string) {
	depth := 0
	for i, c := range name {
		switch c {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				rest := strings.TrimSpace(name[i+1:])
				if j := strings.IndexByte(rest, ','); j >= 0 {
					rest = rest[:j]
				}
				return strings.TrimSpace(name[:i]), strings.TrimSpace(rest)
			}
		}
	}
	return strings.TrimSpace(name), ""
}
