package clr

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// ElementType is the leading byte of a signature type, ECMA-335 II.23.1.16.
type ElementType uint8

const (
	ElementEnd         ElementType = 0x00
	ElementVoid        ElementType = 0x01
	ElementBoolean     ElementType = 0x02
	ElementChar        ElementType = 0x03
	ElementI1          ElementType = 0x04
	ElementU1          ElementType = 0x05
	ElementI2          ElementType = 0x06
	ElementU2          ElementType = 0x07
	ElementI4          ElementType = 0x08
	ElementU4          ElementType = 0x09
	ElementI8          ElementType = 0x0a
	ElementU8          ElementType = 0x0b
	ElementR4          ElementType = 0x0c
	ElementR8          ElementType = 0x0d
	ElementString      ElementType = 0x0e
	ElementPtr         ElementType = 0x0f
	ElementByRef       ElementType = 0x10
	ElementValueType   ElementType = 0x11
	ElementClass       ElementType = 0x12
	ElementVar         ElementType = 0x13
	ElementArray       ElementType = 0x14
	ElementGenericInst ElementType = 0x15
	ElementTypedByRef  ElementType = 0x16
	ElementI           ElementType = 0x18
	ElementU           ElementType = 0x19
	ElementFnPtr       ElementType = 0x1b
	ElementObject      ElementType = 0x1c
	ElementSZArray     ElementType = 0x1d
	ElementMVar        ElementType = 0x1e
	ElementCModReqd    ElementType = 0x1f
	ElementCModOpt     ElementType = 0x20
	ElementSentinel    ElementType = 0x41
	ElementPinned      ElementType = 0x45

	// Only valid in custom attribute blobs.
	ElementSystemType ElementType = 0x50
	ElementBoxed      ElementType = 0x51
	ElementEnum       ElementType = 0x55
)

var primitiveNames = map[ElementType]string{
	ElementVoid:    "System.Void",
	ElementBoolean: "System.Boolean",
	ElementChar:    "System.Char",
	ElementI1:      "System.SByte",
	ElementU1:      "System.Byte",
	ElementI2:      "System.Int16",
	ElementU2:      "System.UInt16",
	ElementI4:      "System.Int32",
	ElementU4:      "System.UInt32",
	ElementI8:      "System.Int64",
	ElementU8:      "System.UInt64",
	ElementR4:      "System.Single",
	ElementR8:      "System.Double",
	ElementString:  "System.String",
	ElementI:       "System.IntPtr",
	ElementU:       "System.UIntPtr",
	ElementObject:  "System.Object",
}

func (e ElementType) String() string {
	if name, ok := primitiveNames[e]; ok {
		return name
	}
	return fmt.Sprintf("element %#x", uint8(e))
}

// Primitive reports whether the element type is a built-in scalar or string.
func (e ElementType) Primitive() bool {
	return e >= ElementBoolean && e <= ElementString || e == ElementI || e == ElementU
}

// TypeSig is a decoded type signature.
type TypeSig struct {
	Kind ElementType
	// Class, ValueType and the generic type of GenericInst.
	Type *TypeRef
	// Generic arguments of GenericInst.
	Args []*TypeSig
	// Element of SZArray, Array, Ptr and ByRef.
	Elem *TypeSig
	Rank uint32
	// Generic parameter number of Var and MVar.
	Index uint32
}

func (s *TypeSig) String() string {
	if s == nil {
		return "<nil>"
	}
	switch s.Kind {
	case ElementClass, ElementValueType:
		return s.Type.FullName()
	case ElementGenericInst:
		args := make([]string, len(s.Args))
		for i, a := range s.Args {
			args[i] = a.String()
		}
		return fmt.Sprintf("%v<%v>", s.Type.FullName(), strings.Join(args, ","))
	case ElementSZArray:
		return s.Elem.String() + "[]"
	case ElementArray:
		return s.Elem.String() + "[" + strings.Repeat(",", int(s.Rank)-1) + "]"
	case ElementPtr:
		return s.Elem.String() + "*"
	case ElementByRef:
		return s.Elem.String() + "&"
	case ElementVar:
		return fmt.Sprintf("!%v", s.Index)
	case ElementMVar:
		return fmt.Sprintf("!!%v", s.Index)
	}
	return s.Kind.String()
}

// Substitute replaces class generic parameters with the given arguments.
func (s *TypeSig) Substitute(args []*TypeSig) *TypeSig {
	if s == nil || len(args) == 0 {
		return s
	}
	switch s.Kind {
	case ElementVar:
		if int(s.Index) < len(args) {
			return args[s.Index]
		}
	case ElementGenericInst:
		ret := *s
		ret.Args = make([]*TypeSig, len(s.Args))
		for i, a := range s.Args {
			ret.Args[i] = a.Substitute(args)
		}
		return &ret
	case ElementSZArray, ElementArray, ElementPtr, ElementByRef:
		ret := *s
		ret.Elem = s.Elem.Substitute(args)
		return &ret
	}
	return s
}

// Is reports whether the signature names the given type, e.g. Is("System", "Type").
func (s *TypeSig) Is(namespace, name string) bool {
	if s == nil || s.Type == nil {
		return false
	}
	return s.Type.Namespace == namespace && s.Type.Name == name && s.Type.Enclosing == nil
}

type MethodSig struct {
	HasThis bool
	Return  *TypeSig
	Params  []*TypeSig
}

const (
	sigField    = 0x06
	sigProperty = 0x08
	sigGeneric  = 0x10
	sigHasThis  = 0x20
)

type sigReader struct {
	asm  *Assembly
	data []byte
	pos  int
}

func (r *sigReader) byte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, io.ErrUnexpectedEOF
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *sigReader) peek() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, io.ErrUnexpectedEOF
	}
	return r.data[r.pos], nil
}

func (r *sigReader) compressed() (uint32, error) {
	v, n, err := decodeCompressed(r.data[r.pos:])
	r.pos += n
	return v, err
}

func (r *sigReader) skipCustomMods() error {
	for {
		b, err := r.peek()
		if err != nil {
			return err
		}
		if ElementType(b) != ElementCModReqd && ElementType(b) != ElementCModOpt {
			return nil
		}
		r.pos++
		_, err = r.compressed()
		if err != nil {
			return err
		}
	}
}

// typeDefOrRef decodes a TypeDefOrRefOrSpecEncoded token.
func (r *sigReader) typeDefOrRef() (*TypeSig, error) {
	v, err := r.compressed()
	if err != nil {
		return nil, err
	}
	t, row := TypeDefOrRef.Decode(v)
	return r.asm.typeToken(t, row)
}

func (r *sigReader) typeSig() (*TypeSig, error) {
	err := r.skipCustomMods()
	if err != nil {
		return nil, err
	}
	b, err := r.byte()
	if err != nil {
		return nil, err
	}
	kind := ElementType(b)

	switch {
	case kind.Primitive(), kind == ElementObject, kind == ElementVoid, kind == ElementTypedByRef:
		return &TypeSig{Kind: kind}, nil
	}

	switch kind {
	case ElementClass, ElementValueType:
		ts, err := r.typeDefOrRef()
		if err != nil {
			return nil, err
		}
		if ts.Kind == ElementClass && kind == ElementValueType {
			ret := *ts
			ret.Kind = ElementValueType
			return &ret, nil
		}
		return ts, nil

	case ElementGenericInst:
		_, err := r.byte() // class or valuetype
		if err != nil {
			return nil, err
		}
		generic, err := r.typeDefOrRef()
		if err != nil {
			return nil, err
		}
		count, err := r.compressed()
		if err != nil {
			return nil, err
		}
		ret := &TypeSig{Kind: ElementGenericInst, Type: generic.Type}
		for i := uint32(0); i < count; i++ {
			arg, err := r.typeSig()
			if err != nil {
				return nil, err
			}
			ret.Args = append(ret.Args, arg)
		}
		return ret, nil

	case ElementSZArray, ElementPtr, ElementByRef, ElementPinned:
		elem, err := r.typeSig()
		if err != nil {
			return nil, err
		}
		return &TypeSig{Kind: kind, Elem: elem}, nil

	case ElementArray:
		elem, err := r.typeSig()
		if err != nil {
			return nil, err
		}
		rank, err := r.compressed()
		if err != nil {
			return nil, err
		}
		// sizes and lower bounds
		for k := 0; k < 2; k++ {
			n, err := r.compressed()
			if err != nil {
				return nil, err
			}
			for i := uint32(0); i < n; i++ {
				_, err = r.compressed()
				if err != nil {
					return nil, err
				}
			}
		}
		return &TypeSig{Kind: kind, Elem: elem, Rank: rank}, nil

	case ElementVar, ElementMVar:
		n, err := r.compressed()
		if err != nil {
			return nil, err
		}
		return &TypeSig{Kind: kind, Index: n}, nil

	case ElementFnPtr:
		_, err := r.methodSig()
		if err != nil {
			return nil, err
		}
		return &TypeSig{Kind: kind}, nil
	}

	return nil, errors.Errorf("unsupported element type %#x in signature", b)
}

func (r *sigReader) methodSig() (*MethodSig, error) {
	conv, err := r.byte()
	if err != nil {
		return nil, err
	}
	if conv&sigGeneric != 0 {
		_, err = r.compressed()
		if err != nil {
			return nil, err
		}
	}
	count, err := r.compressed()
	if err != nil {
		return nil, err
	}
	ret := &MethodSig{HasThis: conv&sigHasThis != 0}
	ret.Return, err = r.typeSig()
	if err != nil {
		return nil, errors.Wrap(err, "return type")
	}
	for i := uint32(0); i < count; i++ {
		if b, _ := r.peek(); ElementType(b) == ElementSentinel {
			r.pos++
		}
		p, err := r.typeSig()
		if err != nil {
			return nil, errors.Wrapf(err, "parameter %v", i)
		}
		ret.Params = append(ret.Params, p)
	}
	return ret, nil
}

func (a *Assembly) fieldSig(blob []byte) (*TypeSig, error) {
	r := &sigReader{asm: a, data: blob}
	b, err := r.byte()
	if err != nil {
		return nil, err
	}
	if b&0x0F != sigField {
		return nil, errors.Errorf("not a field signature: %#x", b)
	}
	return r.typeSig()
}

func (a *Assembly) propertySig(blob []byte) (*TypeSig, error) {
	r := &sigReader{asm: a, data: blob}
	b, err := r.byte()
	if err != nil {
		return nil, err
	}
	if b&0x0F != sigProperty {
		return nil, errors.Errorf("not a property signature: %#x", b)
	}
	// indexer parameters follow the type and are of no interest
	_, err = r.compressed()
	if err != nil {
		return nil, err
	}
	return r.typeSig()
}

func (a *Assembly) methodSig(blob []byte) (*MethodSig, error) {
	return (&sigReader{asm: a, data: blob}).methodSig()
}

func (a *Assembly) typeSpec(row uint32) (*TypeSig, error) {
	data, err := a.md.blob(a.md.get(TableTypeSpec, row, 0))
	if err != nil {
		return nil, err
	}
	return (&sigReader{asm: a, data: data}).typeSig()
}
