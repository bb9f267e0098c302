package protomodel

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/jgwoolley/Grab-VS-Protobuff/clr"
)

// DataFormat mirrors ProtoBuf.DataFormat.
type DataFormat int64

const (
	FormatDefault DataFormat = iota
	FormatZigZag
	FormatTwosComplement
	FormatFixedSize
	FormatGroup
	FormatWellKnown
)

type pbType = descriptorpb.FieldDescriptorProto_Type

const (
	typeDouble   = descriptorpb.FieldDescriptorProto_TYPE_DOUBLE
	typeFloat    = descriptorpb.FieldDescriptorProto_TYPE_FLOAT
	typeInt64    = descriptorpb.FieldDescriptorProto_TYPE_INT64
	typeUint64   = descriptorpb.FieldDescriptorProto_TYPE_UINT64
	typeInt32    = descriptorpb.FieldDescriptorProto_TYPE_INT32
	typeFixed64  = descriptorpb.FieldDescriptorProto_TYPE_FIXED64
	typeFixed32  = descriptorpb.FieldDescriptorProto_TYPE_FIXED32
	typeBool     = descriptorpb.FieldDescriptorProto_TYPE_BOOL
	typeString   = descriptorpb.FieldDescriptorProto_TYPE_STRING
	typeMessage  = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE
	typeBytes    = descriptorpb.FieldDescriptorProto_TYPE_BYTES
	typeUint32   = descriptorpb.FieldDescriptorProto_TYPE_UINT32
	typeEnum     = descriptorpb.FieldDescriptorProto_TYPE_ENUM
	typeSfixed32 = descriptorpb.FieldDescriptorProto_TYPE_SFIXED32
	typeSfixed64 = descriptorpb.FieldDescriptorProto_TYPE_SFIXED64
	typeSint32   = descriptorpb.FieldDescriptorProto_TYPE_SINT32
	typeSint64   = descriptorpb.FieldDescriptorProto_TYPE_SINT64
)

// fieldType is one of: a scalar, a registered message or enum, an imported message.
type fieldType struct {
	scalar pbType
	ref    *metaType
	// fully qualified name of an imported message, e.g. .bcl.Guid
	external   string
	dependency string
}

func (f fieldType) String() string {
	switch {
	case f.ref != nil:
		return f.ref.key
	case f.external != "":
		return f.external
	}
	return f.scalar.String()
}

// packable reports whether a repeated field of the type may use the packed encoding.
func (f fieldType) packable() bool {
	if f.ref != nil {
		return f.ref.kind == Enum
	}
	return f.external == "" && f.scalar != typeString && f.scalar != typeBytes
}

// mapKey reports whether the type is a valid map key: integral, bool or string.
func (f fieldType) mapKey() bool {
	if f.ref != nil || f.external != "" {
		return false
	}
	switch f.scalar {
	case typeDouble, typeFloat, typeBytes, typeMessage, typeEnum:
		return false
	}
	return true
}

// shape is what a member type turns into.
type shape struct {
	typ      fieldType
	repeated bool
	// set for map<key, typ>
	key *fieldType
}

const (
	bclImport       = "protobuf-net/bcl.proto"
	timestampImport = "google/protobuf/timestamp.proto"
	durationImport  = "google/protobuf/duration.proto"
)

var bclTypes = map[string]string{
	"System.DateTime": ".bcl.DateTime",
	"System.TimeSpan": ".bcl.TimeSpan",
	"System.Decimal":  ".bcl.Decimal",
	"System.Guid":     ".bcl.Guid",
}

var wellKnownTypes = map[string]fieldType{
	"System.DateTime": {external: ".google.protobuf.Timestamp", dependency: timestampImport},
	"System.TimeSpan": {external: ".google.protobuf.Duration", dependency: durationImport},
}

// types serialized as strings
var stringLike = map[string]bool{
	"System.Uri":  true,
	"System.Type": true,
}

var listTypes = map[string]bool{
	"System.Collections.Generic.List`1":                   true,
	"System.Collections.Generic.IList`1":                  true,
	"System.Collections.Generic.ICollection`1":            true,
	"System.Collections.Generic.IEnumerable`1":            true,
	"System.Collections.Generic.IReadOnlyList`1":          true,
	"System.Collections.Generic.IReadOnlyCollection`1":    true,
	"System.Collections.Generic.HashSet`1":                true,
	"System.Collections.Generic.ISet`1":                   true,
	"System.Collections.Generic.SortedSet`1":              true,
	"System.Collections.Generic.LinkedList`1":             true,
	"System.Collections.Generic.Queue`1":                  true,
	"System.Collections.Generic.Stack`1":                  true,
	"System.Collections.ObjectModel.Collection`1":         true,
	"System.Collections.ObjectModel.ReadOnlyCollection`1": true,
	"System.Collections.Concurrent.ConcurrentBag`1":       true,
	"System.Collections.Concurrent.ConcurrentQueue`1":     true,
	"System.Collections.Concurrent.ConcurrentStack`1":     true,
}

var dictionaryTypes = map[string]bool{
	"System.Collections.Generic.Dictionary`2":                  true,
	"System.Collections.Generic.IDictionary`2":                 true,
	"System.Collections.Generic.IReadOnlyDictionary`2":         true,
	"System.Collections.Generic.SortedDictionary`2":            true,
	"System.Collections.Generic.SortedList`2":                  true,
	"System.Collections.Concurrent.ConcurrentDictionary`2":     true,
	"System.Collections.ObjectModel.ReadOnlyDictionary`2":      true,
	"System.Collections.Immutable.ImmutableDictionary`2":       true,
	"System.Collections.Immutable.ImmutableSortedDictionary`2": true,
}

// runtime enums, emitted from their documented values since the runtime
// assemblies are never loaded
var frameworkEnums = map[string][]enumValue{
	"System.DayOfWeek": {
		{"Sunday", 0}, {"Monday", 1}, {"Tuesday", 2}, {"Wednesday", 3},
		{"Thursday", 4}, {"Friday", 5}, {"Saturday", 6},
	},
	"System.DateTimeKind": {{"Unspecified", 0}, {"Utc", 1}, {"Local", 2}},
	"System.UriKind":      {{"RelativeOrAbsolute", 0}, {"Absolute", 1}, {"Relative", 2}},
	"System.StringComparison": {
		{"CurrentCulture", 0}, {"CurrentCultureIgnoreCase", 1}, {"InvariantCulture", 2},
		{"InvariantCultureIgnoreCase", 3}, {"Ordinal", 4}, {"OrdinalIgnoreCase", 5},
	},
	"System.TypeCode": {
		{"Empty", 0}, {"Object", 1}, {"DBNull", 2}, {"Boolean", 3}, {"Char", 4}, {"SByte", 5},
		{"Byte", 6}, {"Int16", 7}, {"UInt16", 8}, {"Int32", 9}, {"UInt32", 10}, {"Int64", 11},
		{"UInt64", 12}, {"Single", 13}, {"Double", 14}, {"Decimal", 15}, {"DateTime", 16}, {"String", 18},
	},
	"System.ConsoleColor": {
		{"Black", 0}, {"DarkBlue", 1}, {"DarkGreen", 2}, {"DarkCyan", 3}, {"DarkRed", 4},
		{"DarkMagenta", 5}, {"DarkYellow", 6}, {"Gray", 7}, {"DarkGray", 8}, {"Blue", 9},
		{"Green", 10}, {"Cyan", 11}, {"Red", 12}, {"Magenta", 13}, {"Yellow", 14}, {"White", 15},
	},
	"System.IO.SeekOrigin": {{"Begin", 0}, {"Current", 1}, {"End", 2}},
	"System.IO.FileAccess": {{"Read", 1}, {"Write", 2}, {"ReadWrite", 3}},
}

const keyValuePair = "System.Collections.Generic.KeyValuePair`2"

// primitives by full name, for primitives spelled as type references
var primitiveByName = func() map[string]clr.ElementType {
	ret := make(map[string]clr.ElementType)
	for e := clr.ElementBoolean; e <= clr.ElementString; e++ {
		ret[e.String()] = e
	}
	return ret
}()

func scalarType(kind clr.ElementType, format DataFormat) (pbType, bool) {
	switch kind {
	case clr.ElementBoolean:
		return typeBool, true
	case clr.ElementI1, clr.ElementI2, clr.ElementI4:
		switch format {
		case FormatZigZag:
			return typeSint32, true
		case FormatFixedSize:
			return typeSfixed32, true
		}
		return typeInt32, true
	case clr.ElementU1, clr.ElementU2, clr.ElementU4, clr.ElementChar:
		if format == FormatFixedSize {
			return typeFixed32, true
		}
		return typeUint32, true
	case clr.ElementI8:
		switch format {
		case FormatZigZag:
			return typeSint64, true
		case FormatFixedSize:
			return typeSfixed64, true
		}
		return typeInt64, true
	case clr.ElementU8:
		if format == FormatFixedSize {
			return typeFixed64, true
		}
		return typeUint64, true
	case clr.ElementR4:
		return typeFloat, true
	case clr.ElementR8:
		return typeDouble, true
	case clr.ElementString:
		return typeString, true
	}
	return 0, false
}

func noContract(sig *clr.TypeSig) error {
	return errors.Errorf("no contract can be inferred for %v", sig)
}

// shapeOf maps a member type.
func (m *Model) shapeOf(sig *clr.TypeSig, format DataFormat) (shape, error) {
	if pb, ok := scalarType(sig.Kind, format); ok {
		return shape{typ: fieldType{scalar: pb}}, nil
	}

	switch sig.Kind {
	case clr.ElementSZArray:
		if sig.Elem.Kind == clr.ElementU1 {
			return shape{typ: fieldType{scalar: typeBytes}}, nil
		}
		return m.repeatedOf(sig.Elem, format)

	case clr.ElementArray:
		return shape{}, errors.Errorf("multi-dimensional arrays are not supported: %v", sig)

	case clr.ElementClass, clr.ElementValueType:
		typ, err := m.namedType(sig, format)
		return shape{typ: typ}, err

	case clr.ElementGenericInst:
		return m.genericShape(sig, format)

	case clr.ElementVar, clr.ElementMVar:
		return shape{}, errors.Wrapf(ErrOpenGeneric, "unbound parameter %v", sig)
	}
	return shape{}, noContract(sig)
}

func (m *Model) repeatedOf(elem *clr.TypeSig, format DataFormat) (shape, error) {
	s, err := m.shapeOf(elem, format)
	if err != nil {
		return s, err
	}
	if s.repeated {
		return s, errors.Errorf("nested or jagged lists, arrays and maps are not supported: %v", elem)
	}
	s.repeated = true
	return s, nil
}

// namedType maps a non generic class or value type.
func (m *Model) namedType(sig *clr.TypeSig, format DataFormat) (fieldType, error) {
	name := sig.Type.FullName()
	if format == FormatWellKnown {
		if wk, ok := wellKnownTypes[name]; ok {
			return wk, nil
		}
	}
	if bcl, ok := bclTypes[name]; ok {
		return fieldType{external: bcl, dependency: bclImport}, nil
	}
	if stringLike[name] {
		return fieldType{scalar: typeString}, nil
	}
	if kind, ok := primitiveByName[name]; ok {
		pb, _ := scalarType(kind, format)
		return fieldType{scalar: pb}, nil
	}
	if values, ok := frameworkEnums[name]; ok {
		return fieldType{ref: m.frameworkEnum(name, values)}, nil
	}
	if clr.IsFramework(sig.Type.Scope) {
		return fieldType{}, noContract(sig)
	}

	t, err := sig.Type.Resolve()
	if err != nil {
		return fieldType{}, err
	}
	if !t.IsEnum() {
		ok, err := m.IsContract(t)
		if err != nil {
			return fieldType{}, err
		}
		if !ok {
			return fieldType{}, noContract(sig)
		}
	}
	mt, err := m.resolve(t, nil)
	if err != nil {
		return fieldType{}, err
	}
	return fieldType{ref: mt}, nil
}

func (m *Model) genericShape(sig *clr.TypeSig, format DataFormat) (shape, error) {
	name := sig.Type.FullName()
	switch {
	case name == "System.Nullable`1" && len(sig.Args) == 1:
		return m.shapeOf(sig.Args[0], format)

	case listTypes[name] && len(sig.Args) == 1:
		return m.repeatedOf(sig.Args[0], format)

	case dictionaryTypes[name] && len(sig.Args) == 2:
		key, err := m.shapeOf(sig.Args[0], FormatDefault)
		if err != nil {
			return shape{}, err
		}
		value, err := m.shapeOf(sig.Args[1], format)
		if err != nil {
			return shape{}, err
		}
		if value.repeated {
			return shape{}, errors.Errorf("nested or jagged lists, arrays and maps are not supported: %v", sig)
		}
		if key.repeated || !key.typ.mapKey() {
			pair := m.pair(sig.Args[0], sig.Args[1], key, value)
			return shape{typ: fieldType{ref: pair}, repeated: true}, nil
		}
		return shape{typ: value.typ, repeated: true, key: &key.typ}, nil

	case name == keyValuePair && len(sig.Args) == 2:
		key, err := m.shapeOf(sig.Args[0], FormatDefault)
		if err != nil {
			return shape{}, err
		}
		value, err := m.shapeOf(sig.Args[1], format)
		if err != nil {
			return shape{}, err
		}
		return shape{typ: fieldType{ref: m.pair(sig.Args[0], sig.Args[1], key, value)}}, nil
	}

	if clr.IsFramework(sig.Type.Scope) {
		return shape{}, noContract(sig)
	}
	for _, a := range sig.Args {
		if hasParameters(a) {
			return shape{}, errors.Wrap(ErrOpenGeneric, sig.String())
		}
	}
	t, err := sig.Type.Resolve()
	if err != nil {
		return shape{}, err
	}
	ok, err := m.IsContract(t)
	if err != nil {
		return shape{}, err
	}
	if !ok {
		return shape{}, noContract(sig)
	}
	mt, err := m.resolve(t, sig.Args)
	if err != nil {
		return shape{}, err
	}
	return shape{typ: fieldType{ref: mt}}, nil
}

// pair registers the message standing for KeyValuePair<K, V>.
func (m *Model) pair(k, v *clr.TypeSig, key, value shape) *metaType {
	name := sanitize("KeyValuePair_" + argName(k) + "_" + argName(v))
	return m.synthetic("pair:"+k.String()+","+v.String(), name,
		&field{number: 1, name: "Key", typ: key.typ, repeated: key.repeated},
		&field{number: 2, name: "Value", typ: value.typ, repeated: value.repeated},
	)
}

func hasParameters(s *clr.TypeSig) bool {
	if s == nil {
		return false
	}
	switch s.Kind {
	case clr.ElementVar, clr.ElementMVar:
		return true
	case clr.ElementGenericInst:
		for _, a := range s.Args {
			if hasParameters(a) {
				return true
			}
		}
	}
	return hasParameters(s.Elem)
}
