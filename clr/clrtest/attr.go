package clrtest

import (
	"github.com/jgwoolley/Grab-VS-Protobuff/clr"
	"github.com/pkg/errors"
)

// Attr is a custom attribute application.
type Attr struct {
	Assembly  string
	Namespace string
	Name      string
	Fixed     []Arg
	Named     []NamedArg
}

// Arg is a constructor argument together with the declared parameter type.
type Arg struct {
	Type  Sig
	Value interface{}
}

// NamedArg sets an attribute property. Value is bool, int32, string or EnumValue.
type NamedArg struct {
	Name  string
	Value interface{}
}

// EnumValue is an int based enum value as stored in named arguments.
type EnumValue struct {
	Type  string
	Value int32
}

func Named(name string, v interface{}) NamedArg {
	return NamedArg{Name: name, Value: v}
}

func proto(name string, fixed []Arg, named []NamedArg) Attr {
	return Attr{
		Assembly:  ProtobufLibrary,
		Namespace: "ProtoBuf",
		Name:      name,
		Fixed:     fixed,
		Named:     named,
	}
}

func Contract(named ...NamedArg) Attr {
	return proto("ProtoContractAttribute", nil, named)
}

func Member(tag int32, named ...NamedArg) Attr {
	return proto("ProtoMemberAttribute", []Arg{{Int32, tag}}, named)
}

// Include declares a known subtype, typeName is a reflection type name.
func Include(tag int32, typeName string) Attr {
	return proto("ProtoIncludeAttribute", []Arg{{Int32, tag}, {Type, typeName}}, nil)
}

func Ignore() Attr {
	return proto("ProtoIgnoreAttribute", nil, nil)
}

func EnumName(name string) Attr {
	return proto("ProtoEnumAttribute", nil, []NamedArg{{"Name", name}})
}

// DataFormat builds the DataFormat named argument of ProtoMember.
func DataFormat(v int32) NamedArg {
	return Named("DataFormat", EnumValue{"ProtoBuf.DataFormat, protobuf-net.Core", v})
}

// ImplicitFields builds the ImplicitFields named argument of ProtoContract.
func ImplicitFields(v int32) NamedArg {
	return Named("ImplicitFields", EnumValue{"ProtoBuf.ImplicitFields, protobuf-net.Core", v})
}

func (a Attr) encode() ([]byte, error) {
	var buf writer
	buf.put(uint16(0x0001))

	for _, arg := range a.Fixed {
		switch v := arg.Value.(type) {
		case int32:
			buf.put(v)
		case bool:
			buf.put(v)
		case string:
			serString(&buf, v)
		default:
			return nil, errors.Errorf("%v: unsupported fixed argument %T", a.Name, arg.Value)
		}
	}

	buf.put(uint16(len(a.Named)))
	for _, n := range a.Named {
		buf.WriteByte(0x54) // property
		switch v := n.Value.(type) {
		case int32:
			buf.WriteByte(byte(clr.ElementI4))
			serString(&buf, n.Name)
			buf.put(v)
		case bool:
			buf.WriteByte(byte(clr.ElementBoolean))
			serString(&buf, n.Name)
			buf.put(v)
		case string:
			buf.WriteByte(byte(clr.ElementString))
			serString(&buf, n.Name)
			serString(&buf, v)
		case EnumValue:
			buf.WriteByte(byte(clr.ElementEnum))
			serString(&buf, v.Type)
			serString(&buf, n.Name)
			buf.put(v.Value)
		default:
			return nil, errors.Errorf("%v.%v: unsupported named argument %T", a.Name, n.Name, n.Value)
		}
	}
	return buf.Bytes(), buf.err
}

func serString(buf *writer, s string) {
	buf.Write(clr.EncodeCompressed(uint32(len(s))))
	buf.WriteString(s)
}
