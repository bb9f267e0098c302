package protomodel

import (
	"sort"
	"strconv"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/protoprint"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

type Syntax string

const (
	Proto2 Syntax = "proto2"
	Proto3 Syntax = "proto3"
)

type SchemaOptions struct {
	Syntax  Syntax
	Package string
}

const subtypeOneof = "subtype"

var (
	labelOptional = descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum()
	labelRequired = descriptorpb.FieldDescriptorProto_LABEL_REQUIRED.Enum()
	labelRepeated = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
)

// GetSchema renders the model as .proto source.
func (m *Model) GetSchema(opts SchemaOptions) (string, error) {
	fd, err := m.FileDescriptor(opts)
	if err != nil {
		return "", err
	}
	return Print(fd)
}

// Print renders a linked schema as .proto source.
func Print(fd *desc.FileDescriptor) (string, error) {
	printer := protoprint.Printer{Indent: "   "}
	return printer.PrintProtoToString(fd)
}

// FileDescriptor builds and links the schema.
func (m *Model) FileDescriptor(opts SchemaOptions) (*desc.FileDescriptor, error) {
	fdp, err := m.FileDescriptorProto(opts)
	if err != nil {
		return nil, err
	}
	var deps []*desc.FileDescriptor
	for _, name := range fdp.Dependency {
		dep, err := dependency(name)
		if err != nil {
			return nil, errors.Wrap(err, name)
		}
		deps = append(deps, dep)
	}
	fd, err := desc.CreateFileDescriptor(fdp, deps...)
	if err != nil {
		return nil, errors.Wrap(err, "invalid schema")
	}
	return fd, nil
}

func dependency(name string) (*desc.FileDescriptor, error) {
	switch name {
	case bclImport:
		return BCL()
	case timestampImport:
		return desc.WrapFile(timestamppb.File_google_protobuf_timestamp_proto)
	case durationImport:
		return desc.WrapFile(durationpb.File_google_protobuf_duration_proto)
	}
	return nil, errors.New("unknown import")
}

// compilation holds the names chosen for one schema.
type compilation struct {
	opts   SchemaOptions
	names  map[*metaType]string
	values map[*metaType][]*enumValue
	labels map[*enumValue]string
	deps   map[string]bool
}

func (c *compilation) qualify(name string) string {
	if c.opts.Package == "" {
		return "." + name
	}
	return "." + c.opts.Package + "." + name
}

// FileDescriptorProto lays the model out as a single file. Top level definitions are
// sorted by name, fields by number with the subtype oneof first.
func (m *Model) FileDescriptorProto(opts SchemaOptions) (*descriptorpb.FileDescriptorProto, error) {
	if opts.Syntax == "" {
		opts.Syntax = Proto3
	}
	if opts.Syntax != Proto2 && opts.Syntax != Proto3 {
		return nil, errors.Errorf("unsupported syntax %q", opts.Syntax)
	}

	c := &compilation{
		opts:   opts,
		names:  assignNames(m.order),
		values: make(map[*metaType][]*enumValue),
		deps:   make(map[string]bool),
	}
	for _, t := range m.order {
		if t.kind == Enum {
			c.values[t] = c.enumValues(t)
		}
	}
	c.labels = enumValueNames(c.values, c.names)

	types := make([]*metaType, len(m.order))
	copy(types, m.order)
	sort.SliceStable(types, func(i, j int) bool { return c.names[types[i]] < c.names[types[j]] })

	name := "schema.proto"
	if opts.Package != "" {
		name = opts.Package + ".proto"
	}
	fd := &descriptorpb.FileDescriptorProto{
		Name:   proto.String(name),
		Syntax: proto.String(string(opts.Syntax)),
	}
	if opts.Package != "" {
		fd.Package = proto.String(opts.Package)
	}

	for _, t := range types {
		switch t.kind {
		case Enum:
			fd.EnumType = append(fd.EnumType, c.enum(t))
		case Message:
			fd.MessageType = append(fd.MessageType, c.message(t))
		}
	}

	for dep := range c.deps {
		fd.Dependency = append(fd.Dependency, dep)
	}
	sort.Strings(fd.Dependency)
	return fd, nil
}

// enumValues orders the values by number, zero first. Enums without a zero get one,
// proto3 requires it and proto2 uses the first value as the default.
func (c *compilation) enumValues(t *metaType) []*enumValue {
	values := make([]*enumValue, 0, len(t.values)+1)
	hasZero := false
	taken := make(map[string]bool, len(t.values))
	for _, v := range t.values {
		hasZero = hasZero || v.number == 0
		taken[enumValueKey(c.names[t], v.name)] = true
		values = append(values, v)
	}
	if !hasZero && (c.opts.Syntax == Proto3 || len(values) == 0) {
		zero := "ZERO"
		for i := 1; taken[enumValueKey(c.names[t], zero)]; i++ {
			zero = "ZERO" + strconv.Itoa(i)
		}
		values = append(values, &enumValue{name: zero})
	}
	sort.SliceStable(values, func(i, j int) bool {
		a, b := values[i].number, values[j].number
		if (a == 0) != (b == 0) {
			return a == 0
		}
		return a < b
	})
	return values
}

func (c *compilation) enum(t *metaType) *descriptorpb.EnumDescriptorProto {
	ret := &descriptorpb.EnumDescriptorProto{Name: proto.String(c.names[t])}
	seen := make(map[int32]bool)
	for _, v := range c.values[t] {
		if seen[v.number] && ret.Options == nil {
			ret.Options = &descriptorpb.EnumOptions{AllowAlias: proto.Bool(true)}
		}
		seen[v.number] = true
		ret.Value = append(ret.Value, &descriptorpb.EnumValueDescriptorProto{
			Name:   proto.String(c.labels[v]),
			Number: proto.Int32(v.number),
		})
	}
	return ret
}

func (c *compilation) message(t *metaType) *descriptorpb.DescriptorProto {
	name := c.names[t]
	ret := &descriptorpb.DescriptorProto{Name: proto.String(name)}

	fields := make([]*field, len(t.fields))
	copy(fields, t.fields)
	sort.SliceStable(fields, func(i, j int) bool {
		if fields[i].subtype != fields[j].subtype {
			return fields[i].subtype
		}
		return fields[i].number < fields[j].number
	})

	taken := make(fieldNames)
	var oneof string
	if len(fields) > 0 && fields[0].subtype {
		oneof = taken.unique(subtypeOneof)
	}
	for _, f := range fields {
		fp := &descriptorpb.FieldDescriptorProto{
			Name:   proto.String(taken.unique(f.name)),
			Number: proto.Int32(f.number),
			Label:  labelOptional,
		}
		switch {
		case f.repeated:
			fp.Label = labelRepeated
		case f.required && c.opts.Syntax == Proto2:
			fp.Label = labelRequired
		}

		if f.key != nil {
			entry := c.mapEntry(fp.GetName(), *f.key, f.typ)
			ret.NestedType = append(ret.NestedType, entry)
			fp.Type = typeMessage.Enum()
			fp.TypeName = proto.String(c.qualify(name) + "." + entry.GetName())
		} else {
			c.setType(fp, f.typ)
		}

		if f.repeated && f.key == nil && f.typ.packable() {
			switch {
			case c.opts.Syntax == Proto3 && !f.packed:
				fp.Options = &descriptorpb.FieldOptions{Packed: proto.Bool(false)}
			case c.opts.Syntax == Proto2 && f.packed:
				fp.Options = &descriptorpb.FieldOptions{Packed: proto.Bool(true)}
			}
		}

		if f.subtype {
			if len(ret.OneofDecl) == 0 {
				ret.OneofDecl = append(ret.OneofDecl, &descriptorpb.OneofDescriptorProto{Name: proto.String(oneof)})
			}
			fp.OneofIndex = proto.Int32(0)
		}
		ret.Field = append(ret.Field, fp)
	}
	return ret
}

func (c *compilation) setType(fp *descriptorpb.FieldDescriptorProto, ft fieldType) {
	switch {
	case ft.ref != nil:
		fp.TypeName = proto.String(c.qualify(c.names[ft.ref]))
		if ft.ref.kind == Enum {
			fp.Type = typeEnum.Enum()
		} else {
			fp.Type = typeMessage.Enum()
		}
	case ft.external != "":
		fp.Type = typeMessage.Enum()
		fp.TypeName = proto.String(ft.external)
		c.deps[ft.dependency] = true
	default:
		fp.Type = ft.scalar.Enum()
	}
}

func (c *compilation) mapEntry(field string, key, value fieldType) *descriptorpb.DescriptorProto {
	k := &descriptorpb.FieldDescriptorProto{Name: proto.String("key"), Number: proto.Int32(1), Label: labelOptional}
	c.setType(k, key)
	v := &descriptorpb.FieldDescriptorProto{Name: proto.String("value"), Number: proto.Int32(2), Label: labelOptional}
	c.setType(v, value)
	return &descriptorpb.DescriptorProto{
		Name:    proto.String(mapEntryName(field)),
		Field:   []*descriptorpb.FieldDescriptorProto{k, v},
		Options: &descriptorpb.MessageOptions{MapEntry: proto.Bool(true)},
	}
}
