package protomodel

import (
	"sync"

	"github.com/jhump/protoreflect/desc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"
)

var bcl struct {
	once sync.Once
	fd   *desc.FileDescriptor
	err  error
}

// BCL returns protobuf-net's bcl.proto, the layout of the .NET core types it
// serializes natively.
func BCL() (*desc.FileDescriptor, error) {
	bcl.once.Do(func() {
		bcl.fd, bcl.err = desc.CreateFileDescriptor(bclProto())
	})
	return bcl.fd, bcl.err
}

func scalarField(name string, number int32, typ pbType) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(number),
		Label:  labelOptional,
		Type:   typ.Enum(),
	}
}

func enumField(name string, number int32, typeName string) *descriptorpb.FieldDescriptorProto {
	f := scalarField(name, number, typeEnum)
	f.TypeName = proto.String(typeName)
	return f
}

func enumProto(name string, values ...string) *descriptorpb.EnumDescriptorProto {
	ret := &descriptorpb.EnumDescriptorProto{Name: proto.String(name)}
	for i, v := range values {
		number := int32(i)
		if v == "MINMAX" {
			number = 15
		}
		ret.Value = append(ret.Value, &descriptorpb.EnumValueDescriptorProto{
			Name:   proto.String(v),
			Number: proto.Int32(number),
		})
	}
	return ret
}

func bclProto() *descriptorpb.FileDescriptorProto {
	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String(bclImport),
		Package: proto.String("bcl"),
		Syntax:  proto.String(string(Proto3)),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: proto.String("TimeSpan"),
				Field: []*descriptorpb.FieldDescriptorProto{
					scalarField("value", 1, typeSint64),
					enumField("scale", 2, ".bcl.TimeSpan.TimeSpanScale"),
				},
				EnumType: []*descriptorpb.EnumDescriptorProto{
					enumProto("TimeSpanScale", "DAYS", "HOURS", "MINUTES", "SECONDS", "MILLISECONDS", "TICKS", "MINMAX"),
				},
			},
			{
				Name: proto.String("DateTime"),
				Field: []*descriptorpb.FieldDescriptorProto{
					scalarField("value", 1, typeSint64),
					enumField("scale", 2, ".bcl.TimeSpan.TimeSpanScale"),
					enumField("kind", 3, ".bcl.DateTime.DateTimeKind"),
				},
				EnumType: []*descriptorpb.EnumDescriptorProto{
					enumProto("DateTimeKind", "UNSPECIFIED", "UTC", "LOCAL"),
				},
			},
			{
				Name: proto.String("NetObjectProxy"),
				Field: []*descriptorpb.FieldDescriptorProto{
					scalarField("existingObjectKey", 1, typeInt32),
					scalarField("newObjectKey", 2, typeInt32),
					scalarField("existingTypeKey", 3, typeInt32),
					scalarField("newTypeKey", 4, typeInt32),
					scalarField("typeName", 8, typeString),
					scalarField("payload", 10, typeBytes),
				},
			},
			{
				Name: proto.String("Guid"),
				Field: []*descriptorpb.FieldDescriptorProto{
					scalarField("lo", 1, typeFixed64),
					scalarField("hi", 2, typeFixed64),
				},
			},
			{
				Name: proto.String("Decimal"),
				Field: []*descriptorpb.FieldDescriptorProto{
					scalarField("lo", 1, typeUint64),
					scalarField("hi", 2, typeUint32),
					scalarField("signScale", 3, typeUint32),
				},
			},
		},
	}
}
