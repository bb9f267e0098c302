// Package protomodel builds a protobuf schema out of .NET types annotated for protobuf-net.
//
// The rules follow protobuf-net's own schema generation close enough for the output
// to describe the same wire format: [ProtoContract] types become messages, enums
// become enums, [ProtoMember] tags become field numbers. Types referenced from
// registered ones are pulled in transitively.
package protomodel

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/jgwoolley/Grab-VS-Protobuff/clr"
)

const (
	attrNamespace = "ProtoBuf."

	ContractAttribute = attrNamespace + "ProtoContractAttribute"
	memberAttribute   = attrNamespace + "ProtoMemberAttribute"
	ignoreAttribute   = attrNamespace + "ProtoIgnoreAttribute"
	includeAttribute  = attrNamespace + "ProtoIncludeAttribute"
	enumAttribute     = attrNamespace + "ProtoEnumAttribute"
)

var ErrOpenGeneric = errors.New("open generic types can not be modeled")

type Kind string

const (
	Message Kind = "message"
	Enum    Kind = "enum"
)

// Model accumulates the types to describe. The zero value is not usable, see New.
type Model struct {
	// Full name of the marker attribute that makes a type a contract.
	ContractAttribute string

	types map[string]*metaType
	// registration order, the schema itself is sorted by name
	order []*metaType
}

func New() *Model {
	return &Model{
		ContractAttribute: ContractAttribute,
		types:             make(map[string]*metaType),
	}
}

// metaType is a message or an enum about to be emitted.
type metaType struct {
	key  string
	kind Kind
	typ  *clr.Type
	args []*clr.TypeSig

	// name before clash resolution
	baseName string

	fields []*field
	values []*enumValue
}

// AddField keeps fields ordered by number, subtypes first.
func (t *metaType) AddField(f *field) error {
	for _, old := range t.fields {
		if old.number == f.number {
			return errors.Errorf("%v: field number %v used by both %v and %v", t, f.number, old.name, f.name)
		}
	}
	t.fields = append(t.fields, f)
	return nil
}

func (t *metaType) String() string {
	if t.typ == nil {
		return t.baseName
	}
	return t.key
}

type field struct {
	number   int32
	name     string
	typ      fieldType
	repeated bool
	required bool
	// packed was asked for explicitly
	packed bool
	// map<key, typ>
	key *fieldType
	// member of the subtype oneof
	subtype bool
}

type enumValue struct {
	name   string
	number int32
}

// Types lists the registered messages and enums in registration order.
func (m *Model) Types() []string {
	ret := make([]string, len(m.order))
	for i, t := range m.order {
		ret[i] = string(t.kind) + " " + t.key
	}
	return ret
}

// Add registers a type and everything it references. With applyDefaults unset the
// type is registered as is, without looking at its members.
func (m *Model) Add(t *clr.Type, applyDefaults bool) error {
	if t.IsGenericDefinition() {
		return errors.Wrap(ErrOpenGeneric, t.FullName())
	}
	if !applyDefaults {
		_, err := m.register(t, nil, false)
		return err
	}
	_, err := m.resolve(t, nil)
	return err
}

// IsContract checks the marker attribute.
func (m *Model) IsContract(t *clr.Type) (bool, error) {
	return t.HasAttribute(m.ContractAttribute)
}

func typeKey(t *clr.Type, args []*clr.TypeSig) string {
	key := "[" + t.Assembly.Name + "]" + t.FullName()
	if len(args) > 0 {
		names := make([]string, len(args))
		for i, a := range args {
			names[i] = a.String()
		}
		key += "<" + strings.Join(names, ",") + ">"
	}
	return key
}

// resolve returns the meta type of t, building it on first use.
func (m *Model) resolve(t *clr.Type, args []*clr.TypeSig) (*metaType, error) {
	if mt, ok := m.types[typeKey(t, args)]; ok {
		return mt, nil
	}
	return m.register(t, args, true)
}

func (m *Model) register(t *clr.Type, args []*clr.TypeSig, build bool) (*metaType, error) {
	key := typeKey(t, args)
	if mt, ok := m.types[key]; ok {
		return mt, nil
	}

	mt := &metaType{key: key, typ: t, args: args, kind: Message}
	if t.IsEnum() {
		mt.kind = Enum
	}
	var err error
	mt.baseName, err = m.typeName(t, args)
	if err != nil {
		return nil, err
	}

	// registered before building, members may point back at the type
	m.types[key] = mt
	m.order = append(m.order, mt)
	if !build {
		return mt, nil
	}

	if mt.kind == Enum {
		err = m.buildEnum(mt)
	} else {
		err = m.buildMessage(mt)
	}
	if err != nil {
		return nil, errors.Wrap(err, t.FullName())
	}
	return mt, nil
}

// synthetic registers a message that has no type behind it, e.g. a KeyValuePair entry.
func (m *Model) synthetic(key, name string, fields ...*field) *metaType {
	if mt, ok := m.types[key]; ok {
		return mt
	}
	mt := &metaType{key: key, kind: Message, baseName: name, fields: fields}
	m.types[key] = mt
	m.order = append(m.order, mt)
	return mt
}

// frameworkEnum registers a runtime enum from its known values.
func (m *Model) frameworkEnum(name string, values []enumValue) *metaType {
	key := "[framework]" + name
	if mt, ok := m.types[key]; ok {
		return mt
	}
	mt := &metaType{key: key, kind: Enum, baseName: name[strings.LastIndexByte(name, '.')+1:]}
	for i := range values {
		v := values[i]
		mt.values = append(mt.values, &v)
	}
	m.types[key] = mt
	m.order = append(m.order, mt)
	return mt
}

// contractName returns ProtoContract(Name = ...) if set.
func (m *Model) contractName(t *clr.Type) (string, error) {
	attrs, err := t.Attributes()
	if err != nil {
		return "", err
	}
	for _, ca := range attrs {
		if ca.Type.FullName() != m.ContractAttribute {
			continue
		}
		name, ok, err := ca.Named("Name")
		if err != nil {
			return "", errors.Wrap(err, "contract")
		}
		if s, _ := name.(string); ok && s != "" {
			return s, nil
		}
	}
	return "", nil
}

func (m *Model) typeName(t *clr.Type, args []*clr.TypeSig) (string, error) {
	name, err := m.contractName(t)
	if err != nil {
		return "", err
	}
	if name == "" {
		name = t.SimpleName()
	}
	for _, a := range args {
		name += "_" + argName(a)
	}
	return sanitize(name), nil
}
