package protomodel

import (
	"math"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/jgwoolley/Grab-VS-Protobuff/clr"
)

// ImplicitFields mirrors ProtoBuf.ImplicitFields.
type ImplicitFields int64

const (
	ImplicitNone ImplicitFields = iota
	ImplicitAllPublic
	ImplicitAllFields
)

// member options of MemberSerializationOptions
const (
	optionPacked   = 1
	optionRequired = 2
)

type contractSettings struct {
	implicit ImplicitFields
	firstTag int64
}

// member is a field or a property able to carry a value.
type member struct {
	name   string
	sig    *clr.TypeSig
	public bool
	field  bool
	attrs  []*clr.CustomAttribute
}

type memberSettings struct {
	tag      int64
	rename   string
	format   DataFormat
	packed   bool
	required bool
}

func findAttribute(attrs []*clr.CustomAttribute, fullName string) *clr.CustomAttribute {
	for _, ca := range attrs {
		if ca.Type.FullName() == fullName {
			return ca
		}
	}
	return nil
}

func namedInt(ca *clr.CustomAttribute, name string, def int64) (int64, error) {
	v, ok, err := ca.Named(name)
	if err != nil || !ok {
		return def, err
	}
	switch v := v.(type) {
	case int64:
		return v, nil
	case uint64:
		return int64(v), nil
	}
	return def, errors.Errorf("%v.%v: unexpected value %v", ca.Type.Name, name, v)
}

func namedBool(ca *clr.CustomAttribute, name string) (bool, error) {
	v, ok, err := ca.Named(name)
	if err != nil || !ok {
		return false, err
	}
	b, _ := v.(bool)
	return b, nil
}

func namedString(ca *clr.CustomAttribute, name string) (string, error) {
	v, ok, err := ca.Named(name)
	if err != nil || !ok {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

func (m *Model) contractSettings(t *clr.Type) (contractSettings, error) {
	ret := contractSettings{firstTag: 1}
	attrs, err := t.Attributes()
	if err != nil {
		return ret, err
	}
	ca := findAttribute(attrs, m.ContractAttribute)
	if ca == nil {
		return ret, nil
	}
	implicit, err := namedInt(ca, "ImplicitFields", 0)
	if err != nil {
		return ret, err
	}
	ret.implicit = ImplicitFields(implicit)
	ret.firstTag, err = namedInt(ca, "ImplicitFirstTag", 1)
	if err != nil {
		return ret, err
	}
	if ret.firstTag < 1 {
		ret.firstTag = 1
	}
	return ret, nil
}

func (m *Model) members(t *clr.Type) ([]member, error) {
	var ret []member
	fields, err := t.Fields()
	if err != nil {
		return nil, err
	}
	for _, f := range fields {
		if f.IsStatic() || f.IsLiteral() {
			continue
		}
		attrs, err := f.Attributes()
		if err != nil {
			return nil, errors.Wrap(err, f.Name)
		}
		ret = append(ret, member{name: f.Name, sig: f.Type, public: f.IsPublic(), field: true, attrs: attrs})
	}

	props, err := t.Properties()
	if err != nil {
		return nil, err
	}
	for _, p := range props {
		if p.IsStatic() {
			continue
		}
		attrs, err := p.Attributes()
		if err != nil {
			return nil, errors.Wrap(err, p.Name)
		}
		ret = append(ret, member{name: p.Name, sig: p.Type, public: p.IsPublic(), attrs: attrs})
	}
	return ret, nil
}

func memberOptions(ca *clr.CustomAttribute) (memberSettings, error) {
	var ret memberSettings
	fixed, err := ca.Fixed()
	if err != nil {
		return ret, err
	}
	if len(fixed) != 1 {
		return ret, errors.Errorf("ProtoMember with %v arguments", len(fixed))
	}
	tag, ok := fixed[0].(int64)
	if !ok {
		return ret, errors.Errorf("ProtoMember tag %v is not an integer", fixed[0])
	}
	ret.tag = tag

	ret.rename, err = namedString(ca, "Name")
	if err != nil {
		return ret, err
	}
	format, err := namedInt(ca, "DataFormat", 0)
	if err != nil {
		return ret, err
	}
	ret.format = DataFormat(format)
	ret.packed, err = namedBool(ca, "IsPacked")
	if err != nil {
		return ret, err
	}
	ret.required, err = namedBool(ca, "IsRequired")
	if err != nil {
		return ret, err
	}
	options, err := namedInt(ca, "Options", 0)
	if err != nil {
		return ret, err
	}
	ret.packed = ret.packed || options&optionPacked != 0
	ret.required = ret.required || options&optionRequired != 0
	return ret, nil
}

func (m *Model) buildMessage(mt *metaType) error {
	t := mt.typ
	contract, err := m.contractSettings(t)
	if err != nil {
		return err
	}

	err = m.addSubtypes(mt)
	if err != nil {
		return err
	}

	members, err := m.members(t)
	if err != nil {
		return err
	}

	used := make(map[int64]bool)
	for _, f := range mt.fields {
		used[int64(f.number)] = true
	}

	type tagged struct {
		member
		memberSettings
	}
	var explicit []tagged
	var implicit []member
	for _, mem := range members {
		if findAttribute(mem.attrs, ignoreAttribute) != nil {
			continue
		}
		if ca := findAttribute(mem.attrs, memberAttribute); ca != nil {
			opts, err := memberOptions(ca)
			if err != nil {
				return errors.Wrap(err, mem.name)
			}
			explicit = append(explicit, tagged{mem, opts})
			used[opts.tag] = true
			continue
		}
		switch contract.implicit {
		case ImplicitAllPublic:
			if mem.public {
				implicit = append(implicit, mem)
			}
		case ImplicitAllFields:
			// compiler generated backing fields are named <Name>k__BackingField
			if mem.field && !strings.HasPrefix(mem.name, "<") {
				implicit = append(implicit, mem)
			}
		}
	}

	sort.SliceStable(implicit, func(i, j int) bool { return implicit[i].name < implicit[j].name })
	tag := contract.firstTag
	for _, mem := range implicit {
		for used[tag] {
			tag++
		}
		used[tag] = true
		explicit = append(explicit, tagged{mem, memberSettings{tag: tag}})
	}

	for _, mem := range explicit {
		f, err := m.memberField(mt, mem.member, mem.memberSettings)
		if err != nil {
			return errors.Wrap(err, mem.name)
		}
		err = mt.AddField(f)
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Model) memberField(mt *metaType, mem member, opts memberSettings) (*field, error) {
	if opts.tag < 1 || opts.tag > maxFieldNumber {
		return nil, errors.Errorf("field number %v out of range", opts.tag)
	}
	s, err := m.shapeOf(mem.sig.Substitute(mt.args), opts.format)
	if err != nil {
		return nil, err
	}
	name := opts.rename
	if name == "" {
		name = mem.name
	}
	return &field{
		number:   int32(opts.tag),
		name:     sanitize(name),
		typ:      s.typ,
		repeated: s.repeated,
		key:      s.key,
		packed:   opts.packed,
		required: opts.required,
	}, nil
}

const maxFieldNumber = 1<<29 - 1

// addSubtypes turns [ProtoInclude(tag, type)] into members of the subtype oneof.
func (m *Model) addSubtypes(mt *metaType) error {
	attrs, err := mt.typ.Attributes()
	if err != nil {
		return err
	}
	for _, ca := range attrs {
		if ca.Type.FullName() != includeAttribute {
			continue
		}
		fixed, err := ca.Fixed()
		if err != nil {
			return errors.Wrap(err, "ProtoInclude")
		}
		if len(fixed) != 2 {
			return errors.Errorf("ProtoInclude with %v arguments", len(fixed))
		}
		tag, ok := fixed[0].(int64)
		if !ok || tag < 1 || tag > maxFieldNumber {
			return errors.Errorf("ProtoInclude tag %v is not a valid field number", fixed[0])
		}
		name, _ := fixed[1].(string)
		derived, err := mt.typ.Assembly.FindTypeByName(name)
		if err != nil {
			return errors.Wrapf(err, "ProtoInclude(%v)", tag)
		}
		if derived.IsGenericDefinition() {
			return errors.Wrapf(ErrOpenGeneric, "ProtoInclude(%v, %v)", tag, derived)
		}
		sub, err := m.resolve(derived, nil)
		if err != nil {
			return err
		}
		err = mt.AddField(&field{
			number:  int32(tag),
			name:    sub.baseName,
			typ:     fieldType{ref: sub},
			subtype: true,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Model) buildEnum(mt *metaType) error {
	fields, err := mt.typ.Fields()
	if err != nil {
		return err
	}
	for _, f := range fields {
		if !f.IsStatic() || !f.IsLiteral() {
			continue
		}
		attrs, err := f.Attributes()
		if err != nil {
			return errors.Wrap(err, f.Name)
		}
		if findAttribute(attrs, ignoreAttribute) != nil {
			continue
		}
		name := f.Name
		if ca := findAttribute(attrs, enumAttribute); ca != nil {
			rename, err := namedString(ca, "Name")
			if err != nil {
				return errors.Wrap(err, f.Name)
			}
			if rename != "" {
				name = rename
			}
		}

		v, ok, err := f.Constant()
		if err != nil {
			return errors.Wrap(err, f.Name)
		}
		if !ok {
			return errors.Errorf("%v has no value", f.Name)
		}
		number, err := enumNumber(v)
		if err != nil {
			return errors.Wrap(err, f.Name)
		}
		mt.values = append(mt.values, &enumValue{name: sanitize(name), number: number})
	}
	return nil
}

// enumNumber narrows an enum constant. Unsigned 32 bit values wrap the way they do on the wire.
func enumNumber(v interface{}) (int32, error) {
	switch v := v.(type) {
	case int64:
		if v >= math.MinInt32 && v <= math.MaxUint32 {
			return int32(v), nil
		}
	case uint64:
		if v <= math.MaxUint32 {
			return int32(v), nil
		}
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	}
	return 0, errors.Errorf("enum value %v does not fit into int32", v)
}
