package protomodel

import (
	"sort"
	"strconv"
	"strings"

	"github.com/jgwoolley/Grab-VS-Protobuff/clr"
)

// sanitize turns a .NET name into a proto identifier.
func sanitize(name string) string {
	var b strings.Builder
	for i, c := range name {
		switch {
		case c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
			b.WriteRune(c)
		case c >= '0' && c <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

// argName names a generic argument inside a closed generic name, e.g. the Int32 of Foo_Int32.
func argName(s *clr.TypeSig) string {
	switch s.Kind {
	case clr.ElementClass, clr.ElementValueType:
		return s.Type.SimpleName()
	case clr.ElementGenericInst:
		name := s.Type.SimpleName()
		for _, a := range s.Args {
			name += "_" + argName(a)
		}
		return name
	case clr.ElementSZArray, clr.ElementArray:
		return argName(s.Elem) + "Array"
	}
	name := s.Kind.String()
	return name[strings.LastIndexByte(name, '.')+1:]
}

// assignNames resolves clashes between top level names. Clashing nested types are
// prefixed with their declaring type first, whatever still clashes gets a number.
func assignNames(types []*metaType) map[*metaType]string {
	names := make(map[*metaType]string, len(types))
	count := make(map[string]int)
	for _, t := range types {
		names[t] = t.baseName
		count[t.baseName]++
	}
	for _, t := range types {
		if count[t.baseName] > 1 && t.typ != nil && t.typ.Declaring != nil {
			names[t] = sanitize(t.typ.Declaring.SimpleName()) + "_" + t.baseName
		}
	}

	sorted := make([]*metaType, len(types))
	copy(sorted, types)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].key < sorted[j].key })

	taken := make(map[string]bool, len(types))
	for _, t := range sorted {
		name := names[t]
		if taken[name] {
			i := 1
			for taken[name+strconv.Itoa(i)] {
				i++
			}
			name += strconv.Itoa(i)
		}
		taken[name] = true
		names[t] = name
	}
	return names
}

// enumValueNames prefixes enum values whose names are not unique in the package
// scope with the name of their enum. Whatever still clashes gets a number.
func enumValueNames(values map[*metaType][]*enumValue, names map[*metaType]string) map[*enumValue]string {
	seen := make(map[string]int)
	taken := make(map[string]bool, len(names))
	for _, name := range names {
		seen[name]++
		taken[name] = true
	}
	enums := make([]*metaType, 0, len(values))
	for t, vs := range values {
		enums = append(enums, t)
		once := make(map[string]bool)
		for _, v := range vs {
			if !once[v.name] {
				once[v.name] = true
				seen[v.name]++
			}
		}
	}
	sort.Slice(enums, func(i, j int) bool { return names[enums[i]] < names[enums[j]] })

	ret := make(map[*enumValue]string)
	for _, t := range enums {
		for _, v := range values[t] {
			name := v.name
			if seen[name] > 1 {
				name = names[t] + "_" + name
			}
			base := name
			for i := 1; taken[name]; i++ {
				name = base + strconv.Itoa(i)
			}
			taken[name] = true
			ret[v] = name
		}
	}
	return ret
}

// fieldNames keeps names unique within a message. Names that only differ by case
// or underscores clash as well, they map to the same JSON name.
type fieldNames map[string]bool

func (n fieldNames) unique(name string) string {
	ret := name
	for i := 1; n[norm(ret)]; i++ {
		ret = name + strconv.Itoa(i)
	}
	n[norm(ret)] = true
	return ret
}

func norm(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), "_", "")
}

// enumValueKey is what values of one enum are told apart by in proto3: the enum
// name prefix is dropped, case and underscores are ignored.
func enumValueKey(enum, value string) string {
	key, prefix := norm(value), norm(enum)
	if len(key) > len(prefix) && strings.HasPrefix(key, prefix) {
		return key[len(prefix):]
	}
	return key
}

// mapEntryName is the name protoc gives the entry message of a map field.
func mapEntryName(field string) string {
	var b strings.Builder
	upper := true
	for _, c := range field {
		switch {
		case c == '_':
			upper = true
		case upper:
			b.WriteString(strings.ToUpper(string(c)))
			upper = false
		default:
			b.WriteRune(c)
		}
	}
	b.WriteString("Entry")
	return b.String()
}
