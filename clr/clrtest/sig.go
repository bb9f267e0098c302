package clrtest

import (
	"github.com/jgwoolley/Grab-VS-Protobuff/clr"
)

// Sig describes a member or parameter type.
type Sig struct {
	kind  clr.ElementType
	def   *TypeBuilder
	ref   *typeRefKey
	args  []Sig
	elem  *Sig
	index uint32
}

var (
	Void    = Sig{kind: clr.ElementVoid}
	Bool    = Sig{kind: clr.ElementBoolean}
	Char    = Sig{kind: clr.ElementChar}
	SByte   = Sig{kind: clr.ElementI1}
	Byte    = Sig{kind: clr.ElementU1}
	Int16   = Sig{kind: clr.ElementI2}
	UInt16  = Sig{kind: clr.ElementU2}
	Int32   = Sig{kind: clr.ElementI4}
	UInt32  = Sig{kind: clr.ElementU4}
	Int64   = Sig{kind: clr.ElementI8}
	UInt64  = Sig{kind: clr.ElementU8}
	Float   = Sig{kind: clr.ElementR4}
	Double  = Sig{kind: clr.ElementR8}
	String  = Sig{kind: clr.ElementString}
	Object  = Sig{kind: clr.ElementObject}
	IntPtr  = Sig{kind: clr.ElementI}
	Type    = External(CoreLibrary, "System", "Type")
	Guid    = ExternalValue(CoreLibrary, "System", "Guid")
	Decimal = ExternalValue(CoreLibrary, "System", "Decimal")

	DateTime = ExternalValue(CoreLibrary, "System", "DateTime")
	TimeSpan = ExternalValue(CoreLibrary, "System", "TimeSpan")
)

// External references a class defined in another assembly.
func External(assembly, namespace, name string) Sig {
	return Sig{kind: clr.ElementClass, ref: &typeRefKey{assembly, namespace, name}}
}

// ExternalValue references a value type defined in another assembly.
func ExternalValue(assembly, namespace, name string) Sig {
	return Sig{kind: clr.ElementValueType, ref: &typeRefKey{assembly, namespace, name}}
}

// Instance closes a generic type over arguments.
func Instance(generic Sig, args ...Sig) Sig {
	return Sig{kind: clr.ElementGenericInst, elem: &generic, args: args}
}

func List(elem Sig) Sig {
	return Instance(External(CollectionsLib, "System.Collections.Generic", "List`1"), elem)
}

func HashSet(elem Sig) Sig {
	return Instance(External(CollectionsLib, "System.Collections.Generic", "HashSet`1"), elem)
}

func Dictionary(key, value Sig) Sig {
	return Instance(External(CollectionsLib, "System.Collections.Generic", "Dictionary`2"), key, value)
}

func Nullable(elem Sig) Sig {
	return Instance(ExternalValue(CoreLibrary, "System", "Nullable`1"), elem)
}

func Array(elem Sig) Sig {
	return Sig{kind: clr.ElementSZArray, elem: &elem}
}

// MultiArray is a rank-n array, e.g. int[,].
func MultiArray(elem Sig, rank uint32) Sig {
	return Sig{kind: clr.ElementArray, elem: &elem, index: rank}
}

// Var is the n-th generic parameter of the enclosing type.
func Var(n uint32) Sig {
	return Sig{kind: clr.ElementVar, index: n}
}
