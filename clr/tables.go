package clr

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// See ECMA-335 II.22 for the table layouts.

type Table uint8

const (
	TableModule                 Table = 0x00
	TableTypeRef                Table = 0x01
	TableTypeDef                Table = 0x02
	TableFieldPtr               Table = 0x03
	TableField                  Table = 0x04
	TableMethodPtr              Table = 0x05
	TableMethodDef              Table = 0x06
	TableParamPtr               Table = 0x07
	TableParam                  Table = 0x08
	TableInterfaceImpl          Table = 0x09
	TableMemberRef              Table = 0x0A
	TableConstant               Table = 0x0B
	TableCustomAttribute        Table = 0x0C
	TableFieldMarshal           Table = 0x0D
	TableDeclSecurity           Table = 0x0E
	TableClassLayout            Table = 0x0F
	TableFieldLayout            Table = 0x10
	TableStandAloneSig          Table = 0x11
	TableEventMap               Table = 0x12
	TableEventPtr               Table = 0x13
	TableEvent                  Table = 0x14
	TablePropertyMap            Table = 0x15
	TablePropertyPtr            Table = 0x16
	TableProperty               Table = 0x17
	TableMethodSemantics        Table = 0x18
	TableMethodImpl             Table = 0x19
	TableModuleRef              Table = 0x1A
	TableTypeSpec               Table = 0x1B
	TableImplMap                Table = 0x1C
	TableFieldRVA               Table = 0x1D
	TableEncLog                 Table = 0x1E
	TableEncMap                 Table = 0x1F
	TableAssembly               Table = 0x20
	TableAssemblyProcessor      Table = 0x21
	TableAssemblyOS             Table = 0x22
	TableAssemblyRef            Table = 0x23
	TableAssemblyRefProcessor   Table = 0x24
	TableAssemblyRefOS          Table = 0x25
	TableFile                   Table = 0x26
	TableExportedType           Table = 0x27
	TableManifestResource       Table = 0x28
	TableNestedClass            Table = 0x29
	TableGenericParam           Table = 0x2A
	TableMethodSpec             Table = 0x2B
	TableGenericParamConstraint Table = 0x2C

	tableCount = 0x2D
)

// Marks a coded index tag that does not refer to any table.
const tableNone Table = 0xFF

type CodedIndex uint8

const (
	TypeDefOrRef CodedIndex = iota
	HasConstant
	HasCustomAttribute
	HasFieldMarshal
	HasDeclSecurity
	MemberRefParent
	HasSemantics
	MethodDefOrRef
	MemberForwarded
	Implementation
	CustomAttributeType
	ResolutionScope
	TypeOrMethodDef
)

var codedTables = [...][]Table{
	TypeDefOrRef: {TableTypeDef, TableTypeRef, TableTypeSpec},
	HasConstant:  {TableField, TableParam, TableProperty},
	HasCustomAttribute: {
		TableMethodDef, TableField, TableTypeRef, TableTypeDef, TableParam,
		TableInterfaceImpl, TableMemberRef, TableModule, TableDeclSecurity,
		TableProperty, TableEvent, TableStandAloneSig, TableModuleRef,
		TableTypeSpec, TableAssembly, TableAssemblyRef, TableFile,
		TableExportedType, TableManifestResource, TableGenericParam,
		TableGenericParamConstraint, TableMethodSpec,
	},
	HasFieldMarshal:     {TableField, TableParam},
	HasDeclSecurity:     {TableTypeDef, TableMethodDef, TableAssembly},
	MemberRefParent:     {TableTypeDef, TableTypeRef, TableModuleRef, TableMethodDef, TableTypeSpec},
	HasSemantics:        {TableEvent, TableProperty},
	MethodDefOrRef:      {TableMethodDef, TableMemberRef},
	MemberForwarded:     {TableField, TableMethodDef},
	Implementation:      {TableFile, TableAssemblyRef, TableExportedType},
	CustomAttributeType: {tableNone, tableNone, TableMethodDef, TableMemberRef, tableNone},
	ResolutionScope:     {TableModule, TableModuleRef, TableAssemblyRef, TableTypeRef},
	TypeOrMethodDef:     {TableTypeDef, TableMethodDef},
}

// Tables lists the tables a coded index can point to, in tag order.
func (c CodedIndex) Tables() []Table {
	return codedTables[c]
}

// Bits is the number of low bits used for the tag.
func (c CodedIndex) Bits() uint {
	n := len(codedTables[c]) - 1
	bits := uint(0)
	for n > 0 {
		bits++
		n >>= 1
	}
	return bits
}

// Encode packs a table row into a coded index value.
func (c CodedIndex) Encode(t Table, row uint32) (uint32, error) {
	for tag, ct := range codedTables[c] {
		if ct == t {
			return row<<c.Bits() | uint32(tag), nil
		}
	}
	return 0, errors.Errorf("table %#x can not be encoded as coded index %v", t, c)
}

// Decode splits a coded index value into its table and row.
func (c CodedIndex) Decode(v uint32) (Table, uint32) {
	bits := c.Bits()
	tag := v & (1<<bits - 1)
	tables := codedTables[c]
	if int(tag) >= len(tables) {
		return tableNone, 0
	}
	return tables[tag], v >> bits
}

type ColumnKind uint8

const (
	ColumnU8 ColumnKind = iota
	ColumnU16
	ColumnU32
	ColumnString
	ColumnGUID
	ColumnBlob
	ColumnIndex
	ColumnCoded
)

type Column struct {
	Kind  ColumnKind
	Table Table      // for ColumnIndex
	Coded CodedIndex // for ColumnCoded
}

var (
	u8     = Column{Kind: ColumnU8}
	u16    = Column{Kind: ColumnU16}
	u32    = Column{Kind: ColumnU32}
	str    = Column{Kind: ColumnString}
	guid   = Column{Kind: ColumnGUID}
	blob   = Column{Kind: ColumnBlob}
	ref    = func(t Table) Column { return Column{Kind: ColumnIndex, Table: t} }
	coded  = func(c CodedIndex) Column { return Column{Kind: ColumnCoded, Coded: c} }
	schema [tableCount][]Column
)

func init() {
	schema = [tableCount][]Column{
		TableModule:                 {u16, str, guid, guid, guid},
		TableTypeRef:                {coded(ResolutionScope), str, str},
		TableTypeDef:                {u32, str, str, coded(TypeDefOrRef), ref(TableField), ref(TableMethodDef)},
		TableFieldPtr:               {ref(TableField)},
		TableField:                  {u16, str, blob},
		TableMethodPtr:              {ref(TableMethodDef)},
		TableMethodDef:              {u32, u16, u16, str, blob, ref(TableParam)},
		TableParamPtr:               {ref(TableParam)},
		TableParam:                  {u16, u16, str},
		TableInterfaceImpl:          {ref(TableTypeDef), coded(TypeDefOrRef)},
		TableMemberRef:              {coded(MemberRefParent), str, blob},
		TableConstant:               {u8, u8, coded(HasConstant), blob},
		TableCustomAttribute:        {coded(HasCustomAttribute), coded(CustomAttributeType), blob},
		TableFieldMarshal:           {coded(HasFieldMarshal), blob},
		TableDeclSecurity:           {u16, coded(HasDeclSecurity), blob},
		TableClassLayout:            {u16, u32, ref(TableTypeDef)},
		TableFieldLayout:            {u32, ref(TableField)},
		TableStandAloneSig:          {blob},
		TableEventMap:               {ref(TableTypeDef), ref(TableEvent)},
		TableEventPtr:               {ref(TableEvent)},
		TableEvent:                  {u16, str, coded(TypeDefOrRef)},
		TablePropertyMap:            {ref(TableTypeDef), ref(TableProperty)},
		TablePropertyPtr:            {ref(TableProperty)},
		TableProperty:               {u16, str, blob},
		TableMethodSemantics:        {u16, ref(TableMethodDef), coded(HasSemantics)},
		TableMethodImpl:             {ref(TableTypeDef), coded(MethodDefOrRef), coded(MethodDefOrRef)},
		TableModuleRef:              {str},
		TableTypeSpec:               {blob},
		TableImplMap:                {u16, coded(MemberForwarded), str, ref(TableModuleRef)},
		TableFieldRVA:               {u32, ref(TableField)},
		TableEncLog:                 {u32, u32},
		TableEncMap:                 {u32},
		TableAssembly:               {u32, u16, u16, u16, u16, u32, blob, str, str},
		TableAssemblyProcessor:      {u32},
		TableAssemblyOS:             {u32, u32, u32},
		TableAssemblyRef:            {u16, u16, u16, u16, u32, blob, str, str, blob},
		TableAssemblyRefProcessor:   {u32, ref(TableAssemblyRef)},
		TableAssemblyRefOS:          {u32, u32, u32, ref(TableAssemblyRef)},
		TableFile:                   {u32, str, blob},
		TableExportedType:           {u32, u32, str, str, coded(Implementation)},
		TableManifestResource:       {u32, u32, str, coded(Implementation)},
		TableNestedClass:            {ref(TableTypeDef), ref(TableTypeDef)},
		TableGenericParam:           {u16, u16, coded(TypeOrMethodDef), str},
		TableMethodSpec:             {coded(MethodDefOrRef), blob},
		TableGenericParamConstraint: {ref(TableGenericParam), coded(TypeDefOrRef)},
	}
}

// Schema returns the column layout of a table.
func Schema(t Table) []Column {
	if int(t) >= tableCount {
		return nil
	}
	return schema[t]
}

// Heap size flags of the tables stream header.
const (
	HeapStringsWide = 0x01
	HeapGUIDWide    = 0x02
	HeapBlobWide    = 0x04
	heapExtraData   = 0x40
)

// Layout computes column widths from row counts and heap flags.
// The writer in clrtest shares it with the reader.
type Layout struct {
	HeapSizes uint8
	Rows      [tableCount]uint32
}

func (l *Layout) Width(c Column) int {
	switch c.Kind {
	case ColumnU8:
		return 1
	case ColumnU16:
		return 2
	case ColumnU32:
		return 4
	case ColumnString:
		return l.heapWidth(HeapStringsWide)
	case ColumnGUID:
		return l.heapWidth(HeapGUIDWide)
	case ColumnBlob:
		return l.heapWidth(HeapBlobWide)
	case ColumnIndex:
		if l.Rows[c.Table] < 1<<16 {
			return 2
		}
		return 4
	case ColumnCoded:
		limit := uint32(1) << (16 - c.Coded.Bits())
		for _, t := range c.Coded.Tables() {
			if t != tableNone && l.Rows[t] >= limit {
				return 4
			}
		}
		return 2
	}
	return 0
}

func (l *Layout) heapWidth(flag uint8) int {
	if l.HeapSizes&flag != 0 {
		return 4
	}
	return 2
}

func (l *Layout) RowSize(t Table) int {
	size := 0
	for _, c := range Schema(t) {
		size += l.Width(c)
	}
	return size
}

// table is a raw view of one metadata table.
type table struct {
	id      Table
	rows    uint32
	rowSize int
	offsets []int
	widths  []int
	data    []byte
}

func newTable(l *Layout, id Table, data []byte) *table {
	t := &table{
		id:   id,
		rows: l.Rows[id],
		data: data,
	}
	for _, c := range Schema(id) {
		w := l.Width(c)
		t.offsets = append(t.offsets, t.rowSize)
		t.widths = append(t.widths, w)
		t.rowSize += w
	}
	return t
}

// get reads a column of a 1-based row. Out of range rows read as zero.
func (t *table) get(row uint32, col int) uint32 {
	if t == nil || row == 0 || row > t.rows {
		return 0
	}
	off := int(row-1)*t.rowSize + t.offsets[col]
	switch t.widths[col] {
	case 1:
		return uint32(t.data[off])
	case 2:
		return uint32(binary.LittleEndian.Uint16(t.data[off:]))
	default:
		return binary.LittleEndian.Uint32(t.data[off:])
	}
}

func (t *table) len() uint32 {
	if t == nil {
		return 0
	}
	return t.rows
}
