package clrtest

import (
	"bytes"
	"debug/pe"
	"encoding/binary"

	"github.com/jgwoolley/Grab-VS-Protobuff/clr"
	"github.com/pkg/errors"
)

// heap is a #Strings or #Blob heap under construction.
type heap struct {
	data   []byte
	index  map[string]uint32
	prefix bool
}

func newHeap(lengthPrefixed bool) *heap {
	return &heap{data: []byte{0}, index: map[string]uint32{"": 0}, prefix: lengthPrefixed}
}

func (h *heap) add(v []byte) uint32 {
	if off, ok := h.index[string(v)]; ok {
		return off
	}
	off := uint32(len(h.data))
	if h.prefix {
		h.data = append(h.data, clr.EncodeCompressed(uint32(len(v)))...)
		h.data = append(h.data, v...)
	} else {
		h.data = append(h.data, v...)
		h.data = append(h.data, 0)
	}
	h.index[string(v)] = off
	return off
}

// writer is a little endian buffer that keeps the first encoding error.
type writer struct {
	bytes.Buffer
	err error
}

func (w *writer) put(v interface{}) {
	if w.err == nil {
		w.err = binary.Write(&w.Buffer, binary.LittleEndian, v)
	}
}

func pad(data []byte, line int) []byte {
	for len(data)%line != 0 {
		data = append(data, 0)
	}
	return data
}

func (b *Builder) metadata() ([]byte, error) {
	var layout clr.Layout
	strs := pad(b.strings.data, 4)
	blobs := pad(b.blobs.data, 4)
	guids := make([]byte, 16)
	copy(guids, "grabproto-test!!")
	us := pad([]byte{0}, 4)

	if len(strs) >= 1<<16 {
		layout.HeapSizes |= clr.HeapStringsWide
	}
	if len(blobs) >= 1<<16 {
		layout.HeapSizes |= clr.HeapBlobWide
	}

	var valid uint64
	for t := range b.rows {
		layout.Rows[t] = uint32(len(b.rows[t]))
		if len(b.rows[t]) > 0 {
			valid |= 1 << uint(t)
		}
	}

	var tables writer
	tables.put(uint32(0))
	tables.Write([]byte{2, 0, layout.HeapSizes, 1})
	tables.put(valid)
	tables.put(uint64(0))
	for t := range b.rows {
		if len(b.rows[t]) > 0 {
			tables.put(uint32(len(b.rows[t])))
		}
	}
	for t := range b.rows {
		columns := clr.Schema(clr.Table(t))
		for _, row := range b.rows[t] {
			for i, c := range columns {
				switch layout.Width(c) {
				case 1:
					tables.WriteByte(byte(row[i]))
				case 2:
					if row[i] > 0xFFFF {
						return nil, errors.Errorf("table %#x: value %v does not fit a narrow column", t, row[i])
					}
					tables.put(uint16(row[i]))
				default:
					tables.put(row[i])
				}
			}
		}
	}
	if tables.err != nil {
		return nil, errors.Wrap(tables.err, "tables stream")
	}
	tablesData := pad(tables.Bytes(), 4)

	streams := []struct {
		name string
		data []byte
	}{
		{"#~", tablesData},
		{"#Strings", strs},
		{"#US", us},
		{"#GUID", guids},
		{"#Blob", blobs},
	}

	version := []byte("v4.0.30319")
	versionLen := (len(version) + 4) &^ 3

	headerSize := 16 + versionLen + 4
	for _, s := range streams {
		headerSize += 8 + (len(s.name)+4)&^3
	}

	var root writer
	root.put(uint32(0x424A5342))
	root.put(uint16(1))
	root.put(uint16(1))
	root.put(uint32(0))
	root.put(uint32(versionLen))
	root.Write(version)
	root.Write(make([]byte, versionLen-len(version)))
	root.put(uint16(0))
	root.put(uint16(len(streams)))

	offset := headerSize
	for _, s := range streams {
		root.put(uint32(offset))
		root.put(uint32(len(s.data)))
		name := make([]byte, (len(s.name)+4)&^3)
		copy(name, s.name)
		root.Write(name)
		offset += len(s.data)
	}
	if root.Len() != headerSize {
		return nil, errors.Errorf("metadata header is %v bytes, %v expected", root.Len(), headerSize)
	}
	for _, s := range streams {
		root.Write(s.data)
	}
	return root.Bytes(), root.err
}

const (
	textRVA       = 0x2000
	fileAlignment = 0x200
	cliHeaderSize = 72
)

// image wraps metadata into a single section PE32 image. Without metadata the
// image has no CLI header, it is a plain native library.
func image(meta []byte) ([]byte, error) {
	le := binary.LittleEndian

	var text writer
	cli := clr.CLIHeader{
		Cb:                  cliHeaderSize,
		MajorRuntimeVersion: 2,
		MinorRuntimeVersion: 5,
		MetaData:            clr.DataDirectory{RVA: textRVA + cliHeaderSize, Size: uint32(len(meta))},
		Flags:               1,
	}
	if meta != nil {
		text.put(cli)
		text.Write(meta)
	} else {
		text.Write(make([]byte, 16))
	}
	rawSize := (text.Len() + fileAlignment - 1) &^ (fileAlignment - 1)

	var out writer
	dos := make([]byte, 0x80)
	copy(dos, "MZ")
	le.PutUint32(dos[0x3c:], 0x80)
	out.Write(dos)
	out.WriteString("PE\x00\x00")

	out.put(pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_I386,
		NumberOfSections:     1,
		SizeOfOptionalHeader: uint16(binary.Size(pe.OptionalHeader32{})),
		Characteristics:      pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_32BIT_MACHINE | pe.IMAGE_FILE_DLL,
	})

	oh := pe.OptionalHeader32{
		Magic:                 0x10b,
		SizeOfCode:            uint32(rawSize),
		BaseOfCode:            textRVA,
		ImageBase:             0x400000,
		SectionAlignment:      textRVA,
		FileAlignment:         fileAlignment,
		MajorSubsystemVersion: 4,
		SizeOfImage:           textRVA + uint32(alignUp(text.Len(), textRVA)),
		SizeOfHeaders:         fileAlignment,
		Subsystem:             3,
		NumberOfRvaAndSizes:   16,
	}
	if meta != nil {
		oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR] = pe.DataDirectory{
			VirtualAddress: textRVA,
			Size:           cliHeaderSize,
		}
	}
	out.put(oh)

	section := pe.SectionHeader32{
		VirtualSize:      uint32(text.Len()),
		VirtualAddress:   textRVA,
		SizeOfRawData:    uint32(rawSize),
		PointerToRawData: fileAlignment,
		Characteristics:  0x60000020,
	}
	copy(section.Name[:], ".text")
	out.put(section)

	out.Write(make([]byte, fileAlignment-out.Len()))
	out.Write(text.Bytes())
	out.Write(make([]byte, rawSize-text.Len()))
	if text.err != nil {
		return nil, text.err
	}
	return out.Bytes(), out.err
}

// Native returns a valid PE image that is not a .NET assembly.
func Native() ([]byte, error) {
	return image(nil)
}

func alignUp(n, line int) int {
	return (n + line - 1) / line * line
}
