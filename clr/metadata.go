package clr

import (
	"bytes"
	"debug/pe"
	"io"
	"unicode/utf8"

	"github.com/pkg/errors"
)

/* See ECMA-335 II.24 for the physical layout. In general it's

PE image {
	data directory 14 -> CLIHeader {
		MetaData -> MetadataRoot {
			StreamHeader...
		}
	}
}
*/

var ErrNotCLI = errors.New("not a .NET assembly")

const metadataSignature = 0x424A5342 // "BSJB"

type DataDirectory struct {
	RVA  uint32
	Size uint32
}

type CLIHeader struct {
	Cb                      uint32
	MajorRuntimeVersion     uint16
	MinorRuntimeVersion     uint16
	MetaData                DataDirectory
	Flags                   uint32
	EntryPointToken         uint32
	Resources               DataDirectory
	StrongNameSignature     DataDirectory
	CodeManagerTable        DataDirectory
	VTableFixups            DataDirectory
	ExportAddressTableJumps DataDirectory
	ManagedNativeHeader     DataDirectory
}

type MetadataRoot struct {
	Signature    uint32
	MajorVersion uint16
	MinorVersion uint16
	Reserved     uint32
	Version      string
	Flags        uint16
	Streams      uint16
}

type StreamHeader struct {
	Offset uint32
	Size   uint32
	Name   string `bin:"cstring"`
}

type TablesHeader struct {
	Reserved     uint32
	MajorVersion uint8
	MinorVersion uint8
	HeapSizes    uint8
	Reserved2    uint8
	Valid        uint64
	Sorted       uint64
}

// metadata holds the decoded streams of one image.
type metadata struct {
	Root    MetadataRoot
	strings []byte
	blobs   []byte
	layout  Layout
	tables  [tableCount]*table
}

// readImage locates the metadata inside a PE image.
func readImage(data []byte) ([]byte, error) {
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "invalid PE image")
	}
	defer f.Close()

	var dirs []pe.DataDirectory
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		dirs = oh.DataDirectory[:min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))]
	case *pe.OptionalHeader64:
		dirs = oh.DataDirectory[:min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))]
	}
	if len(dirs) <= pe.IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR {
		return nil, ErrNotCLI
	}
	com := dirs[pe.IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR]
	if com.VirtualAddress == 0 {
		return nil, ErrNotCLI
	}

	raw, err := readRVA(f, com.VirtualAddress, com.Size)
	if err != nil {
		return nil, errors.Wrap(err, "CLI header")
	}
	var header CLIHeader
	err = read(bytes.NewReader(raw), &header)
	if err != nil {
		return nil, errors.Wrap(err, "CLI header")
	}

	meta, err := readRVA(f, header.MetaData.RVA, header.MetaData.Size)
	return meta, errors.Wrap(err, "metadata")
}

func readRVA(f *pe.File, rva, size uint32) ([]byte, error) {
	for _, s := range f.Sections {
		virtualSize := s.VirtualSize
		if virtualSize == 0 {
			virtualSize = s.Size
		}
		if rva < s.VirtualAddress || rva+size > s.VirtualAddress+virtualSize {
			continue
		}
		buf := make([]byte, size)
		_, err := s.ReadAt(buf, int64(rva-s.VirtualAddress))
		if err != nil && err != io.EOF {
			return nil, err
		}
		return buf, nil
	}
	return nil, errors.Errorf("rva %#x+%#x is outside of all sections", rva, size)
}

func parseMetadata(data []byte) (*metadata, error) {
	var md metadata
	r := bytes.NewReader(data)

	err := read(r, &md.Root)
	if err != nil {
		return nil, errors.Wrap(err, "metadata root")
	}
	if md.Root.Signature != metadataSignature {
		return nil, errors.Errorf("bad metadata signature %#x", md.Root.Signature)
	}

	var tablesData []byte
	for i := 0; i < int(md.Root.Streams); i++ {
		var sh StreamHeader
		err = read(r, &sh)
		if err != nil {
			return nil, errors.Wrapf(err, "stream header %v", i)
		}
		if uint64(sh.Offset)+uint64(sh.Size) > uint64(len(data)) {
			return nil, errors.Errorf("stream %v is out of metadata bounds", sh.Name)
		}
		stream := data[sh.Offset : sh.Offset+sh.Size]

		switch sh.Name {
		case "#~", "#-":
			tablesData = stream
		case "#Strings":
			md.strings = stream
		case "#Blob":
			md.blobs = stream
		}
	}
	if tablesData == nil {
		return nil, errors.New("no tables stream")
	}

	return &md, md.readTables(tablesData)
}

func (md *metadata) readTables(data []byte) error {
	r := bytes.NewReader(data)
	var th TablesHeader
	err := read(r, &th)
	if err != nil {
		return errors.Wrap(err, "tables header")
	}
	md.layout.HeapSizes = th.HeapSizes

	for t := 0; t < 64; t++ {
		if th.Valid&(1<<uint(t)) == 0 {
			continue
		}
		var rows uint32
		err = read(r, &rows)
		if err != nil {
			return errors.Wrap(err, "row counts")
		}
		if t >= tableCount {
			return errors.Errorf("unknown metadata table %#x", t)
		}
		md.layout.Rows[t] = rows
	}
	if th.HeapSizes&heapExtraData != 0 {
		var extra uint32
		err = read(r, &extra)
		if err != nil {
			return errors.Wrap(err, "extra data")
		}
	}

	pos := len(data) - r.Len()
	for t := Table(0); t < tableCount; t++ {
		if md.layout.Rows[t] == 0 {
			continue
		}
		size := int(md.layout.Rows[t]) * md.layout.RowSize(t)
		if pos+size > len(data) {
			return errors.Errorf("table %#x is truncated", t)
		}
		md.tables[t] = newTable(&md.layout, t, data[pos:pos+size])
		pos += size
	}

	return nil
}

func (md *metadata) get(t Table, row uint32, col int) uint32 {
	return md.tables[t].get(row, col)
}

func (md *metadata) rows(t Table) uint32 {
	return md.tables[t].len()
}

func (md *metadata) string(offset uint32) string {
	if int(offset) >= len(md.strings) {
		return ""
	}
	s := md.strings[offset:]
	if end := bytes.IndexByte(s, 0); end >= 0 {
		s = s[:end]
	}
	if !utf8.Valid(s) {
		return string(bytes.ToValidUTF8(s, []byte("?")))
	}
	return string(s)
}

func (md *metadata) blob(offset uint32) ([]byte, error) {
	if int(offset) >= len(md.blobs) {
		return nil, errors.Errorf("blob offset %#x out of range", offset)
	}
	size, n, err := decodeCompressed(md.blobs[offset:])
	if err != nil {
		return nil, errors.Wrapf(err, "blob %#x", offset)
	}
	start := int(offset) + n
	if start+int(size) > len(md.blobs) {
		return nil, errors.Errorf("blob %#x is truncated", offset)
	}
	return md.blobs[start : start+int(size)], nil
}
