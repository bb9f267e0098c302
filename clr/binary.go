package clr

import (
	"bytes"
	"encoding/binary"
	"io"
	"reflect"

	"github.com/pkg/errors"
)

// All the headers of a PE image and its metadata are little endian.
var order = binary.LittleEndian

// read decodes a fixed layout header into the structure pointed by i.
// Strings are length prefixed by default (metadata root version string) or
// zero terminated when tagged with `bin:"cstring"` (stream header names).
// Both are padded to 4 bytes.
func read(r io.ReadSeeker, i interface{}) error {
	val := reflect.ValueOf(i)
	if val.Kind() != reflect.Ptr {
		return errors.Errorf("unsupported type %v, pointer expected", val.Type())
	}
	return readVal(r, val.Elem(), false)
}

func readVal(r io.ReadSeeker, val reflect.Value, cString bool) error {
	switch val.Kind() {
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return binary.Read(r, order, val.Addr().Interface())

	case reflect.Struct:
		for i := 0; i < val.NumField(); i++ {
			tag := val.Type().Field(i).Tag.Get("bin")
			err := readVal(r, val.Field(i), tag == "cstring")
			if err != nil {
				return errors.Wrap(err, val.Type().Field(i).Name)
			}
		}

	case reflect.Array:
		for i := 0; i < val.Len(); i++ {
			err := readVal(r, val.Index(i), cString)
			if err != nil {
				return err
			}
		}

	case reflect.String:
		if cString {
			pos, err := r.Seek(0, io.SeekCurrent)
			if err != nil {
				return err
			}

			var str []byte
			buf := make([]byte, 32)
			for {
				n, err := r.Read(buf)
				if n == 0 && err != nil {
					return err
				}
				idx := bytes.IndexByte(buf[:n], 0)
				if idx != -1 {
					str = append(str, buf[:idx]...)
					break
				}
				str = append(str, buf[:n]...)
			}

			// terminator included
			_, err = r.Seek(pos+int64(align(uint32(len(str)+1), 4)), io.SeekStart)
			if err != nil {
				return err
			}
			val.SetString(string(str))
		} else {
			var usize uint32
			err := binary.Read(r, order, &usize)
			if err != nil {
				return err
			}
			if usize > 255 {
				return errors.Errorf("string of %v bytes is too long for a header", usize)
			}

			buf := make([]byte, align(usize, 4))
			_, err = io.ReadFull(r, buf)
			if err != nil {
				return err
			}
			val.SetString(string(bytes.TrimRight(buf[:usize], "\x00")))
		}

	default:
		return errors.Errorf("unsupported type %v", val.Type())
	}

	return nil
}

func align(raw, line uint32) uint32 {
	return (raw + line - 1) / line * line
}

// Compressed unsigned integer, see ECMA-335 II.23.2.
func decodeCompressed(data []byte) (value uint32, n int, err error) {
	if len(data) == 0 {
		return 0, 0, io.ErrUnexpectedEOF
	}
	b := data[0]
	switch {
	case b&0x80 == 0:
		return uint32(b), 1, nil
	case b&0xC0 == 0x80:
		if len(data) < 2 {
			return 0, 0, io.ErrUnexpectedEOF
		}
		return uint32(b&0x3F)<<8 | uint32(data[1]), 2, nil
	case b&0xE0 == 0xC0:
		if len(data) < 4 {
			return 0, 0, io.ErrUnexpectedEOF
		}
		return uint32(b&0x1F)<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3]), 4, nil
	}
	return 0, 0, errors.Errorf("invalid compressed integer prefix %#x", b)
}

// EncodeCompressed is the inverse of the blob length/integer compression.
func EncodeCompressed(v uint32) []byte {
	switch {
	case v < 0x80:
		return []byte{byte(v)}
	case v < 0x4000:
		return []byte{byte(v>>8) | 0x80, byte(v)}
	default:
		return []byte{byte(v>>24) | 0xC0, byte(v >> 16), byte(v >> 8), byte(v)}
	}
}
