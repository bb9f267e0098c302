package clr

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tablesStream(t *testing.T, heapSizes uint8, values ...interface{}) []byte {
	t.Helper()
	var buf bytes.Buffer
	header := TablesHeader{MajorVersion: 2, HeapSizes: heapSizes, Valid: 1 << uint(TableModule)}
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, header))
	for _, v := range values {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, v))
	}
	return buf.Bytes()
}

func TestReadTables_ExtraData(t *testing.T) {
	module := make([]byte, 10)

	var md metadata
	require.NoError(t, md.readTables(tablesStream(t, heapExtraData, uint32(1), uint32(0), module)))
	assert.Equal(t, uint32(1), md.rows(TableModule))

	md = metadata{}
	err := md.readTables(tablesStream(t, heapExtraData, uint32(1)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extra data")

	md = metadata{}
	err = md.readTables(tablesStream(t, 0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row counts")

	md = metadata{}
	err = md.readTables(tablesStream(t, 0, uint32(1), module[:4]))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated")
}
