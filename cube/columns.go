/*
	This file holds the column-wise array model used for fetched samples
	and its Arrow IPC wire encoding.  All columns delivered for one region
	share a length equal to the product of the region extents.
*/

package cube

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
)

// Columns maps a column name, e.g. "data" or "mask", to its flat values in
// row-major order.
type Columns map[string][]float32

// Names returns the column names in sorted order.  The sort keeps the wire
// schema stable across encodes of the same column set.
func (c Columns) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every column has the given length.
func (c Columns) Validate(numElements int64) error {
	if len(c) == 0 {
		return fmt.Errorf("payload carries no columns")
	}
	for name, values := range c {
		if int64(len(values)) != numElements {
			return fmt.Errorf("column %q has %d values, region has %d elements", name, len(values), numElements)
		}
	}
	return nil
}

// Duplicate returns a deep copy.
func (c Columns) Duplicate() Columns {
	dup := make(Columns, len(c))
	for name, values := range c {
		v := make([]float32, len(values))
		copy(v, values)
		dup[name] = v
	}
	return dup
}

// EncodeColumns serializes columns as a single-record Arrow IPC stream.
func EncodeColumns(c Columns) ([]byte, error) {
	if len(c) == 0 {
		return nil, fmt.Errorf("cannot encode empty column set")
	}
	names := c.Names()
	fields := make([]arrow.Field, len(names))
	for i, name := range names {
		fields[i] = arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Float32}
	}
	schema := arrow.NewSchema(fields, nil)

	pool := memory.NewGoAllocator()
	builder := array.NewRecordBuilder(pool, schema)
	defer builder.Release()
	for i, name := range names {
		builder.Field(i).(*array.Float32Builder).AppendValues(c[name], nil)
	}
	record := builder.NewRecord()
	defer record.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(pool))
	if err := writer.Write(record); err != nil {
		writer.Close()
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeColumns reverses EncodeColumns, copying values out of the Arrow
// buffers so the result owns its memory.
func DecodeColumns(encoded []byte) (Columns, error) {
	reader, err := ipc.NewReader(bytes.NewReader(encoded), ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, err
	}
	defer reader.Release()

	columns := make(Columns)
	for reader.Next() {
		record := reader.Record()
		for i, field := range record.Schema().Fields() {
			col, ok := record.Column(i).(*array.Float32)
			if !ok {
				return nil, fmt.Errorf("column %q is not float32", field.Name)
			}
			values := make([]float32, col.Len())
			copy(values, col.Float32Values())
			columns[field.Name] = append(columns[field.Name], values...)
		}
	}
	if err := reader.Err(); err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("no records in encoded columns")
	}
	return columns, nil
}
