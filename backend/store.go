/*
	Package backend is the serving side of the pipe: it opens cubes stored
	on disk and extracts decimated regions from them.

	A cube is a directory holding a header.json plus one flat
	little-endian float32 file per column, values in row-major order with
	the last axis fastest.
*/

package backend

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/casangi/cubepipe/cube"
)

// HeaderFilename names the metadata file inside a cube directory.
const HeaderFilename = "header.json"

const headerSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["shape", "columns", "dtype"],
	"properties": {
		"shape": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "integer", "minimum": 1}
		},
		"columns": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "string", "minLength": 1}
		},
		"dtype": {"enum": ["float32"]},
		"transform": {
			"type": ["object", "null"],
			"required": ["axes"],
			"properties": {
				"axes": {
					"type": "array",
					"items": {
						"type": "object",
						"required": ["refpix", "refval", "delta"],
						"properties": {
							"name":   {"type": "string"},
							"unit":   {"type": "string"},
							"refpix": {"type": "number"},
							"refval": {"type": "number"},
							"delta":  {"type": "number"}
						}
					}
				},
				"rotation": {"type": "number"}
			}
		}
	}
}`

var compiledHeaderSchema = jsonschema.MustCompileString(HeaderFilename, headerSchema)

// Header is the cube metadata held in header.json.
type Header struct {
	Shape     cube.Shape      `json:"shape"`
	Columns   []string        `json:"columns"`
	DType     string          `json:"dtype"`
	Transform *cube.Transform `json:"transform"`
}

// Store reads regions out of one on-disk cube.
type Store struct {
	path   string
	header Header
	files  map[string]*os.File
}

// OpenStore opens the cube directory at path, validating its header
// against the embedded JSON Schema and checking every column file holds
// exactly shape-many float32 values.
func OpenStore(path string) (*Store, error) {
	raw, err := os.ReadFile(filepath.Join(path, HeaderFilename))
	if err != nil {
		return nil, fmt.Errorf("cannot read cube header: %v", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("bad cube header %q: %v", path, err)
	}
	if err := compiledHeaderSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("cube header %q fails schema: %v", path, err)
	}
	var header Header
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, err
	}
	if header.Transform != nil && header.Transform.NumAxes() != header.Shape.NumDims() {
		return nil, fmt.Errorf("cube header %q: transform covers %d axes, shape has %d",
			path, header.Transform.NumAxes(), header.Shape.NumDims())
	}

	store := &Store{path: path, header: header, files: make(map[string]*os.File)}
	wantBytes := header.Shape.NumElements() * 4
	for _, name := range header.Columns {
		f, err := os.Open(filepath.Join(path, name+".dat"))
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("cannot open column %q: %v", name, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			store.Close()
			return nil, err
		}
		if info.Size() != wantBytes {
			f.Close()
			store.Close()
			return nil, fmt.Errorf("column %q holds %d bytes, shape %s needs %d",
				name, info.Size(), header.Shape, wantBytes)
		}
		store.files[name] = f
	}
	cube.Infof("Opened cube %q: shape %s, columns %v\n", path, header.Shape, header.Columns)
	return store, nil
}

// Path returns the cube directory this store reads.
func (s *Store) Path() string {
	return s.path
}

// Shape returns the full cube shape.
func (s *Store) Shape() cube.Shape {
	return s.header.Shape.Duplicate()
}

// Transform returns the cube's coordinate transform, nil if the header
// declares none.
func (s *Store) Transform() *cube.Transform {
	return s.header.Transform
}

// Close releases the column files.
func (s *Store) Close() error {
	var firstErr error
	for name, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.files, name)
	}
	return firstErr
}

// ReadRegion extracts a region decimated by the given factors, returning
// one equally sized value slice per column.
func (s *Store) ReadRegion(region cube.Region, dec cube.Decimation) (cube.Columns, error) {
	if err := region.Validate(s.header.Shape); err != nil {
		return nil, err
	}
	if err := dec.Validate(); err != nil {
		return nil, err
	}
	if len(dec) != len(s.header.Shape) {
		return nil, &cube.RegionError{Reason: fmt.Sprintf("decimation has %d axes, shape has %d", len(dec), len(s.header.Shape))}
	}
	columns := make(cube.Columns, len(s.files))
	for name, f := range s.files {
		values, err := s.readColumn(f, region, dec)
		if err != nil {
			return nil, fmt.Errorf("column %q: %v", name, err)
		}
		columns[name] = values
	}
	return columns, nil
}

// readColumn walks the decimated grid row by row, reading each raw run
// along the last axis in one ReadAt and stride-sampling it in memory.
func (s *Store) readColumn(f *os.File, region cube.Region, dec cube.Decimation) ([]float32, error) {
	shape := s.header.Shape
	ndims := len(shape)
	last := ndims - 1

	strides := make([]int64, ndims)
	stride := int64(1)
	for i := last; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}

	sampledExt := dec.SampledExtent(region.Extent)
	total := int64(1)
	for _, e := range sampledExt {
		total *= e
	}
	out := make([]float32, 0, total)

	rowLen := region.Extent[last]
	rowBytes := make([]byte, rowLen*4)
	counters := make([]int64, ndims)

	for {
		var src int64
		for i := 0; i < last; i++ {
			src += (region.Offset[i] + counters[i]*dec[i]) * strides[i]
		}
		src += region.Offset[last]
		if _, err := f.ReadAt(rowBytes, src*4); err != nil {
			return nil, err
		}
		for k := int64(0); k < rowLen; k += dec[last] {
			out = append(out, math.Float32frombits(binary.LittleEndian.Uint32(rowBytes[k*4:])))
		}

		if last == 0 {
			break
		}
		i := last - 1
		for ; i >= 0; i-- {
			counters[i]++
			if counters[i] < sampledExt[i] {
				break
			}
			counters[i] = 0
		}
		if i < 0 {
			break
		}
	}
	if int64(len(out)) != total {
		return nil, fmt.Errorf("extracted %d values, expected %d", len(out), total)
	}
	return out, nil
}
