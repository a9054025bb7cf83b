package mat

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"runtime"
	"sort"
	"time"
	"unicode/utf16"

	"github.com/klauspost/compress/zlib"
)

// ErrUnsupportedValue is returned for Go values that have no MAT-file form.
var ErrUnsupportedValue = errors.New("unsupported value")

var order = binary.LittleEndian

// Encoder writes a MAT-file to an underlying writer.
type Encoder struct {
	w           io.Writer
	opts        Options
	wroteHeader bool
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer, opts Options) *Encoder {
	return &Encoder{w: w, opts: opts}
}

// Encode writes a complete file holding vars to w.
func Encode(w io.Writer, vars []Variable, opts Options) error {
	enc := NewEncoder(w, opts)
	if err := enc.WriteHeader(); err != nil {
		return err
	}
	for _, v := range vars {
		if err := enc.WriteVariable(v.Name, v.Value); err != nil {
			return err
		}
	}
	return nil
}

// WriteHeader writes the 128-byte file header. WriteVariable calls it
// when it has not been written yet.
func (e *Encoder) WriteHeader() error {
	if e.wroteHeader {
		return nil
	}
	platform := e.opts.Platform
	if platform == "" {
		platform = runtime.GOOS
	}
	created := e.opts.Created
	if created.IsZero() {
		created = time.Now()
	}
	text := fmt.Sprintf("MATLAB 5.0 MAT-file Platform: %s, Created on: %s", platform, created.Format(time.ANSIC))
	if len(text) > headerTextSize {
		text = text[:headerTextSize]
	}

	hdr := make([]byte, headerSize)
	copy(hdr, text)
	for i := len(text); i < headerTextSize; i++ {
		hdr[i] = ' '
	}
	// bytes 116-123 hold the subsystem data offset, left zero
	order.PutUint16(hdr[124:], version)
	hdr[126] = 'I'
	hdr[127] = 'M'

	if _, err := e.w.Write(hdr); err != nil {
		return fmt.Errorf("error writing header: %w", err)
	}
	e.wroteHeader = true
	return nil
}

// WriteVariable writes v as a top-level variable called name.
func (e *Encoder) WriteVariable(name string, v any) error {
	if err := checkName(name, e.opts.nameLimit()); err != nil {
		return fmt.Errorf("variable name: %w", err)
	}
	if err := e.WriteHeader(); err != nil {
		return err
	}
	elem, err := e.appendArray(nil, name, v)
	if err != nil {
		return fmt.Errorf("error encoding variable %q: %w", name, err)
	}
	if err := checkSize(elem); err != nil {
		return fmt.Errorf("error encoding variable %q: %w", name, err)
	}
	if e.opts.Compress {
		elem, err = compressElement(elem)
		if err != nil {
			return fmt.Errorf("error compressing variable %q: %w", name, err)
		}
		if err := checkSize(elem); err != nil {
			return fmt.Errorf("error compressing variable %q: %w", name, err)
		}
	}
	if _, err := e.w.Write(elem); err != nil {
		return fmt.Errorf("error writing variable %q: %w", name, err)
	}
	return nil
}

func compressElement(elem []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(elem); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	// compressed elements are not padded
	out := appendTag(make([]byte, 0, 8+buf.Len()), miCOMPRESSED, buf.Len())
	return append(out, buf.Bytes()...), nil
}

// maxElementSize is the largest payload a 32-bit element tag can describe.
var maxElementSize uint64 = math.MaxUint32

// checkSize rejects a top-level element whose payload does not fit its tag.
// Nested elements are smaller than their parent, so checking the outermost
// one covers them.
func checkSize(elem []byte) error {
	if n := uint64(len(elem) - 8); n > maxElementSize {
		return fmt.Errorf("%w: element of %d bytes exceeds the %d byte limit", ErrUnsupportedValue, n, maxElementSize)
	}
	return nil
}

func appendTag(b []byte, typ dataType, n int) []byte {
	b = order.AppendUint32(b, uint32(typ))
	return order.AppendUint32(b, uint32(n))
}

// appendElement writes a tagged data element, using the packed small
// element form when the payload fits in four bytes.
func appendElement(b []byte, typ dataType, data []byte) []byte {
	if n := len(data); n > 0 && n <= 4 {
		b = order.AppendUint32(b, uint32(n)<<16|uint32(typ))
		var small [4]byte
		copy(small[:], data)
		return append(b, small[:]...)
	}
	b = appendTag(b, typ, len(data))
	b = append(b, data...)
	return append(b, make([]byte, pad8(len(data))-len(data))...)
}

func appendMatrix(b []byte, body []byte) []byte {
	b = appendTag(b, miMATRIX, len(body))
	return append(b, body...)
}

// appendArrayHeader writes the flags, dimensions and name sub-elements
// shared by every array class.
func appendArrayHeader(b []byte, class arrayClass, flags byte, dims []int, name string) []byte {
	var fl [8]byte
	order.PutUint32(fl[:], uint32(class)|uint32(flags)<<8)
	b = appendElement(b, miUINT32, fl[:])

	dd := make([]byte, 0, 4*len(dims))
	for _, d := range dims {
		dd = order.AppendUint32(dd, uint32(int32(d)))
	}
	b = appendElement(b, miINT32, dd)
	return appendElement(b, miINT8, []byte(name))
}

// appendArray appends a complete miMATRIX element for v.
func (e *Encoder) appendArray(b []byte, name string, v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return appendMatrix(b, appendDoubles(nil, []int{0, 0}, name, nil)), nil
	case float64:
		return appendMatrix(b, appendDoubles(nil, []int{1, 1}, name, []float64{x})), nil
	case float32:
		return appendMatrix(b, appendDoubles(nil, []int{1, 1}, name, []float64{float64(x)})), nil
	case int:
		return appendMatrix(b, appendDoubles(nil, []int{1, 1}, name, []float64{float64(x)})), nil
	case int64:
		return appendMatrix(b, appendDoubles(nil, []int{1, 1}, name, []float64{float64(x)})), nil
	case bool:
		return appendMatrix(b, appendLogicals(nil, []int{1, 1}, name, []bool{x})), nil
	case string:
		return appendMatrix(b, appendChars(nil, name, x)), nil
	case []float64:
		return appendMatrix(b, appendDoubles(nil, []int{1, len(x)}, name, x)), nil
	case []any:
		return e.appendSlice(b, name, x)
	case Struct:
		return e.appendStruct(b, name, x)
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		s := make(Struct, len(keys))
		for i, k := range keys {
			s[i] = Field{Name: k, Value: x[k]}
		}
		return e.appendStruct(b, name, s)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}

func appendDoubles(b []byte, dims []int, name string, data []float64) []byte {
	b = appendArrayHeader(b, mxDOUBLE, 0, dims, name)
	raw := make([]byte, 0, 8*len(data))
	for _, f := range data {
		raw = order.AppendUint64(raw, math.Float64bits(f))
	}
	return appendElement(b, miDOUBLE, raw)
}

func appendLogicals(b []byte, dims []int, name string, data []bool) []byte {
	b = appendArrayHeader(b, mxUINT8, flagLogical, dims, name)
	raw := make([]byte, len(data))
	for i, v := range data {
		if v {
			raw[i] = 1
		}
	}
	return appendElement(b, miUINT8, raw)
}

func appendChars(b []byte, name string, s string) []byte {
	units := utf16.Encode([]rune(s))
	dims := []int{1, len(units)}
	if len(units) == 0 {
		dims = []int{0, 0}
	}
	b = appendArrayHeader(b, mxCHAR, 0, dims, name)
	raw := make([]byte, 0, 2*len(units))
	for _, u := range units {
		raw = order.AppendUint16(raw, u)
	}
	return appendElement(b, miUINT16, raw)
}

func (e *Encoder) appendSlice(b []byte, name string, x []any) ([]byte, error) {
	if dims, k, ok := gridShape(x); ok {
		strides := make([]int, len(dims))
		total := 1
		for i, d := range dims {
			strides[i] = total
			total *= d
		}
		matDims := matlabDims(dims)
		if k == kindBool {
			data := make([]bool, total)
			fillGrid(x, strides, 0, 0, func(i int, v any) { data[i] = v.(bool) })
			return appendMatrix(b, appendLogicals(nil, matDims, name, data)), nil
		}
		data := make([]float64, total)
		fillGrid(x, strides, 0, 0, func(i int, v any) { data[i] = v.(float64) })
		return appendMatrix(b, appendDoubles(nil, matDims, name, data)), nil
	}

	body := appendArrayHeader(nil, mxCELL, 0, []int{1, len(x)}, name)
	var err error
	for i, v := range x {
		body, err = e.appendArray(body, "", v)
		if err != nil {
			return nil, fmt.Errorf("cell %d: %w", i+1, err)
		}
	}
	return appendMatrix(b, body), nil
}

func (e *Encoder) appendStruct(b []byte, name string, s Struct) ([]byte, error) {
	names, err := fieldNames(s, e.opts)
	if err != nil {
		return nil, err
	}
	width := 1
	for _, n := range names {
		if len(n)+1 > width {
			width = len(n) + 1
		}
	}

	body := appendArrayHeader(nil, mxSTRUCT, 0, []int{1, 1}, name)
	var w [4]byte
	order.PutUint32(w[:], uint32(width))
	body = appendElement(body, miINT32, w[:])
	packed := make([]byte, width*len(names))
	for i, n := range names {
		copy(packed[i*width:], n)
	}
	body = appendElement(body, miINT8, packed)

	for i, f := range s {
		body, err = e.appendArray(body, "", f.Value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", names[i], err)
		}
	}
	return appendMatrix(b, body), nil
}

type gridKind int

const (
	kindEmpty gridKind = iota
	kindNumber
	kindBool
)

// gridShape reports whether x is a rectangular nesting of numbers, or of
// booleans, and returns its dimensions in nesting order.
func gridShape(x []any) ([]int, gridKind, bool) {
	if len(x) == 0 {
		return []int{0}, kindEmpty, true
	}
	switch x[0].(type) {
	case float64:
		for _, v := range x {
			if _, ok := v.(float64); !ok {
				return nil, 0, false
			}
		}
		return []int{len(x)}, kindNumber, true
	case bool:
		for _, v := range x {
			if _, ok := v.(bool); !ok {
				return nil, 0, false
			}
		}
		return []int{len(x)}, kindBool, true
	case []any:
		var inner []int
		kind := kindEmpty
		for i, v := range x {
			sub, ok := v.([]any)
			if !ok {
				return nil, 0, false
			}
			dims, k, ok := gridShape(sub)
			if !ok {
				return nil, 0, false
			}
			if i == 0 {
				inner = dims
			} else if !equalDims(inner, dims) {
				return nil, 0, false
			}
			if k != kindEmpty {
				if kind != kindEmpty && kind != k {
					return nil, 0, false
				}
				kind = k
			}
		}
		return append([]int{len(x)}, inner...), kind, true
	default:
		return nil, 0, false
	}
}

func equalDims(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// matlabDims turns nesting-order dimensions into MATLAB dimensions: a
// vector becomes a row and trailing singletons past the second are dropped.
func matlabDims(dims []int) []int {
	if len(dims) == 1 {
		return []int{1, dims[0]}
	}
	out := append([]int(nil), dims...)
	for len(out) > 2 && out[len(out)-1] == 1 {
		out = out[:len(out)-1]
	}
	return out
}

// fillGrid visits the leaves of a rectangular nesting in column-major order.
func fillGrid(x []any, strides []int, depth, base int, set func(int, any)) {
	for i, v := range x {
		idx := base + i*strides[depth]
		if sub, ok := v.([]any); ok {
			fillGrid(sub, strides, depth+1, idx, set)
			continue
		}
		set(idx, v)
	}
}
