package mat

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/klauspost/compress/zlib"
)

// ErrFormat is returned when the input is not a readable Level 5 MAT-file.
var ErrFormat = errors.New("not a Level 5 MAT-file")

// Header is the descriptive part of a MAT-file header.
type Header struct {
	Text    string
	Version uint16
	Order   binary.ByteOrder
}

// Decoder reads the variables of a MAT-file.
type Decoder struct {
	r io.Reader
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode reads every variable of the file in r.
func Decode(r io.Reader) ([]Variable, error) {
	_, vars, err := NewDecoder(r).Decode()
	return vars, err
}

// Decode reads the whole input and returns its header and variables.
// Top-level elements other than arrays are skipped.
func (d *Decoder) Decode() (*Header, []Variable, error) {
	raw, err := io.ReadAll(d.r)
	if err != nil {
		return nil, nil, fmt.Errorf("error reading input: %w", err)
	}
	hdr, err := parseHeader(raw)
	if err != nil {
		return nil, nil, err
	}
	p := parser{order: hdr.Order}
	var vars []Variable
	rest := raw[headerSize:]
	for len(rest) > 0 {
		// some writers pad the file tail with fewer than a tag's bytes
		if len(rest) < 8 {
			break
		}
		typ, data, next, err := p.element(rest)
		if err != nil {
			return nil, nil, err
		}
		rest = next
		v, ok, err := p.variable(typ, data)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			vars = append(vars, v)
		}
	}
	return hdr, vars, nil
}

func parseHeader(raw []byte) (*Header, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("%w: file is %d bytes", ErrFormat, len(raw))
	}
	hdr := &Header{Text: strings.TrimRight(string(raw[:headerTextSize]), " \x00")}
	switch string(raw[126:128]) {
	case "IM":
		hdr.Order = binary.LittleEndian
	case "MI":
		hdr.Order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: bad endian indicator %q", ErrFormat, raw[126:128])
	}
	hdr.Version = hdr.Order.Uint16(raw[124:126])
	if hdr.Version != version {
		return nil, fmt.Errorf("%w: version %#04x", ErrFormat, hdr.Version)
	}
	return hdr, nil
}

type parser struct {
	order binary.ByteOrder
}

// element splits one tagged element off b.
func (p parser) element(b []byte) (dataType, []byte, []byte, error) {
	if len(b) < 8 {
		return 0, nil, nil, fmt.Errorf("%w: truncated tag", ErrFormat)
	}
	first := p.order.Uint32(b)
	if n := int(first >> 16); n != 0 {
		if n > 4 {
			return 0, nil, nil, fmt.Errorf("%w: small element of %d bytes", ErrFormat, n)
		}
		return dataType(first & 0xffff), b[4 : 4+n], b[8:], nil
	}
	typ := dataType(first)
	n := int(p.order.Uint32(b[4:]))
	if n < 0 || 8+n > len(b) {
		return 0, nil, nil, fmt.Errorf("%w: element of %d bytes overruns input", ErrFormat, n)
	}
	end := 8 + n
	if typ != miCOMPRESSED {
		end = 8 + pad8(n)
		if end > len(b) {
			end = len(b)
		}
	}
	return typ, b[8 : 8+n], b[end:], nil
}

func (p parser) variable(typ dataType, data []byte) (Variable, bool, error) {
	switch typ {
	case miMATRIX:
		name, v, err := p.array(data)
		if err != nil {
			return Variable{}, false, err
		}
		return Variable{Name: name, Value: v}, true, nil
	case miCOMPRESSED:
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return Variable{}, false, fmt.Errorf("error opening compressed element: %w", err)
		}
		defer zr.Close()
		inner, err := io.ReadAll(zr)
		if err != nil {
			return Variable{}, false, fmt.Errorf("error inflating compressed element: %w", err)
		}
		ityp, idata, _, err := p.element(inner)
		if err != nil {
			return Variable{}, false, err
		}
		return p.variable(ityp, idata)
	default:
		return Variable{}, false, nil
	}
}

// array decodes the body of a miMATRIX element.
func (p parser) array(b []byte) (string, any, error) {
	if len(b) == 0 {
		// empty cells written by MATLAB carry no sub-elements
		return "", nil, nil
	}
	typ, flagsRaw, b, err := p.element(b)
	if err != nil {
		return "", nil, err
	}
	if typ != miUINT32 || len(flagsRaw) < 4 {
		return "", nil, fmt.Errorf("%w: bad array flags", ErrFormat)
	}
	word := p.order.Uint32(flagsRaw)
	class := arrayClass(word & 0xff)
	flags := byte(word >> 8)

	typ, dimsRaw, b, err := p.element(b)
	if err != nil {
		return "", nil, err
	}
	if typ != miINT32 {
		return "", nil, fmt.Errorf("%w: bad dimensions", ErrFormat)
	}
	dims := make([]int, len(dimsRaw)/4)
	if len(dims) < 2 {
		return "", nil, fmt.Errorf("%w: %d dimensions", ErrFormat, len(dims))
	}
	count := 1
	for i := range dims {
		d := int(int32(p.order.Uint32(dimsRaw[4*i:])))
		if d < 0 {
			return "", nil, fmt.Errorf("%w: negative dimension %d", ErrFormat, d)
		}
		if d > 0 && count > math.MaxInt32/d {
			return "", nil, fmt.Errorf("%w: dimension product overflows", ErrFormat)
		}
		dims[i] = d
		count *= d
	}

	_, nameRaw, b, err := p.element(b)
	if err != nil {
		return "", nil, err
	}
	name := string(bytes.TrimRight(nameRaw, "\x00"))

	switch class {
	case mxCELL:
		if !fits(count, 8, b) {
			return "", nil, fmt.Errorf("%w: %v cell array overruns input", ErrFormat, dims)
		}
		elems := make([]any, count)
		for i := range elems {
			typ, data, rest, err := p.element(b)
			if err != nil {
				return "", nil, err
			}
			if typ != miMATRIX {
				return "", nil, fmt.Errorf("%w: cell element of type %d", ErrFormat, typ)
			}
			if _, elems[i], err = p.array(data); err != nil {
				return "", nil, err
			}
			b = rest
		}
		if len(dims) == 2 && dims[0] <= 1 {
			return name, elems, nil
		}
		return name, nest(dims, elems), nil
	case mxSTRUCT:
		v, err := p.structArray(b, dims, count)
		return name, v, err
	case mxCHAR:
		typ, data, _, err := p.element(b)
		if err != nil {
			return "", nil, err
		}
		v, err := p.chars(dims, typ, data)
		return name, v, err
	case mxDOUBLE, mxSINGLE, mxINT8, mxUINT8, mxINT16, mxUINT16, mxINT32, mxUINT32, mxINT64, mxUINT64:
		if flags&flagComplex != 0 {
			return "", nil, fmt.Errorf("%w: complex array %q", ErrUnsupportedValue, name)
		}
		typ, data, _, err := p.element(b)
		if err != nil {
			return "", nil, err
		}
		nums, err := p.numbers(typ, data)
		if err != nil {
			return "", nil, err
		}
		if len(nums) != count {
			return "", nil, fmt.Errorf("%w: %d values for %v array", ErrFormat, len(nums), dims)
		}
		elems := make([]any, count)
		logical := flags&flagLogical != 0
		for i, f := range nums {
			if logical {
				elems[i] = f != 0
			} else {
				elems[i] = f
			}
		}
		if class == mxDOUBLE && len(dims) == 2 && dims[0] == 0 && dims[1] == 0 {
			return name, nil, nil
		}
		return name, shapeNumeric(dims, elems), nil
	default:
		return "", nil, fmt.Errorf("%w: array class %d", ErrUnsupportedValue, class)
	}
}

func (p parser) structArray(b []byte, dims []int, count int) (any, error) {
	typ, widthRaw, b, err := p.element(b)
	if err != nil {
		return nil, err
	}
	if typ != miINT32 || len(widthRaw) < 4 {
		return nil, fmt.Errorf("%w: bad field name length", ErrFormat)
	}
	width := int(p.order.Uint32(widthRaw))
	_, packed, b, err := p.element(b)
	if err != nil {
		return nil, err
	}
	var names []string
	if width > 0 {
		for off := 0; off+width <= len(packed); off += width {
			names = append(names, string(bytes.TrimRight(packed[off:off+width], "\x00")))
		}
	}

	if !fits(count, 8*len(names), b) {
		return nil, fmt.Errorf("%w: %v struct array overruns input", ErrFormat, dims)
	}
	elems := make([]any, count)
	for i := range elems {
		s := make(Struct, len(names))
		for j, n := range names {
			typ, data, rest, err := p.element(b)
			if err != nil {
				return nil, err
			}
			if typ != miMATRIX {
				return nil, fmt.Errorf("%w: field %q of type %d", ErrFormat, n, typ)
			}
			_, v, err := p.array(data)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", n, err)
			}
			s[j] = Field{Name: n, Value: v}
			b = rest
		}
		elems[i] = s
	}
	if count == 1 {
		return elems[0], nil
	}
	if len(dims) == 2 && dims[0] <= 1 {
		return elems, nil
	}
	return nest(dims, elems), nil
}

func (p parser) chars(dims []int, typ dataType, data []byte) (any, error) {
	units, err := p.runes(typ, data)
	if err != nil {
		return nil, err
	}
	if len(dims) != 2 || dims[0] <= 1 {
		return string(units), nil
	}
	// rows of a char matrix are interleaved column-major
	rows, cols := dims[0], dims[1]
	size := 1
	if cols == 0 {
		size = 0
	}
	if !fits(rows, size, data) {
		return nil, fmt.Errorf("%w: %v char array overruns input", ErrFormat, dims)
	}
	out := make([]any, rows)
	for r := 0; r < rows; r++ {
		row := make([]rune, 0, cols)
		for c := 0; c < cols && r+c*rows < len(units); c++ {
			row = append(row, units[r+c*rows])
		}
		out[r] = strings.TrimRight(string(row), " ")
	}
	return out, nil
}

// runes decodes char data stored as UTF-8, UTF-16 or any integer type.
func (p parser) runes(typ dataType, data []byte) ([]rune, error) {
	switch typ {
	case miUTF8:
		if !utf8.Valid(data) {
			return nil, fmt.Errorf("%w: invalid UTF-8 char data", ErrFormat)
		}
		return []rune(string(data)), nil
	case miUINT16, miUTF16:
		units := make([]uint16, len(data)/2)
		for i := range units {
			units[i] = p.order.Uint16(data[2*i:])
		}
		return utf16.Decode(units), nil
	default:
		nums, err := p.numbers(typ, data)
		if err != nil {
			return nil, err
		}
		out := make([]rune, len(nums))
		for i, f := range nums {
			out[i] = rune(f)
		}
		return out, nil
	}
}

// numbers converts numeric element data of any storage type to float64.
func (p parser) numbers(typ dataType, data []byte) ([]float64, error) {
	var size int
	switch typ {
	case miINT8, miUINT8:
		size = 1
	case miINT16, miUINT16:
		size = 2
	case miINT32, miUINT32, miSINGLE:
		size = 4
	case miDOUBLE, miINT64, miUINT64:
		size = 8
	default:
		return nil, fmt.Errorf("%w: numeric data of type %d", ErrFormat, typ)
	}
	out := make([]float64, len(data)/size)
	for i := range out {
		c := data[i*size:]
		switch typ {
		case miINT8:
			out[i] = float64(int8(c[0]))
		case miUINT8:
			out[i] = float64(c[0])
		case miINT16:
			out[i] = float64(int16(p.order.Uint16(c)))
		case miUINT16:
			out[i] = float64(p.order.Uint16(c))
		case miINT32:
			out[i] = float64(int32(p.order.Uint32(c)))
		case miUINT32:
			out[i] = float64(p.order.Uint32(c))
		case miSINGLE:
			out[i] = float64(math.Float32frombits(p.order.Uint32(c)))
		case miDOUBLE:
			out[i] = math.Float64frombits(p.order.Uint64(c))
		case miINT64:
			out[i] = float64(int64(p.order.Uint64(c)))
		case miUINT64:
			out[i] = float64(p.order.Uint64(c))
		}
	}
	return out, nil
}

// maxEmpty bounds arrays whose elements take no bytes, such as structs
// without fields.
const maxEmpty = 1 << 16

// fits reports whether n elements of at least size bytes each can be read
// from b.
func fits(n, size int, b []byte) bool {
	if size == 0 {
		return n <= maxEmpty
	}
	return n <= len(b)/size
}

// shapeNumeric collapses 1x1 arrays to scalars and row vectors to flat
// slices; anything else is nested along its dimensions.
func shapeNumeric(dims []int, elems []any) any {
	if len(dims) == 2 && dims[0] == 1 {
		if dims[1] == 1 {
			return elems[0]
		}
		return elems
	}
	return nest(dims, elems)
}

// nest rebuilds nested slices from column-major elements.
func nest(dims []int, elems []any) any {
	strides := make([]int, len(dims))
	total := 1
	for i, d := range dims {
		strides[i] = total
		total *= d
	}
	var build func(depth, base int) any
	build = func(depth, base int) any {
		if depth == len(dims) {
			return elems[base]
		}
		out := make([]any, dims[depth])
		for i := range out {
			out[i] = build(depth+1, base+i*strides[depth])
		}
		return out
	}
	return build(0, 0)
}
