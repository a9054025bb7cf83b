// Package mat reads and writes MATLAB Level 5 MAT-files.
//
// Values are exchanged as a small tree of Go values that mirrors JSON:
//
//	float64        1x1 double
//	bool           1x1 logical
//	nil            0x0 double
//	string         1xN char ("" is 0x0)
//	[]any          numeric or logical N-D array when rectangular, 1xN cell otherwise
//	Struct         1x1 struct with ordered fields
//
// Decode maps arrays back onto the same tree. A single-row matrix reads
// back as a flat slice and a one-element array reads back as a scalar.
package mat

import (
	"time"
)

type dataType uint32

const (
	miINT8       dataType = 1
	miUINT8      dataType = 2
	miINT16      dataType = 3
	miUINT16     dataType = 4
	miINT32      dataType = 5
	miUINT32     dataType = 6
	miSINGLE     dataType = 7
	miDOUBLE     dataType = 9
	miINT64      dataType = 12
	miUINT64     dataType = 13
	miMATRIX     dataType = 14
	miCOMPRESSED dataType = 15
	miUTF8       dataType = 16
	miUTF16      dataType = 17
	miUTF32      dataType = 18
)

type arrayClass uint8

const (
	mxCELL   arrayClass = 1
	mxSTRUCT arrayClass = 2
	mxOBJECT arrayClass = 3
	mxCHAR   arrayClass = 4
	mxSPARSE arrayClass = 5
	mxDOUBLE arrayClass = 6
	mxSINGLE arrayClass = 7
	mxINT8   arrayClass = 8
	mxUINT8  arrayClass = 9
	mxINT16  arrayClass = 10
	mxUINT16 arrayClass = 11
	mxINT32  arrayClass = 12
	mxUINT32 arrayClass = 13
	mxINT64  arrayClass = 14
	mxUINT64 arrayClass = 15
)

// Array flag bits, stored in the second byte of the flags word.
const (
	flagLogical = 0x02
	flagGlobal  = 0x04
	flagComplex = 0x08
)

const (
	headerSize     = 128
	headerTextSize = 116
	version        = 0x0100

	// Name limits exclude the terminating NUL of the on-disk field.
	shortNameLimit = 31
	longNameLimit  = 63
)

// Field is one named member of a Struct.
type Field struct {
	Name  string
	Value any
}

// Struct is a 1x1 MATLAB struct whose fields keep their order.
type Struct []Field

// Get returns the value of the named field.
func (s Struct) Get(name string) (any, bool) {
	for _, f := range s {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Names returns the field names in order.
func (s Struct) Names() []string {
	names := make([]string, len(s))
	for i, f := range s {
		names[i] = f.Name
	}
	return names
}

// Variable is a top-level named array of a MAT-file.
type Variable struct {
	Name  string
	Value any
}

// Options control how an Encoder writes a file.
type Options struct {
	// ShortFieldNames limits names to 31 bytes instead of 63.
	ShortFieldNames bool
	// SanitizeNames rewrites invalid or duplicate field names instead of
	// failing.
	SanitizeNames bool
	// Compress stores each variable as a zlib-compressed element.
	Compress bool
	// Platform is written into the header text. Defaults to runtime.GOOS.
	Platform string
	// Created is written into the header text. Defaults to time.Now.
	Created time.Time
}

func (o Options) nameLimit() int {
	if o.ShortFieldNames {
		return shortNameLimit
	}
	return longNameLimit
}

func pad8(n int) int {
	if r := n % 8; r != 0 {
		return n + 8 - r
	}
	return n
}
