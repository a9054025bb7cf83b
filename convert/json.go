package convert

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"tasadar.net/tionis/json2mat/mat"
)

type jsonIn struct {
}

func (j jsonIn) isLineByLine() bool {
	return false
}

// convert decodes exactly one JSON value, keeping object key order.
func (j jsonIn) convert(data []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	result, err := decodeValue(dec)
	if err != nil {
		return nil, decodeError(dec, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		if err == nil {
			err = errors.New("invalid character after top-level value")
		}
		return nil, decodeError(dec, err)
	}
	return result, nil
}

func decodeError(dec *json.Decoder, err error) *DecodeError {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	var syntax *json.SyntaxError
	if errors.As(err, &syntax) {
		return &DecodeError{Offset: syntax.Offset, Err: err}
	}
	return &DecodeError{Offset: dec.InputOffset(), Err: err}
}

// decodeValue walks the token stream so objects come out as mat.Struct
// with their keys in input order. A repeated key keeps its first position
// and its last value.
func decodeValue(dec *json.Decoder) (interface{}, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '[':
			list := []interface{}{}
			for dec.More() {
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				list = append(list, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return list, nil
		case '{':
			obj := mat.Struct{}
			index := map[string]int{}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("unexpected object key %v", keyTok)
				}
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				if i, seen := index[key]; seen {
					obj[i].Value = v
					continue
				}
				index[key] = len(obj)
				obj = append(obj, mat.Field{Name: key, Value: v})
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return obj, nil
		default:
			return nil, fmt.Errorf("unexpected delimiter %q", t)
		}
	case json.Number:
		return parseNumber(t)
	default:
		// string, bool or nil
		return t, nil
	}
}

// parseNumber keeps the nearest double for numbers out of float64 range,
// so 1e400 becomes +Inf and 1e-400 becomes 0.
func parseNumber(n json.Number) (float64, error) {
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return 0, err
	}
	return f, nil
}
