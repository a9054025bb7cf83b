package convert

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"mvdan.cc/sh/v3/shell"
	"tasadar.net/tionis/json2mat/mat"
)

const (
	// DefaultVariable is the name the decoded input is stored under.
	DefaultVariable = "data"
	// Extension is appended to the derived base name.
	Extension = ".mat"

	maxLineSize = 64 << 20
)

type inputFormatType interface {
	isLineByLine() bool
	convert(data []byte) (interface{}, error)
}

var inputFormats = map[string]inputFormatType{
	"json":  jsonIn{},
	"jsonl": jsonlIn{},
	"jsonc": jsoncIn{},
}

// Formats lists the accepted input format names.
func Formats() []string {
	return []string{"json", "jsonl", "jsonc"}
}

// Request describes one conversion.
type Request struct {
	// Path only names the output: its last element minus the extension.
	Path string
	// OutDir is expanded like a double-quoted shell word. Empty means ".".
	OutDir string
	// Format is an input format name. Empty means "json".
	Format string
	// Variable is the MAT-file variable name. Empty means DefaultVariable.
	Variable string
	Options  mat.Options
	// Verify reads the written file back and checks the variable is there.
	Verify bool
}

// Result describes the file a successful Run wrote.
type Result struct {
	Path string
	Size int64
}

// BaseName derives the output name from path: the final element with its
// extension removed. A name without an extension is kept whole.
func BaseName(path string) (string, error) {
	if path == "" {
		return "", errors.New("no path given")
	}
	base := filepath.Base(path)
	if base == "." || base == ".." || base == string(filepath.Separator) {
		return "", fmt.Errorf("cannot derive a file name from path %q", path)
	}
	if name := strings.TrimSuffix(base, filepath.Ext(base)); name != "" {
		return name, nil
	}
	// dotfiles like ".json" have nothing left after the extension
	return base, nil
}

// Run reads in, decodes it with the requested format and writes it as a
// MAT-file holding a single variable. Failures are *DecodeError or
// *WriteError.
func Run(req Request, in io.Reader) (*Result, error) {
	base, err := BaseName(req.Path)
	if err != nil {
		return nil, &WriteError{Err: err}
	}
	format := req.Format
	if format == "" {
		format = "json"
	}
	inputFormat, ok := inputFormats[format]
	if !ok {
		return nil, &WriteError{Err: fmt.Errorf("invalid input format: %s", format)}
	}
	name := req.Variable
	if name == "" {
		name = DefaultVariable
	}
	dir := req.OutDir
	if dir == "" {
		dir = "."
	}
	dir, err = shell.Expand(dir, nil)
	if err != nil {
		return nil, &WriteError{Err: fmt.Errorf("error expanding output directory: %w", err)}
	}
	target := filepath.Join(dir, base+Extension)

	value, err := readInput(inputFormat, in)
	if err != nil {
		return nil, err
	}
	log.Printf("decoded %s input, writing %s", format, target)

	size, err := writeFile(target, []mat.Variable{{Name: name, Value: value}}, req.Options)
	if err != nil {
		return nil, &WriteError{Path: target, Err: err}
	}
	if req.Verify {
		if err := verifyFile(target, name); err != nil {
			return nil, &WriteError{Path: target, Err: err}
		}
		log.Printf("verified variable %q in %s", name, target)
	}
	return &Result{Path: target, Size: size}, nil
}

// scanRawLines splits on '\n' like bufio.ScanLines but leaves a trailing
// '\r' in the line, so len(line)+1 is the number of input bytes consumed.
// JSON treats the '\r' as whitespace.
func scanRawLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func readInput(inputFormat inputFormatType, in io.Reader) (interface{}, error) {
	if inputFormat.isLineByLine() {
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		scanner.Split(scanRawLines)
		lines := []interface{}{}
		var offset int64
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Bytes()
			lineData, err := inputFormat.convert(line)
			switch {
			case errors.Is(err, errBlankLine):
			case err != nil:
				var decErr *DecodeError
				if errors.As(err, &decErr) {
					return nil, &DecodeError{Line: lineNo, Offset: offset + decErr.Offset, Err: decErr.Err}
				}
				return nil, &DecodeError{Line: lineNo, Offset: offset, Err: err}
			default:
				lines = append(lines, lineData)
			}
			offset += int64(len(line)) + 1
		}
		if err := scanner.Err(); err != nil {
			return nil, &WriteError{Err: fmt.Errorf("error reading input: %w", err)}
		}
		if lineNo == 0 {
			return nil, &DecodeError{Err: io.ErrUnexpectedEOF}
		}
		return lines, nil
	}

	input, err := io.ReadAll(in)
	if err != nil {
		return nil, &WriteError{Err: fmt.Errorf("error reading input: %w", err)}
	}
	inputData, err := inputFormat.convert(input)
	if err != nil {
		var decErr *DecodeError
		if errors.As(err, &decErr) {
			return nil, decErr
		}
		return nil, &DecodeError{Err: err}
	}
	return inputData, nil
}

// writeFile encodes vars into a temporary file next to target and renames
// it into place, so target is either untouched or complete.
func writeFile(target string, vars []mat.Variable, opts mat.Options) (size int64, err error) {
	tmp := filepath.Join(filepath.Dir(target), "."+filepath.Base(target)+"."+uuid.NewString()+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("error creating file: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	w := bufio.NewWriter(f)
	if err = mat.Encode(w, vars, opts); err != nil {
		return 0, err
	}
	if err = w.Flush(); err != nil {
		return 0, fmt.Errorf("error writing file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("error reading file info: %w", err)
	}
	if err = f.Close(); err != nil {
		return 0, fmt.Errorf("error closing file: %w", err)
	}
	if err = os.Rename(tmp, target); err != nil {
		return 0, fmt.Errorf("error moving file into place: %w", err)
	}
	return info.Size(), nil
}

func verifyFile(path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening file for verification: %w", err)
	}
	defer f.Close()
	vars, err := mat.Decode(bufio.NewReader(f))
	if err != nil {
		return fmt.Errorf("error reading back file: %w", err)
	}
	for _, v := range vars {
		if v.Name == name {
			return nil
		}
	}
	return fmt.Errorf("variable %q missing from written file", name)
}
