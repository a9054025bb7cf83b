package mat

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrInvalidName is returned for variable or field names MATLAB cannot load.
var ErrInvalidName = errors.New("invalid name")

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameByte(c byte) bool {
	return isLetter(c) || (c >= '0' && c <= '9') || c == '_'
}

// ValidName reports whether name is a MATLAB identifier of at most limit bytes.
func ValidName(name string, limit int) bool {
	if name == "" || len(name) > limit || !isLetter(name[0]) {
		return false
	}
	for i := 1; i < len(name); i++ {
		if !isNameByte(name[i]) {
			return false
		}
	}
	return true
}

func checkName(name string, limit int) error {
	if len(name) > limit {
		return fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidName, name, limit)
	}
	if !ValidName(name, limit) {
		return fmt.Errorf("%w: %q is not a MATLAB identifier", ErrInvalidName, name)
	}
	return nil
}

// SanitizeName rewrites name into a MATLAB identifier of at most limit
// bytes. Bytes outside [A-Za-z0-9_] become '_' and an 'x' is prefixed
// when the name does not start with a letter.
func SanitizeName(name string, limit int) string {
	b := []byte(name)
	for i, c := range b {
		if !isNameByte(c) {
			b[i] = '_'
		}
	}
	if len(b) == 0 || !isLetter(b[0]) {
		b = append([]byte{'x'}, b...)
	}
	if len(b) > limit {
		b = b[:limit]
	}
	return string(b)
}

// fieldNames validates, or sanitizes when asked, the names of a struct.
func fieldNames(s Struct, opts Options) ([]string, error) {
	limit := opts.nameLimit()
	names := make([]string, len(s))
	seen := make(map[string]bool, len(s))
	for i, f := range s {
		name := f.Name
		if opts.SanitizeNames {
			name = uniqueName(SanitizeName(name, limit), limit, seen)
		} else {
			if err := checkName(name, limit); err != nil {
				return nil, err
			}
			if seen[name] {
				return nil, fmt.Errorf("%w: duplicate field %q", ErrInvalidName, name)
			}
		}
		seen[name] = true
		names[i] = name
	}
	return names, nil
}

func uniqueName(name string, limit int, seen map[string]bool) string {
	if !seen[name] {
		return name
	}
	for n := 1; ; n++ {
		suffix := "_" + strconv.Itoa(n)
		base := name
		if len(base)+len(suffix) > limit {
			base = base[:limit-len(suffix)]
		}
		if candidate := base + suffix; !seen[candidate] {
			return candidate
		}
	}
}
