// Package config reads replica configuration: the key/value config file,
// the object store settings in it, and the JSON state transfer tuning.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

var ErrMissingKey = errors.New("config: missing key")

// File is a parsed config file. The format is YAML-like:
//
//	# comment
//	replicas_config:
//	- 127.0.0.1:3410
//	- 127.0.0.1:3420
//	clients_config: 127.0.0.1:4444
//
// A key may have any number of values.
type File struct {
	Name   string
	params map[string][]string
}

func ParseFile(name string) (*File, error) {
	fh, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer fh.Close()

	f, err := Parse(fh)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	f.Name = name
	return f, nil
}

func Parse(r io.Reader) (*File, error) {
	f := &File{params: map[string][]string{}}

	var key string
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}

		if line[0] == '-' {
			value := strings.TrimSpace(line[1:])
			if key == "" {
				return nil, fmt.Errorf("line %d: no key for value %q", lineNo, value)
			}
			f.add(key, value)
			continue
		}

		k, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(k)
		if value = strings.TrimSpace(value); value != "" {
			f.add(key, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) add(key, value string) {
	f.params[key] = append(f.params[key], value)
}

func (f *File) Count(key string) int {
	return len(f.params[key])
}

// Values returns all values for key in file order
func (f *File) Values(key string) []string {
	return append([]string(nil), f.params[key]...)
}

// Value returns the first value for key
func (f *File) Value(key string) (string, error) {
	v := f.params[key]
	if len(v) == 0 {
		return "", fmt.Errorf("%w: %s", ErrMissingKey, key)
	}
	return v[0], nil
}

// OptionalValue returns the first value for key or def
func (f *File) OptionalValue(key, def string) string {
	if v, err := f.Value(key); err == nil {
		return v
	}
	return def
}

func (f *File) Keys() []string {
	keys := make([]string, 0, len(f.params))
	for k := range f.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SplitValue splits value on any of the delimiter characters, dropping
// empty tokens
func SplitValue(value, delimiters string) []string {
	return strings.FieldsFunc(value, func(r rune) bool {
		return strings.ContainsRune(delimiters, r)
	})
}
