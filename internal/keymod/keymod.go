// Copyright (c) 2026 DKPS Team
// DKPS - DRM key provisioning server
// This source code is licensed under the MIT license found in the LICENSE file.

// Package keymod holds the pluggable parser and filter modules that shape
// uploaded key batches. Projects reference modules by name; resolution
// happens at upload time so a project can be registered before its module
// ships.
package keymod

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

// Record is the canonical serialized form of a single DRM key. Two uploads
// of the same key always produce byte-identical records, which is what the
// dedup hash in the key store relies on.
type Record []byte

// Parser turns an uploaded blob into individual key records.
type Parser interface {
	Parse(data []byte) ([]Record, error)
}

// Filter post-processes a parsed batch, dropping or rejecting records.
type Filter interface {
	Filter(records []Record) ([]Record, error)
}

// ErrModuleNotFound is returned when a project references a parser or
// filter name that has not been registered.
var ErrModuleNotFound = errors.New("module not found")

var (
	mu      sync.RWMutex
	parsers = map[string]Parser{}
	filters = map[string]Filter{}
)

// RegisterParser installs a parser under the given name, replacing any
// previous registration.
func RegisterParser(name string, p Parser) {
	mu.Lock()
	defer mu.Unlock()
	parsers[name] = p
}

// RegisterFilter installs a filter under the given name.
func RegisterFilter(name string, f Filter) {
	mu.Lock()
	defer mu.Unlock()
	filters[name] = f
}

// LookupParser resolves a parser by name.
func LookupParser(name string) (Parser, error) {
	mu.RLock()
	defer mu.RUnlock()
	p, ok := parsers[name]
	if !ok {
		return nil, fmt.Errorf("parser %q: %w", name, ErrModuleNotFound)
	}
	return p, nil
}

// LookupFilter resolves a filter by name.
func LookupFilter(name string) (Filter, error) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := filters[name]
	if !ok {
		return nil, fmt.Errorf("filter %q: %w", name, ErrModuleNotFound)
	}
	return f, nil
}

func init() {
	RegisterParser("json_list", jsonListParser{})
	RegisterParser("yaml_list", yamlListParser{})
	RegisterFilter("identity", identityFilter{})
	RegisterFilter("require_fields", RequireFields())
}

// canonicalize re-marshals a decoded key value so that field order and
// whitespace never vary between uploads.
func canonicalize(v any) (Record, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Record(out), nil
}

// jsonListParser accepts a JSON array; every element is one key.
type jsonListParser struct{}

func (jsonListParser) Parse(data []byte) ([]Record, error) {
	var items []any
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("not a JSON list: %w", err)
	}
	records := make([]Record, 0, len(items))
	for i, item := range items {
		rec, err := canonicalize(item)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// yamlListParser accepts a YAML sequence; every element is one key. Records
// are canonicalized to JSON so the two list formats hash identically.
type yamlListParser struct{}

func (yamlListParser) Parse(data []byte) ([]Record, error) {
	var items []any
	if err := yaml.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("not a YAML list: %w", err)
	}
	records := make([]Record, 0, len(items))
	for i, item := range items {
		rec, err := canonicalize(normalizeYAML(item))
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// normalizeYAML rewrites yaml.v3's decoded values into JSON-marshalable
// shapes (string-keyed maps all the way down).
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}

// identityFilter passes a batch through untouched.
type identityFilter struct{}

func (identityFilter) Filter(records []Record) ([]Record, error) {
	return records, nil
}

// requireFieldsFilter rejects a batch when any record is not a JSON object
// or lacks one of the required fields.
type requireFieldsFilter struct {
	fields []string
}

// RequireFields builds a filter that insists every record is a JSON object
// carrying all of the named fields. With no fields it only enforces the
// object shape.
func RequireFields(fields ...string) Filter {
	return requireFieldsFilter{fields: fields}
}

func (f requireFieldsFilter) Filter(records []Record) ([]Record, error) {
	for i, rec := range records {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(rec, &obj); err != nil {
			return nil, fmt.Errorf("key %d is not an object: %w", i, err)
		}
		for _, field := range f.fields {
			if _, ok := obj[field]; !ok {
				return nil, fmt.Errorf("key %d is missing field %q", i, field)
			}
		}
	}
	return records, nil
}
