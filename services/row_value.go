package services

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jfilter/timetiles-sub003/models"
)

// Row is one parsed data row. Values use JSON decoding conventions: nil,
// bool, float64, string, []any, map[string]any.
type Row map[string]any

// valueAtPath resolves a dot-separated path ("location.city") inside a row.
func valueAtPath(row map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = row
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// kindOf classifies a decoded JSON value into one of the schema value kinds.
func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return models.KindNull
	case bool:
		return models.KindBool
	case float64, int, int64, json.Number:
		return models.KindNumber
	case string:
		return models.KindString
	case []any:
		return models.KindArray
	case map[string]any:
		return models.KindObject
	default:
		return models.KindUnknown
	}
}

// contentHash returns the SHA-256 of a row's canonical JSON encoding. Map
// keys marshal in sorted order, so equal rows hash equally regardless of
// insertion order.
func contentHash(row map[string]any) (string, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// hashFields hashes the values at an ordered list of field paths. Missing
// paths hash as null so the key stays stable across sparse rows.
func hashFields(row map[string]any, paths []string) (string, error) {
	values := make([]any, 0, len(paths))
	for _, p := range paths {
		v, _ := valueAtPath(row, p)
		values = append(values, v)
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// stringAtPath renders the value at a path as a string, or "" when absent.
func stringAtPath(row map[string]any, path string) string {
	v, ok := valueAtPath(row, path)
	if !ok || v == nil {
		return ""
	}
	return scalarString(v)
}

// scalarString renders a scalar value the way it would appear in JSON.
func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// floatAtPath parses the value at a path as a number.
func floatAtPath(row map[string]any, path string) (float64, bool) {
	v, ok := valueAtPath(row, path)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
