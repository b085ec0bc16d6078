package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint returns a stable hash of a server definition, independent
// of key order and formatting. The reloader compares fingerprints to
// decide which upstreams actually changed.
func Fingerprint(sc ServerConfig) uint64 {
	raw, err := json.Marshal(sc)
	if err != nil {
		// ServerConfig is a flat struct of strings, maps, and slices;
		// marshal cannot realistically fail.
		return 0
	}
	canonical, err := Canonicalize(raw)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(canonical)
}

// Canonicalize rewrites a JSON document with object keys sorted at
// every level, producing byte-identical output for semantically equal
// documents.
func Canonicalize(raw []byte) ([]byte, error) {
	var value interface{}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}

	var b strings.Builder
	if err := writeCanonical(&b, value); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func writeCanonical(b *strings.Builder, value interface{}) error {
	switch v := value.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(keyJSON)
			b.WriteByte(':')
			if err := writeCanonical(b, v[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
		return nil
	case []interface{}:
		b.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil
	case json.Number:
		b.WriteString(v.String())
		return nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		b.Write(raw)
		return nil
	}
}
