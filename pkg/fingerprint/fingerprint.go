package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Compute returns the content address of a task: the hex sha256 of its
// canonical manifest and normalized spec joined by a "---" separator.
// Any semantic edit to either input changes the result; formatting-only
// edits (JSON key order, insignificant whitespace, CRLF line endings,
// trailing spaces) do not.
func Compute(manifestJSON []byte, specText string) (string, error) {
	canonical, err := CanonicalizeJSON(manifestJSON)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize manifest: %w", err)
	}

	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte("\n---\n"))
	h.Write([]byte(NormalizeSpec(specText)))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ComputeFromFiles reads a manifest and spec from disk and fingerprints them.
func ComputeFromFiles(manifestPath, specPath string) (string, error) {
	manifest, err := os.ReadFile(manifestPath)
	if err != nil {
		return "", fmt.Errorf("failed to read manifest: %w", err)
	}
	spec, err := os.ReadFile(specPath)
	if err != nil {
		return "", fmt.Errorf("failed to read spec: %w", err)
	}
	return Compute(manifest, string(spec))
}

// CanonicalizeJSON re-encodes a JSON document with object keys sorted
// lexicographically at every nesting level, arrays in declared order,
// and no insignificant whitespace. Numeric literals pass through
// unchanged via json.Number.
func CanonicalizeJSON(data []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case json.Number:
		buf.WriteString(val.String())
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// NormalizeSpec converts CRLF to LF and right-trims each line. No other
// trailing-newline mutation is applied.
func NormalizeSpec(spec string) string {
	spec = strings.ReplaceAll(spec, "\r\n", "\n")
	lines := strings.Split(spec, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}
