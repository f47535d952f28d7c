// Package contract loads OpenAPI contract documents, diffs two versions of a
// contract, and classifies the resulting diffs by severity and breakage.
package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/getkin/kin-openapi/openapi3"
	"gopkg.in/yaml.v3"
)

// versionHashLen is the truncated hex length of a contract version hash.
const versionHashLen = 16

// EmptyBaseline is the synthetic first-run baseline used when no prior
// snapshot exists and the pipeline must still produce a diff (CI mode).
const EmptyBaseline = `{"openapi":"3.1.0","info":{},"paths":{}}`

// ErrContractShape indicates the contract bytes could not be parsed as an
// OpenAPI document.
var ErrContractShape = errors.New("invalid contract document")

// Document is a parsed OpenAPI contract together with its raw bytes and
// canonical version hash.
type Document struct {
	Raw  []byte
	Spec *openapi3.T
	Hash string
}

// LoadFile reads and parses the contract at path.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contract %s: %w", path, err)
	}

	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse contract %s: %w", path, err)
	}

	return doc, nil
}

// Parse parses contract bytes (JSON or YAML) into a Document. Internal
// $ref pointers are resolved by the loader; external refs are rejected.
func Parse(data []byte) (*Document, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	spec, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrContractShape, err)
	}

	hash, err := VersionHash(data)
	if err != nil {
		return nil, err
	}

	return &Document{Raw: data, Spec: spec, Hash: hash}, nil
}

// VersionHash computes the canonical version hash of contract bytes:
// SHA-256 over the canonical JSON encoding, truncated to 16 hex chars.
// Canonicalization makes the hash independent of key order, whitespace,
// and the JSON/YAML source format.
func VersionHash(data []byte) (string, error) {
	var parsed any

	if jsonErr := json.Unmarshal(data, &parsed); jsonErr != nil {
		if yamlErr := yaml.Unmarshal(data, &parsed); yamlErr != nil {
			return "", fmt.Errorf("%w: %w", ErrContractShape, yamlErr)
		}
	}

	canonical, err := json.Marshal(normalizeKeys(parsed))
	if err != nil {
		return "", fmt.Errorf("canonicalize contract: %w", err)
	}

	sum := sha256.Sum256(canonical)

	return hex.EncodeToString(sum[:])[:versionHashLen], nil
}

// normalizeKeys converts YAML map shapes (which may carry non-string keys,
// e.g. numeric response codes) into JSON-marshalable values.
func normalizeKeys(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeKeys(item)
		}

		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalizeKeys(item)
		}

		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeKeys(item)
		}

		return out
	default:
		return v
	}
}
