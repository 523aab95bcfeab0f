// Package patch computes and applies structural JSON patches (RFC 6902)
// between bot model documents.
package patch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/wI2L/jsondiff"
)

// Operation is one path-addressed step of a patch.
type Operation struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// PatchApplyError reports a patch that cannot be applied to a document,
// typically because an operation references a path the document lacks.
type PatchApplyError struct {
	Op   string
	Path string
	Err  error
}

func (e *PatchApplyError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("apply patch: %v", e.Err)
	}
	return fmt.Sprintf("apply patch: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PatchApplyError) Unwrap() error {
	return e.Err
}

var ErrInvalidDocument = errors.New("document is not valid JSON")

// Diff returns the ordered operations transforming oldDoc into newDoc,
// encoded as a JSON array. Identical documents yield "[]".
func Diff(oldDoc, newDoc json.RawMessage) (json.RawMessage, error) {
	if !json.Valid(oldDoc) {
		return nil, fmt.Errorf("diff old document: %w", ErrInvalidDocument)
	}
	if !json.Valid(newDoc) {
		return nil, fmt.Errorf("diff new document: %w", ErrInvalidDocument)
	}
	ops, err := jsondiff.CompareJSON(oldDoc, newDoc, jsondiff.UnmarshalFunc(decodeExact))
	if err != nil {
		return nil, fmt.Errorf("compare documents: %w", err)
	}
	if len(ops) == 0 {
		return json.RawMessage(`[]`), nil
	}
	encoded, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}
	return encoded, nil
}

// Apply applies patch to doc and returns the resulting document. It never
// mutates doc.
func Apply(doc, patch json.RawMessage) (json.RawMessage, error) {
	if !json.Valid(doc) {
		return nil, &PatchApplyError{Err: ErrInvalidDocument}
	}
	ops, err := Decode(patch)
	if err != nil {
		return nil, &PatchApplyError{Err: err}
	}
	if len(ops) == 0 {
		return Normalize(doc)
	}

	decoded, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return nil, &PatchApplyError{Err: fmt.Errorf("decode patch: %w", err)}
	}
	input := make([]byte, len(doc))
	copy(input, doc)
	out, err := decoded.Apply(input)
	if err != nil {
		// Re-apply one operation at a time to name the failing path.
		return nil, locateFailure(doc, ops, err)
	}
	return Normalize(out)
}

// Decode parses an encoded patch into its operations.
func Decode(patch json.RawMessage) ([]Operation, error) {
	trimmed := bytes.TrimSpace(patch)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var ops []Operation
	if err := json.Unmarshal(trimmed, &ops); err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	return ops, nil
}

// Equal reports structural equality of two JSON documents.
func Equal(a, b json.RawMessage) bool {
	if !json.Valid(a) || !json.Valid(b) {
		return false
	}
	return jsonpatch.Equal(a, b)
}

// Normalize re-encodes doc compactly with object keys sorted, so that
// structurally equal documents share one byte representation.
func Normalize(doc json.RawMessage) (json.RawMessage, error) {
	var parsed any
	if err := decodeExact(doc, &parsed); err != nil {
		return nil, fmt.Errorf("normalize document: %w", ErrInvalidDocument)
	}
	out, err := json.Marshal(parsed)
	if err != nil {
		return nil, fmt.Errorf("normalize document: %w", err)
	}
	return out, nil
}

// decodeExact unmarshals like json.Unmarshal but keeps numbers as
// json.Number, so integers beyond 2^53 and spellings like 1.0 survive.
func decodeExact(data []byte, v any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(v); err != nil {
		return err
	}
	if decoder.More() {
		return ErrInvalidDocument
	}
	return nil
}

// Indent renders doc with sorted keys and two-space indentation, one value
// per line. Used for review presentation.
func Indent(doc json.RawMessage) (string, error) {
	if len(bytes.TrimSpace(doc)) == 0 {
		return "", nil
	}
	normalized, err := Normalize(doc)
	if err != nil {
		return "", err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, normalized, "", "  "); err != nil {
		return "", fmt.Errorf("indent document: %w", err)
	}
	return out.String(), nil
}

func locateFailure(doc json.RawMessage, ops []Operation, cause error) error {
	current := json.RawMessage(doc)
	for _, op := range ops {
		single, err := json.Marshal([]Operation{op})
		if err != nil {
			break
		}
		decoded, err := jsonpatch.DecodePatch(single)
		if err != nil {
			return &PatchApplyError{Op: op.Op, Path: op.Path, Err: err}
		}
		next, err := decoded.Apply(current)
		if err != nil {
			return &PatchApplyError{Op: op.Op, Path: op.Path, Err: err}
		}
		current = next
	}
	return &PatchApplyError{Err: cause}
}
