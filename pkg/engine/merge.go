package engine

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// jsonMergeOperator folds JSON-Patch operands into a stored JSON
// document. RocksDB evaluates merges lazily, so any malformed document
// or patch surfaces as a read error rather than failing the merge call.
type jsonMergeOperator struct{}

func (jsonMergeOperator) Name() string {
	return "fusekv.json-patch"
}

// FullMerge reconciles the stored value with the pending operands. With
// no stored value the first operand is taken as the document itself and
// the remaining operands as patches over it.
func (jsonMergeOperator) FullMerge(key, existingValue []byte, operands [][]byte) ([]byte, bool) {
	result, err := mergeDocument(existingValue, operands)
	if err != nil {
		return nil, false
	}
	return result, true
}

// PartialMerge combines two adjacent patch operands into one. Operands
// that are not both patch arrays (the document-seeding operand may be
// any JSON value) are left for FullMerge to reconcile.
func (jsonMergeOperator) PartialMerge(key, leftOperand, rightOperand []byte) ([]byte, bool) {
	combined, ok := combinePatches(leftOperand, rightOperand)
	if !ok {
		return nil, false
	}
	return combined, true
}

// mergeDocument applies operands to base in order. A nil base promotes
// the first operand to the base document.
func mergeDocument(base []byte, operands [][]byte) ([]byte, error) {
	doc := base
	rest := operands

	if len(doc) == 0 {
		if len(rest) == 0 {
			return nil, fmt.Errorf("merge with no base and no operands")
		}
		if !json.Valid(rest[0]) {
			return nil, fmt.Errorf("initial merge operand is not valid JSON")
		}
		doc = rest[0]
		rest = rest[1:]
	}

	for _, operand := range rest {
		patch, err := jsonpatch.DecodePatch(operand)
		if err != nil {
			return nil, fmt.Errorf("malformed patch: %w", err)
		}
		doc, err = patch.Apply(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to apply patch: %w", err)
		}
	}
	return doc, nil
}

// combinePatches concatenates two JSON-Patch arrays. Returns false when
// either operand is not a patch array, which also covers the
// document-seeding operand regardless of its JSON shape.
func combinePatches(left, right []byte) ([]byte, bool) {
	l, ok := decodePatchOps(left)
	if !ok {
		return nil, false
	}
	r, ok := decodePatchOps(right)
	if !ok {
		return nil, false
	}
	combined, err := json.Marshal(append(l, r...))
	if err != nil {
		return nil, false
	}
	return combined, true
}

// decodePatchOps parses data as a JSON-Patch array, requiring every
// element to carry the op and path members.
func decodePatchOps(data []byte) ([]json.RawMessage, bool) {
	var ops []json.RawMessage
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, false
	}
	for _, raw := range ops {
		var op struct {
			Op   *string `json:"op"`
			Path *string `json:"path"`
		}
		if err := json.Unmarshal(raw, &op); err != nil || op.Op == nil || op.Path == nil {
			return nil, false
		}
	}
	return ops, true
}
