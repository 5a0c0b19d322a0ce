package operations

import (
	"context"
	"encoding/json"
	"errors"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/rakunlabs/flowrunner/internal/kvstore"
	"github.com/rakunlabs/flowrunner/internal/message"
	"github.com/rakunlabs/flowrunner/internal/registry"
)

// jsonPatchOperation applies an RFC 6902 patch to a JSON document.
//
// Params:
//
//	"data":  any   — the document to patch (required)
//	"patch": array — RFC 6902 operations (required)
//
// Output: "result" — the patched document.
type jsonPatchOperation struct {
	data  []byte
	patch jsonpatch.Patch
}

func init() {
	registry.Register("json_patch", func() registry.Operation { return &jsonPatchOperation{} })
}

func (o *jsonPatchOperation) Validate(params map[string]any) error {
	data, exists := params["data"]
	if !exists {
		return errors.New("json_patch: 'data' is required")
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return errors.New("json_patch: 'data' is not JSON-encodable")
	}
	o.data = raw

	patchRaw := paramSlice(params, "patch")
	if len(patchRaw) == 0 {
		return errors.New("json_patch: 'patch' is required")
	}

	encoded, err := json.Marshal(patchRaw)
	if err != nil {
		return errors.New("json_patch: 'patch' is not JSON-encodable")
	}

	patch, err := jsonpatch.DecodePatch(encoded)
	if err != nil {
		return errors.New("json_patch: invalid patch: " + err.Error())
	}
	o.patch = patch

	return nil
}

func (o *jsonPatchOperation) Run(context.Context, string, []message.Endpoint, []message.Endpoint, map[string]any) (registry.Result, error) {
	patched, err := o.patch.Apply(o.data)
	if err != nil {
		return ko(err), nil
	}

	var result any
	if err := json.Unmarshal(patched, &result); err != nil {
		return ko(err), nil
	}

	return ok(map[string]any{"result": result}), nil
}

func (o *jsonPatchOperation) SetDatastore(kvstore.Store) {}

func (o *jsonPatchOperation) Metadata() registry.Metadata {
	return registry.Metadata{
		Name:        "json_patch",
		Version:     "v1.0.0",
		Description: "apply an RFC 6902 JSON patch",
	}
}
