package operations

import (
	"context"
	"errors"
	"fmt"

	"github.com/rakunlabs/flowrunner/internal/kvstore"
	"github.com/rakunlabs/flowrunner/internal/message"
	"github.com/rakunlabs/flowrunner/internal/registry"
)

// kvOp is one datastore operation.
type kvOp struct {
	action    string
	namespace string
	key       string
	value     string
}

// kvOpsOperation runs a sequence of operations against the flow's injected
// datastore.
//
// Params:
//
//	"ops": array — [{action: set|get|delete|list_namespaces, ns, key,
//	                 value}] (required)
//
// Output: "results" — one entry per op: the stored value for "get" (null
// when absent), the namespace list for "list_namespaces", true otherwise.
type kvOpsOperation struct {
	ops   []kvOp
	store kvstore.Store
}

func init() {
	registry.Register("kv_ops", func() registry.Operation { return &kvOpsOperation{} })
}

func (o *kvOpsOperation) Validate(params map[string]any) error {
	raw := paramSlice(params, "ops")
	if len(raw) == 0 {
		return errors.New("kv_ops: 'ops' is required")
	}

	o.ops = o.ops[:0]
	for i, op := range raw {
		m, ok := op.(map[string]any)
		if !ok {
			return fmt.Errorf("kv_ops: op %d is not an object", i)
		}

		parsed := kvOp{
			action:    paramString(m, "action"),
			namespace: paramString(m, "ns"),
			key:       paramString(m, "key"),
			value:     paramString(m, "value"),
		}

		switch parsed.action {
		case "set":
			if parsed.namespace == "" || parsed.key == "" {
				return fmt.Errorf("kv_ops: op %d: set needs 'ns' and 'key'", i)
			}
		case "get", "delete":
			if parsed.namespace == "" || parsed.key == "" {
				return fmt.Errorf("kv_ops: op %d: %s needs 'ns' and 'key'", i, parsed.action)
			}
		case "list_namespaces":
		default:
			return fmt.Errorf("kv_ops: op %d: unknown action %q", i, parsed.action)
		}

		o.ops = append(o.ops, parsed)
	}

	return nil
}

func (o *kvOpsOperation) Run(ctx context.Context, _ string, _, _ []message.Endpoint, _ map[string]any) (registry.Result, error) {
	if o.store == nil {
		return kof("kv_ops: no datastore configured for this flow"), nil
	}

	results := make([]any, 0, len(o.ops))
	for i, op := range o.ops {
		switch op.action {
		case "set":
			if err := o.store.Set(ctx, op.namespace, op.key, op.value); err != nil {
				return kof("kv_ops: op %d: %v", i, err), nil
			}
			results = append(results, true)
		case "get":
			value, found, err := o.store.Get(ctx, op.namespace, op.key)
			if err != nil {
				return kof("kv_ops: op %d: %v", i, err), nil
			}
			if !found {
				results = append(results, nil)
			} else {
				results = append(results, value)
			}
		case "delete":
			if err := o.store.Delete(ctx, op.namespace, op.key); err != nil {
				return kof("kv_ops: op %d: %v", i, err), nil
			}
			results = append(results, true)
		case "list_namespaces":
			names, err := o.store.ListNamespaces(ctx)
			if err != nil {
				return kof("kv_ops: op %d: %v", i, err), nil
			}
			list := make([]any, len(names))
			for j, n := range names {
				list[j] = n
			}
			results = append(results, list)
		}
	}

	return ok(map[string]any{"results": results}), nil
}

func (o *kvOpsOperation) SetDatastore(store kvstore.Store) { o.store = store }

func (o *kvOpsOperation) Metadata() registry.Metadata {
	return registry.Metadata{
		Name:        "kv_ops",
		Version:     "v1.0.0",
		Description: "run operations against the flow datastore",
	}
}
