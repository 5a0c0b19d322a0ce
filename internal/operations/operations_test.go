package operations

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rakunlabs/flowrunner/internal/kvstore"
	"github.com/rakunlabs/flowrunner/internal/registry"
)

func TestShellRun(t *testing.T) {
	op := &shellOperation{}
	if err := op.Validate(map[string]any{"cmd": "echo task1"}); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	res, err := op.Run(context.Background(), "job-1", nil, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != registry.StatusOk {
		t.Fatalf("expected Ok, got %v: %s", res.Status, res.Error)
	}
	if res.Output["stdout"] != "task1\n" {
		t.Errorf("unexpected stdout: %q", res.Output["stdout"])
	}
	if res.Output["rc"] != 0 {
		t.Errorf("unexpected rc: %v", res.Output["rc"])
	}
}

func TestShellRunFailure(t *testing.T) {
	op := &shellOperation{}
	if err := op.Validate(map[string]any{"cmd": "exit 3"}); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	res, err := op.Run(context.Background(), "job-1", nil, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != registry.StatusKo {
		t.Fatalf("expected Ko for exit 3, got %v", res.Status)
	}
	if res.Output["rc"] != 3 {
		t.Errorf("unexpected rc: %v", res.Output["rc"])
	}
}

func TestShellValidateRequiresCmd(t *testing.T) {
	op := &shellOperation{}
	if err := op.Validate(map[string]any{}); err == nil {
		t.Fatalf("expected missing cmd to fail validation")
	}
}

func TestJSONPatch(t *testing.T) {
	op := &jsonPatchOperation{}
	params := map[string]any{
		"data": map[string]any{"a": float64(1), "b": map[string]any{"c": "x"}},
		"patch": []any{
			map[string]any{"op": "replace", "path": "/b/c", "value": "y"},
			map[string]any{"op": "add", "path": "/d", "value": float64(2)},
		},
	}
	if err := op.Validate(params); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	res, err := op.Run(context.Background(), "", nil, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != registry.StatusOk {
		t.Fatalf("expected Ok, got %v: %s", res.Status, res.Error)
	}

	result, _ := res.Output["result"].(map[string]any)
	b, _ := result["b"].(map[string]any)
	if b["c"] != "y" {
		t.Errorf("replace did not apply: %v", result)
	}
	if result["d"] != float64(2) {
		t.Errorf("add did not apply: %v", result)
	}
}

func TestJSONPatchRejectsBadPatch(t *testing.T) {
	op := &jsonPatchOperation{}
	err := op.Validate(map[string]any{
		"data":  map[string]any{},
		"patch": []any{map[string]any{"op": "teleport", "path": "/x"}},
	})
	if err == nil {
		t.Fatalf("expected invalid patch op to fail validation")
	}
}

func TestFileLineEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.txt")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	op := &fileLineEditOperation{}
	if err := op.Validate(map[string]any{
		"path":   path,
		"line":   "TWO",
		"regexp": "^two$",
	}); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	res, err := op.Run(context.Background(), "", nil, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != registry.StatusOk || res.Output["changed"] != true {
		t.Fatalf("expected changed Ok result, got %+v", res)
	}

	raw, _ := os.ReadFile(path)
	if string(raw) != "one\nTWO\nthree\n" {
		t.Errorf("unexpected file content: %q", raw)
	}

	// Absent: remove the replaced line again.
	op = &fileLineEditOperation{}
	if err := op.Validate(map[string]any{
		"path":   path,
		"state":  "absent",
		"regexp": "^TWO$",
	}); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if res, _ := op.Run(context.Background(), "", nil, nil, nil); res.Status != registry.StatusOk {
		t.Fatalf("absent run failed: %+v", res)
	}

	raw, _ = os.ReadFile(path)
	if string(raw) != "one\nthree\n" {
		t.Errorf("unexpected file content after removal: %q", raw)
	}
}

func TestFileLineEditAppendsMissingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.txt")

	op := &fileLineEditOperation{}
	if err := op.Validate(map[string]any{"path": path, "line": "hello"}); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	res, err := op.Run(context.Background(), "", nil, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != registry.StatusOk {
		t.Fatalf("expected Ok, got %+v", res)
	}

	raw, _ := os.ReadFile(path)
	if string(raw) != "hello\n" {
		t.Errorf("unexpected file content: %q", raw)
	}
}

func TestTemplateToFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "tmpl.txt")
	dest := filepath.Join(dir, "out.txt")

	if err := os.WriteFile(src, []byte("hello {{ v.a }}"), 0o644); err != nil {
		t.Fatal(err)
	}

	op := &templateToFileOperation{}
	if err := op.Validate(map[string]any{
		"src":  src,
		"dest": dest,
		"data": map[string]any{"v": map[string]any{"a": "x"}},
	}); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	res, err := op.Run(context.Background(), "", nil, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != registry.StatusOk {
		t.Fatalf("expected Ok, got %+v", res)
	}

	raw, _ := os.ReadFile(dest)
	if string(raw) != "hello x" {
		t.Errorf("unexpected rendered content: %q", raw)
	}
}

func TestKVOps(t *testing.T) {
	store := kvstore.NewMemory(0)
	defer store.Close()

	op := &kvOpsOperation{}
	if err := op.Validate(map[string]any{
		"ops": []any{
			map[string]any{"action": "set", "ns": "n1", "key": "k", "value": "v1"},
			map[string]any{"action": "set", "ns": "n2", "key": "k", "value": "v2"},
			map[string]any{"action": "get", "ns": "n1", "key": "k"},
			map[string]any{"action": "delete", "ns": "n1", "key": "k"},
			map[string]any{"action": "get", "ns": "n1", "key": "k"},
			map[string]any{"action": "get", "ns": "n2", "key": "k"},
		},
	}); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	op.SetDatastore(store)

	res, err := op.Run(context.Background(), "", nil, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != registry.StatusOk {
		t.Fatalf("expected Ok, got %+v", res)
	}

	results, _ := res.Output["results"].([]any)
	if len(results) != 6 {
		t.Fatalf("expected 6 results, got %d", len(results))
	}
	if results[2] != "v1" {
		t.Errorf("get after set: want v1 got %v", results[2])
	}
	if results[4] != nil {
		t.Errorf("get after delete must be null, got %v", results[4])
	}
	// Namespace isolation: deleting n1/k leaves n2/k untouched.
	if results[5] != "v2" {
		t.Errorf("n2 value must survive n1 delete, got %v", results[5])
	}
}

func TestKVOpsWithoutStore(t *testing.T) {
	op := &kvOpsOperation{}
	if err := op.Validate(map[string]any{
		"ops": []any{map[string]any{"action": "get", "ns": "n", "key": "k"}},
	}); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	res, _ := op.Run(context.Background(), "", nil, nil, nil)
	if res.Status != registry.StatusKo {
		t.Fatalf("expected Ko without a datastore, got %+v", res)
	}
	if !strings.Contains(res.Error, "no datastore") {
		t.Errorf("unexpected error: %q", res.Error)
	}
}

func TestSQLClientSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	op := &sqlClientOperation{}
	if err := op.Validate(map[string]any{
		"conn_str":    path,
		"transaction": true,
		"statements": []any{
			map[string]any{"stmt": "CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)"},
			map[string]any{"stmt": "INSERT INTO items (name) VALUES (?)", "params": []any{"alpha"}},
			map[string]any{"stmt": "SELECT id, name FROM items", "fetch": true},
		},
	}); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	res, err := op.Run(context.Background(), "", nil, nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != registry.StatusOk {
		t.Fatalf("expected Ok, got %+v", res)
	}

	results, _ := res.Output["results"].([]any)
	if len(results) != 3 {
		t.Fatalf("expected 3 statement results, got %d", len(results))
	}

	fetched, _ := results[2].(map[string]any)
	rows, _ := fetched["rows"].([]any)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %v", fetched)
	}
	row, _ := rows[0].(map[string]any)
	if row["name"] != "alpha" {
		t.Errorf("unexpected row: %v", row)
	}
}

func TestRegistryCarriesCatalogue(t *testing.T) {
	for _, name := range []string{
		"shell", "http_client", "http_server", "webhook",
		"kafka_consumer", "kafka_producer", "sql_client",
		"file_line_edit", "dns_query", "template_to_file",
		"json_patch", "kv_ops", "git_client",
	} {
		if _, ok := registry.Global.Lookup(name); !ok {
			t.Errorf("operation %q is not registered", name)
		}
	}
}

func TestBuildRouteResponse(t *testing.T) {
	// Route config pointing at job-1.task-1, payload path "stdout": an Ok
	// task result answers with the value at output.stdout.
	result := httpRouteResult{Job: "job-1", Task: "task-1", Payload: "stdout"}

	value := map[string]any{
		"task-1": map[string]any{
			"status": "Ok",
			"error":  "",
			"output": map[string]any{"stdout": map[string]any{"x": float64(1)}},
		},
	}

	status, body := buildRouteResponse(result, value)
	if status != 200 {
		t.Fatalf("expected 200, got %d (%v)", status, body)
	}
	payload, _ := body.(map[string]any)
	if payload["x"] != float64(1) {
		t.Errorf("unexpected payload: %v", body)
	}

	// A Ko task result produces 400 with the task's error.
	value["task-1"].(map[string]any)["status"] = "Ko"
	value["task-1"].(map[string]any)["error"] = "boom"
	status, body = buildRouteResponse(result, value)
	if status != 400 {
		t.Fatalf("expected 400 for Ko result, got %d", status)
	}

	// Missing task produces 400.
	status, _ = buildRouteResponse(httpRouteResult{Job: "job-1", Task: "ghost"}, value)
	if status != 400 {
		t.Fatalf("expected 400 for missing task, got %d", status)
	}
}
