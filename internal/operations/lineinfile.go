package operations

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/rakunlabs/flowrunner/internal/kvstore"
	"github.com/rakunlabs/flowrunner/internal/message"
	"github.com/rakunlabs/flowrunner/internal/registry"
)

// fileLineEditOperation edits a text file line by line: ensure a line is
// present (optionally replacing the first match of a pattern, or inserting
// after it) or remove every matching line.
//
// Params:
//
//	"path":         string — file to edit (required)
//	"line":         string — the line to ensure present (required when
//	                          state is "present")
//	"regexp":       string — pattern locating the line to replace/remove or
//	                          the anchor for insert_after
//	"state":        string — "present" (default) or "absent"
//	"insert_after": bool   — with regexp, insert line after the first match
//	                          instead of replacing it
//	"create":       bool   — create the file when missing (default true)
//
// Output: "changed", "msg".
type fileLineEditOperation struct {
	path        string
	line        string
	pattern     *regexp.Regexp
	state       string
	insertAfter bool
	create      bool
}

func init() {
	registry.Register("file_line_edit", func() registry.Operation { return &fileLineEditOperation{} })
}

func (o *fileLineEditOperation) Validate(params map[string]any) error {
	o.path = paramString(params, "path")
	if o.path == "" {
		return errors.New("file_line_edit: 'path' is required")
	}

	o.state = paramString(params, "state")
	if o.state == "" {
		o.state = "present"
	}
	if o.state != "present" && o.state != "absent" {
		return fmt.Errorf("file_line_edit: unknown state %q", o.state)
	}

	o.line = paramString(params, "line")
	if o.state == "present" && o.line == "" {
		return errors.New("file_line_edit: 'line' is required when state is present")
	}

	if p := paramString(params, "regexp"); p != "" {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("file_line_edit: bad regexp: %w", err)
		}
		o.pattern = re
	} else if o.state == "absent" {
		return errors.New("file_line_edit: 'regexp' is required when state is absent")
	}

	o.insertAfter = paramBool(params, "insert_after")

	o.create = true
	if _, set := params["create"]; set {
		o.create = paramBool(params, "create")
	}

	return nil
}

func (o *fileLineEditOperation) Run(_ context.Context, _ string, _, _ []message.Endpoint, _ map[string]any) (registry.Result, error) {
	raw, err := os.ReadFile(o.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return ko(err), nil
		}
		if !o.create || o.state == "absent" {
			return ko(err), nil
		}
		raw = nil
	}

	lines := []string{}
	if len(raw) > 0 {
		lines = strings.Split(strings.TrimSuffix(string(raw), "\n"), "\n")
	}

	var out []string
	changed := false

	switch o.state {
	case "absent":
		for _, l := range lines {
			if o.pattern.MatchString(l) {
				changed = true
				continue
			}
			out = append(out, l)
		}

	case "present":
		matched := false
		for _, l := range lines {
			if !matched && o.pattern != nil && o.pattern.MatchString(l) {
				matched = true
				if o.insertAfter {
					out = append(out, l, o.line)
					changed = true
				} else if l != o.line {
					out = append(out, o.line)
					changed = true
				} else {
					out = append(out, l)
				}
				continue
			}
			out = append(out, l)
		}

		if !matched {
			// No anchor matched (or none given): append unless the exact
			// line is already there.
			present := false
			for _, l := range out {
				if l == o.line {
					present = true
					break
				}
			}
			if !present {
				out = append(out, o.line)
				changed = true
			}
		}
	}

	if changed {
		content := strings.Join(out, "\n") + "\n"
		if len(out) == 0 {
			content = ""
		}
		if err := os.WriteFile(o.path, []byte(content), 0o644); err != nil {
			return ko(err), nil
		}
	}

	return ok(map[string]any{
		"changed": changed,
		"msg":     fmt.Sprintf("%s: %d lines", o.path, len(out)),
	}), nil
}

func (o *fileLineEditOperation) SetDatastore(kvstore.Store) {}

func (o *fileLineEditOperation) Metadata() registry.Metadata {
	return registry.Metadata{
		Name:        "file_line_edit",
		Version:     "v1.0.0",
		Description: "ensure a line is present in, or absent from, a text file",
	}
}
