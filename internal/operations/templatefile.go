package operations

import (
	"context"
	"errors"
	"os"
	"strconv"

	"github.com/rakunlabs/flowrunner/internal/kvstore"
	"github.com/rakunlabs/flowrunner/internal/message"
	"github.com/rakunlabs/flowrunner/internal/registry"
	"github.com/rakunlabs/flowrunner/internal/render"
)

// templateToFileOperation renders a template to a destination file.
//
// Inline "template" content arrives already rendered against the job
// context (the task executor value-renders every param), so it is written
// as-is. A "src" file is read and rendered here against the "data" param.
//
// Params:
//
//	"template": string — inline template content (this or "src")
//	"src":      string — path of a template file to render
//	"dest":     string — output path (required)
//	"data":     object — render context for "src" templates
//	"mode":     string — octal file mode (default "0644")
//
// Output: "dest", "bytes".
type templateToFileOperation struct {
	template string
	src      string
	dest     string
	data     map[string]any
	mode     os.FileMode
}

func init() {
	registry.Register("template_to_file", func() registry.Operation { return &templateToFileOperation{} })
}

func (o *templateToFileOperation) Validate(params map[string]any) error {
	o.dest = paramString(params, "dest")
	if o.dest == "" {
		return errors.New("template_to_file: 'dest' is required")
	}

	o.template = paramString(params, "template")
	o.src = paramString(params, "src")
	if o.template == "" && o.src == "" {
		return errors.New("template_to_file: one of 'template' or 'src' is required")
	}

	o.data = paramMap(params, "data")

	o.mode = 0o644
	if m := paramString(params, "mode"); m != "" {
		parsed, err := strconv.ParseUint(m, 8, 32)
		if err != nil {
			return errors.New("template_to_file: 'mode' is not an octal mode")
		}
		o.mode = os.FileMode(parsed)
	}

	return nil
}

func (o *templateToFileOperation) Run(_ context.Context, _ string, _, _ []message.Endpoint, _ map[string]any) (registry.Result, error) {
	content := o.template

	if content == "" {
		raw, err := os.ReadFile(o.src)
		if err != nil {
			return ko(err), nil
		}

		rendered, err := render.Text(render.ExpandEnv(string(raw)), o.data)
		if err != nil {
			return ko(err), nil
		}
		content = rendered
	}

	if err := os.WriteFile(o.dest, []byte(content), o.mode); err != nil {
		return ko(err), nil
	}

	return ok(map[string]any{
		"dest":  o.dest,
		"bytes": len(content),
	}), nil
}

func (o *templateToFileOperation) SetDatastore(kvstore.Store) {}

func (o *templateToFileOperation) Metadata() registry.Metadata {
	return registry.Metadata{
		Name:        "template_to_file",
		Version:     "v1.0.0",
		Description: "render a template to a file",
	}
}
