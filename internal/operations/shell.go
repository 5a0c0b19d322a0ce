package operations

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rakunlabs/flowrunner/internal/kvstore"
	"github.com/rakunlabs/flowrunner/internal/message"
	"github.com/rakunlabs/flowrunner/internal/registry"
)

// shellOperation runs a shell command via /bin/sh -c.
//
// Params:
//
//	"cmd":         string  — command line to execute (required)
//	"working_dir": string  — working directory (default: process cwd)
//	"env":         map     — extra environment variables, merged on top of
//	                          the process environment
//	"timeout":     number  — execution timeout in seconds (default 60)
//
// Output: "rc" (exit code), "stdout", "stderr".
type shellOperation struct {
	cmd        string
	workingDir string
	env        map[string]string
	timeout    time.Duration
}

const defaultShellTimeout = 60 * time.Second

func init() {
	registry.Register("shell", func() registry.Operation { return &shellOperation{} })
}

func (o *shellOperation) Validate(params map[string]any) error {
	o.cmd = paramString(params, "cmd")
	if o.cmd == "" {
		return errors.New("shell: 'cmd' is required")
	}

	o.workingDir = paramString(params, "working_dir")

	o.env = make(map[string]string)
	for k, v := range paramMap(params, "env") {
		o.env[k] = fmt.Sprintf("%v", v)
	}

	o.timeout = defaultShellTimeout
	if t := paramInt(params, "timeout", 0); t > 0 {
		o.timeout = time.Duration(t) * time.Second
	}

	return nil
}

func (o *shellOperation) Run(ctx context.Context, _ string, _, _ []message.Endpoint, _ map[string]any) (registry.Result, error) {
	execCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "/bin/sh", "-c", o.cmd)
	if o.workingDir != "" {
		cmd.Dir = o.workingDir
	}

	cmdEnv := os.Environ()
	for k, v := range o.env {
		cmdEnv = append(cmdEnv, k+"="+v)
	}
	cmd.Env = cmdEnv

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	rc := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			rc = exitErr.ExitCode()
		} else {
			// Failed to start at all.
			return ko(runErr), nil
		}
	}

	output := map[string]any{
		"rc":     rc,
		"stdout": stdout.String(),
		"stderr": stderr.String(),
	}

	if rc != 0 {
		return registry.Result{
			Status: registry.StatusKo,
			Error:  fmt.Sprintf("shell: exit code %d: %s", rc, stderr.String()),
			Output: output,
		}, nil
	}

	return ok(output), nil
}

func (o *shellOperation) SetDatastore(kvstore.Store) {}

func (o *shellOperation) Metadata() registry.Metadata {
	return registry.Metadata{
		Name:        "shell",
		Version:     "v1.0.0",
		Description: "execute a shell command via /bin/sh -c",
	}
}
