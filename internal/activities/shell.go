package activities

import (
	"fmt"
	"os/exec"
	"time"

	"duraflow/internal/engine"
	"duraflow/internal/retry"
)

type shellCmd struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// ShellCommand runs a subprocess and returns its combined output. The
// activity context's deadline kills the process, which is the isolation
// contract the worker's timeout handling relies on.
func ShellCommand(ctx *engine.ActivityContext, args []any, kwargs map[string]any) (any, error) {
	var c shellCmd
	if err := decodeArg(args, kwargs, &c); err != nil {
		return nil, err
	}
	if c.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	return map[string]any{"output": string(out)}, nil
}

// RegisterBuiltins registers the stock activities under the "builtin."
// namespace.
func RegisterBuiltins(reg *engine.Registry) {
	reg.RegisterActivity("builtin.http_request", HTTPRequest, engine.ActivityOptions{
		Timeout: 60 * time.Second,
		Retry:   &retry.Policy{InitialInterval: 1, BackoffCoefficient: 2, MaximumInterval: 60, MaximumAttempts: 3, Strategy: retry.Exponential},
	})
	reg.RegisterActivity("builtin.shell", ShellCommand, engine.ActivityOptions{
		Timeout: 5 * time.Minute,
	})
}
