package service

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/nemanja-m/lectern/internal/shared/logging"
	"github.com/nemanja-m/lectern/internal/shared/rpc"
	"github.com/nemanja-m/lectern/internal/worker/core"
)

// Handler names accepted in the capability configuration.
const (
	HandlerNoop    = "noop"
	HandlerHold    = "hold"
	HandlerCommand = "command"
)

// NewHandler builds the named operation handler.
func NewHandler(name string, logger logging.Logger) (core.OperationHandler, error) {
	switch name {
	case HandlerNoop:
		return noopHandler{}, nil
	case HandlerHold:
		return holdHandler{}, nil
	case HandlerCommand:
		return &commandHandler{shell: "/bin/sh", logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown operation handler %q", name)
	}
}

type noopHandler struct{}

func (noopHandler) Handle(ctx context.Context, req *core.OperationRequest) (*core.OperationResult, error) {
	return &core.OperationResult{Action: rpc.ActionContinue}, nil
}

// holdHandler pauses the workflow on start and lets it continue once resumed.
type holdHandler struct{}

func (holdHandler) Handle(ctx context.Context, req *core.OperationRequest) (*core.OperationResult, error) {
	if req.Operation == rpc.OperationResume {
		return &core.OperationResult{Action: rpc.ActionContinue}, nil
	}
	return &core.OperationResult{Action: rpc.ActionPause}, nil
}

// commandHandler runs the "command" configuration key through the shell. The media
// package is passed on stdin. With "output" set to "mediapackage" the trimmed stdout
// replaces it.
type commandHandler struct {
	shell  string
	logger logging.Logger
}

func (h *commandHandler) Handle(ctx context.Context, req *core.OperationRequest) (*core.OperationResult, error) {
	configuration := req.Configuration()
	command := strings.TrimSpace(configuration["command"])
	if command == "" {
		return nil, fmt.Errorf("operation %s: no command configured", req.Operation)
	}

	cmd := exec.CommandContext(ctx, h.shell, "-c", command)
	cmd.Stdin = strings.NewReader(req.MediaPackage)
	cmd.Env = append(os.Environ(), commandEnv(req)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	h.logger.Debug("Running command", "job_id", req.JobID, "command", command)
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("command failed: %w", err)
		}
		return nil, fmt.Errorf("command failed: %w: %s", err, lastLine(msg))
	}

	result := &core.OperationResult{Action: rpc.ActionContinue}
	if strings.EqualFold(configuration["output"], "mediapackage") {
		result.MediaPackage = strings.TrimSpace(stdout.String())
	}
	return result, nil
}

func commandEnv(req *core.OperationRequest) []string {
	env := []string{
		"LECTERN_JOB_ID=" + req.JobID,
		"LECTERN_CAPABILITY=" + req.Capability,
		"LECTERN_OPERATION=" + req.Operation,
	}
	if req.Snapshot != nil {
		env = append(env,
			"LECTERN_WORKFLOW_ID="+req.Snapshot.WorkflowID,
			"LECTERN_OPERATION_ID="+req.Snapshot.OperationID,
		)
	}
	return env
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
