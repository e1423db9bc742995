package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/trainpool/internal/executor"
	"github.com/t77yq/trainpool/internal/model"
)

const stderrTailSize = 4096

// CommandPayload represents the payload for tasks run as a local program
type CommandPayload struct {
	Args   []string          `json:"args,omitempty"`
	Env    map[string]string `json:"env,omitempty"`
	Config json.RawMessage   `json:"config,omitempty"`
}

// CommandConfig describes the program a CommandHandler starts
type CommandConfig struct {
	Command    string
	Args       []string
	WorkingDir string
}

// CommandHandler runs a training program as a child process. The payload config is
// written to the program's stdin and its stdout is read as JSON-lines progress.
type CommandHandler struct {
	logger *zap.Logger
	kind   model.TaskKind
	config CommandConfig
}

var _ executor.TaskHandler = (*CommandHandler)(nil)

// NewCommandHandler creates a handler that runs config.Command for tasks of kind
func NewCommandHandler(kind model.TaskKind, config CommandConfig, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{
		logger: logger.Named("command-handler").With(zap.String("kind", string(kind))),
		kind:   kind,
		config: config,
	}
}

// Handle runs the program and returns the last result line it printed
func (h *CommandHandler) Handle(ctx context.Context, raw json.RawMessage, onProgress executor.ProgressFunc) (json.RawMessage, error) {
	var payload CommandPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, &model.TaskError{
				Code:    "invalid_payload",
				Message: fmt.Sprintf("failed to unmarshal payload: %v", err),
			}
		}
	}

	args := append([]string{}, h.config.Args...)
	args = append(args, "--task", string(h.kind))
	args = append(args, payload.Args...)

	cmd := exec.CommandContext(ctx, h.config.Command, args...)
	if h.config.WorkingDir != "" {
		cmd.Dir = h.config.WorkingDir
	}
	if len(payload.Env) > 0 {
		env := os.Environ()
		for k, v := range payload.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	if len(payload.Config) > 0 {
		cmd.Stdin = bytes.NewReader(payload.Config)
	}

	var stderr tailBuffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}

	h.logger.Info("Starting command",
		zap.String("command", h.config.Command),
		zap.Strings("args", args))

	if err := cmd.Start(); err != nil {
		return nil, &model.TaskError{
			Code:    "start_failed",
			Message: fmt.Sprintf("failed to start command: %v", err),
		}
	}

	result, scanErr := scanProgress(stdout, onProgress, h.logger)
	if scanErr != nil {
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return nil, &model.TaskError{
				Code:    "exit_status",
				Message: fmt.Sprintf("exit status %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String())),
			}
		}
		return nil, fmt.Errorf("command failed: %w", waitErr)
	}
	if scanErr != nil {
		return nil, scanErr
	}
	if result == nil {
		result = json.RawMessage("null")
	}
	return result, nil
}

// tailBuffer keeps the last stderrTailSize bytes written to it
type tailBuffer struct {
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if len(b.buf) > stderrTailSize {
		b.buf = b.buf[len(b.buf)-stderrTailSize:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return string(b.buf)
}
