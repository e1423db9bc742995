package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/t77yq/trainpool/internal/executor"
	"github.com/t77yq/trainpool/internal/model"
)

const (
	managedLabel   = "trainpool.managed"
	kindLabel      = "trainpool.kind"
	payloadEnv     = "TRAINPOOL_PAYLOAD"
	stopTimeoutSec = 10
	bytesPerMB     = 1024 * 1024
)

// ContainerConfig describes the image a ContainerHandler runs
type ContainerConfig struct {
	Image         string
	Cmd           []string
	Env           []string
	MemoryLimitMB int
}

// ContainerHandler runs each task in a fresh Docker container. The task payload is
// passed in the TRAINPOOL_PAYLOAD environment variable and the container's output
// is read as JSON-lines progress.
type ContainerHandler struct {
	logger *zap.Logger
	docker *client.Client
	kind   model.TaskKind
	config ContainerConfig

	mu         sync.Mutex
	containers map[string]struct{}
}

var (
	_ executor.TaskHandler = (*ContainerHandler)(nil)
	_ executor.Cleaner     = (*ContainerHandler)(nil)
)

// NewContainerHandler creates a handler using the Docker daemon from the environment
func NewContainerHandler(kind model.TaskKind, config ContainerConfig, logger *zap.Logger) (*ContainerHandler, error) {
	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	return &ContainerHandler{
		logger:     logger.Named("container-handler").With(zap.String("kind", string(kind))),
		docker:     docker,
		kind:       kind,
		config:     config,
		containers: make(map[string]struct{}),
	}, nil
}

// Ping checks that the Docker daemon is reachable
func (h *ContainerHandler) Ping(ctx context.Context) error {
	if _, err := h.docker.Ping(ctx); err != nil {
		return fmt.Errorf("failed to reach Docker daemon: %w", err)
	}
	return nil
}

// Handle runs the container to completion and returns its last result line
func (h *ContainerHandler) Handle(ctx context.Context, payload json.RawMessage, onProgress executor.ProgressFunc) (json.RawMessage, error) {
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, &model.TaskError{Code: "invalid_payload", Message: "payload is not valid JSON"}
	}

	env := append([]string{}, h.config.Env...)
	env = append(env, payloadEnv+"="+string(payload))

	cmd := append([]string{}, h.config.Cmd...)
	cmd = append(cmd, "--task", string(h.kind))

	created, err := h.docker.ContainerCreate(ctx,
		&container.Config{
			Image: h.config.Image,
			Cmd:   cmd,
			Env:   env,
			Tty:   true,
			Labels: map[string]string{
				managedLabel: "true",
				kindLabel:    string(h.kind),
			},
		},
		&container.HostConfig{
			Resources: container.Resources{
				Memory: int64(h.config.MemoryLimitMB) * bytesPerMB,
			},
		},
		nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	id := created.ID
	h.track(id)
	defer h.remove(id)

	if err := h.docker.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	h.logger.Info("Container started",
		zap.String("container_id", id),
		zap.String("image", h.config.Image))

	logs, err := h.docker.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		h.stop(id)
		return nil, fmt.Errorf("failed to get container logs: %w", err)
	}
	result, scanErr := scanProgress(logs, onProgress, h.logger)
	logs.Close()

	if ctx.Err() != nil {
		h.stop(id)
		return nil, ctx.Err()
	}

	statusCh, errCh := h.docker.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			h.stop(id)
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to wait for container: %w", err)
	case status := <-statusCh:
		if status.StatusCode != 0 {
			msg := fmt.Sprintf("container exited with status %d", status.StatusCode)
			if status.Error != nil {
				msg += ": " + status.Error.Message
			}
			return nil, &model.TaskError{Code: "exit_status", Message: msg}
		}
	}

	if scanErr != nil {
		return nil, scanErr
	}
	if result == nil {
		result = json.RawMessage("null")
	}
	return result, nil
}

// Cleanup removes every container this handler started that is no longer running
func (h *ContainerHandler) Cleanup(ctx context.Context) error {
	list, err := h.docker.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", managedLabel+"=true"),
			filters.Arg("label", kindLabel+"="+string(h.kind)),
			filters.Arg("status", "exited"),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	var failed []string
	for _, c := range list {
		if err := h.docker.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			h.logger.Error("Failed to remove container",
				zap.String("container_id", c.ID),
				zap.Error(err))
			failed = append(failed, c.ID)
		}
	}

	h.logger.Info("Containers cleaned up",
		zap.Int("removed", len(list)-len(failed)),
		zap.Int("failed", len(failed)))

	if len(failed) > 0 {
		return fmt.Errorf("failed to remove containers: %s", strings.Join(failed, ", "))
	}
	return nil
}

// Close stops containers that are still running and releases the Docker client
func (h *ContainerHandler) Close() error {
	h.mu.Lock()
	ids := make([]string, 0, len(h.containers))
	for id := range h.containers {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.stop(id)
	}
	return h.docker.Close()
}

func (h *ContainerHandler) track(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.containers[id] = struct{}{}
}

func (h *ContainerHandler) stop(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), (stopTimeoutSec+5)*time.Second)
	defer cancel()

	timeout := stopTimeoutSec
	if err := h.docker.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		h.logger.Warn("Failed to stop container",
			zap.String("container_id", id),
			zap.Error(err))
	}
}

func (h *ContainerHandler) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := h.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		h.logger.Warn("Failed to remove container",
			zap.String("container_id", id),
			zap.Error(err))
	}

	h.mu.Lock()
	delete(h.containers, id)
	h.mu.Unlock()
}
