package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/trainpool/internal/executor"
	"github.com/t77yq/trainpool/internal/model"
)

const maxResponseSize = 16 * 1024 * 1024

// HTTPHandler forwards Predict payloads to a model-serving endpoint
type HTTPHandler struct {
	logger     *zap.Logger
	url        string
	httpClient *http.Client
}

var _ executor.TaskHandler = (*HTTPHandler)(nil)

// NewHTTPHandler creates a handler posting payloads to url
func NewHTTPHandler(url string, timeout time.Duration, logger *zap.Logger) *HTTPHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPHandler{
		logger: logger.Named("http-handler"),
		url:    url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Handle posts the payload as JSON and returns the response body
func (h *HTTPHandler) Handle(ctx context.Context, payload json.RawMessage, onProgress executor.ProgressFunc) (json.RawMessage, error) {
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, &model.TaskError{Code: "invalid_payload", Message: "payload is not valid JSON"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	h.logger.Debug("Sending prediction request", zap.String("url", h.url))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &model.TaskError{
			Code:    "http_status",
			Message: fmt.Sprintf("prediction request failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(body)),
		}
	}

	if !json.Valid(body) {
		encoded, err := json.Marshal(string(body))
		if err != nil {
			return nil, fmt.Errorf("failed to encode response: %w", err)
		}
		body = encoded
	}

	if onProgress != nil {
		onProgress(model.ProgressPhaseComplete, map[string]interface{}{"status": resp.StatusCode})
	}
	return body, nil
}
