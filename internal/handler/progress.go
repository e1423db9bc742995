package handler

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/t77yq/trainpool/internal/executor"
	"github.com/t77yq/trainpool/internal/model"
)

const maxLineSize = 1024 * 1024

// progressLine is one line of the JSON-lines protocol spoken by training programs.
// A line carries either a progress event or the final result.
type progressLine struct {
	Phase  model.ProgressPhase `json:"phase,omitempty"`
	Data   json.RawMessage     `json:"data,omitempty"`
	Result json.RawMessage     `json:"result,omitempty"`
}

// scanProgress forwards progress lines read from r to onProgress and returns the
// last result line. Lines that are not JSON are logged and skipped.
func scanProgress(r io.Reader, onProgress executor.ProgressFunc, logger *zap.Logger) (json.RawMessage, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var result json.RawMessage
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg progressLine
		if err := json.Unmarshal(line, &msg); err != nil {
			logger.Debug("Skipping non-protocol output line", zap.ByteString("line", line))
			continue
		}

		if len(msg.Result) > 0 {
			result = append(json.RawMessage(nil), msg.Result...)
			continue
		}
		if msg.Phase != "" && onProgress != nil {
			onProgress(msg.Phase, append(json.RawMessage(nil), msg.Data...))
		}
	}

	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("failed to read task output: %w", err)
	}
	return result, nil
}
