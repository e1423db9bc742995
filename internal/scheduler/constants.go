package scheduler

import (
	"time"

	"github.com/t77yq/trainpool/internal/model"
)

const (
	// DefaultPriority is used when a caller does not care about ordering
	DefaultPriority = model.TaskPriorityNormal

	// coordinator inbox shared by all worker relays
	inboxSize = 256

	// buffered notifications between the coordinator and the sink
	notifyBufferSize = 1024
)

// how long Terminate waits for each worker goroutine to exit
const workerStopTimeout = 5 * time.Second
