package worker

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

var workerDebugEnabled = strings.EqualFold(os.Getenv("CHATGATE_WORKER_DEBUG"), "1")

func debugLog(format string, args ...any) {
	if workerDebugEnabled {
		slog.Info(fmt.Sprintf(format, args...), "component", "worker")
	}
}
