package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the process-wide line logger. Everything this service logs
// is one JSON object per line on stdout: the access log, audit events and
// lifecycle messages all share it so a collector sees a single stream.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogRequest emits one structured line for a handled HTTP request. A marshal
// failure is reported as a fixed error line rather than dropped silently.
func LogRequest(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"level":"error","msg":"request log entry not serialisable"}`)
		return
	}
	Logger().Println(string(data))
}
