package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

type Field struct {
	Key   string
	Value interface{}
}

var (
	mu    sync.Mutex
	out   io.Writer = os.Stdout
	debug           = os.Getenv("DEBUG") == "1" || strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug")
)

// SetOutput redirects log lines, mostly for tests. It returns the previous writer.
func SetOutput(w io.Writer) io.Writer {
	mu.Lock()
	defer mu.Unlock()
	prev := out
	out = w
	return prev
}

// SetDebug toggles debug lines regardless of the environment.
func SetDebug(on bool) {
	mu.Lock()
	debug = on
	mu.Unlock()
}

func log(level, msg string, fields []Field, err error) {
	entry := map[string]interface{}{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"level": level,
		"msg":   msg,
	}
	if err != nil {
		entry["error"] = err.Error()
	}
	for _, f := range fields {
		entry[f.Key] = f.Value
	}
	mu.Lock()
	defer mu.Unlock()
	_ = json.NewEncoder(out).Encode(entry)
}

func Info(msg string, fields ...Field) {
	log("info", msg, fields, nil)
}

func Warn(msg string, fields ...Field) {
	log("warn", msg, fields, nil)
}

func Error(msg string, err error, fields ...Field) {
	log("error", msg, fields, err)
}

func Debug(msg string, fields ...Field) {
	mu.Lock()
	on := debug
	mu.Unlock()
	if on {
		log("debug", msg, fields, nil)
	}
}

func FieldKV(key string, value interface{}) Field { return Field{Key: key, Value: value} }

// KafkaLogger routes kafka-go client chatter to debug lines tagged with component.
func KafkaLogger(component string) kafka.Logger {
	return kafka.LoggerFunc(func(format string, args ...interface{}) {
		Debug(fmt.Sprintf(format, args...), FieldKV("component", component))
	})
}

// KafkaErrorLogger routes kafka-go client errors to error lines tagged with component.
func KafkaErrorLogger(component string) kafka.Logger {
	return kafka.LoggerFunc(func(format string, args ...interface{}) {
		log("error", fmt.Sprintf(format, args...), []Field{FieldKV("component", component)}, nil)
	})
}
