package events

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogEmitter implements Emitter by writing structured output to a writer.
//
// Supports two output modes:
//   - Text mode (default): human-readable lines with key=value pairs
//   - JSON mode: one event per line in wire form (JSONL)
//
// Example text output:
//
//	[NODE_STARTED] execution=ex-001 index=1 data={"nodeId":"A"}
//
// Example JSON output:
//
//	{"executionId":"ex-001","index":1,"type":"NODE_STARTED","timestamp":"...","data":{"nodeId":"A"}}
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter writing to the given writer. A nil
// writer defaults to os.Stdout. When jsonMode is true, events are written in
// JSONL wire form.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes the event in the configured format.
func (l *LogEmitter) Emit(event Event) {
	if l.jsonMode {
		l.emitJSON(event)
		return
	}
	l.emitText(event)
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := event.Marshal()
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] execution=%s index=%d",
		event.Type, event.ExecutionID, event.Index)

	if event.Data != nil {
		if data, err := json.Marshal(event.Data); err == nil {
			fmt.Fprintf(l.writer, " data=%s", data)
		} else {
			fmt.Fprintf(l.writer, " data=%v", event.Data)
		}
	}
	fmt.Fprint(l.writer, "\n")
}
