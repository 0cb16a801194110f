package observ

import (
	"encoding/json"
	"fmt"
	"time"
)

func Log(event string, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	kv["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	kv["event"] = event
	b, _ := json.Marshal(kv)
	fmt.Println(string(b))
}

// LogError logs an event with the error message attached under "error".
func LogError(event string, err error, kv map[string]any) {
	if kv == nil {
		kv = map[string]any{}
	}
	if err != nil {
		kv["error"] = err.Error()
	}
	Log(event, kv)
}
