package harvest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// loadStamps reads the watermark file, tolerating absence or corruption
// by returning an empty map (never an error).
func (o *Orchestrator) loadStamps() map[string]time.Time {
	stamps := make(map[string]time.Time)
	if o.stampsPath == "" {
		return stamps
	}
	data, err := os.ReadFile(o.stampsPath)
	if err != nil {
		return stamps
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		o.log.Warn("corrupt stamps file", zap.String("path", o.stampsPath), zap.Error(err))
		return stamps
	}
	for k, v := range raw {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			stamps[k] = t
		}
	}
	return stamps
}

// serializeStamps renders the watermark map as indented JSON.
// encoding/json always emits map keys in sorted order, so repeated
// saves of unchanged state produce byte-identical output, letting
// saveStamps skip the write.
func (o *Orchestrator) serializeStamps() string {
	o.mu.Lock()
	raw := make(map[string]string, len(o.stamps))
	for k, v := range o.stamps {
		raw[k] = inCST(v).Format(time.RFC3339)
	}
	o.mu.Unlock()

	data, _ := json.MarshalIndent(raw, "", "  ")
	return string(data)
}

// saveStamps writes the watermark file atomically if its content
// changed since the last save.
func (o *Orchestrator) saveStamps() {
	if o.stampsPath == "" {
		return
	}
	payload := o.serializeStamps()

	o.mu.Lock()
	unchanged := payload == o.savedStamps
	o.mu.Unlock()
	if unchanged {
		return
	}

	if err := os.MkdirAll(filepath.Dir(o.stampsPath), 0o755); err != nil {
		o.log.Warn("create stamps dir failed", zap.Error(err))
		return
	}
	if err := writeAtomic(o.stampsPath, []byte(payload)); err != nil {
		o.log.Warn("save stamps failed", zap.Error(err))
		return
	}

	o.mu.Lock()
	o.savedStamps = payload
	o.mu.Unlock()
}
