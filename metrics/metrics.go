// Package metrics records one JSON line per processed patch.
package metrics

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	StatusFinished = "finished"
	StatusFailed   = "failed"
	StatusSkipped  = "skipped"
)

type StageInfo struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
}

type MetricsInfo struct {
	RunID       string        `json:"run_id"`
	Pipeline    string        `json:"pipeline"`
	Patch       string        `json:"patch"`
	StartTime   string        `json:"start_time"`
	Duration    time.Duration `json:"duration"`
	Status      string        `json:"status"`
	Error       string        `json:"error,omitempty"`
	NumTiles    int           `json:"num_tiles,omitempty"`
	BytesJoined int64         `json:"bytes_joined,omitempty"`
	Stages      []StageInfo   `json:"stages,omitempty"`
}

type MetricsCollector struct {
	Info   *MetricsInfo
	logger Logger
	start  time.Time
	stage  time.Time
}

// NewRunID identifies all metrics of one pipeline run.
func NewRunID() string {
	return uuid.NewString()
}

func NewMetricsCollector(logger Logger, runID, pipeline, patch string) *MetricsCollector {
	now := time.Now()
	return &MetricsCollector{
		Info: &MetricsInfo{
			RunID:     runID,
			Pipeline:  pipeline,
			Patch:     patch,
			StartTime: now.UTC().Format(time.RFC3339),
		},
		logger: logger,
		start:  now,
		stage:  now,
	}
}

// StageDone records the time spent since the previous stage ended.
func (m *MetricsCollector) StageDone(name string) {
	now := time.Now()
	m.Info.Stages = append(m.Info.Stages, StageInfo{Name: name, Duration: now.Sub(m.stage)})
	m.stage = now
}

// Finish sets the status from err and logs the record.
func (m *MetricsCollector) Finish(err error) {
	m.Info.Duration = time.Since(m.start)
	if err != nil {
		m.Info.Status = StatusFailed
		m.Info.Error = err.Error()
	} else if m.Info.Status == "" {
		m.Info.Status = StatusFinished
	}
	m.Log()
}

func (m *MetricsCollector) Log() {
	if m.logger != nil {
		m.logger.Log(m.Info)
	}
}

func (i *MetricsInfo) ToJSON() (string, error) {
	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(i); err != nil {
		return "", err
	}
	return buf.String(), nil
}
