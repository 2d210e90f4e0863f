package etl

import (
	"encoding/json"
	"time"
)

// Metrics summarizes one run. Serialized into load_history.metrics and
// logged at run end.
type Metrics struct {
	RunID            string           `json:"run_id"`
	LoadType         string           `json:"load_type"`
	StudiesFetched   int64            `json:"studies_fetched"`
	StudiesValid     int64            `json:"studies_valid"`
	StudiesInvalid   int64            `json:"studies_invalid"`
	RowsMerged       map[string]int64 `json:"rows_merged"`
	RetryCount       int64            `json:"retry_count"`
	WallClockMillis  int64            `json:"wall_clock_ms"`
	StudiesPerSecond float64          `json:"studies_per_second"`
	WatermarkUsed    *time.Time       `json:"watermark_used,omitempty"`
	Error            string           `json:"error,omitempty"`
}

// newMetrics creates run metrics with the merge counter map initialized.
func newMetrics(runID string, loadType LoadType) *Metrics {
	return &Metrics{
		RunID:      runID,
		LoadType:   string(loadType),
		RowsMerged: make(map[string]int64),
	}
}

// finish stamps wall-clock duration and derived throughput.
func (m *Metrics) finish(start time.Time) {
	elapsed := time.Since(start)
	m.WallClockMillis = elapsed.Milliseconds()

	if secs := elapsed.Seconds(); secs > 0 {
		m.StudiesPerSecond = float64(m.StudiesFetched) / secs
	}
}

// JSON renders the metrics for load_history. Falls back to an empty object
// on marshal failure, which cannot happen for this shape.
func (m *Metrics) JSON() json.RawMessage {
	data, err := json.Marshal(m)
	if err != nil {
		return json.RawMessage("{}")
	}

	return data
}
