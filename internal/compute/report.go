package compute

import (
	"time"

	"github.com/monstera-lab/monstera/internal/core/lifecycle"
)

// Signal classifies the outcome of one compute pass for monitoring.
const (
	SignalOK               = "ok"
	SignalDataQuality      = "data_quality"
	SignalComputationError = "computation_error"
)

// Report summarizes one compute pass. Anomalies and missing entities are
// data-quality findings: the pass completed, but the inputs disagreed with
// the state machine or the entity directory. Partition errors are
// computation failures: the pass did not advance the checkpoint and the
// batch will be retried.
type Report struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	FromCursor int64 `json:"from_cursor"`
	ToCursor   int64 `json:"to_cursor"`

	EventsProcessed     int `json:"events_processed"`
	UsersComputed       int `json:"users_computed"`
	AccountsComputed    int `json:"accounts_computed"`
	TransitionsRecorded int `json:"transitions_recorded"`

	Anomalies       []lifecycle.Anomaly `json:"anomalies,omitempty"`
	MissingEntities []string            `json:"missing_entities,omitempty"`
	PartitionErrors map[int]string      `json:"partition_errors,omitempty"`
}

// Signal reduces the report to one monitoring label.
func (r *Report) Signal() string {
	if len(r.PartitionErrors) > 0 {
		return SignalComputationError
	}
	if len(r.Anomalies) > 0 || len(r.MissingEntities) > 0 {
		return SignalDataQuality
	}
	return SignalOK
}

// Advanced reports whether the pass durably moved the checkpoint.
func (r *Report) Advanced() bool {
	return r.ToCursor > r.FromCursor
}
