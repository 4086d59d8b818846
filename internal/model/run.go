package model

import "time"

// ErrorClass categorizes a per-item batch failure.
type ErrorClass string

const (
	ErrorTransient ErrorClass = "transient"
	ErrorInput     ErrorClass = "input"
	ErrorUnknown   ErrorClass = "unknown"
)

// RunError records one subject that failed during a batch run.
type RunError struct {
	SubjectID string     `json:"subject_id"`
	Class     ErrorClass `json:"class"`
	Message   string     `json:"message"`
}

// RunSummary is the only outward state of a batch run.
type RunSummary struct {
	RunID           string         `json:"run_id"`
	Processed       int            `json:"processed"`
	Succeeded       int            `json:"succeeded"`
	Failed          int            `json:"failed"`
	Found           int            `json:"found"`
	NoMatch         int            `json:"no_match"`
	Deferred        int            `json:"deferred"`
	LinksDiscovered int            `json:"links_discovered"`
	Actions         map[Action]int `json:"actions,omitempty"`
	Errors          []RunError     `json:"errors"`
	LastSubjectID   string         `json:"last_subject_id,omitempty"`
	Cancelled       bool           `json:"cancelled"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      time.Time      `json:"finished_at"`
}

// SelectorMode chooses which subjects a batch run pulls.
type SelectorMode string

const (
	// SelectUnresolved pulls subjects with no lookup state.
	SelectUnresolved SelectorMode = "unresolved"
	// SelectRetryDue pulls pending/not_found subjects whose retry time elapsed.
	SelectRetryDue SelectorMode = "retry_due"
	// SelectAllDue is the union of unresolved and retry-due.
	SelectAllDue SelectorMode = "all_due"
)

// Valid reports whether m is a known mode.
func (m SelectorMode) Valid() bool {
	switch m {
	case SelectUnresolved, SelectRetryDue, SelectAllDue:
		return true
	}
	return false
}

// Selector pages through subjects needing resolution by keyset on ID.
type Selector struct {
	Mode    SelectorMode `json:"mode"`
	Scope   string       `json:"scope,omitempty"`
	AfterID string       `json:"after_id,omitempty"`
	Limit   int          `json:"limit"`
	Now     time.Time    `json:"now"`
}

// Frequency is how often a scheduled job runs.
type Frequency string

const (
	FrequencyHourly   Frequency = "hourly"
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyInterval Frequency = "interval"
)

// Job is a persisted scheduled batch run.
type Job struct {
	Name      string        `json:"name" yaml:"name"`
	Frequency Frequency     `json:"frequency" yaml:"frequency"`
	Interval  time.Duration `json:"interval,omitempty" yaml:"interval"`
	Hour      int           `json:"hour" yaml:"hour"` // UTC hour for daily/weekly
	Selector  SelectorMode  `json:"selector" yaml:"selector"`
	Limit     int           `json:"limit" yaml:"limit"`
	Enabled   bool          `json:"enabled" yaml:"enabled"`
	Cursor    string        `json:"cursor,omitempty"`
	LastRunAt *time.Time    `json:"last_run_at,omitempty"`
	NextRunAt *time.Time    `json:"next_run_at,omitempty"`
}
