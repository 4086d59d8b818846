// Package schedule runs persisted batch jobs. Next-run computation is a
// pure function; a single poll loop drives execution.
package schedule

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-cli/internal/config"
	"github.com/sells-group/catalog-cli/internal/model"
)

// NextRun returns the first run time strictly after last for job. Daily
// and weekly jobs run at job.Hour UTC; weekly jobs run on Mondays.
func NextRun(job model.Job, last time.Time) (time.Time, error) {
	last = last.UTC()
	switch job.Frequency {
	case model.FrequencyHourly:
		return last.Truncate(time.Hour).Add(time.Hour), nil

	case model.FrequencyDaily:
		if err := checkHour(job.Hour); err != nil {
			return time.Time{}, err
		}
		next := time.Date(last.Year(), last.Month(), last.Day(), job.Hour, 0, 0, 0, time.UTC)
		if !next.After(last) {
			next = next.AddDate(0, 0, 1)
		}
		return next, nil

	case model.FrequencyWeekly:
		if err := checkHour(job.Hour); err != nil {
			return time.Time{}, err
		}
		weekday := int(last.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		monday := time.Date(last.Year(), last.Month(), last.Day()-(weekday-1), job.Hour, 0, 0, 0, time.UTC)
		if !monday.After(last) {
			monday = monday.AddDate(0, 0, 7)
		}
		return monday, nil

	case model.FrequencyInterval:
		if job.Interval <= 0 {
			return time.Time{}, eris.Errorf("schedule: job %s: interval must be > 0", job.Name)
		}
		return last.Add(job.Interval), nil
	}
	return time.Time{}, eris.Errorf("schedule: job %s: unknown frequency %q", job.Name, job.Frequency)
}

func checkHour(h int) error {
	if h < 0 || h > 23 {
		return eris.Errorf("schedule: hour must be in [0, 23], got %d", h)
	}
	return nil
}

// JobsFromConfig converts and validates the configured jobs.
func JobsFromConfig(cfgs []config.JobConfig) ([]model.Job, error) {
	seen := make(map[string]struct{}, len(cfgs))
	jobs := make([]model.Job, 0, len(cfgs))
	for _, c := range cfgs {
		job := model.Job{
			Name:      strings.TrimSpace(c.Name),
			Frequency: model.Frequency(strings.ToLower(strings.TrimSpace(c.Frequency))),
			Interval:  time.Duration(c.IntervalMins) * time.Minute,
			Hour:      c.Hour,
			Selector:  model.SelectorMode(c.Selector),
			Limit:     c.Limit,
			Enabled:   c.Enabled,
		}
		if job.Name == "" {
			return nil, eris.New("schedule: job name is required")
		}
		if _, dup := seen[job.Name]; dup {
			return nil, eris.Errorf("schedule: duplicate job %q", job.Name)
		}
		seen[job.Name] = struct{}{}
		if job.Selector == "" {
			job.Selector = model.SelectAllDue
		}
		if !job.Selector.Valid() {
			return nil, eris.Errorf("schedule: job %s: invalid selector %q", job.Name, job.Selector)
		}
		if job.Limit < 0 {
			return nil, eris.Errorf("schedule: job %s: limit must be >= 0", job.Name)
		}
		// Validates frequency, hour and interval.
		if _, err := NextRun(job, time.Unix(0, 0)); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
