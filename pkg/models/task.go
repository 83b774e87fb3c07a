package models

import "time"

// ScheduledTask is a persisted record describing work the schedule
// producer should dispatch.
type ScheduledTask struct {
	ID string `json:"id" yaml:"id"`

	// CronExpr, when set, makes the task recurring. Otherwise ExecuteAt
	// fires it once.
	CronExpr  string    `json:"cron_expr,omitempty" yaml:"cron_expr,omitempty"`
	ExecuteAt time.Time `json:"execute_at,omitempty" yaml:"execute_at,omitempty"`

	Intent  string         `json:"intent" yaml:"intent"`
	Context map[string]any `json:"context,omitempty" yaml:"context,omitempty"`

	Disabled  bool      `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Recurring reports whether the task fires on a cron schedule.
func (t *ScheduledTask) Recurring() bool {
	return t != nil && t.CronExpr != ""
}
