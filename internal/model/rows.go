package model

import (
	"fmt"
	"time"
)

// HiddenTaskList is the tasklist id older payloads use to mark a deleted task.
const HiddenTaskList = -1

// Period is how often a task repeats.
type Period string

const (
	PeriodNone    Period = "none"
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
	PeriodYearly  Period = "yearly"
)

// IsValid reports whether p is one of the known periods.
func (p Period) IsValid() bool {
	switch p {
	case PeriodNone, PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodYearly:
		return true
	default:
		return false
	}
}

// ParsePeriod converts user input to a Period. The empty string means none.
func ParsePeriod(s string) (Period, error) {
	if s == "" {
		return PeriodNone, nil
	}
	p := Period(s)
	if !p.IsValid() {
		return "", fmt.Errorf("invalid period %q (want none, daily, weekly, monthly or yearly)", s)
	}
	return p, nil
}

// Location is an optional geolocation attached to a task.
type Location struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
	Name      string  `json:"name,omitempty"`
}

// Task is a single to-do item.
type Task struct {
	ID           string    `json:"id" db:"id" validate:"required,uuid"`
	Account      string    `json:"account" db:"account" validate:"required"`
	TaskList     int       `json:"taskList" db:"task_list" validate:"gte=0"`
	Position     int       `json:"position" db:"position" validate:"gte=0"`
	Title        string    `json:"title" db:"title" validate:"max=1000"`
	Description  string    `json:"description" db:"description"`
	Date         string    `json:"date,omitempty" db:"date" validate:"omitempty,datetime=2006-01-02"`
	Time         string    `json:"time,omitempty" db:"time" validate:"omitempty,datetime=15:04"`
	Location     *Location `json:"location,omitempty" db:"-"`
	Period       Period    `json:"period" db:"period" validate:"period"`
	Deleted      bool      `json:"deleted" db:"deleted"`
	LastModified int64     `json:"lastModified" db:"last_modified" validate:"gte=0"`
}

// Normalize applies defaults and folds the legacy hidden tasklist into the
// Deleted flag.
func (t *Task) Normalize() {
	if t.TaskList == HiddenTaskList {
		t.TaskList = 0
		t.Deleted = true
	}
	if t.Period == "" {
		t.Period = PeriodNone
	}
}

// Touch stamps the row with the current time.
func (t *Task) Touch(now time.Time) {
	t.LastModified = now.UnixMilli()
}

// Tag is a label that can be attached to tasks.
type Tag struct {
	ID           string `json:"id" db:"id" validate:"required,uuid"`
	Account      string `json:"account" db:"account" validate:"required"`
	Position     int    `json:"position" db:"position" validate:"gte=0"`
	Name         string `json:"name" db:"name" validate:"max=200"`
	Color        int    `json:"color" db:"color" validate:"gte=0"`
	Deleted      bool   `json:"deleted" db:"deleted"`
	LastModified int64  `json:"lastModified" db:"last_modified" validate:"gte=0"`
}

// Touch stamps the row with the current time.
func (t *Tag) Touch(now time.Time) {
	t.LastModified = now.UnixMilli()
}

// Relation attaches a tag to a task.
type Relation struct {
	TaskID       string `json:"taskId" db:"task_id" validate:"required,uuid"`
	TagID        string `json:"tagId" db:"tag_id" validate:"required,uuid"`
	Account      string `json:"account" db:"account" validate:"required"`
	Deleted      bool   `json:"deleted" db:"deleted"`
	LastModified int64  `json:"lastModified" db:"last_modified" validate:"gte=0"`
}

// Key returns the natural key of the relation.
func (r Relation) Key() RelationKey {
	return RelationKey{TaskID: r.TaskID, TagID: r.TagID}
}

// Touch stamps the row with the current time.
func (r *Relation) Touch(now time.Time) {
	r.LastModified = now.UnixMilli()
}

// RelationKey is the composite key of a Relation.
type RelationKey struct {
	TaskID string
	TagID  string
}

// Version identifies the state of an account's data. DataVersion changes on
// every mutation; MustBeProcessed is set when the change came from a sync and
// has not been consumed by the cache layer yet.
type Version struct {
	Account         string `json:"account,omitempty" db:"account"`
	DataVersion     string `json:"dataVersion" db:"data_version" validate:"required"`
	MustBeProcessed bool   `json:"mustBeProcessed" db:"must_be_processed"`
}
