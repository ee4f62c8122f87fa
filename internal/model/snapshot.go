package model

import (
	"sort"

	"github.com/google/uuid"
)

// Snapshot is the complete state of one account at a point in time.
//
// Snapshots are values: functions that produce a new snapshot never modify the
// slices of their inputs.
type Snapshot struct {
	Account   string     `json:"account"`
	Tasks     []Task     `json:"tasks"`
	Tags      []Tag      `json:"tags"`
	Relations []Relation `json:"relations"`
	Version   Version    `json:"version"`
}

// NewVersionToken mints a random data version.
func NewVersionToken() string {
	return uuid.NewString()
}

// EmptySnapshot returns a snapshot with no rows and a freshly minted version.
func EmptySnapshot(account string) Snapshot {
	return Snapshot{
		Account:   account,
		Tasks:     []Task{},
		Tags:      []Tag{},
		Relations: []Relation{},
		Version: Version{
			Account:     account,
			DataVersion: NewVersionToken(),
		},
	}
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Account:   s.Account,
		Tasks:     make([]Task, len(s.Tasks)),
		Tags:      make([]Tag, len(s.Tags)),
		Relations: make([]Relation, len(s.Relations)),
		Version:   s.Version,
	}
	copy(out.Tasks, s.Tasks)
	for i := range out.Tasks {
		if loc := out.Tasks[i].Location; loc != nil {
			l := *loc
			out.Tasks[i].Location = &l
		}
	}
	copy(out.Tags, s.Tags)
	copy(out.Relations, s.Relations)
	return out
}

// Normalize fills in the account on every row that lacks one, applies row
// defaults and sorts the collections canonically.
func (s *Snapshot) Normalize() {
	if s.Tasks == nil {
		s.Tasks = []Task{}
	}
	if s.Tags == nil {
		s.Tags = []Tag{}
	}
	if s.Relations == nil {
		s.Relations = []Relation{}
	}
	for i := range s.Tasks {
		if s.Tasks[i].Account == "" {
			s.Tasks[i].Account = s.Account
		}
		s.Tasks[i].Normalize()
	}
	for i := range s.Tags {
		if s.Tags[i].Account == "" {
			s.Tags[i].Account = s.Account
		}
	}
	for i := range s.Relations {
		if s.Relations[i].Account == "" {
			s.Relations[i].Account = s.Account
		}
	}
	if s.Version.Account == "" {
		s.Version.Account = s.Account
	}
	SortRows(s)
}

// SortRows orders tasks by (tasklist, position, id), tags by (position, id)
// and relations by (task id, tag id).
func SortRows(s *Snapshot) {
	sort.SliceStable(s.Tasks, func(i, j int) bool {
		a, b := s.Tasks[i], s.Tasks[j]
		if a.TaskList != b.TaskList {
			return a.TaskList < b.TaskList
		}
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return a.ID < b.ID
	})
	sort.SliceStable(s.Tags, func(i, j int) bool {
		a, b := s.Tags[i], s.Tags[j]
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return a.ID < b.ID
	})
	sort.SliceStable(s.Relations, func(i, j int) bool {
		a, b := s.Relations[i], s.Relations[j]
		if a.TaskID != b.TaskID {
			return a.TaskID < b.TaskID
		}
		return a.TagID < b.TagID
	})
}

// ActiveTasks returns the tasks that are not soft-deleted.
func (s Snapshot) ActiveTasks() []Task {
	out := make([]Task, 0, len(s.Tasks))
	for _, t := range s.Tasks {
		if !t.Deleted {
			out = append(out, t)
		}
	}
	return out
}

// ActiveTags returns the tags that are not soft-deleted.
func (s Snapshot) ActiveTags() []Tag {
	out := make([]Tag, 0, len(s.Tags))
	for _, t := range s.Tags {
		if !t.Deleted {
			out = append(out, t)
		}
	}
	return out
}

// ActiveRelations returns relations that are not deleted and whose task, tag
// and relation all belong to the snapshot account. Relations that cross
// accounts are never handed to consumers.
func (s Snapshot) ActiveRelations() []Relation {
	tasks := make(map[string]Task, len(s.Tasks))
	for _, t := range s.Tasks {
		tasks[t.ID] = t
	}
	tags := make(map[string]Tag, len(s.Tags))
	for _, t := range s.Tags {
		tags[t.ID] = t
	}

	out := make([]Relation, 0, len(s.Relations))
	for _, r := range s.Relations {
		if r.Deleted || r.Account != s.Account {
			continue
		}
		task, ok := tasks[r.TaskID]
		if !ok || task.Account != r.Account || task.Deleted {
			continue
		}
		tag, ok := tags[r.TagID]
		if !ok || tag.Account != r.Account || tag.Deleted {
			continue
		}
		out = append(out, r)
	}
	return out
}

// TagsOf returns the active tags attached to the task with the given id.
func (s Snapshot) TagsOf(taskID string) []Tag {
	byID := make(map[string]Tag, len(s.Tags))
	for _, t := range s.Tags {
		byID[t.ID] = t
	}
	var out []Tag
	for _, r := range s.ActiveRelations() {
		if r.TaskID == taskID {
			out = append(out, byID[r.TagID])
		}
	}
	return out
}

// Counts summarizes a snapshot for logs and status output.
type Counts struct {
	Tasks     int `json:"tasks"`
	Tags      int `json:"tags"`
	Relations int `json:"relations"`
	Deleted   int `json:"deleted"`
}

// Count returns row counts for s.
func (s Snapshot) Count() Counts {
	c := Counts{
		Tasks:     len(s.Tasks),
		Tags:      len(s.Tags),
		Relations: len(s.Relations),
	}
	for _, t := range s.Tasks {
		if t.Deleted {
			c.Deleted++
		}
	}
	return c
}
