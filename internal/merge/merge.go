// Package merge reconciles a local and a remote snapshot of the same account.
//
// The merge is last-writer-wins at row granularity: for every natural key the
// row with the greatest LastModified survives whole. Fields are never combined
// across rows. When both sides carry the same timestamp for a key the local
// row is kept. That is the only tie-break rule.
package merge

import (
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/mschirtzinger/todosync/internal/model"
)

// Stats describes where the rows of a merged snapshot came from.
type Stats struct {
	FastPath   bool
	FromLocal  int
	FromRemote int
	Ties       int
	Dropped    int
	NewVersion bool
}

// Merge reconciles local and remote, which must belong to the same account.
func Merge(local, remote model.Snapshot) model.Snapshot {
	merged, _ := MergeWithStats(local, remote)
	return merged
}

// MergeWithStats is Merge plus provenance counters for logging.
func MergeWithStats(local, remote model.Snapshot) (model.Snapshot, Stats) {
	var st Stats
	if local.Version.DataVersion == remote.Version.DataVersion {
		st.FastPath = true
		return local, st
	}

	account := local.Account
	merged := model.Snapshot{
		Account:   account,
		Tasks:     mergeRows(local.Tasks, remote.Tasks, taskKey, taskStamp, &st),
		Tags:      mergeRows(local.Tags, remote.Tags, tagKey, tagStamp, &st),
		Relations: mergeRows(local.Relations, remote.Relations, model.Relation.Key, relationStamp, &st),
	}
	st.Dropped = isolate(&merged)
	model.SortRows(&merged)

	switch {
	case sameRows(merged, remote):
		merged.Version.DataVersion = remote.Version.DataVersion
	case sameRows(merged, local):
		merged.Version.DataVersion = local.Version.DataVersion
	default:
		merged.Version.DataVersion = model.NewVersionToken()
		st.NewVersion = true
	}
	merged.Version.Account = account
	merged.Version.MustBeProcessed = true

	return merged, st
}

func taskKey(t model.Task) string { return t.ID }
func tagKey(t model.Tag) string { return t.ID }
func taskStamp(t model.Task) int64 { return t.LastModified }
func tagStamp(t model.Tag) int64 { return t.LastModified }
func relationStamp(r model.Relation) int64 { return r.LastModified }

// mergeRows keeps, per key, the row with the greatest stamp. Local rows are
// visited first so a remote row must be strictly newer to replace one.
func mergeRows[R any, K comparable](local, remote []R, key func(R) K, stamp func(R) int64, st *Stats) []R {
	type pick struct {
		row    R
		remote bool
	}
	picks := make(map[K]pick, len(local)+len(remote))
	order := make([]K, 0, len(local)+len(remote))

	for _, r := range local {
		k := key(r)
		cur, ok := picks[k]
		if !ok {
			order = append(order, k)
		} else if stamp(cur.row) >= stamp(r) {
			continue
		}
		picks[k] = pick{row: r}
	}
	for _, r := range remote {
		k := key(r)
		cur, ok := picks[k]
		if !ok {
			order = append(order, k)
			picks[k] = pick{row: r, remote: true}
			continue
		}
		switch {
		case stamp(r) > stamp(cur.row):
			picks[k] = pick{row: r, remote: true}
		case stamp(r) == stamp(cur.row) && !cur.remote:
			st.Ties++
		}
	}

	out := make([]R, 0, len(order))
	for _, k := range order {
		p := picks[k]
		if p.remote {
			st.FromRemote++
		} else {
			st.FromLocal++
		}
		out = append(out, p.row)
	}
	return out
}

// isolate removes rows owned by another account and relations whose task or
// tag belongs to another account. It returns the number of rows removed.
func isolate(s *model.Snapshot) int {
	dropped := 0

	tasks := s.Tasks[:0]
	taskAccount := make(map[string]string, len(s.Tasks))
	for _, t := range s.Tasks {
		taskAccount[t.ID] = t.Account
		if t.Account != s.Account {
			dropped++
			continue
		}
		tasks = append(tasks, t)
	}
	s.Tasks = tasks

	tags := s.Tags[:0]
	tagAccount := make(map[string]string, len(s.Tags))
	for _, t := range s.Tags {
		tagAccount[t.ID] = t.Account
		if t.Account != s.Account {
			dropped++
			continue
		}
		tags = append(tags, t)
	}
	s.Tags = tags

	relations := s.Relations[:0]
	for _, r := range s.Relations {
		if r.Account != s.Account {
			dropped++
			continue
		}
		if a, ok := taskAccount[r.TaskID]; ok && a != r.Account {
			dropped++
			continue
		}
		if a, ok := tagAccount[r.TagID]; ok && a != r.Account {
			dropped++
			continue
		}
		relations = append(relations, r)
	}
	s.Relations = relations

	return dropped
}

var rowOrder = []cmp.Option{
	cmpopts.EquateEmpty(),
	cmpopts.SortSlices(func(a, b model.Task) bool { return a.ID < b.ID }),
	cmpopts.SortSlices(func(a, b model.Tag) bool { return a.ID < b.ID }),
	cmpopts.SortSlices(func(a, b model.Relation) bool {
		if a.TaskID != b.TaskID {
			return a.TaskID < b.TaskID
		}
		return a.TagID < b.TagID
	}),
}

// sameRows reports whether the three collections of a and b hold the same rows,
// ignoring order. Versions are not compared.
func sameRows(a, b model.Snapshot) bool {
	return cmp.Equal(a.Tasks, b.Tasks, rowOrder...) &&
		cmp.Equal(a.Tags, b.Tags, rowOrder...) &&
		cmp.Equal(a.Relations, b.Relations, rowOrder...)
}
