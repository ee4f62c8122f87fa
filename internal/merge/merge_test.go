package merge

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/todosync/internal/model"
)

const account = "alice@example.com"

func newTask(list, pos int, stamp int64) model.Task {
	return model.Task{
		ID:           uuid.NewString(),
		Account:      account,
		TaskList:     list,
		Position:     pos,
		Title:        "task",
		Period:       model.PeriodNone,
		LastModified: stamp,
	}
}

func newTag(pos int, stamp int64) model.Tag {
	return model.Tag{ID: uuid.NewString(), Account: account, Position: pos, Name: "tag", LastModified: stamp}
}

func relate(task model.Task, tag model.Tag, stamp int64) model.Relation {
	return model.Relation{TaskID: task.ID, TagID: tag.ID, Account: account, LastModified: stamp}
}

func snapshot(tasks []model.Task, tags []model.Tag, rels []model.Relation) model.Snapshot {
	s := model.EmptySnapshot(account)
	s.Tasks = tasks
	s.Tags = tags
	s.Relations = rels
	return s
}

func taskByID(s model.Snapshot) map[string]model.Task {
	m := make(map[string]model.Task, len(s.Tasks))
	for _, t := range s.Tasks {
		m[t.ID] = t
	}
	return m
}

func TestMerge_SameVersionReturnsLocal(t *testing.T) {
	s := snapshot([]model.Task{newTask(0, 0, 1)}, nil, nil)
	other := s.Clone()
	other.Tasks[0].Title = "changed"

	merged, st := MergeWithStats(s, other)

	assert.True(t, st.FastPath)
	require.Len(t, merged.Tasks, 1)
	assert.Same(t, &s.Tasks[0], &merged.Tasks[0])
	assert.Equal(t, s.Version, merged.Version)
	assert.False(t, merged.Version.MustBeProcessed)
}

func TestMerge_LastWriterWins(t *testing.T) {
	base := newTask(0, 0, 1000)

	tests := []struct {
		name        string
		localStamp  int64
		remoteStamp int64
		wantTitle   string
	}{
		{name: "remote newer", localStamp: 1000, remoteStamp: 2000, wantTitle: "remote"},
		{name: "local newer", localStamp: 3000, remoteStamp: 2000, wantTitle: "local"},
		{name: "tie keeps local", localStamp: 2000, remoteStamp: 2000, wantTitle: "local"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, r := base, base
			l.Title, l.LastModified = "local", tt.localStamp
			r.Title, r.LastModified = "remote", tt.remoteStamp

			merged := Merge(snapshot([]model.Task{l}, nil, nil), snapshot([]model.Task{r}, nil, nil))

			require.Len(t, merged.Tasks, 1)
			assert.Equal(t, tt.wantTitle, merged.Tasks[0].Title)
			assert.Equal(t, max(tt.localStamp, tt.remoteStamp), merged.Tasks[0].LastModified)
		})
	}
}

func TestMerge_WholeRowReplacement(t *testing.T) {
	l := newTask(0, 0, 1000)
	l.Description = "local description"
	r := l
	r.Title = "remote title"
	r.Description = ""
	r.LastModified = 2000

	merged := Merge(snapshot([]model.Task{l}, nil, nil), snapshot([]model.Task{r}, nil, nil))

	require.Len(t, merged.Tasks, 1)
	assert.Equal(t, "remote title", merged.Tasks[0].Title)
	assert.Empty(t, merged.Tasks[0].Description)
}

func TestMerge_SetCoverage(t *testing.T) {
	shared := newTask(0, 0, 1)
	onlyLocal := newTask(0, 1, 1)
	onlyRemote := newTask(1, 0, 1)
	tagL, tagR := newTag(0, 1), newTag(1, 1)

	local := snapshot([]model.Task{shared, onlyLocal}, []model.Tag{tagL}, []model.Relation{relate(shared, tagL, 1)})
	remote := snapshot([]model.Task{shared, onlyRemote}, []model.Tag{tagR}, []model.Relation{relate(onlyRemote, tagR, 1)})

	merged := Merge(local, remote)

	ids := taskByID(merged)
	assert.Len(t, ids, 3)
	for _, id := range []string{shared.ID, onlyLocal.ID, onlyRemote.ID} {
		assert.Contains(t, ids, id)
	}
	assert.Len(t, merged.Tags, 2)
	assert.Len(t, merged.Relations, 2)
}

func TestMerge_VersionConvergence(t *testing.T) {
	task := newTask(0, 0, 1000)

	t.Run("remote already up to date", func(t *testing.T) {
		newer := task
		newer.Title = "edited remotely"
		newer.LastModified = 2000
		extra := newTask(0, 1, 2000)

		local := snapshot([]model.Task{task}, nil, nil)
		remote := snapshot([]model.Task{newer, extra}, nil, nil)

		merged, st := MergeWithStats(local, remote)
		assert.Equal(t, remote.Version.DataVersion, merged.Version.DataVersion)
		assert.False(t, st.NewVersion)
		assert.True(t, merged.Version.MustBeProcessed)
	})

	t.Run("local already up to date", func(t *testing.T) {
		newer := task
		newer.Title = "edited locally"
		newer.LastModified = 2000

		local := snapshot([]model.Task{newer}, nil, nil)
		remote := snapshot([]model.Task{task}, nil, nil)

		merged := Merge(local, remote)
		assert.Equal(t, local.Version.DataVersion, merged.Version.DataVersion)
		assert.True(t, merged.Version.MustBeProcessed)
	})

	t.Run("both diverged", func(t *testing.T) {
		local := snapshot([]model.Task{task, newTask(0, 1, 1500)}, nil, nil)
		remote := snapshot([]model.Task{task, newTask(0, 1, 1600)}, nil, nil)

		merged, st := MergeWithStats(local, remote)
		assert.NotEqual(t, local.Version.DataVersion, merged.Version.DataVersion)
		assert.NotEqual(t, remote.Version.DataVersion, merged.Version.DataVersion)
		assert.True(t, st.NewVersion)
		assert.Len(t, merged.Tasks, 3)
	})
}

func TestMerge_CrossAccountIsolation(t *testing.T) {
	task := newTask(0, 0, 1)
	tag := newTag(0, 1)
	foreignTask := newTask(0, 1, 1)
	foreignTask.Account = "mallory@example.com"
	foreignTag := newTag(1, 1)
	foreignTag.Account = "mallory@example.com"

	local := snapshot([]model.Task{task}, []model.Tag{tag}, []model.Relation{relate(task, tag, 1)})
	foreignRel := relate(foreignTask, foreignTag, 5)
	foreignRel.Account = "mallory@example.com"
	remote := snapshot(
		[]model.Task{foreignTask},
		[]model.Tag{foreignTag},
		[]model.Relation{relate(foreignTask, tag, 1), relate(task, foreignTag, 1), foreignRel},
	)

	merged, st := MergeWithStats(local, remote)

	require.Len(t, merged.Relations, 1)
	for _, r := range merged.Relations {
		assert.Equal(t, account, r.Account)
		assert.NotEqual(t, foreignTask.ID, r.TaskID)
		assert.NotEqual(t, foreignTag.ID, r.TagID)
	}
	for _, tk := range merged.Tasks {
		assert.Equal(t, account, tk.Account)
	}
	for _, tg := range merged.Tags {
		assert.Equal(t, account, tg.Account)
	}
	assert.Greater(t, st.Dropped, 0)
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	l := newTask(0, 0, 1000)
	r := l
	r.Title = "remote"
	r.LastModified = 2000
	local := snapshot([]model.Task{l}, nil, nil)
	remote := snapshot([]model.Task{r}, nil, nil)
	before := local.Clone()

	_ = Merge(local, remote)

	assert.Equal(t, before, local)
}

// TestMerge_ReferenceScenario covers a realistic round: the remote deleted a
// task, a tag and a relation and added new rows while the local side was idle.
func TestMerge_ReferenceScenario(t *testing.T) {
	const (
		old   = int64(1000)
		fresh = int64(2000)
	)

	tasks := make([]model.Task, 5)
	for i := range tasks {
		tasks[i] = newTask(0, i, old)
	}
	tags := make([]model.Tag, 4)
	for i := range tags {
		tags[i] = newTag(i, old)
	}
	pairs := [][2]int{{0, 1}, {0, 2}, {0, 3}, {1, 1}, {1, 2}, {1, 3}, {3, 1}, {3, 2}, {4, 1}}
	rels := make([]model.Relation, 0, len(pairs))
	for _, p := range pairs {
		rels = append(rels, relate(tasks[p[0]], tags[p[1]], old))
	}
	local := snapshot(tasks, tags, rels)

	// Remote: task 2 deleted, tasks 3 and 4 re-indexed, two new tasks.
	rTasks := local.Clone().Tasks
	rTasks[2].TaskList = model.HiddenTaskList
	rTasks[2].Normalize()
	rTasks[2].LastModified = fresh
	rTasks[3].Position, rTasks[3].LastModified = 2, fresh
	rTasks[4].Position, rTasks[4].LastModified = 5, fresh
	added1, added2 := newTask(0, 3, fresh), newTask(0, 4, fresh)
	rTasks = append(rTasks, added1, added2)

	// Remote: tag 0 deleted, one new tag.
	rTags := local.Clone().Tags
	rTags[0].Deleted, rTags[0].LastModified = true, fresh
	newTagRow := newTag(4, fresh)
	rTags = append(rTags, newTagRow)

	// Remote: relation task1/tag3 deleted, one new relation.
	rRels := local.Clone().Relations
	for i := range rRels {
		if rRels[i].TaskID == tasks[1].ID && rRels[i].TagID == tags[3].ID {
			rRels[i].Deleted, rRels[i].LastModified = true, fresh
		}
	}
	rRels = append(rRels, relate(added1, newTagRow, fresh))

	remote := snapshot(rTasks, rTags, rRels)

	merged := Merge(local, remote)

	// Tasks: 5 local + 2 new, task 2 kept but deleted.
	require.Len(t, merged.Tasks, 7)
	byID := taskByID(merged)
	require.Len(t, byID, 7, "no duplicate task ids")
	assert.True(t, byID[tasks[2].ID].Deleted)
	assert.Len(t, merged.ActiveTasks(), 6)

	// Tags: 4 local + 1 new, tag 0 kept but deleted.
	require.Len(t, merged.Tags, 5)
	for _, tg := range merged.Tags {
		if tg.ID == tags[0].ID {
			assert.True(t, tg.Deleted)
		}
	}

	// Relations: 9 local + 1 new rows; one deleted leaves 9 live.
	require.Len(t, merged.Relations, 10)
	live := 0
	for _, r := range merged.Relations {
		if !r.Deleted {
			live++
		}
	}
	assert.Equal(t, 9, live)

	// Merged rows equal the remote rows, so the remote version is reused.
	assert.Equal(t, remote.Version.DataVersion, merged.Version.DataVersion)
	assert.True(t, merged.Version.MustBeProcessed)
}
