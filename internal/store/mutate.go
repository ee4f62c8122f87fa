package store

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/mschirtzinger/todosync/internal/model"
)

// Tx is a user edit in progress. Every row it touches is stamped with the
// same LastModified, and the account's version is bumped when the edit
// commits.
type Tx struct {
	ctx     context.Context
	tx      *sqlx.Tx
	account string
	now     time.Time
	changed bool
}

// Mutate runs fn as one user edit of account. If fn changed anything, the
// account gets a fresh version token with origin OriginLocalEdit, inside the
// same transaction. The edit itself does not set must_be_processed since the
// caller already reflects it, but a sync result still waiting for the cache
// layer stays pending.
func (s *Store) Mutate(ctx context.Context, account string, fn func(*Tx) error) error {
	var changed bool
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		t := &Tx{ctx: ctx, tx: tx, account: account, now: s.now()}
		if err := fn(t); err != nil {
			return err
		}
		changed = t.changed
		if !changed {
			return nil
		}
		cur, ok, err := readVersion(ctx, tx, account)
		if err != nil {
			return err
		}
		pending := ok && cur.MustBeProcessed
		return upsertVersion(ctx, tx, account, model.NewVersionToken(), OriginLocalEdit, pending)
	})
	if err != nil {
		return wrap("mutate", account, err)
	}
	if changed {
		s.notify.publish(account)
	}
	return nil
}

// Account returns the account being edited.
func (t *Tx) Account() string { return t.account }

func (t *Tx) stamp() int64 { return t.now.UnixMilli() }

func (t *Tx) exec(b sq.Sqlizer) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build query: %w", err)
	}
	res, err := t.tx.ExecContext(t.ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		t.changed = true
	}
	return n, nil
}

func (t *Tx) selectIDs(b sq.SelectBuilder) ([]string, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	var ids []string
	if err := t.tx.SelectContext(t.ctx, &ids, query, args...); err != nil {
		return nil, err
	}
	return ids, nil
}

// Task returns the task with the given id.
func (t *Tx) Task(id string) (model.Task, error) {
	var row taskRow
	err := t.tx.GetContext(t.ctx, &row,
		"SELECT "+taskColumns+" FROM tasks WHERE account = ? AND id = ?", t.account, id)
	if isNoRows(err) {
		return model.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("failed to read task %s: %w", id, err)
	}
	return row.toTask(), nil
}

// Tag returns the tag with the given id.
func (t *Tx) Tag(id string) (model.Tag, error) {
	var tag model.Tag
	err := t.tx.GetContext(t.ctx, &tag,
		"SELECT "+tagColumns+" FROM tags WHERE account = ? AND id = ?", t.account, id)
	if isNoRows(err) {
		return model.Tag{}, fmt.Errorf("tag %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Tag{}, fmt.Errorf("failed to read tag %s: %w", id, err)
	}
	return tag, nil
}

// AddTask appends task to the end of its tasklist, renumbering the list first
// if its positions are not contiguous. A missing id is generated.
func (t *Tx) AddTask(task model.Task) (model.Task, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.Account = t.account
	task.Normalize()
	task.Deleted = false
	task.LastModified = t.stamp()

	// A merged snapshot may carry duplicate positions; close them up first so
	// the new task lands right after the last one.
	ids, err := t.activeTaskIDs(task.TaskList)
	if err != nil {
		return model.Task{}, err
	}
	if err := t.reindexTasks(task.TaskList, ids); err != nil {
		return model.Task{}, err
	}
	task.Position = len(ids)

	if err := model.Validate.Struct(&task); err != nil {
		return model.Task{}, fmt.Errorf("invalid task: %w", err)
	}
	if err := insertTask(t.ctx, t.tx, task); err != nil {
		return model.Task{}, err
	}
	t.changed = true
	return task, nil
}

func (t *Tx) updateTask(id string, set map[string]interface{}) error {
	n, err := t.exec(sq.Update("tasks").
		SetMap(set).
		Set("last_modified", t.stamp()).
		Where(sq.Eq{"account": t.account, "id": id}))
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetTitle changes the title of a task.
func (t *Tx) SetTitle(id, title string) error {
	return t.updateTask(id, map[string]interface{}{"title": title})
}

// SetDescription changes the description of a task.
func (t *Tx) SetDescription(id, description string) error {
	return t.updateTask(id, map[string]interface{}{"description": description})
}

// SetDateTime sets the due date (YYYY-MM-DD) and time (HH:MM) of a task.
// Empty strings clear them.
func (t *Tx) SetDateTime(id, date, clock string) error {
	if date != "" {
		if _, err := time.Parse("2006-01-02", date); err != nil {
			return fmt.Errorf("invalid date %q: %w", date, err)
		}
	}
	if clock != "" {
		if _, err := time.Parse("15:04", clock); err != nil {
			return fmt.Errorf("invalid time %q: %w", clock, err)
		}
	}
	return t.updateTask(id, map[string]interface{}{"date": date, "time": clock})
}

// SetPeriod changes how often a task repeats.
func (t *Tx) SetPeriod(id string, p model.Period) error {
	if !p.IsValid() {
		return fmt.Errorf("invalid period %q", p)
	}
	return t.updateTask(id, map[string]interface{}{"period": string(p)})
}

// SetLocation attaches a location to a task, or removes it when loc is nil.
func (t *Tx) SetLocation(id string, loc *model.Location) error {
	if loc == nil {
		return t.updateTask(id, map[string]interface{}{
			"latitude":      nil,
			"longitude":     nil,
			"location_name": nil,
		})
	}
	if err := model.Validate.Struct(loc); err != nil {
		return fmt.Errorf("invalid location: %w", err)
	}
	return t.updateTask(id, map[string]interface{}{
		"latitude":      loc.Latitude,
		"longitude":     loc.Longitude,
		"location_name": loc.Name,
	})
}

// MoveTask moves a task to position pos of tasklist list. Both the source and
// the destination list are re-indexed so positions stay contiguous. pos is
// clamped to the destination list.
func (t *Tx) MoveTask(id string, list, pos int) error {
	if list < 0 {
		return fmt.Errorf("invalid tasklist %d", list)
	}
	cur, err := t.Task(id)
	if err != nil {
		return err
	}
	if cur.Deleted {
		return fmt.Errorf("task %s is deleted: %w", id, ErrNotFound)
	}

	src, err := t.activeTaskIDs(cur.TaskList)
	if err != nil {
		return err
	}
	src = without(src, id)

	dst := src
	if list != cur.TaskList {
		if dst, err = t.activeTaskIDs(list); err != nil {
			return err
		}
	}
	pos = max(0, min(pos, len(dst)))
	dst = insertAt(dst, pos, id)

	if cur.TaskList != list || cur.Position != pos {
		if err := t.updateTask(id, map[string]interface{}{"task_list": list, "position": pos}); err != nil {
			return err
		}
	}
	if err := t.reindexTasks(list, dst); err != nil {
		return err
	}
	if list != cur.TaskList {
		return t.reindexTasks(cur.TaskList, src)
	}
	return nil
}

// DeleteTask soft-deletes a task and closes the gap it leaves in its list.
func (t *Tx) DeleteTask(id string) error {
	cur, err := t.Task(id)
	if err != nil {
		return err
	}
	if cur.Deleted {
		return nil
	}
	if err := t.updateTask(id, map[string]interface{}{"deleted": true}); err != nil {
		return err
	}
	ids, err := t.activeTaskIDs(cur.TaskList)
	if err != nil {
		return err
	}
	return t.reindexTasks(cur.TaskList, ids)
}

// AddTag appends a tag to the end of the tag list, renumbering the list first
// if its positions are not contiguous.
func (t *Tx) AddTag(name string, color int) (model.Tag, error) {
	ids, err := t.activeTagIDs()
	if err != nil {
		return model.Tag{}, err
	}
	if err := t.reindexTags(ids); err != nil {
		return model.Tag{}, err
	}
	tag := model.Tag{
		ID:           uuid.NewString(),
		Account:      t.account,
		Position:     len(ids),
		Name:         name,
		Color:        color,
		LastModified: t.stamp(),
	}
	if err := model.Validate.Struct(&tag); err != nil {
		return model.Tag{}, fmt.Errorf("invalid tag: %w", err)
	}
	if err := insertTag(t.ctx, t.tx, tag); err != nil {
		return model.Tag{}, err
	}
	t.changed = true
	return tag, nil
}

func (t *Tx) updateTag(id string, set map[string]interface{}) error {
	n, err := t.exec(sq.Update("tags").
		SetMap(set).
		Set("last_modified", t.stamp()).
		Where(sq.Eq{"account": t.account, "id": id}))
	if err != nil {
		return fmt.Errorf("failed to update tag %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("tag %s: %w", id, ErrNotFound)
	}
	return nil
}

// RenameTag changes the name of a tag.
func (t *Tx) RenameTag(id, name string) error {
	return t.updateTag(id, map[string]interface{}{"name": name})
}

// DeleteTag soft-deletes a tag along with its relations and re-indexes the
// remaining tags.
func (t *Tx) DeleteTag(id string) error {
	cur, err := t.Tag(id)
	if err != nil {
		return err
	}
	if cur.Deleted {
		return nil
	}
	if err := t.updateTag(id, map[string]interface{}{"deleted": true}); err != nil {
		return err
	}
	if _, err := t.exec(sq.Update("relations").
		Set("deleted", true).
		Set("last_modified", t.stamp()).
		Where(sq.Eq{"account": t.account, "tag_id": id, "deleted": false})); err != nil {
		return fmt.Errorf("failed to detach tag %s: %w", id, err)
	}
	ids, err := t.activeTagIDs()
	if err != nil {
		return err
	}
	return t.reindexTags(ids)
}

// SetTaskTags makes tagIDs the exact set of tags attached to a task.
// Relations are revived, soft-deleted or created as needed.
func (t *Tx) SetTaskTags(taskID string, tagIDs []string) error {
	if _, err := t.Task(taskID); err != nil {
		return err
	}
	want := make(map[string]bool, len(tagIDs))
	for _, id := range tagIDs {
		tag, err := t.Tag(id)
		if err != nil {
			return err
		}
		if tag.Deleted {
			return fmt.Errorf("tag %s is deleted: %w", id, ErrNotFound)
		}
		want[id] = true
	}

	var existing []model.Relation
	if err := t.tx.SelectContext(t.ctx, &existing,
		"SELECT "+relationColumns+" FROM relations WHERE account = ? AND task_id = ?", t.account, taskID); err != nil {
		return fmt.Errorf("failed to read relations of %s: %w", taskID, err)
	}

	seen := make(map[string]bool, len(existing))
	for _, r := range existing {
		seen[r.TagID] = true
		if want[r.TagID] == !r.Deleted {
			continue
		}
		if _, err := t.exec(sq.Update("relations").
			Set("deleted", !want[r.TagID]).
			Set("last_modified", t.stamp()).
			Where(sq.Eq{"account": t.account, "task_id": taskID, "tag_id": r.TagID})); err != nil {
			return fmt.Errorf("failed to update relation %s/%s: %w", taskID, r.TagID, err)
		}
	}
	for _, id := range tagIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		r := model.Relation{TaskID: taskID, TagID: id, Account: t.account, LastModified: t.stamp()}
		if err := insertRelation(t.ctx, t.tx, r); err != nil {
			return err
		}
		t.changed = true
	}
	return nil
}

// Reindex rewrites task and tag positions so that every tasklist and the tag
// list are numbered 0..n-1 in their current order.
func (t *Tx) Reindex() error {
	query, args, err := sq.Select("DISTINCT task_list").
		From("tasks").
		Where(sq.Eq{"account": t.account, "deleted": false}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	var lists []int
	if err := t.tx.SelectContext(t.ctx, &lists, query, args...); err != nil {
		return fmt.Errorf("failed to list tasklists: %w", err)
	}
	for _, list := range lists {
		ids, err := t.activeTaskIDs(list)
		if err != nil {
			return err
		}
		if err := t.reindexTasks(list, ids); err != nil {
			return err
		}
	}
	ids, err := t.activeTagIDs()
	if err != nil {
		return err
	}
	return t.reindexTags(ids)
}

func (t *Tx) activeTaskIDs(list int) ([]string, error) {
	ids, err := t.selectIDs(sq.Select("id").
		From("tasks").
		Where(sq.Eq{"account": t.account, "task_list": list, "deleted": false}).
		OrderBy("position", "id"))
	if err != nil {
		return nil, fmt.Errorf("failed to read tasklist %d: %w", list, err)
	}
	return ids, nil
}

func (t *Tx) activeTagIDs() ([]string, error) {
	ids, err := t.selectIDs(sq.Select("id").
		From("tags").
		Where(sq.Eq{"account": t.account, "deleted": false}).
		OrderBy("position", "id"))
	if err != nil {
		return nil, fmt.Errorf("failed to read tags: %w", err)
	}
	return ids, nil
}

type position struct {
	ID       string `db:"id"`
	Position int    `db:"position"`
}

// reindexTasks numbers ids 0..n-1 within list, touching only rows whose
// position changes.
func (t *Tx) reindexTasks(list int, ids []string) error {
	var current []position
	if err := t.tx.SelectContext(t.ctx, &current,
		"SELECT id, position FROM tasks WHERE account = ? AND task_list = ? AND deleted = 0",
		t.account, list); err != nil {
		return fmt.Errorf("failed to read positions of tasklist %d: %w", list, err)
	}
	return t.renumber("tasks", current, ids)
}

func (t *Tx) reindexTags(ids []string) error {
	var current []position
	if err := t.tx.SelectContext(t.ctx, &current,
		"SELECT id, position FROM tags WHERE account = ? AND deleted = 0", t.account); err != nil {
		return fmt.Errorf("failed to read tag positions: %w", err)
	}
	return t.renumber("tags", current, ids)
}

func (t *Tx) renumber(table string, current []position, ids []string) error {
	pos := make(map[string]int, len(current))
	for _, p := range current {
		pos[p.ID] = p.Position
	}
	for i, id := range ids {
		if p, ok := pos[id]; ok && p == i {
			continue
		}
		if _, err := t.exec(sq.Update(table).
			Set("position", i).
			Set("last_modified", t.stamp()).
			Where(sq.Eq{"account": t.account, "id": id})); err != nil {
			return fmt.Errorf("failed to reposition %s %s: %w", table, id, err)
		}
	}
	return nil
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func insertAt(ids []string, i int, id string) []string {
	out := make([]string, 0, len(ids)+1)
	out = append(out, ids[:i]...)
	out = append(out, id)
	return append(out, ids[i:]...)
}
