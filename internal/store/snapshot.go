package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/mschirtzinger/todosync/internal/model"
)

// taskRow adds the flattened location columns to model.Task.
type taskRow struct {
	model.Task
	Latitude     sql.NullFloat64 `db:"latitude"`
	Longitude    sql.NullFloat64 `db:"longitude"`
	LocationName sql.NullString  `db:"location_name"`
}

func toTaskRow(t model.Task) taskRow {
	row := taskRow{Task: t}
	if t.Location != nil {
		row.Latitude = sql.NullFloat64{Float64: t.Location.Latitude, Valid: true}
		row.Longitude = sql.NullFloat64{Float64: t.Location.Longitude, Valid: true}
		row.LocationName = sql.NullString{String: t.Location.Name, Valid: true}
	}
	return row
}

func (r taskRow) toTask() model.Task {
	t := r.Task
	t.Location = nil
	if r.Latitude.Valid && r.Longitude.Valid {
		t.Location = &model.Location{
			Latitude:  r.Latitude.Float64,
			Longitude: r.Longitude.Float64,
			Name:      r.LocationName.String,
		}
	}
	return t
}

const (
	taskColumns     = "id, account, task_list, position, title, description, date, time, latitude, longitude, location_name, period, deleted, last_modified"
	tagColumns      = "id, account, position, name, color, deleted, last_modified"
	relationColumns = "task_id, tag_id, account, deleted, last_modified"
)

// ReadAll returns the full snapshot of account. An account that has never
// been written yields an empty snapshot with a fresh, unpersisted version.
func (s *Store) ReadAll(ctx context.Context, account string) (model.Snapshot, error) {
	var snap model.Snapshot
	err := s.readTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		snap, err = readSnapshot(ctx, tx, account)
		return err
	})
	if err != nil {
		return model.Snapshot{}, wrap("read_all", account, err)
	}
	return snap, nil
}

func (s *Store) readTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	return fn(tx)
}

func readSnapshot(ctx context.Context, q queryer, account string) (model.Snapshot, error) {
	snap := model.EmptySnapshot(account)

	var tasks []taskRow
	if err := q.SelectContext(ctx, &tasks,
		"SELECT "+taskColumns+" FROM tasks WHERE account = ? ORDER BY task_list, position, id", account); err != nil {
		return snap, fmt.Errorf("failed to read tasks: %w", err)
	}
	for _, r := range tasks {
		snap.Tasks = append(snap.Tasks, r.toTask())
	}

	if err := q.SelectContext(ctx, &snap.Tags,
		"SELECT "+tagColumns+" FROM tags WHERE account = ? ORDER BY position, id", account); err != nil {
		return snap, fmt.Errorf("failed to read tags: %w", err)
	}
	if err := q.SelectContext(ctx, &snap.Relations,
		"SELECT "+relationColumns+" FROM relations WHERE account = ? ORDER BY task_id, tag_id", account); err != nil {
		return snap, fmt.Errorf("failed to read relations: %w", err)
	}

	v, ok, err := readVersion(ctx, q, account)
	if err != nil {
		return snap, err
	}
	if ok {
		snap.Version = v.Version
	}

	snap.Normalize()
	return snap, nil
}

// ReplaceAll replaces every row of account with the rows of snap and stores
// snap's version as is. The write is a local change still to be uploaded, so
// watchers see OriginLocalEdit; set MustBeProcessed on snap when the cache
// layer has to reload it as well.
func (s *Store) ReplaceAll(ctx context.Context, account string, snap model.Snapshot) error {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := writeSnapshot(ctx, tx, account, snap); err != nil {
			return err
		}
		return upsertVersion(ctx, tx, account, snap.Version.DataVersion, OriginLocalEdit, snap.Version.MustBeProcessed)
	})
	if err != nil {
		return wrap("replace_all", account, err)
	}
	s.notify.publish(account)
	return nil
}

// ReplaceIfVersion replaces every row of account with snap, but only if the
// stored data version still equals expected. The check and the write happen in
// one transaction. The stored version becomes snap's token with
// must_be_processed set, so the change propagates to the cache layer.
//
// An account with no version row has never been written locally and accepts
// any expected token.
func (s *Store) ReplaceIfVersion(ctx context.Context, account, expected string, snap model.Snapshot) error {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		cur, ok, err := readVersion(ctx, tx, account)
		if err != nil {
			return err
		}
		if ok && cur.DataVersion != expected {
			return ErrVersionConflict
		}
		if err := writeSnapshot(ctx, tx, account, snap); err != nil {
			return err
		}
		return upsertVersion(ctx, tx, account, snap.Version.DataVersion, OriginSyncApplied, true)
	})
	if err != nil {
		return wrap("replace_if_version", account, err)
	}
	s.notify.publish(account)
	return nil
}

func writeSnapshot(ctx context.Context, tx *sqlx.Tx, account string, snap model.Snapshot) error {
	if snap.Version.DataVersion == "" {
		return fmt.Errorf("snapshot has no data version")
	}
	snap = snap.Clone()
	if snap.Account == "" {
		snap.Account = account
	}
	if snap.Account != account {
		return fmt.Errorf("snapshot belongs to %q, not %q", snap.Account, account)
	}
	snap.Normalize()
	if err := checkAccount(snap); err != nil {
		return err
	}

	for _, table := range []string{"relations", "tasks", "tags"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE account = ?", account); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for _, t := range snap.Tasks {
		if err := insertTask(ctx, tx, t); err != nil {
			return err
		}
	}
	for _, t := range snap.Tags {
		if err := insertTag(ctx, tx, t); err != nil {
			return err
		}
	}
	for _, r := range snap.Relations {
		if err := insertRelation(ctx, tx, r); err != nil {
			return err
		}
	}
	return nil
}

func checkAccount(snap model.Snapshot) error {
	for _, t := range snap.Tasks {
		if t.Account != snap.Account {
			return fmt.Errorf("task %s belongs to %q", t.ID, t.Account)
		}
	}
	for _, t := range snap.Tags {
		if t.Account != snap.Account {
			return fmt.Errorf("tag %s belongs to %q", t.ID, t.Account)
		}
	}
	for _, r := range snap.Relations {
		if r.Account != snap.Account {
			return fmt.Errorf("relation %s/%s belongs to %q", r.TaskID, r.TagID, r.Account)
		}
	}
	return nil
}

func insertTask(ctx context.Context, tx *sqlx.Tx, t model.Task) error {
	_, err := tx.NamedExecContext(ctx, `
	INSERT INTO tasks (`+taskColumns+`)
	VALUES (:id, :account, :task_list, :position, :title, :description, :date, :time,
		:latitude, :longitude, :location_name, :period, :deleted, :last_modified)`, toTaskRow(t))
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
	}
	return nil
}

func insertTag(ctx context.Context, tx *sqlx.Tx, t model.Tag) error {
	_, err := tx.NamedExecContext(ctx, `
	INSERT INTO tags (`+tagColumns+`)
	VALUES (:id, :account, :position, :name, :color, :deleted, :last_modified)`, t)
	if err != nil {
		return fmt.Errorf("failed to insert tag %s: %w", t.ID, err)
	}
	return nil
}

func insertRelation(ctx context.Context, tx *sqlx.Tx, r model.Relation) error {
	_, err := tx.NamedExecContext(ctx, `
	INSERT INTO relations (`+relationColumns+`)
	VALUES (:task_id, :tag_id, :account, :deleted, :last_modified)`, r)
	if err != nil {
		return fmt.Errorf("failed to insert relation %s/%s: %w", r.TaskID, r.TagID, err)
	}
	return nil
}
