package store

import (
	"context"
	"fmt"

	"github.com/mschirtzinger/todosync/internal/model"
)

// versionRow is the stored version plus what WatchVersion reports: the write
// sequence used to detect changes and the origin of the last write.
type versionRow struct {
	model.Version
	Origin Origin `db:"origin"`
	Seq    int64  `db:"seq"`
}

func readVersion(ctx context.Context, q queryer, account string) (versionRow, bool, error) {
	var v versionRow
	err := q.GetContext(ctx, &v,
		"SELECT account, data_version, must_be_processed, origin, seq FROM versions WHERE account = ?", account)
	if isNoRows(err) {
		return versionRow{}, false, nil
	}
	if err != nil {
		return versionRow{}, false, fmt.Errorf("failed to read version: %w", err)
	}
	return v, true, nil
}

// upsertVersion stores a new token for account. origin is kept with the row
// until the next version write; MarkProcessed leaves it alone.
func upsertVersion(ctx context.Context, q queryer, account, token string, origin Origin, mustBeProcessed bool) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO versions (account, data_version, must_be_processed, origin, seq)
	VALUES (?, ?, ?, ?, 1)
	ON CONFLICT(account) DO UPDATE SET
		data_version = excluded.data_version,
		must_be_processed = excluded.must_be_processed,
		origin = excluded.origin,
		seq = versions.seq + 1
	`, account, token, mustBeProcessed, int64(origin))
	if err != nil {
		return fmt.Errorf("failed to write version: %w", err)
	}
	return nil
}

// GetVersion returns the stored version of account, or ErrNotFound if the
// account has never been written.
func (s *Store) GetVersion(ctx context.Context, account string) (model.Version, error) {
	v, ok, err := readVersion(ctx, s.db, account)
	if err != nil {
		return model.Version{}, wrap("get_version", account, err)
	}
	if !ok {
		return model.Version{}, fmt.Errorf("version for %s: %w", account, ErrNotFound)
	}
	return v.Version, nil
}

// BumpVersion gives account a fresh data version. mustBeProcessed is true
// only for changes that the cache layer has not seen yet; such a write is
// reported as OriginSyncApplied, any other as OriginLocalEdit.
func (s *Store) BumpVersion(ctx context.Context, account string, mustBeProcessed bool) (model.Version, error) {
	v := model.Version{
		Account:         account,
		DataVersion:     model.NewVersionToken(),
		MustBeProcessed: mustBeProcessed,
	}
	if err := upsertVersion(ctx, s.db, account, v.DataVersion, originOf(mustBeProcessed), mustBeProcessed); err != nil {
		return model.Version{}, wrap("bump_version", account, err)
	}
	s.notify.publish(account)
	return v, nil
}

// MarkProcessed clears must_be_processed if the account is still at
// dataVersion, so a sync that landed after the caller's read stays pending.
// It does not count as a version change, wakes no watcher and keeps the
// origin of the last write. It reports whether the flag was cleared.
func (s *Store) MarkProcessed(ctx context.Context, account, dataVersion string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE versions SET must_be_processed = 0 WHERE account = ? AND data_version = ?",
		account, dataVersion)
	if err != nil {
		return false, wrap("mark_processed", account, fmt.Errorf("failed to clear must_be_processed: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("mark_processed", account, err)
	}
	return n > 0, nil
}

func originOf(mustBeProcessed bool) Origin {
	if mustBeProcessed {
		return OriginSyncApplied
	}
	return OriginLocalEdit
}

// Accounts lists every account that has a version row.
func (s *Store) Accounts(ctx context.Context) ([]string, error) {
	var accounts []string
	if err := s.db.SelectContext(ctx, &accounts, "SELECT account FROM versions ORDER BY account"); err != nil {
		return nil, wrap("accounts", "", fmt.Errorf("failed to list accounts: %w", err))
	}
	return accounts, nil
}
