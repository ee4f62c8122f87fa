package store

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionConflict is returned by ReplaceIfVersion when the stored data
	// version no longer matches the expected one.
	ErrVersionConflict = errors.New("data version changed during sync")

	// ErrNotFound is returned when a row addressed by id does not exist for the
	// account.
	ErrNotFound = errors.New("not found")
)

// Error wraps a storage failure with the operation and account it affected.
type Error struct {
	Op      string
	Account string
	Err     error
}

func (e *Error) Error() string {
	if e.Account == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s [%s]: %v", e.Op, e.Account, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(op, account string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrNotFound) {
		return err
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Account: account, Err: err}
}
