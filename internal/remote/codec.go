package remote

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mschirtzinger/todosync/internal/model"
)

// ErrCorruptBlob is returned when a data blob cannot be decoded into a
// snapshot.
var ErrCorruptBlob = errors.New("corrupt data blob")

// EncodeSnapshot serializes s in the data blob format.
func EncodeSnapshot(s model.Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses a data blob for account. Rows without an account are
// assigned to it and legacy hidden-list tasks become deleted tasks. An empty
// blob, malformed JSON, a missing version, a blob owned by another account or
// a row that fails validation yield ErrCorruptBlob.
func DecodeSnapshot(account string, data []byte) (model.Snapshot, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return model.Snapshot{}, fmt.Errorf("%w: empty", ErrCorruptBlob)
	}

	var s model.Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return model.Snapshot{}, fmt.Errorf("%w: %v", ErrCorruptBlob, err)
	}
	if s.Account == "" {
		s.Account = account
	}
	if s.Account != account {
		return model.Snapshot{}, fmt.Errorf("%w: blob belongs to %q", ErrCorruptBlob, s.Account)
	}
	if s.Version.DataVersion == "" {
		return model.Snapshot{}, fmt.Errorf("%w: missing data version", ErrCorruptBlob)
	}

	s.Normalize()
	if err := s.Validate(); err != nil {
		return model.Snapshot{}, fmt.Errorf("%w: %v", ErrCorruptBlob, err)
	}
	// The flag only has meaning in the local store.
	s.Version.MustBeProcessed = false
	return s, nil
}
