package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rezonia/nfe-service/internal/model"
	"github.com/rezonia/nfe-service/internal/sequence"
)

// SequenceStore implements sequence.Store.
type SequenceStore struct {
	store *Store
}

var _ sequence.Store = (*SequenceStore)(nil)

// LastNumber returns the last committed number of a sequence.
func (s *SequenceStore) LastNumber(ctx context.Context, key sequence.Key) (int64, bool, error) {
	row := s.store.db.QueryRowContext(ctx, s.store.rebind(`
		SELECT last_number FROM sequences
		WHERE issuer = ? AND model = ? AND series = ? AND environment = ?
	`), model.OnlyDigits(key.Issuer), int(key.Model), key.Series, int(key.Environment))

	var last int64
	if err := row.Scan(&last); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("scanning sequence: %w", err)
	}
	return last, true, nil
}

// CompareAndSwap moves the counter from prev to next atomically.
func (s *SequenceStore) CompareAndSwap(ctx context.Context, key sequence.Key, prev, next int64) (bool, error) {
	issuer := model.OnlyDigits(key.Issuer)
	var (
		res sql.Result
		err error
	)
	if prev == 0 {
		res, err = s.store.db.ExecContext(ctx, s.store.rebind(`
			INSERT INTO sequences (issuer, model, series, environment, last_number, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (issuer, model, series, environment) DO UPDATE SET
				last_number = excluded.last_number,
				updated_at = excluded.updated_at
			WHERE sequences.last_number = 0
		`), issuer, int(key.Model), key.Series, int(key.Environment), next, s.store.timestamp())
	} else {
		res, err = s.store.db.ExecContext(ctx, s.store.rebind(`
			UPDATE sequences SET last_number = ?, updated_at = ?
			WHERE issuer = ? AND model = ? AND series = ? AND environment = ? AND last_number = ?
		`), next, s.store.timestamp(), issuer, int(key.Model), key.Series, int(key.Environment), prev)
	}
	if err != nil {
		return false, fmt.Errorf("updating sequence: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading affected rows: %w", err)
	}
	return n == 1, nil
}
