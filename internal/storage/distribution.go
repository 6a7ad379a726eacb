package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rezonia/nfe-service/internal/model"
)

// DistributionStore keeps distribution cursors and received documents.
type DistributionStore struct {
	store *Store
}

// StoredDocument is a distributed document read back from storage.
type StoredDocument struct {
	Party       string
	Environment model.Environment
	model.DistributedDocument
	ReceivedAt time.Time
}

// LoadCursor returns the persisted cursor of a party, zero when none.
func (s *DistributionStore) LoadCursor(ctx context.Context, party string, env model.Environment) (model.NSU, error) {
	row := s.store.db.QueryRowContext(ctx, s.store.rebind(`
		SELECT nsu FROM distribution_cursors WHERE party = ? AND environment = ?
	`), model.OnlyDigits(party), int(env))

	var nsu int64
	if err := row.Scan(&nsu); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("scanning cursor: %w", err)
	}
	return model.NSU(nsu), nil
}

// AdvanceCursor stores next as the party cursor. The cursor never moves
// backwards.
func (s *DistributionStore) AdvanceCursor(ctx context.Context, party string, env model.Environment, next, max model.NSU) error {
	_, err := s.store.db.ExecContext(ctx, s.store.rebind(`
		INSERT INTO distribution_cursors (party, environment, nsu, max_nsu, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (party, environment) DO UPDATE SET
			nsu = excluded.nsu,
			max_nsu = excluded.max_nsu,
			updated_at = excluded.updated_at
		WHERE distribution_cursors.nsu <= excluded.nsu
	`), model.OnlyDigits(party), int(env), int64(next), int64(max), s.store.timestamp())
	if err != nil {
		return fmt.Errorf("saving cursor: %w", err)
	}
	return nil
}

// ResetCursor forces the cursor to nsu, used after the authority rejects
// the stored value.
func (s *DistributionStore) ResetCursor(ctx context.Context, party string, env model.Environment, nsu model.NSU) error {
	_, err := s.store.db.ExecContext(ctx, s.store.rebind(`
		UPDATE distribution_cursors SET nsu = ?, updated_at = ?
		WHERE party = ? AND environment = ?
	`), int64(nsu), s.store.timestamp(), model.OnlyDigits(party), int(env))
	if err != nil {
		return fmt.Errorf("resetting cursor: %w", err)
	}
	return nil
}

// StoreBatch saves every document of batch. Documents whose NSU is already
// stored are skipped, so replaying a batch is harmless. It returns how many
// documents were new.
func (s *DistributionStore) StoreBatch(ctx context.Context, batch *model.DistributionBatch) (int, error) {
	if len(batch.Documents) == 0 {
		return 0, nil
	}

	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.store.rebind(`
		INSERT INTO distributed_documents (party, environment, nsu, schema_name, xml, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (party, environment, nsu) DO NOTHING
	`))
	if err != nil {
		return 0, fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	party := model.OnlyDigits(batch.Party)
	now := s.store.timestamp()
	inserted := 0
	for _, doc := range batch.Documents {
		res, err := stmt.ExecContext(ctx, party, int(batch.Environment), int64(doc.NSU), doc.Schema, string(doc.XML), now)
		if err != nil {
			return 0, fmt.Errorf("inserting document %s: %w", doc.NSU, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing batch: %w", err)
	}
	return inserted, nil
}

// Documents lists stored documents of a party with NSU greater than after,
// ascending, up to limit rows.
func (s *DistributionStore) Documents(ctx context.Context, party string, env model.Environment, after model.NSU, limit int) ([]StoredDocument, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.store.db.QueryContext(ctx, s.store.rebind(`
		SELECT nsu, schema_name, xml, received_at FROM distributed_documents
		WHERE party = ? AND environment = ? AND nsu > ?
		ORDER BY nsu ASC
		LIMIT ?
	`), model.OnlyDigits(party), int(env), int64(after), limit)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var out []StoredDocument
	for rows.Next() {
		var (
			nsu        int64
			xml        string
			receivedAt string
			doc        = StoredDocument{Party: model.OnlyDigits(party), Environment: env}
		)
		if err := rows.Scan(&nsu, &doc.Schema, &xml, &receivedAt); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		doc.NSU = model.NSU(nsu)
		doc.XML = []byte(xml)
		doc.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt)
		out = append(out, doc)
	}
	return out, rows.Err()
}
