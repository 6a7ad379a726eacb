package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rezonia/nfe-service/internal/model"
)

// AuthorizationRecord is an authorized document as persisted.
type AuthorizationRecord struct {
	AccessKey   model.AccessKey
	Issuer      string
	Series      int
	Number      int64
	Environment model.Environment
	StatusCode  int
	Reason      string
	Protocol    string
	ReceivedAt  time.Time
	XML         []byte
}

// AuthorizationStore keeps authorized nfeProc documents by access key.
type AuthorizationStore struct {
	store *Store
}

// Save stores an authorization. Saving the same key twice keeps the first
// record.
func (s *AuthorizationStore) Save(ctx context.Context, rec AuthorizationRecord) error {
	_, err := s.store.db.ExecContext(ctx, s.store.rebind(`
		INSERT INTO authorizations (access_key, issuer, series, number, environment, status_code, reason, protocol, received_at, xml)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (access_key) DO NOTHING
	`), string(rec.AccessKey), model.OnlyDigits(rec.Issuer), rec.Series, rec.Number, int(rec.Environment),
		rec.StatusCode, rec.Reason, rec.Protocol, rec.ReceivedAt.UTC().Format(time.RFC3339Nano), string(rec.XML))
	if err != nil {
		return fmt.Errorf("saving authorization: %w", err)
	}
	return nil
}

// SaveResult stores an authorized result together with its sequence data.
func (s *AuthorizationStore) SaveResult(ctx context.Context, doc *model.FiscalDocument, res *model.AuthorizationResult) error {
	if !res.Authorized() {
		return nil
	}
	return s.Save(ctx, AuthorizationRecord{
		AccessKey:   res.AccessKey(),
		Issuer:      doc.Issuer.CNPJ,
		Series:      doc.Metadata.Series,
		Number:      doc.Metadata.Number,
		Environment: doc.Metadata.Environment,
		StatusCode:  res.Code(),
		Reason:      res.Reason(),
		Protocol:    res.Protocol(),
		ReceivedAt:  res.ReceivedAt(),
		XML:         res.AuthorizedXML(),
	})
}

// Get returns the authorization for key or ErrNotFound.
func (s *AuthorizationStore) Get(ctx context.Context, key model.AccessKey) (*AuthorizationRecord, error) {
	row := s.store.db.QueryRowContext(ctx, s.store.rebind(`
		SELECT access_key, issuer, series, number, environment, status_code, reason, protocol, received_at, xml
		FROM authorizations WHERE access_key = ?
	`), string(key))

	var (
		rec        AuthorizationRecord
		accessKey  string
		env        int
		receivedAt string
		xml        string
	)
	err := row.Scan(&accessKey, &rec.Issuer, &rec.Series, &rec.Number, &env,
		&rec.StatusCode, &rec.Reason, &rec.Protocol, &receivedAt, &xml)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning authorization: %w", err)
	}
	rec.AccessKey = model.AccessKey(accessKey)
	rec.Environment = model.Environment(env)
	rec.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt)
	rec.XML = []byte(xml)
	return &rec, nil
}
