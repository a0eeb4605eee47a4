package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jclee-lab/blacklist-sub003/pkg/model"
)

// LoadCredential fetches the credential row for service. Returns
// pgx.ErrNoRows (wrapped) if the service is unknown.
func (s *Store) LoadCredential(ctx context.Context, service string) (model.CollectionCredential, error) {
	var c model.CollectionCredential

	err := withRetry(ctx, "LoadCredential", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
			SELECT service, username, password, encrypted, config, enabled, is_active,
			       interval_seconds, last_collection_at, last_test_ok, last_test_message,
			       last_test_at, created_at, updated_at
			FROM collection_credentials
			WHERE service = $1
		`, service).Scan(&c.Service, &c.Username, &c.Password, &c.Encrypted, &c.Config,
			&c.Enabled, &c.IsActive, &c.IntervalSeconds, &c.LastCollectionAt,
			&c.LastTestOK, &c.LastTestMessage, &c.LastTestAt, &c.CreatedAt, &c.UpdatedAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CollectionCredential{}, fmt.Errorf("credential for service %q: %w", service, pgx.ErrNoRows)
		}
		return model.CollectionCredential{}, err
	}

	return c, nil
}

// StoreCredential inserts or replaces the credential row for service.
func (s *Store) StoreCredential(ctx context.Context, c model.CollectionCredential) error {
	return withRetry(ctx, "StoreCredential", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO collection_credentials
				(service, username, password, encrypted, config, enabled, is_active,
				 interval_seconds, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now(),now())
			ON CONFLICT (service) DO UPDATE SET
				username = EXCLUDED.username,
				password = EXCLUDED.password,
				encrypted = EXCLUDED.encrypted,
				config = EXCLUDED.config,
				enabled = EXCLUDED.enabled,
				is_active = EXCLUDED.is_active,
				interval_seconds = EXCLUDED.interval_seconds,
				updated_at = now()
		`, c.Service, c.Username, c.Password, c.Encrypted, c.Config, c.Enabled,
			c.IsActive, c.IntervalSeconds)
		return err
	})
}

// RecordTestResult updates the last_test_* fields for service after a
// TestConnectivity probe.
func (s *Store) RecordTestResult(ctx context.Context, service string, ok bool, message string) error {
	return withRetry(ctx, "RecordTestResult", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			UPDATE collection_credentials
			SET last_test_ok = $2, last_test_message = $3, last_test_at = now(), updated_at = now()
			WHERE service = $1
		`, service, ok, message)
		return err
	})
}

// MarkCollected stamps last_collection_at for service.
func (s *Store) MarkCollected(ctx context.Context, service string) error {
	return withRetry(ctx, "MarkCollected", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			UPDATE collection_credentials SET last_collection_at = now(), updated_at = now()
			WHERE service = $1
		`, service)
		return err
	})
}
