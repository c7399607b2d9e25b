package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	claimStatusProcessing = "processing"
	claimStatusRetryReady = "retry_ready"
	claimStatusComplete   = "complete"
)

// DeliveryClaimStore persists inbound delivery claims so deduplication holds
// across restarts and replicas.
type DeliveryClaimStore struct {
	Now func() time.Time

	db   *bun.DB
	repo repository.Repository[*deliveryClaimRecord]
}

func NewDeliveryClaimStore(db *bun.DB) (*DeliveryClaimStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*deliveryClaimRecord](db, deliveryClaimHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid delivery claim repository wiring: %w", err)
		}
	}
	return &DeliveryClaimStore{db: db, repo: repo}, nil
}

// Attempts reports how many times key was claimed.
func (s *DeliveryClaimStore) Attempts(ctx context.Context, key string) (int, error) {
	if s == nil || s.repo == nil {
		return 0, fmt.Errorf("sqlstore: delivery claim store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("claim_key", "=", strings.TrimSpace(key)),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	return records[0].Attempts, nil
}

func (s *DeliveryClaimStore) Claim(ctx context.Context, key string, lease time.Duration) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, fmt.Errorf("sqlstore: delivery claim store is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, fmt.Errorf("sqlstore: claim key is required")
	}
	if lease <= 0 {
		lease = 10 * time.Minute
	}
	now := s.now()
	claimID := uuid.NewString()
	expiresAt := now.Add(lease)
	accepted := false

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findClaimTx(ctx, tx, key)
		if err != nil {
			return err
		}
		if record == nil {
			record = &deliveryClaimRecord{
				ID:        uuid.NewString(),
				Key:       key,
				ClaimID:   claimID,
				Status:    claimStatusProcessing,
				Attempts:  1,
				ExpiresAt: &expiresAt,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if _, insertErr := tx.NewInsert().Model(record).Exec(ctx); insertErr != nil {
				if isUniqueViolation(insertErr) {
					return nil
				}
				return insertErr
			}
			accepted = true
			return nil
		}
		if claimHeld(record, now) {
			return nil
		}
		res, err := tx.NewUpdate().
			Model((*deliveryClaimRecord)(nil)).
			Set("claim_id = ?", claimID).
			Set("status = ?", claimStatusProcessing).
			Set("attempts = ?", record.Attempts+1).
			Set("expires_at = ?", expiresAt).
			Set("retry_at = NULL").
			Set("updated_at = ?", now).
			Where("id = ?", record.ID).
			Where("claim_id = ?", record.ClaimID).
			Exec(ctx)
		if err != nil {
			return err
		}
		affected, _ := res.RowsAffected()
		accepted = affected == 1
		return nil
	})
	if err != nil {
		return "", false, err
	}
	if !accepted {
		return "", false, nil
	}
	return claimID, true, nil
}

func (s *DeliveryClaimStore) Complete(ctx context.Context, claimID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: delivery claim store is not configured")
	}
	record, err := s.findByClaimID(ctx, claimID)
	if err != nil || record == nil {
		return err
	}
	now := s.now()
	lease := 10 * time.Minute
	if record.ExpiresAt != nil && record.ExpiresAt.After(record.UpdatedAt) {
		lease = record.ExpiresAt.Sub(record.UpdatedAt)
	}
	_, err = s.db.NewUpdate().
		Model((*deliveryClaimRecord)(nil)).
		Set("status = ?", claimStatusComplete).
		Set("expires_at = ?", now.Add(lease)).
		Set("updated_at = ?", now).
		Where("claim_id = ?", strings.TrimSpace(claimID)).
		Where("status = ?", claimStatusProcessing).
		Exec(ctx)
	return err
}

func (s *DeliveryClaimStore) Fail(ctx context.Context, claimID string, cause error, retryAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: delivery claim store is not configured")
	}
	now := s.now()
	if retryAt.IsZero() {
		retryAt = now
	}
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	_, err := s.db.NewUpdate().
		Model((*deliveryClaimRecord)(nil)).
		Set("status = ?", claimStatusRetryReady).
		Set("retry_at = ?", retryAt.UTC()).
		Set("expires_at = NULL").
		Set("last_error = ?", lastError).
		Set("updated_at = ?", now).
		Where("claim_id = ?", strings.TrimSpace(claimID)).
		Where("status = ?", claimStatusProcessing).
		Exec(ctx)
	return err
}

func (s *DeliveryClaimStore) findByClaimID(ctx context.Context, claimID string) (*deliveryClaimRecord, error) {
	record := &deliveryClaimRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.claim_id = ?", strings.TrimSpace(claimID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

func (s *DeliveryClaimStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func findClaimTx(ctx context.Context, tx bun.Tx, key string) (*deliveryClaimRecord, error) {
	record := &deliveryClaimRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.claim_key = ?", key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

func claimHeld(record *deliveryClaimRecord, now time.Time) bool {
	switch record.Status {
	case claimStatusProcessing, claimStatusComplete:
		return record.ExpiresAt != nil && now.Before(*record.ExpiresAt)
	case claimStatusRetryReady:
		return record.RetryAt != nil && now.Before(*record.RetryAt)
	default:
		return false
	}
}
