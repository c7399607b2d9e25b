package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

func entityHandlers() repository.ModelHandlers[*entityRecord] {
	return repository.ModelHandlers[*entityRecord]{
		NewRecord: func() *entityRecord {
			return &entityRecord{}
		},
		GetID: func(record *entityRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *entityRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *entityRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func deliveryClaimHandlers() repository.ModelHandlers[*deliveryClaimRecord] {
	return repository.ModelHandlers[*deliveryClaimRecord]{
		NewRecord: func() *deliveryClaimRecord {
			return &deliveryClaimRecord{}
		},
		GetID: func(record *deliveryClaimRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *deliveryClaimRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "claim_key"
		},
		GetIdentifierValue: func(record *deliveryClaimRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.Key)
		},
	}
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}

func isUniqueViolation(err error) bool {
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}
