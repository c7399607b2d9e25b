package sqlstore

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/port-labs/ocean-sub007/core"
)

// entityNamespace seeds the deterministic record id of an entity key.
var entityNamespace = uuid.MustParse("6f1c0f6e-6a53-4c57-9a63-2b2f3f0e8d11")

type entityRecord struct {
	bun.BaseModel `bun:"table:ocean_entities,alias:oe"`

	ID         string              `bun:"id,pk"`
	Blueprint  string              `bun:"blueprint,notnull"`
	Identifier string              `bun:"identifier,notnull"`
	Title      string              `bun:"title"`
	Properties map[string]any      `bun:"properties,type:jsonb,notnull"`
	Relations  map[string][]string `bun:"relations,type:jsonb,notnull"`
	CallerTag  string              `bun:"caller_tag"`
	CreatedAt  time.Time           `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt  time.Time           `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type deliveryClaimRecord struct {
	bun.BaseModel `bun:"table:ocean_delivery_claims,alias:odc"`

	ID        string     `bun:"id,pk"`
	Key       string     `bun:"claim_key,notnull"`
	ClaimID   string     `bun:"claim_id"`
	Status    string     `bun:"status,notnull"`
	Attempts  int        `bun:"attempts,notnull"`
	ExpiresAt *time.Time `bun:"expires_at,nullzero"`
	RetryAt   *time.Time `bun:"retry_at,nullzero"`
	LastError string     `bun:"last_error"`
	CreatedAt time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// EntityRecordID returns the stable record id of key.
func EntityRecordID(key core.EntityKey) string {
	return uuid.NewSHA1(entityNamespace, []byte(key.Blueprint+"\x00"+key.Identifier)).String()
}

func newEntityRecord(entity core.Entity, callerTag string, now time.Time) *entityRecord {
	cloned := entity.Clone()
	record := &entityRecord{
		ID:         EntityRecordID(cloned.Key()),
		Blueprint:  strings.TrimSpace(cloned.Blueprint),
		Identifier: strings.TrimSpace(cloned.Identifier),
		Title:      cloned.Title,
		Properties: cloned.Properties,
		Relations:  cloned.Relations,
		CallerTag:  strings.TrimSpace(callerTag),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if record.Properties == nil {
		record.Properties = map[string]any{}
	}
	if record.Relations == nil {
		record.Relations = map[string][]string{}
	}
	return record
}

func (r *entityRecord) toDomain() core.Entity {
	if r == nil {
		return core.Entity{}
	}
	entity := core.Entity{
		Identifier: r.Identifier,
		Blueprint:  r.Blueprint,
		Title:      r.Title,
		Properties: r.Properties,
		Relations:  r.Relations,
	}
	if len(entity.Properties) == 0 {
		entity.Properties = nil
	}
	if len(entity.Relations) == 0 {
		entity.Relations = nil
	}
	return entity.Clone()
}
