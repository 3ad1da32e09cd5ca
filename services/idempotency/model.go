package idempotency

import (
	"time"

	"gorm.io/datatypes"
)

// Record is one stored request/response pair. Rows are insert-only: a key is
// either absent, or bound forever to the payload and response it first
// completed with. Uniqueness is per (key, endpoint) so the same key may be
// used against different operations.
type Record struct {
	ID              string         `gorm:"column:id;primaryKey"`
	CreatedAt       time.Time      `gorm:"column:created_at"`
	Key             string         `gorm:"column:key;uniqueIndex:idx_idempotency_key_endpoint"`
	Endpoint        string         `gorm:"column:endpoint;uniqueIndex:idx_idempotency_key_endpoint"`
	RequestPayload  datatypes.JSON `gorm:"column:request_payload"`
	ResponsePayload datatypes.JSON `gorm:"column:response_payload"`
	StatusCode      int            `gorm:"column:status_code"`
}

func (Record) TableName() string { return "idempotency_records" }
