package account

import (
	"time"

	"github.com/google/uuid"
)

// Account maps to the accounts table. It owns at most one profile.
type Account struct {
	ID                 uuid.UUID  `json:"id"`
	Email              string     `json:"email"`
	IsActive           bool       `json:"is_active"`
	CreatedAt          time.Time  `json:"created_at"`
	LastLogin          *time.Time `json:"last_login,omitempty"`
	GDPRConsentAt      *time.Time `json:"gdpr_consent_at,omitempty"`
	DataRetentionUntil *time.Time `json:"data_retention_until,omitempty"`
}

// StepResult is the number of rows one erasure step removed.
type StepResult struct {
	Step string `json:"step"`
	Rows int64  `json:"rows"`
}

// ErasureReport lists what an erasure removed, in execution order.
type ErasureReport struct {
	AccountID uuid.UUID    `json:"account_id"`
	Steps     []StepResult `json:"steps"`
}

// Rows returns the count removed by step, or 0 if it did not run.
func (r *ErasureReport) Rows(step string) int64 {
	for _, s := range r.Steps {
		if s.Step == step {
			return s.Rows
		}
	}
	return 0
}
