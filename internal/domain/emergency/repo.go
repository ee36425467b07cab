package emergency

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound covers unknown, revoked and suspended tags alike.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateShortID is returned by TagRepository.Create when the short
	// id is already taken.
	ErrDuplicateShortID = errors.New("short id already exists")
)

// TagFilter narrows an owner's tag listing. Zero values match everything.
type TagFilter struct {
	Status  TagStatus
	TagType TagType
}

type TagRepository interface {
	Create(ctx context.Context, t *Tag) error
	GetByID(ctx context.Context, id uuid.UUID) (*Tag, error)
	// GetByShortID is an exact, case-sensitive match.
	GetByShortID(ctx context.Context, shortID string) (*Tag, error)
	ListByProfile(ctx context.Context, profileID uuid.UUID, filter TagFilter, limit, offset int) ([]*Tag, int, error)
	CountActive(ctx context.Context, profileID uuid.UUID) (int, error)
	// WithProfileLock runs fn in a transaction holding the profile row lock,
	// serialising changes to the profile's set of active tags.
	WithProfileLock(ctx context.Context, profileID uuid.UUID, fn func(ctx context.Context) error) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status TagStatus) error
	Delete(ctx context.Context, id uuid.UUID) error
	Stats(ctx context.Context, profileID uuid.UUID) (*TagStats, error)
	PublicStats(ctx context.Context, since time.Time) (*PublicStats, error)
}

type ProfileRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Profile, error)
	GetByAccountID(ctx context.Context, accountID uuid.UUID) (*Profile, error)
}

// MedicalRepository returns the records a profile has marked public. The
// projection filters again, so an implementation that returns more is
// still safe.
type MedicalRepository interface {
	PublicConditions(ctx context.Context, profileID uuid.UUID) ([]*Condition, error)
	PublicAllergies(ctx context.Context, profileID uuid.UUID) ([]*Allergy, error)
	PublicMedications(ctx context.Context, profileID uuid.UUID) ([]*Medication, error)
}

// ScanRepository persists a scan event and bumps the tag's counters in one
// unit of work, returning the new event id.
type ScanRepository interface {
	RecordScan(ctx context.Context, ev *ScanEvent) (int64, error)
}
