package account

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("account not found")

type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
	// Erase removes the account and everything reachable from it. Either
	// all of it goes or none of it does.
	Erase(ctx context.Context, id uuid.UUID) (*ErasureReport, error)
}
