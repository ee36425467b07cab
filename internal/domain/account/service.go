package account

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service carries out right-to-erasure requests.
type Service struct {
	repo   Repository
	logger zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger.With().Str("component", "account").Logger()}
}

// Erase deletes the account with every profile, tag, medical record and
// scan event it owns.
func (s *Service) Erase(ctx context.Context, id uuid.UUID) (*ErasureReport, error) {
	report, err := s.repo.Erase(ctx, id)
	if err != nil {
		return nil, err
	}
	ev := s.logger.Info().Str("account_id", id.String())
	for _, st := range report.Steps {
		ev = ev.Int64(st.Step, st.Rows)
	}
	ev.Msg("account erased")
	return report, nil
}
