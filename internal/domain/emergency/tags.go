package emergency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidTransition is returned for a lifecycle change the tag's
	// current status does not allow.
	ErrInvalidTransition = errors.New("invalid tag status transition")
	// ErrTagLimit is returned when a profile already has the maximum number
	// of active tags.
	ErrTagLimit = errors.New("active tag limit reached")
	// ErrInvalidInput marks caller mistakes in owner requests.
	ErrInvalidInput = errors.New("invalid input")
)

// shortIDAttempts bounds retries when a freshly generated short id collides.
const shortIDAttempts = 5

// DefaultMaxActiveTags is the per-profile active tag limit.
const DefaultMaxActiveTags = 3

type TagServiceConfig struct {
	MaxActiveTags int
	// BaseURL is the public origin tags resolve under.
	BaseURL string
	// AssetPublicBase is where generated QR and PDF files are served from.
	AssetPublicBase string
}

// TagView is a tag as shown to its owner.
type TagView struct {
	*Tag
	EmergencyURL string  `json:"emergency_url"`
	QRURL        *string `json:"qr_url,omitempty"`
	PDFURL       *string `json:"pdf_url,omitempty"`
}

type MintRequest struct {
	TagType    TagType `json:"tag_type"`
	PhysicalID *string `json:"physical_id,omitempty"`
}

// TagService manages the tag lifecycle for owners and resolves asset links
// for the public routes.
type TagService struct {
	tags     TagRepository
	profiles ProfileRepository
	cfg      TagServiceConfig
	newID    func() (string, error)
	logger   zerolog.Logger
}

func NewTagService(tags TagRepository, profiles ProfileRepository, cfg TagServiceConfig, logger zerolog.Logger) *TagService {
	if cfg.MaxActiveTags <= 0 {
		cfg.MaxActiveTags = DefaultMaxActiveTags
	}
	return &TagService{
		tags:     tags,
		profiles: profiles,
		cfg:      cfg,
		newID:    NewShortID,
		logger:   logger.With().Str("component", "tags").Logger(),
	}
}

// ProfileIDForAccount resolves the profile owned by an account.
func (s *TagService) ProfileIDForAccount(ctx context.Context, accountID uuid.UUID) (uuid.UUID, error) {
	p, err := s.profiles.GetByAccountID(ctx, accountID)
	if err != nil {
		return uuid.Nil, err
	}
	return p.ID, nil
}

func (s *TagService) View(t *Tag) *TagView {
	v := &TagView{Tag: t, EmergencyURL: fmt.Sprintf("%s/e/%s", s.cfg.BaseURL, t.ShortID)}
	if t.QRGenerated && s.cfg.AssetPublicBase != "" {
		u := fmt.Sprintf("%s/qr/%s.png", s.cfg.AssetPublicBase, t.ShortID)
		v.QRURL = &u
	}
	if t.PDFGenerated && s.cfg.AssetPublicBase != "" {
		u := fmt.Sprintf("%s/pdf/%s.pdf", s.cfg.AssetPublicBase, t.ShortID)
		v.PDFURL = &u
	}
	return v
}

// Mint creates an active tag for profileID with a fresh short id.
func (s *TagService) Mint(ctx context.Context, profileID uuid.UUID, req MintRequest) (*Tag, error) {
	if req.TagType == "" {
		req.TagType = TagTypeQR
	}
	if !req.TagType.Valid() {
		return nil, fmt.Errorf("%w: tag_type must be one of qr, nfc, card", ErrInvalidInput)
	}
	if req.PhysicalID != nil && len(*req.PhysicalID) > 100 {
		return nil, fmt.Errorf("%w: physical_id must be at most 100 characters", ErrInvalidInput)
	}

	var minted *Tag
	err := s.tags.WithProfileLock(ctx, profileID, func(ctx context.Context) error {
		if err := s.checkActiveLimit(ctx, profileID); err != nil {
			return err
		}
		t, err := s.create(ctx, profileID, req)
		minted = t
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("tag_id", minted.ID.String()).Str("tag_type", string(minted.TagType)).Msg("tag minted")
	return minted, nil
}

func (s *TagService) checkActiveLimit(ctx context.Context, profileID uuid.UUID) error {
	active, err := s.tags.CountActive(ctx, profileID)
	if err != nil {
		return fmt.Errorf("count active tags: %w", err)
	}
	if active >= s.cfg.MaxActiveTags {
		return ErrTagLimit
	}
	return nil
}

func (s *TagService) create(ctx context.Context, profileID uuid.UUID, req MintRequest) (*Tag, error) {
	now := time.Now().UTC()
	for attempt := 1; attempt <= shortIDAttempts; attempt++ {
		shortID, err := s.newID()
		if err != nil {
			return nil, err
		}
		t := &Tag{
			ProfileID:   profileID,
			ShortID:     shortID,
			TagType:     req.TagType,
			PhysicalID:  req.PhysicalID,
			Status:      TagActive,
			ActivatedAt: &now,
		}
		err = s.tags.Create(ctx, t)
		if errors.Is(err, ErrDuplicateShortID) {
			s.logger.Warn().Int("attempt", attempt).Msg("short id collision, retrying")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create tag: %w", err)
		}
		return t, nil
	}
	return nil, fmt.Errorf("could not allocate a unique short id after %d attempts", shortIDAttempts)
}

// owned returns tag id if it belongs to profileID. Someone else's tag is
// reported as not found.
func (s *TagService) owned(ctx context.Context, profileID, id uuid.UUID) (*Tag, error) {
	t, err := s.tags.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.ProfileID != profileID {
		return nil, ErrNotFound
	}
	return t, nil
}

func (s *TagService) Get(ctx context.Context, profileID, id uuid.UUID) (*Tag, error) {
	return s.owned(ctx, profileID, id)
}

func (s *TagService) List(ctx context.Context, profileID uuid.UUID, filter TagFilter, limit, offset int) ([]*Tag, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: status filter %q", ErrInvalidInput, filter.Status)
	}
	if filter.TagType != "" && !filter.TagType.Valid() {
		return nil, 0, fmt.Errorf("%w: tag_type filter %q", ErrInvalidInput, filter.TagType)
	}
	return s.tags.ListByProfile(ctx, profileID, filter, limit, offset)
}

// Revoke moves an active tag to revoked. It stops resolving immediately.
func (s *TagService) Revoke(ctx context.Context, profileID, id uuid.UUID) (*Tag, error) {
	return s.transition(ctx, profileID, id, TagRevoked)
}

// Reactivate moves a revoked tag back to active, subject to the active tag
// limit.
func (s *TagService) Reactivate(ctx context.Context, profileID, id uuid.UUID) (*Tag, error) {
	return s.transition(ctx, profileID, id, TagActive)
}

func (s *TagService) transition(ctx context.Context, profileID, id uuid.UUID, next TagStatus) (*Tag, error) {
	t, err := s.owned(ctx, profileID, id)
	if err != nil {
		return nil, err
	}
	if !t.Status.CanTransition(next) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, t.Status, next)
	}
	err = s.tags.WithProfileLock(ctx, profileID, func(ctx context.Context) error {
		if next == TagActive {
			if err := s.checkActiveLimit(ctx, profileID); err != nil {
				return err
			}
		}
		if err := s.tags.UpdateStatus(ctx, id, next); err != nil {
			return fmt.Errorf("update tag status: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("tag_id", id.String()).Str("from", string(t.Status)).Str("to", string(next)).Msg("tag status changed")
	return s.tags.GetByID(ctx, id)
}

// Delete removes a tag permanently. The repository retires its short id so
// it is never handed out again.
func (s *TagService) Delete(ctx context.Context, profileID, id uuid.UUID) error {
	if _, err := s.owned(ctx, profileID, id); err != nil {
		return err
	}
	if err := s.tags.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete tag: %w", err)
	}
	s.logger.Info().Str("tag_id", id.String()).Msg("tag deleted")
	return nil
}

func (s *TagService) Stats(ctx context.Context, profileID uuid.UUID) (*TagStats, error) {
	return s.tags.Stats(ctx, profileID)
}

// PublicStats returns service-wide counts for the last 30 days. Failures
// degrade to zeros.
func (s *TagService) PublicStats(ctx context.Context) *PublicStats {
	st, err := s.tags.PublicStats(ctx, time.Now().UTC().AddDate(0, 0, -30))
	if err != nil {
		s.logger.Error().Err(err).Msg("public stats unavailable")
		return &PublicStats{LastUpdated: time.Now().UTC()}
	}
	return st
}

type AssetKind string

const (
	AssetQRPNG AssetKind = "qr.png"
	AssetQRSVG AssetKind = "qr.svg"
	AssetPDF   AssetKind = "pdf"
)

// AssetURL returns the public URL of a generated asset for an active tag.
// Inactive tags and assets that were never generated are ErrNotFound.
func (s *TagService) AssetURL(ctx context.Context, shortID string, kind AssetKind) (string, error) {
	if !ValidShortID(shortID) || s.cfg.AssetPublicBase == "" {
		return "", ErrNotFound
	}
	t, err := s.tags.GetByShortID(ctx, shortID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%w: lookup tag: %v", ErrUnavailable, err)
	}
	if t.Status != TagActive {
		return "", ErrNotFound
	}
	switch kind {
	case AssetQRPNG, AssetQRSVG:
		if !t.QRGenerated {
			return "", ErrNotFound
		}
		ext := "png"
		if kind == AssetQRSVG {
			ext = "svg"
		}
		return fmt.Sprintf("%s/qr/%s.%s", s.cfg.AssetPublicBase, shortID, ext), nil
	case AssetPDF:
		if !t.PDFGenerated {
			return "", ErrNotFound
		}
		return fmt.Sprintf("%s/pdf/%s.pdf", s.cfg.AssetPublicBase, shortID), nil
	}
	return "", ErrNotFound
}
