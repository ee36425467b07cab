package emergency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vitaltags/vitaltags/internal/platform/telemetry"
)

var (
	// ErrDataIntegrity means an active tag points at a profile that cannot
	// be loaded. It should never happen and is always reported.
	ErrDataIntegrity = errors.New("tag references a missing profile")
	// ErrUnavailable wraps store failures on the resolution path.
	ErrUnavailable = errors.New("emergency data temporarily unavailable")
)

// Format selects the response shape.
type Format string

const (
	FormatJSON    Format = "json"
	FormatMinimal Format = "minimal"
)

// ParseFormat maps the format query parameter. Anything unrecognised is
// the full JSON view.
func ParseFormat(s string) Format {
	if Format(s) == FormatMinimal {
		return FormatMinimal
	}
	return FormatJSON
}

type ResolveRequest struct {
	ShortID string
	Format  Format
	// NoLog asks for the scan not to be recorded. It is only honoured when
	// the resolver allows it.
	NoLog bool
	Meta  RequestMeta
}

// Resolution is the outcome of a successful lookup. Exactly one of Full and
// Minimal is set, according to Format.
type Resolution struct {
	Format  Format
	Full    *EmergencyResponse
	Minimal *MinimalView
	ScanID  *int64
}

// Body returns the value to serialise.
func (r *Resolution) Body() interface{} {
	if r.Format == FormatMinimal {
		return r.Minimal
	}
	return r.Full
}

type ResolverConfig struct {
	// ScanWait is how long a response waits for the scan id before going
	// out without it. Zero means DefaultScanWait; NoScanWait (any negative
	// value) never waits.
	ScanWait time.Duration
	// AllowNoLog enables the no_log query flag.
	AllowNoLog bool
}

const (
	// DefaultScanWait is used when ResolverConfig.ScanWait is zero.
	DefaultScanWait = 150 * time.Millisecond
	// NoScanWait makes scan recording fully fire-and-forget.
	NoScanWait time.Duration = -1
)

// Resolver turns a public short id into the view a first responder sees:
// lookup, active gate, projection, scan recording, format selection.
type Resolver struct {
	tags     TagRepository
	profiles ProfileRepository
	medical  MedicalRepository
	recorder *ScanRecorder
	cfg      ResolverConfig
	logger   zerolog.Logger
}

func NewResolver(tags TagRepository, profiles ProfileRepository, medical MedicalRepository,
	recorder *ScanRecorder, cfg ResolverConfig, logger zerolog.Logger) *Resolver {
	if cfg.ScanWait == 0 {
		cfg.ScanWait = DefaultScanWait
	}
	return &Resolver{
		tags:     tags,
		profiles: profiles,
		medical:  medical,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger.With().Str("component", "resolver").Logger(),
	}
}

// Resolve runs the public resolution path. It returns ErrNotFound for any
// identifier that does not name an active tag, ErrDataIntegrity when the
// tag's profile is missing and an ErrUnavailable-wrapped error when a store
// fails.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	tag, err := r.lookup(ctx, req.ShortID)
	if err != nil {
		return nil, err
	}

	profile, err := r.profiles.GetByID(ctx, tag.ProfileID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.logger.Error().
				Str("short_id", tag.ShortID).
				Str("profile_id", tag.ProfileID.String()).
				Msg("active tag references missing profile")
			telemetry.Report(ErrDataIntegrity, map[string]string{"short_id": tag.ShortID})
			return nil, ErrDataIntegrity
		}
		return nil, fmt.Errorf("%w: load profile: %v", ErrUnavailable, err)
	}

	var (
		conditions  []*Condition
		allergies   []*Allergy
		medications []*Medication
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		conditions, err = r.medical.PublicConditions(gctx, profile.ID)
		return err
	})
	g.Go(func() (err error) {
		allergies, err = r.medical.PublicAllergies(gctx, profile.ID)
		return err
	})
	g.Go(func() (err error) {
		medications, err = r.medical.PublicMedications(gctx, profile.ID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: load medical records: %v", ErrUnavailable, err)
	}

	view := Project(profile, conditions, allergies, medications)

	var scanID *int64
	switch {
	case req.NoLog && r.cfg.AllowNoLog:
		r.logger.Debug().Str("short_id", tag.ShortID).Msg("scan logging suppressed by no_log")
	case r.recorder != nil:
		scanID = r.recordScan(ctx, tag, req.Meta)
	}

	res := &Resolution{Format: ParseFormat(string(req.Format)), ScanID: scanID}
	if res.Format == FormatMinimal {
		m := Minimal(view)
		res.Minimal = &m
	} else {
		res.Full = &EmergencyResponse{
			PublicView:  view,
			LastUpdated: profile.LastUpdatedAt.UTC(),
			ScanID:      scanID,
		}
	}
	return res, nil
}

func (r *Resolver) lookup(ctx context.Context, shortID string) (*Tag, error) {
	if !ValidShortID(shortID) {
		return nil, ErrNotFound
	}
	tag, err := r.tags.GetByShortID(ctx, shortID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.logger.Warn().Str("short_id", shortID).Msg("access attempt for unknown tag")
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: lookup tag: %v", ErrUnavailable, err)
	}
	if tag.Status != TagActive {
		r.logger.Warn().Str("short_id", shortID).Str("status", string(tag.Status)).Msg("access attempt for inactive tag")
		return nil, ErrNotFound
	}
	return tag, nil
}

// recordScan starts the write and waits up to ScanWait for its id. A slow
// write keeps running in the background; the response goes out without
// the id.
func (r *Resolver) recordScan(ctx context.Context, tag *Tag, meta RequestMeta) *int64 {
	done := make(chan *int64, 1)
	go func() {
		done <- r.recorder.Record(ctx, tag, meta)
	}()
	if r.cfg.ScanWait < 0 {
		return nil
	}

	timer := time.NewTimer(r.cfg.ScanWait)
	defer timer.Stop()

	select {
	case id := <-done:
		return id
	case <-timer.C:
		r.logger.Debug().Str("short_id", tag.ShortID).Msg("scan write still pending, responding without scan id")
		return nil
	case <-ctx.Done():
		return nil
	}
}
