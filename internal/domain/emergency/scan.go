package emergency

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vitaltags/vitaltags/internal/platform/anonymize"
)

// RequestMeta is what the scan recorder may learn about a caller. Country
// must come from a header set by the trusted edge proxy.
type RequestMeta struct {
	ClientIP  string
	UserAgent string
	Referer   string
	Country   string
	Method    ScanMethod
}

// DefaultScanWriteTimeout bounds a single scan write.
const DefaultScanWriteTimeout = 2 * time.Second

// ScanRecorder appends anonymised access events. It never returns an error:
// analytics must not get in the way of an emergency response.
type ScanRecorder struct {
	repo    ScanRepository
	hasher  *anonymize.Hasher
	timeout time.Duration
	now     func() time.Time
	logger  zerolog.Logger
}

func NewScanRecorder(repo ScanRepository, hasher *anonymize.Hasher, timeout time.Duration, logger zerolog.Logger) *ScanRecorder {
	if timeout <= 0 {
		timeout = DefaultScanWriteTimeout
	}
	return &ScanRecorder{
		repo:    repo,
		hasher:  hasher,
		timeout: timeout,
		now:     time.Now,
		logger:  logger.With().Str("component", "scan_recorder").Logger(),
	}
}

// NewScanEvent builds the stored form of a scan. Raw addresses, agents and
// referrer paths are discarded here; addresses and agents survive only as
// keyed digests.
func NewScanEvent(h *anonymize.Hasher, tag *Tag, meta RequestMeta, at time.Time) *ScanEvent {
	method := meta.Method
	if method == "" {
		method = ScanWeb
	}
	return &ScanEvent{
		TagID:         tag.ID,
		Timestamp:     at.UTC(),
		Country:       anonymize.CountryCode(meta.Country),
		IPHash:        h.Hash(meta.ClientIP),
		UserAgentHash: h.Hash(meta.UserAgent),
		RefererDomain: anonymize.RefererDomain(meta.Referer),
		Method:        method,
	}
}

// Record writes one scan event for tag and returns its id, or nil when the
// write failed. The write is detached from ctx cancellation so an impatient
// client does not lose the event; it is bounded by the recorder timeout.
func (s *ScanRecorder) Record(ctx context.Context, tag *Tag, meta RequestMeta) (id *int64) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("panic", fmt.Sprintf("%v", r)).Str("short_id", tag.ShortID).Msg("scan recording panicked")
			id = nil
		}
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	ev := NewScanEvent(s.hasher, tag, meta, s.now())
	n, err := s.repo.RecordScan(ctx, ev)
	if err != nil {
		s.logger.Warn().Err(err).Str("short_id", tag.ShortID).Msg("failed to record scan")
		return nil
	}
	return &n
}
