package emergency

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Visibility is the scope a profile field group is shown in.
type Visibility int

const (
	VisibilityPrivate Visibility = iota
	VisibilityPublic
)

func (v Visibility) String() string {
	if v == VisibilityPublic {
		return "public"
	}
	return "private"
}

// FieldGroup names a unit of profile data that is shown or hidden as a
// whole. Blood type and Rh factor are one group; so are the three
// emergency-contact fields.
type FieldGroup int

const (
	FieldAlias FieldGroup = iota
	FieldYearOfBirth
	FieldBlood
	FieldLanguages
	FieldEmergencyContact
)

// FieldGroups lists every group in declaration order.
var FieldGroups = []FieldGroup{
	FieldAlias,
	FieldYearOfBirth,
	FieldBlood,
	FieldLanguages,
	FieldEmergencyContact,
}

func (f FieldGroup) String() string {
	switch f {
	case FieldAlias:
		return "alias"
	case FieldYearOfBirth:
		return "year_of_birth"
	case FieldBlood:
		return "blood"
	case FieldLanguages:
		return "languages"
	case FieldEmergencyContact:
		return "emergency_contact"
	}
	return "unknown"
}

// PrivacySettings holds one visibility scope per field group.
type PrivacySettings struct {
	Alias            Visibility
	YearOfBirth      Visibility
	Blood            Visibility
	Languages        Visibility
	EmergencyContact Visibility
}

// DefaultPrivacy matches what a new profile gets: everything public except
// the emergency contact.
func DefaultPrivacy() PrivacySettings {
	return PrivacySettings{
		Alias:            VisibilityPublic,
		YearOfBirth:      VisibilityPublic,
		Blood:            VisibilityPublic,
		Languages:        VisibilityPublic,
		EmergencyContact: VisibilityPrivate,
	}
}

// Scope returns the visibility of f. Unknown groups are private.
func (p PrivacySettings) Scope(f FieldGroup) Visibility {
	switch f {
	case FieldAlias:
		return p.Alias
	case FieldYearOfBirth:
		return p.YearOfBirth
	case FieldBlood:
		return p.Blood
	case FieldLanguages:
		return p.Languages
	case FieldEmergencyContact:
		return p.EmergencyContact
	}
	return VisibilityPrivate
}

func (p PrivacySettings) IsPublic(f FieldGroup) bool {
	return p.Scope(f) == VisibilityPublic
}

func (p *PrivacySettings) Set(f FieldGroup, v Visibility) {
	switch f {
	case FieldAlias:
		p.Alias = v
	case FieldYearOfBirth:
		p.YearOfBirth = v
	case FieldBlood:
		p.Blood = v
	case FieldLanguages:
		p.Languages = v
	case FieldEmergencyContact:
		p.EmergencyContact = v
	}
}

// Profile maps to the profiles table.
type Profile struct {
	ID              uuid.UUID
	AccountID       uuid.UUID
	Alias           string
	YearOfBirth     *int
	BloodType       *string
	RhFactor        *string
	DonorStatus     *bool
	Languages       []string
	ICEName         *string
	ICEPhone        *string
	ICERelationship *string
	Privacy         PrivacySettings
	LastUpdatedAt   time.Time
	CreatedAt       time.Time
}

// TagStatus is the lifecycle state of a tag.
type TagStatus string

const (
	TagActive    TagStatus = "active"
	TagRevoked   TagStatus = "revoked"
	TagSuspended TagStatus = "suspended"
)

// CanTransition reports whether an owner may move a tag from s to next.
// Suspension is administrative and has no owner transition.
func (s TagStatus) CanTransition(next TagStatus) bool {
	switch s {
	case TagActive:
		return next == TagRevoked
	case TagRevoked:
		return next == TagActive
	}
	return false
}

func (s TagStatus) Valid() bool {
	switch s {
	case TagActive, TagRevoked, TagSuspended:
		return true
	}
	return false
}

type TagType string

const (
	TagTypeQR   TagType = "qr"
	TagTypeNFC  TagType = "nfc"
	TagTypeCard TagType = "card"
)

func (t TagType) Valid() bool {
	switch t {
	case TagTypeQR, TagTypeNFC, TagTypeCard:
		return true
	}
	return false
}

// Tag maps to the tags table. ScanCount and LastScannedAt are written only
// by the scan recorder.
type Tag struct {
	ID            uuid.UUID  `json:"id"`
	ProfileID     uuid.UUID  `json:"profile_id"`
	ShortID       string     `json:"short_id"`
	TagType       TagType    `json:"tag_type"`
	PhysicalID    *string    `json:"physical_id,omitempty"`
	Status        TagStatus  `json:"status"`
	QRGenerated   bool       `json:"qr_generated"`
	QRKey         *string    `json:"qr_key,omitempty"`
	PDFGenerated  bool       `json:"pdf_generated"`
	PDFKey        *string    `json:"pdf_key,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ActivatedAt   *time.Time `json:"activated_at,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	ScanCount     int64      `json:"scan_count"`
	LastScannedAt *time.Time `json:"last_scanned_at,omitempty"`
}

// Coding is an optional external terminology reference.
type Coding struct {
	System string
	Code   string
}

// Coded is true iff both system and code are present.
func (c Coding) Coded() bool {
	return c.System != "" && c.Code != ""
}

// Condition maps to the conditions table.
type Condition struct {
	ID        uuid.UUID
	ProfileID uuid.UUID
	Coding    Coding
	Display   string
	Severity  *string
	Notes     *string
	IsPublic  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Allergy maps to the allergies table.
type Allergy struct {
	ID        uuid.UUID
	ProfileID uuid.UUID
	Coding    Coding
	Display   string
	Severity  *string
	Reaction  *string
	Onset     *string
	IsPublic  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type MedicationStatus string

const (
	MedicationActive       MedicationStatus = "active"
	MedicationDiscontinued MedicationStatus = "discontinued"
	MedicationPaused       MedicationStatus = "paused"
)

// Medication maps to the medications table.
type Medication struct {
	ID        uuid.UUID
	ProfileID uuid.UUID
	Coding    Coding
	Display   string
	Dose      *string
	Route     *string
	Frequency *string
	Status    MedicationStatus
	IsPublic  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Allergy severities, most to least serious.
const (
	SeverityFatal       = "fatal"
	SeveritySevere      = "severe"
	SeverityModerate    = "moderate"
	SeverityMild        = "mild"
	SeverityUnspecified = ""
)

// SeverityRank orders allergy severities: fatal > severe > moderate > mild >
// unspecified. Unrecognised values rank as unspecified.
func SeverityRank(s *string) int {
	if s == nil {
		return 0
	}
	switch strings.ToLower(strings.TrimSpace(*s)) {
	case SeverityFatal:
		return 4
	case SeveritySevere:
		return 3
	case SeverityModerate:
		return 2
	case SeverityMild:
		return 1
	}
	return 0
}

type ScanMethod string

const (
	ScanWeb ScanMethod = "web"
	ScanApp ScanMethod = "app"
	ScanAPI ScanMethod = "api"
)

// ScanEvent maps to the scan_events table. Rows are never updated.
type ScanEvent struct {
	ID            int64
	TagID         uuid.UUID
	Timestamp     time.Time
	Country       string
	IPHash        string
	UserAgentHash string
	RefererDomain string
	Method        ScanMethod
}

// TagStats summarises one profile's tags for the owner.
type TagStats struct {
	TotalScans  int64      `json:"total_scans"`
	LastScan    *time.Time `json:"last_scan,omitempty"`
	ActiveTags  int        `json:"active_tags"`
	RevokedTags int        `json:"revoked_tags"`
}

// PublicStats are anonymous service-wide counts.
type PublicStats struct {
	ActiveTags       int       `json:"active_tags"`
	TotalScans       int64     `json:"total_scans"`
	CountriesReached int       `json:"countries_reached"`
	LastUpdated      time.Time `json:"last_updated"`
}
