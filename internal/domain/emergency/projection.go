package emergency

import (
	"bytes"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// MaxNoteRunes is the exclusive upper bound on condition notes shown
	// publicly. Longer notes are dropped, not cut.
	MaxNoteRunes = 100
	// MaxPublicAllergies caps the allergy list. When it applies the view
	// says so through AllergiesTruncated.
	MaxPublicAllergies = 100
	// MaxCriticalAllergies caps critical_allergies in the minimal view.
	MaxCriticalAllergies = 3
)

type PublicCondition struct {
	Display  string  `json:"display"`
	Severity *string `json:"severity,omitempty"`
	Coded    bool    `json:"coded"`
	Code     *string `json:"code,omitempty"`
	System   *string `json:"system,omitempty"`
	Notes    *string `json:"notes,omitempty"`
}

type PublicAllergy struct {
	Display  string  `json:"display"`
	Reaction *string `json:"reaction,omitempty"`
	Severity *string `json:"severity,omitempty"`
	Onset    *string `json:"onset,omitempty"`
	Coded    bool    `json:"coded"`
	Code     *string `json:"code,omitempty"`
	System   *string `json:"system,omitempty"`
}

type PublicMedication struct {
	Display   string  `json:"display"`
	Dose      *string `json:"dose,omitempty"`
	Route     *string `json:"route,omitempty"`
	Frequency *string `json:"frequency,omitempty"`
	Coded     bool    `json:"coded"`
	Code      *string `json:"code,omitempty"`
	System    *string `json:"system,omitempty"`
}

// PublicView is everything an anonymous caller may see for a profile.
// Hidden profile fields are nil and drop out of the JSON; the three record
// lists are always present.
type PublicView struct {
	Alias              *string            `json:"alias,omitempty"`
	YearOfBirth        *int               `json:"yob,omitempty"`
	Languages          []string           `json:"languages,omitempty"`
	BloodType          *string            `json:"blood_type,omitempty"`
	RhFactor           *string            `json:"rh_factor,omitempty"`
	ICEName            *string            `json:"ice_name,omitempty"`
	ICEPhone           *string            `json:"ice_phone,omitempty"`
	ICERelationship    *string            `json:"ice_relationship,omitempty"`
	Conditions         []PublicCondition  `json:"conditions"`
	Allergies          []PublicAllergy    `json:"allergies"`
	AllergiesTruncated bool               `json:"allergies_truncated,omitempty"`
	Medications        []PublicMedication `json:"medications"`
}

// EmergencyResponse is the full-format body of GET /e/:short_id.
type EmergencyResponse struct {
	PublicView
	LastUpdated time.Time `json:"last_updated"`
	ScanID      *int64    `json:"scan_id,omitempty"`
}

// MinimalView is the compact body for constrained clients.
type MinimalView struct {
	Alias             *string  `json:"alias,omitempty"`
	YearOfBirth       *int     `json:"yob,omitempty"`
	BloodType         *string  `json:"blood_type,omitempty"`
	CriticalAllergies []string `json:"critical_allergies"`
	Languages         []string `json:"languages,omitempty"`
}

// Project computes the public view of a profile and its records. It is pure:
// the inputs are not modified and the same inputs always give the same view.
func Project(p *Profile, conditions []*Condition, allergies []*Allergy, medications []*Medication) PublicView {
	v := PublicView{
		Conditions:  []PublicCondition{},
		Allergies:   []PublicAllergy{},
		Medications: []PublicMedication{},
	}

	for _, f := range FieldGroups {
		if !p.Privacy.IsPublic(f) {
			continue
		}
		switch f {
		case FieldAlias:
			v.Alias = strPtr(p.Alias)
		case FieldYearOfBirth:
			v.YearOfBirth = copyInt(p.YearOfBirth)
		case FieldBlood:
			v.BloodType = copyStr(p.BloodType)
			v.RhFactor = copyStr(p.RhFactor)
		case FieldLanguages:
			if p.Languages != nil {
				v.Languages = append([]string{}, p.Languages...)
			}
		case FieldEmergencyContact:
			v.ICEName = copyStr(p.ICEName)
			v.ICEPhone = copyStr(p.ICEPhone)
			v.ICERelationship = copyStr(p.ICERelationship)
		}
	}

	v.Conditions = projectConditions(conditions)
	v.Allergies, v.AllergiesTruncated = projectAllergies(allergies)
	v.Medications = projectMedications(medications)
	return v
}

func projectConditions(in []*Condition) []PublicCondition {
	var recs []*Condition
	for _, c := range in {
		if c != nil && c.IsPublic {
			recs = append(recs, c)
		}
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return newerFirst(recs[i].CreatedAt, recs[j].CreatedAt, recs[i].ID, recs[j].ID)
	})

	out := make([]PublicCondition, 0, len(recs))
	for _, c := range recs {
		pc := PublicCondition{
			Display:  c.Display,
			Severity: copyStr(c.Severity),
			Coded:    c.Coding.Coded(),
		}
		pc.Code, pc.System = coding(c.Coding)
		if c.Notes != nil && utf8.RuneCountInString(*c.Notes) < MaxNoteRunes {
			pc.Notes = copyStr(c.Notes)
		}
		out = append(out, pc)
	}
	return out
}

func projectAllergies(in []*Allergy) ([]PublicAllergy, bool) {
	var recs []*Allergy
	for _, a := range in {
		if a != nil && a.IsPublic {
			recs = append(recs, a)
		}
	}
	sort.SliceStable(recs, func(i, j int) bool {
		ri, rj := SeverityRank(recs[i].Severity), SeverityRank(recs[j].Severity)
		if ri != rj {
			return ri > rj
		}
		return newerFirst(recs[i].CreatedAt, recs[j].CreatedAt, recs[i].ID, recs[j].ID)
	})

	truncated := false
	if len(recs) > MaxPublicAllergies {
		recs = recs[:MaxPublicAllergies]
		truncated = true
	}

	out := make([]PublicAllergy, 0, len(recs))
	for _, a := range recs {
		pa := PublicAllergy{
			Display:  a.Display,
			Reaction: copyStr(a.Reaction),
			Severity: copyStr(a.Severity),
			Onset:    copyStr(a.Onset),
			Coded:    a.Coding.Coded(),
		}
		pa.Code, pa.System = coding(a.Coding)
		out = append(out, pa)
	}
	return out, truncated
}

func projectMedications(in []*Medication) []PublicMedication {
	var recs []*Medication
	for _, m := range in {
		if m != nil && m.IsPublic && m.Status == MedicationActive {
			recs = append(recs, m)
		}
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return newerFirst(recs[i].CreatedAt, recs[j].CreatedAt, recs[i].ID, recs[j].ID)
	})

	out := make([]PublicMedication, 0, len(recs))
	for _, m := range recs {
		pm := PublicMedication{
			Display:   m.Display,
			Dose:      copyStr(m.Dose),
			Route:     copyStr(m.Route),
			Frequency: copyStr(m.Frequency),
			Coded:     m.Coding.Coded(),
		}
		pm.Code, pm.System = coding(m.Coding)
		out = append(out, pm)
	}
	return out
}

// Minimal derives the compact view from an already projected view, so both
// formats agree on what is public.
func Minimal(v PublicView) MinimalView {
	m := MinimalView{
		Alias:             copyStr(v.Alias),
		YearOfBirth:       copyInt(v.YearOfBirth),
		CriticalAllergies: []string{},
	}
	if v.Languages != nil {
		m.Languages = append([]string{}, v.Languages...)
	}
	if v.BloodType != nil && *v.BloodType != "" {
		blood := *v.BloodType
		if v.RhFactor != nil {
			blood += *v.RhFactor
		}
		m.BloodType = &blood
	}
	for _, a := range v.Allergies {
		if len(m.CriticalAllergies) == MaxCriticalAllergies {
			break
		}
		if SeverityRank(a.Severity) >= SeverityRank(strPtr(SeveritySevere)) {
			m.CriticalAllergies = append(m.CriticalAllergies, a.Display)
		}
	}
	return m
}

// newerFirst orders by creation time descending, then by id so equal
// timestamps still sort the same way every time.
func newerFirst(ti, tj time.Time, idi, idj uuid.UUID) bool {
	if !ti.Equal(tj) {
		return ti.After(tj)
	}
	return bytes.Compare(idi[:], idj[:]) < 0
}

func coding(c Coding) (code, system *string) {
	if !c.Coded() {
		return nil, nil
	}
	return strPtr(c.Code), strPtr(c.System)
}

func strPtr(s string) *string { return &s }

func copyStr(s *string) *string {
	if s == nil {
		return nil
	}
	return strPtr(*s)
}

func copyInt(i *int) *int {
	if i == nil {
		return nil
	}
	n := *i
	return &n
}
