package ratelimit

import (
	"fmt"
	"time"
)

// Action classes. Each class has its own counter namespace and policy.
const (
	ClassEmergencyAccess = "emergency_access"
	ClassQRAccess        = "qr_access"
	ClassPDFAccess       = "pdf_access"
	ClassLogin           = "login"
	ClassTagWrite        = "tag_write"
)

// Policy is a fixed-window threshold: at most Limit requests per Window.
type Policy struct {
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`
}

// fallbackPolicy applies to classes nobody registered.
var fallbackPolicy = Policy{Limit: 10, Window: time.Minute}

// DefaultPolicies returns the per-class thresholds. The emergency read path is
// generous so that it stays usable during a real incident; login initiation
// is tight.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		ClassEmergencyAccess: {Limit: 60, Window: time.Minute},
		ClassQRAccess:        {Limit: 30, Window: time.Minute},
		ClassPDFAccess:       {Limit: 10, Window: time.Minute},
		ClassLogin:           {Limit: 3, Window: 5 * time.Minute},
		ClassTagWrite:        {Limit: 20, Window: time.Minute},
	}
}

// WindowSeconds returns the window in whole seconds, never less than one.
func (p Policy) WindowSeconds() int {
	s := int(p.Window / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

// Message is the client-facing text for a rejected request. It names the
// threshold and window so a legitimate client can back off.
func (p Policy) Message() string {
	return fmt.Sprintf("Rate limit exceeded. Max %d requests per %d seconds.", p.Limit, p.WindowSeconds())
}
