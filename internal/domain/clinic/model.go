package clinic

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Clinic is one outpatient department with a single examination slot.
type Clinic struct {
	Code        string    `db:"code" json:"opd_code"`
	Name        string    `db:"name" json:"opd_name"`
	Description *string   `db:"description" json:"description,omitempty"`
	Active      bool      `db:"is_active" json:"is_active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Update carries the fields a clinic edit may change; nil leaves a field as is.
type Update struct {
	Name        *string `json:"opd_name"`
	Description *string `json:"description"`
	Active      *bool   `json:"is_active"`
}

var codePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

// NormalizeCode lowercases and trims a clinic code.
func NormalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

func (c *Clinic) Validate() error {
	if !codePattern.MatchString(c.Code) {
		return fmt.Errorf("%w: opd_code must be 1-32 lowercase letters, digits, '-' or '_'", ErrInvalid)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: opd_name is required", ErrInvalid)
	}
	return nil
}
