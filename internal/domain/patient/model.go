package patient

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is a patient's position in the visit state machine.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInClinic  Status = "in_clinic"
	StatusDilated   Status = "dilated"
	StatusReferred  Status = "referred"
	StatusCompleted Status = "completed"
)

// ParseStatus accepts the current names plus the legacy aliases still found
// in older rows: "in" for in_clinic, "end_visit" and "come_back" for
// completed.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return StatusPending, nil
	case "in_clinic", "in":
		return StatusInClinic, nil
	case "dilated":
		return StatusDilated, nil
	case "referred":
		return StatusReferred, nil
	case "completed", "end_visit", "come_back":
		return StatusCompleted, nil
	}
	return "", fmt.Errorf("unknown patient status %q", s)
}

// Valid reports whether s is one of the canonical statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInClinic, StatusDilated, StatusReferred, StatusCompleted:
		return true
	}
	return false
}

// Room tags stored in current_room.
const (
	RoomRegistration = "registration"
	RoomDilation     = "dilation_area"
)

func RoomForOPD(code string) string { return "opd_" + code }

// OPDFromRoom is the inverse of RoomForOPD.
func OPDFromRoom(room string) (string, bool) {
	code, ok := strings.CutPrefix(room, "opd_")
	return code, ok && code != ""
}

// Patient is one registered visit.
type Patient struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	Token        string     `db:"token_number" json:"token_number"`
	Name         string     `db:"name" json:"name"`
	Age          int        `db:"age" json:"age"`
	Phone        *string    `db:"phone" json:"phone,omitempty"`
	RegisteredAt time.Time  `db:"registration_time" json:"registration_time"`
	Status       Status     `db:"current_status" json:"current_status"`
	AllocatedOPD *string    `db:"allocated_opd" json:"allocated_opd,omitempty"`
	CurrentRoom  *string    `db:"current_room" json:"current_room,omitempty"`
	IsDilated    bool       `db:"is_dilated" json:"is_dilated"`
	DilationTime *time.Time `db:"dilation_time" json:"dilation_time,omitempty"`
	DilationFlag bool       `db:"dilation_flag" json:"dilation_flag"`
	ReferredFrom *string    `db:"referred_from" json:"referred_from,omitempty"`
	ReferredTo   *string    `db:"referred_to" json:"referred_to,omitempty"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy so callers can compare before/after snapshots.
func (p *Patient) Clone() *Patient {
	if p == nil {
		return nil
	}
	c := *p
	c.Phone = cloneStr(p.Phone)
	c.AllocatedOPD = cloneStr(p.AllocatedOPD)
	c.CurrentRoom = cloneStr(p.CurrentRoom)
	c.ReferredFrom = cloneStr(p.ReferredFrom)
	c.ReferredTo = cloneStr(p.ReferredTo)
	c.DilationTime = cloneTime(p.DilationTime)
	c.CompletedAt = cloneTime(p.CompletedAt)
	return &c
}

// ReferredAwayFrom reports whether the patient was referred out of code to a
// different clinic. Such a patient's entry in code is history only.
func (p *Patient) ReferredAwayFrom(code string) bool {
	return p.ReferredFrom != nil && *p.ReferredFrom == code &&
		p.ReferredTo != nil && *p.ReferredTo != code
}

// ArrivingAt reports whether the patient is referred into code.
func (p *Patient) ArrivingAt(code string) bool {
	return p.Status == StatusReferred && p.ReferredTo != nil && *p.ReferredTo == code
}

// MaxDailyTokens is the last number that fits the four-digit suffix.
const MaxDailyTokens = 9999

func FormatToken(day time.Time, n int) string {
	return fmt.Sprintf("%s-%04d", day.Format("20060102"), n)
}

// NewToken formats the n-th token of day, failing once the day's
// four-digit range is used up.
func NewToken(day time.Time, n int) (string, error) {
	if n < 1 || n > MaxDailyTokens {
		return "", fmt.Errorf("%w: token %d for %s", ErrTokensExhausted, n, TokenDay(day))
	}
	return FormatToken(day, n), nil
}

// TokenDay is the key of the daily token sequence.
func TokenDay(t time.Time) string {
	return t.Format("20060102")
}

func Str(s string) *string { return &s }

func StrVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
