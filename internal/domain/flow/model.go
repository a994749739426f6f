package flow

import (
	"time"

	"github.com/google/uuid"

	"github.com/opdflow/opdflow/internal/domain/patient"
)

// QueueEntry is a patient's place in one clinic's queue. Status uses the
// patient status values.
type QueueEntry struct {
	ID        uuid.UUID      `db:"id" json:"id"`
	OPDCode   string         `db:"opd_code" json:"opd_code"`
	PatientID uuid.UUID      `db:"patient_id" json:"patient_id"`
	Position  int            `db:"position" json:"position"`
	Status    patient.Status `db:"status" json:"status"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt time.Time      `db:"updated_at" json:"updated_at"`
}

func (e *QueueEntry) Clone() *QueueEntry {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// Active reports whether the entry still holds a place in the queue.
func (e *QueueEntry) Active() bool {
	switch e.Status {
	case patient.StatusPending, patient.StatusInClinic, patient.StatusDilated, patient.StatusReferred:
		return true
	}
	return false
}

// FlowRecord is one audit row: a move from one room to another.
type FlowRecord struct {
	ID        uuid.UUID      `db:"id" json:"id"`
	PatientID uuid.UUID      `db:"patient_id" json:"patient_id"`
	FromRoom  *string        `db:"from_room" json:"from_room,omitempty"`
	ToRoom    *string        `db:"to_room" json:"to_room,omitempty"`
	Status    patient.Status `db:"status" json:"status"`
	Timestamp time.Time      `db:"timestamp" json:"timestamp"`
	Notes     *string        `db:"notes" json:"notes,omitempty"`
}

// Admission is the result of a successful call into the examination slot.
type Admission struct {
	Patient *patient.Patient `json:"patient"`
	Entry   *QueueEntry      `json:"entry"`
}

// QueueItem is a queue entry joined with the patient it belongs to.
type QueueItem struct {
	EntryID       uuid.UUID      `json:"id"`
	PatientID     uuid.UUID      `json:"patient_id"`
	OPDCode       string         `json:"opd_code"`
	Position      int            `json:"position"`
	Status        patient.Status `json:"status"`
	Token         string         `json:"token_number"`
	Name          string         `json:"patient_name"`
	Age           int            `json:"age"`
	Phone         *string        `json:"phone,omitempty"`
	RegisteredAt  time.Time      `json:"registration_time"`
	IsDilated     bool           `json:"is_dilated"`
	DilationFlag  bool           `json:"dilation_flag"`
	DilationTime  *time.Time     `json:"dilation_time,omitempty"`
	IsReferred    bool           `json:"is_referred"`
	ReferredFrom  *string        `json:"referred_from,omitempty"`
	PatientStatus patient.Status `json:"patient_status"`
}

// QueueStats summarises one clinic.
type QueueStats struct {
	OPDCode        string  `json:"opd_code"`
	Pending        int     `json:"pending"`
	InClinic       int     `json:"in_clinic"`
	Dilated        int     `json:"dilated"`
	Referred       int     `json:"referred"`
	Total          int     `json:"total"`
	CompletedToday int     `json:"completed_today"`
	AvgWaitMinutes float64 `json:"avg_wait_minutes"`
}

// DisplayPatient is the subset shown on a waiting-room board.
type DisplayPatient struct {
	Token    string `json:"token_number"`
	Name     string `json:"patient_name"`
	Position int    `json:"position"`
	Referred bool   `json:"is_referred"`
}

// DisplayBoard is what a clinic's waiting-room screen shows.
type DisplayBoard struct {
	OPDCode              string           `json:"opd_code"`
	OPDName              string           `json:"opd_name"`
	Current              *DisplayPatient  `json:"current_patient"`
	Next                 []DisplayPatient `json:"next_patients"`
	TotalActive          int              `json:"total_patients"`
	EstimatedWaitMinutes int              `json:"estimated_wait_minutes"`
}

// ReferredItem is one row of the referred-patients list.
type ReferredItem struct {
	PatientID          uuid.UUID       `json:"id"`
	Token              string          `json:"token_number"`
	Name               string          `json:"name"`
	Age                int             `json:"age"`
	RegisteredAt       time.Time       `json:"registration_time"`
	FromOPD            *string         `json:"from_opd,omitempty"`
	ToOPD              *string         `json:"to_opd,omitempty"`
	Status             patient.Status  `json:"status"`
	CurrentQueueStatus *patient.Status `json:"current_queue_status,omitempty"`
}

// FlowFilter narrows the flow log. Zero values match everything.
type FlowFilter struct {
	PatientID uuid.UUID
	// OPDCode matches records that enter or leave the clinic's room.
	OPDCode string
	Status  patient.Status
	From    time.Time
	To      time.Time // exclusive
}

// FlowLogItem is a flow record with the patient it belongs to.
type FlowLogItem struct {
	FlowRecord
	Token string `json:"token_number"`
	Name  string `json:"patient_name"`
}

// WaitingItem is one row of a clinic's public waiting list.
type WaitingItem struct {
	Position       int            `json:"position"`
	Token          string         `json:"token_number"`
	Name           string         `json:"patient_name"`
	Age            int            `json:"age"`
	Status         patient.Status `json:"status"`
	IsDilated      bool           `json:"is_dilated"`
	RegisteredAt   time.Time      `json:"registration_time"`
	WaitingMinutes int            `json:"waiting_time_minutes"`
}

// WaitingList is the public list of patients still to be called.
type WaitingList struct {
	OPDCode      string        `json:"opd_code"`
	Items        []WaitingItem `json:"waiting_list"`
	TotalWaiting int           `json:"total_waiting"`
}

// Dashboard is the hospital-wide picture for administrators.
type Dashboard struct {
	RegisteredToday int           `json:"total_patients_today"`
	Pending         int           `json:"total_pending"`
	InClinic        int           `json:"total_in_clinic"`
	Dilated         int           `json:"total_dilated"`
	Referred        int           `json:"total_referred"`
	CompletedToday  int           `json:"total_completed_today"`
	AvgWaitMinutes  float64       `json:"avg_wait_minutes"`
	Clinics         []*QueueStats `json:"opd_stats"`
}

// ClinicBreakdown counts one clinic's share of a day's registrations.
type ClinicBreakdown struct {
	OPDCode   string `json:"opd_code"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Pending   int    `json:"pending"`
	InClinic  int    `json:"in_clinic"`
}

// DailyReport summarises the patients registered on one day.
type DailyReport struct {
	Date                 string            `json:"date"`
	Total                int               `json:"total_patients"`
	Completed            int               `json:"completed_patients"`
	Pending              int               `json:"pending_patients"`
	InClinic             int               `json:"in_clinic_patients"`
	Dilated              int               `json:"dilated_patients"`
	Referred             int               `json:"referred_patients"`
	CompletionRate       float64           `json:"completion_rate"`
	AvgProcessingMinutes float64           `json:"avg_processing_time_minutes"`
	Clinics              []ClinicBreakdown `json:"opd_breakdown"`
}
