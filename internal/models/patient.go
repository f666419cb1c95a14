package models

import "time"

type Patient struct {
	PatientID        string     `json:"patient_id"`
	TokenNumber      string     `json:"token_number"`
	Name             string     `json:"name"`
	Age              int        `json:"age"`
	Phone            string     `json:"phone,omitempty"`
	RegistrationTime time.Time  `json:"registration_time"`
	CurrentStatus    string     `json:"current_status"`
	AllocatedOPD     *string    `json:"allocated_opd,omitempty"`
	CurrentRoom      *string    `json:"current_room,omitempty"`
	IsDilated        bool       `json:"is_dilated"`
	DilationTime     *time.Time `json:"dilation_time,omitempty"`
	ReferredFrom     *string    `json:"referred_from,omitempty"`
	ReferredTo       *string    `json:"referred_to,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

const (
	StatusPending    = "pending"
	StatusWithDoctor = "with_doctor"
	StatusDilated    = "dilated"
	StatusReferred   = "referred"
	StatusCompleted  = "completed"
)

var knownStatuses = map[string]bool{
	StatusPending:    true,
	StatusWithDoctor: true,
	StatusDilated:    true,
	StatusReferred:   true,
	StatusCompleted:  true,
}

func KnownStatus(status string) bool {
	return knownStatuses[status]
}
