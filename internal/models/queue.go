package models

import "time"

// QueueEntry is one patient's membership in one department's waiting line,
// joined with the patient fields the queue displays need.
type QueueEntry struct {
	Department       string    `json:"department"`
	PatientID        string    `json:"patient_id"`
	TokenNumber      string    `json:"token_number"`
	PatientName      string    `json:"patient_name"`
	Position         int       `json:"position"`
	Status           string    `json:"status"`
	IsDilated        bool      `json:"is_dilated"`
	RegistrationTime time.Time `json:"registration_time"`
	UpdatedAt        time.Time `json:"updated_at"`
}
