package store

import (
	"context"
	"encoding/json"
	"time"

	"opdflow/internal/models"
)

type RegisterPatientInput struct {
	RequestID    string
	Name         string
	Age          int
	Phone        string
	RegisteredAt time.Time
}

type AllocateInput struct {
	RequestID  string
	PatientID  string
	Department string
	OccurredAt time.Time
}

type ReferInput struct {
	RequestID    string
	PatientID    string
	ToDepartment string
	OccurredAt   time.Time
}

type StatusUpdateInput struct {
	RequestID  string
	PatientID  string
	Status     string
	Notes      string
	OccurredAt time.Time
}

type EndVisitInput struct {
	RequestID  string
	PatientID  string
	OccurredAt time.Time
}

type ListPatientsInput struct {
	Status string
	Skip   int
	Limit  int
	Latest bool
}

// AllocationResult reports the queue rank handed out by an allocation.
type AllocationResult struct {
	Patient       models.Patient `json:"patient"`
	QueuePosition int            `json:"queue_position"`
}

// ReferredPatient is the projection returned by the referred-patient listing.
type ReferredPatient struct {
	PatientID        string    `json:"patient_id"`
	TokenNumber      string    `json:"token_number"`
	Name             string    `json:"name"`
	Age              int       `json:"age"`
	RegistrationTime time.Time `json:"registration_time"`
	FromOPD          *string   `json:"from_opd,omitempty"`
	ToOPD            *string   `json:"to_opd,omitempty"`
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Offset marks how far the realtime poller has read the outbox.
type Offset struct {
	LastEventTime time.Time
	LastEventID   string
}

type Session struct {
	SessionID string
	UserID    string
	Role      string
	ExpiresAt time.Time
}

type LoginInput struct {
	Username string
	Password string
}

type LoginResult struct {
	Session Session
	User    models.StaffUser
}

// PatientStore is the persistence boundary for the patient flow engine.
// Mutating methods return a bool reporting whether the call applied new
// state (false means an idempotent replay of an earlier request_id).
type PatientStore interface {
	RegisterPatient(ctx context.Context, input RegisterPatientInput) (models.Patient, bool, error)
	GetPatient(ctx context.Context, patientID string) (models.Patient, error)
	ListPatients(ctx context.Context, input ListPatientsInput) ([]models.Patient, error)
	ListReferred(ctx context.Context, fromOPD, toOPD string) ([]ReferredPatient, error)
	AllocatePatient(ctx context.Context, input AllocateInput) (AllocationResult, bool, error)
	ReferPatient(ctx context.Context, input ReferInput) (models.Patient, bool, error)
	UpdateStatus(ctx context.Context, input StatusUpdateInput) (models.Patient, bool, error)
	EndVisit(ctx context.Context, input EndVisitInput) (models.Patient, bool, error)
	SnapshotQueue(ctx context.Context, department string) ([]models.QueueEntry, error)
	ListFlowEvents(ctx context.Context, patientID string) ([]FlowEvent, error)
	ListDepartments(ctx context.Context) ([]models.Department, error)
	ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]OutboxEvent, error)
	Login(ctx context.Context, input LoginInput) (LoginResult, error)
	Logout(ctx context.Context, sessionID string) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
}
