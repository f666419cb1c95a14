package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"opdflow/internal/models"
	"opdflow/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultSessionTTL = 12 * time.Hour
	defaultListLimit  = 100
	latestListLimit   = 5
)

const patientColumns = `patient_id, token_number, name, age, phone, registration_time, current_status,
	allocated_opd, current_room, is_dilated, dilation_time, referred_from, referred_to, completed_at`

type Store struct {
	pool       *pgxpool.Pool
	sessionTTL time.Duration
}

type Options struct {
	SessionTTL time.Duration
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	ttl := options.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &Store{pool: pool, sessionTTL: ttl}
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) RegisterPatient(ctx context.Context, input store.RegisterPatientInput) (models.Patient, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Patient{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existingID, found, err := findActionRequest(ctx, tx, "register", input.RequestID)
	if err != nil {
		return models.Patient{}, false, err
	}
	if found {
		var existing models.Patient
		existing, err = getPatient(ctx, tx, existingID)
		if err != nil {
			return models.Patient{}, false, err
		}
		if err = tx.Commit(ctx); err != nil {
			return models.Patient{}, false, err
		}
		return existing, false, nil
	}

	registeredAt := input.RegisteredAt
	if registeredAt.IsZero() {
		registeredAt = time.Now().UTC()
	}

	seq, err := nextTokenSeq(ctx, tx, registeredAt)
	if err != nil {
		return models.Patient{}, false, err
	}
	token := store.FormatToken(registeredAt, seq)

	patient := models.Patient{
		PatientID:        uuid.NewString(),
		TokenNumber:      token,
		Name:             input.Name,
		Age:              input.Age,
		Phone:            input.Phone,
		RegistrationTime: registeredAt,
		CurrentStatus:    models.StatusPending,
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO patients (patient_id, token_number, name, age, phone, registration_time, current_status, is_dilated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
	`, patient.PatientID, patient.TokenNumber, patient.Name, patient.Age, nullIfEmpty(patient.Phone), patient.RegistrationTime, patient.CurrentStatus)
	if err != nil {
		return models.Patient{}, false, err
	}

	registration := "registration"
	if err = insertFlowEvent(ctx, tx, patient.PatientID, nil, &registration, models.StatusPending, "", registeredAt); err != nil {
		return models.Patient{}, false, err
	}

	if err = insertOutboxEvent(ctx, tx, "patient.registered", map[string]interface{}{
		"patient_id":   patient.PatientID,
		"token_number": patient.TokenNumber,
		"status":       patient.CurrentStatus,
		"departments":  []string{},
	}); err != nil {
		return models.Patient{}, false, err
	}

	if err = insertActionRequest(ctx, tx, "register", input.RequestID, patient.PatientID); err != nil {
		return models.Patient{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Patient{}, false, err
	}
	return patient, true, nil
}

func (s *Store) GetPatient(ctx context.Context, patientID string) (models.Patient, error) {
	return getPatient(ctx, s.pool, patientID)
}

func (s *Store) ListPatients(ctx context.Context, input store.ListPatientsInput) ([]models.Patient, error) {
	query := `
		SELECT ` + patientColumns + `
		FROM patients
	`
	args := []interface{}{}
	if input.Status != "" {
		args = append(args, input.Status)
		query += fmt.Sprintf(" WHERE current_status = $%d", len(args))
	}
	query += " ORDER BY registration_time DESC"

	if input.Latest {
		// latest view is a fixed-size dashboard window; paging does not apply
		args = append(args, latestListLimit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	} else {
		limit := input.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}
		skip := input.Skip
		if skip < 0 {
			skip = 0
		}
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		args = append(args, skip)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patients []models.Patient
	for rows.Next() {
		var phoneNull, opdNull, roomNull, fromNull, toNull sql.NullString
		var dilationNull, completedNull sql.NullTime
		var patient models.Patient
		if err := rows.Scan(&patient.PatientID, &patient.TokenNumber, &patient.Name, &patient.Age, &phoneNull,
			&patient.RegistrationTime, &patient.CurrentStatus, &opdNull, &roomNull, &patient.IsDilated,
			&dilationNull, &fromNull, &toNull, &completedNull); err != nil {
			return nil, err
		}
		if phoneNull.Valid {
			patient.Phone = phoneNull.String
		}
		patient.AllocatedOPD = nullStringPtr(opdNull)
		patient.CurrentRoom = nullStringPtr(roomNull)
		patient.ReferredFrom = nullStringPtr(fromNull)
		patient.ReferredTo = nullStringPtr(toNull)
		patient.DilationTime = nullTimePtr(dilationNull)
		patient.CompletedAt = nullTimePtr(completedNull)
		patients = append(patients, patient)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return patients, nil
}

func (s *Store) ListReferred(ctx context.Context, fromOPD, toOPD string) ([]store.ReferredPatient, error) {
	query := `
		SELECT patient_id, token_number, name, age, registration_time, referred_from, referred_to
		FROM patients
		WHERE current_status = $1
	`
	args := []interface{}{models.StatusReferred}
	if fromOPD != "" {
		exists, err := s.departmentExists(ctx, fromOPD)
		if err != nil {
			return nil, err
		}
		if exists {
			args = append(args, fromOPD)
			query += fmt.Sprintf(" AND referred_from = $%d", len(args))
		}
	}
	if toOPD != "" {
		exists, err := s.departmentExists(ctx, toOPD)
		if err != nil {
			return nil, err
		}
		if exists {
			args = append(args, toOPD)
			query += fmt.Sprintf(" AND referred_to = $%d", len(args))
		}
	}
	query += " ORDER BY registration_time ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patients []store.ReferredPatient
	for rows.Next() {
		var patient store.ReferredPatient
		var fromNull, toNull sql.NullString
		if err := rows.Scan(&patient.PatientID, &patient.TokenNumber, &patient.Name, &patient.Age, &patient.RegistrationTime, &fromNull, &toNull); err != nil {
			return nil, err
		}
		patient.FromOPD = nullStringPtr(fromNull)
		patient.ToOPD = nullStringPtr(toNull)
		patients = append(patients, patient)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return patients, nil
}

func (s *Store) AllocatePatient(ctx context.Context, input store.AllocateInput) (store.AllocationResult, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.AllocationResult{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existingID, found, err := findActionRequest(ctx, tx, "allocate", input.RequestID)
	if err != nil {
		return store.AllocationResult{}, false, err
	}
	if found {
		var result store.AllocationResult
		result, err = loadAllocationResult(ctx, tx, existingID)
		if err != nil {
			return store.AllocationResult{}, false, err
		}
		if err = tx.Commit(ctx); err != nil {
			return store.AllocationResult{}, false, err
		}
		return result, false, nil
	}

	patient, err := getPatientForUpdate(ctx, tx, input.PatientID)
	if err != nil {
		return store.AllocationResult{}, false, err
	}
	if !store.ValidTransition("allocate", patient.CurrentStatus) {
		err = store.ErrInvalidState
		return store.AllocationResult{}, false, err
	}
	if err = ensureDepartment(ctx, tx, input.Department); err != nil {
		return store.AllocationResult{}, false, err
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	room := "opd_" + input.Department

	_, err = tx.Exec(ctx, `
		UPDATE patients
		SET allocated_opd = $1, current_room = $2
		WHERE patient_id = $3
	`, input.Department, room, input.PatientID)
	if err != nil {
		return store.AllocationResult{}, false, err
	}
	patient.AllocatedOPD = &input.Department
	patient.CurrentRoom = &room

	position, err := upsertQueueEntry(ctx, tx, input.Department, input.PatientID, models.StatusPending, occurredAt)
	if err != nil {
		return store.AllocationResult{}, false, err
	}

	registration := "registration"
	if err = insertFlowEvent(ctx, tx, input.PatientID, &registration, &room, models.StatusPending, "", occurredAt); err != nil {
		return store.AllocationResult{}, false, err
	}

	if err = insertOutboxEvent(ctx, tx, "patient.allocated", map[string]interface{}{
		"patient_id":     patient.PatientID,
		"token_number":   patient.TokenNumber,
		"status":         patient.CurrentStatus,
		"departments":    []string{input.Department},
		"queue_position": position,
	}); err != nil {
		return store.AllocationResult{}, false, err
	}

	if err = insertActionRequest(ctx, tx, "allocate", input.RequestID, input.PatientID); err != nil {
		return store.AllocationResult{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return store.AllocationResult{}, false, err
	}
	return store.AllocationResult{Patient: patient, QueuePosition: position}, true, nil
}

func (s *Store) ReferPatient(ctx context.Context, input store.ReferInput) (models.Patient, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Patient{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existingID, found, err := findActionRequest(ctx, tx, "refer", input.RequestID)
	if err != nil {
		return models.Patient{}, false, err
	}
	if found {
		var existing models.Patient
		existing, err = getPatient(ctx, tx, existingID)
		if err != nil {
			return models.Patient{}, false, err
		}
		if err = tx.Commit(ctx); err != nil {
			return models.Patient{}, false, err
		}
		return existing, false, nil
	}

	patient, err := getPatientForUpdate(ctx, tx, input.PatientID)
	if err != nil {
		return models.Patient{}, false, err
	}
	if !store.ValidTransition("refer", patient.CurrentStatus) {
		err = store.ErrInvalidState
		return models.Patient{}, false, err
	}
	if err = ensureDepartment(ctx, tx, input.ToDepartment); err != nil {
		return models.Patient{}, false, err
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	fromOPD := patient.AllocatedOPD

	_, err = tx.Exec(ctx, `
		UPDATE patients
		SET referred_from = $1, referred_to = $2, current_status = $3
		WHERE patient_id = $4
	`, nullStringValue(fromOPD), input.ToDepartment, models.StatusReferred, input.PatientID)
	if err != nil {
		return models.Patient{}, false, err
	}
	patient.ReferredFrom = fromOPD
	to := input.ToDepartment
	patient.ReferredTo = &to
	patient.CurrentStatus = models.StatusReferred

	// The patient stays visible in the origin queue, flagged as referred.
	if fromOPD != nil {
		_, err = tx.Exec(ctx, `
			UPDATE queue_entries
			SET status = $1, updated_at = $2
			WHERE department = $3 AND patient_id = $4
		`, models.StatusReferred, occurredAt, *fromOPD, input.PatientID)
		if err != nil {
			return models.Patient{}, false, err
		}
	}

	if _, err = upsertQueueEntry(ctx, tx, input.ToDepartment, input.PatientID, models.StatusReferred, occurredAt); err != nil {
		return models.Patient{}, false, err
	}

	fromName := "registration"
	var fromRoom *string
	if fromOPD != nil {
		fromName = *fromOPD
		room := "opd_" + *fromOPD
		fromRoom = &room
	}
	toRoom := "opd_" + input.ToDepartment
	notes := fmt.Sprintf("Referred from %s to %s", fromName, input.ToDepartment)
	if err = insertFlowEvent(ctx, tx, input.PatientID, fromRoom, &toRoom, models.StatusReferred, notes, occurredAt); err != nil {
		return models.Patient{}, false, err
	}

	departments := []string{input.ToDepartment}
	if fromOPD != nil {
		departments = append([]string{*fromOPD}, departments...)
	}
	if err = insertOutboxEvent(ctx, tx, "patient.referred", map[string]interface{}{
		"patient_id":   patient.PatientID,
		"token_number": patient.TokenNumber,
		"status":       patient.CurrentStatus,
		"departments":  departments,
		"from_opd":     nullStringValue(fromOPD),
		"to_opd":       input.ToDepartment,
	}); err != nil {
		return models.Patient{}, false, err
	}

	if err = insertActionRequest(ctx, tx, "refer", input.RequestID, input.PatientID); err != nil {
		return models.Patient{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Patient{}, false, err
	}
	return patient, true, nil
}

func (s *Store) UpdateStatus(ctx context.Context, input store.StatusUpdateInput) (models.Patient, bool, error) {
	if !models.KnownStatus(input.Status) {
		return models.Patient{}, false, store.ErrUnknownStatus
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Patient{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existingID, found, err := findActionRequest(ctx, tx, "set_status", input.RequestID)
	if err != nil {
		return models.Patient{}, false, err
	}
	if found {
		var existing models.Patient
		existing, err = getPatient(ctx, tx, existingID)
		if err != nil {
			return models.Patient{}, false, err
		}
		if err = tx.Commit(ctx); err != nil {
			return models.Patient{}, false, err
		}
		return existing, false, nil
	}

	patient, err := getPatientForUpdate(ctx, tx, input.PatientID)
	if err != nil {
		return models.Patient{}, false, err
	}
	if !store.ValidTransition("set_status", patient.CurrentStatus) {
		err = store.ErrInvalidState
		return models.Patient{}, false, err
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	switch input.Status {
	case models.StatusDilated:
		// dilation_time records the FIRST dilation only; repeats keep it.
		_, err = tx.Exec(ctx, `
			UPDATE patients
			SET current_status = $1,
				is_dilated = TRUE,
				dilation_time = COALESCE(dilation_time, $2)
			WHERE patient_id = $3
		`, input.Status, occurredAt, input.PatientID)
		if err != nil {
			return models.Patient{}, false, err
		}
		patient.IsDilated = true
		if patient.DilationTime == nil {
			patient.DilationTime = &occurredAt
		}
	case models.StatusCompleted:
		_, err = tx.Exec(ctx, `
			UPDATE patients
			SET current_status = $1, completed_at = COALESCE(completed_at, $2)
			WHERE patient_id = $3
		`, input.Status, occurredAt, input.PatientID)
		if err != nil {
			return models.Patient{}, false, err
		}
		if patient.CompletedAt == nil {
			patient.CompletedAt = &occurredAt
		}
		// Only the currently allocated department's entry is removed here;
		// end_visit is the path that reconciles entries left by referrals.
		if patient.AllocatedOPD != nil {
			_, err = tx.Exec(ctx, `
				DELETE FROM queue_entries WHERE department = $1 AND patient_id = $2
			`, *patient.AllocatedOPD, input.PatientID)
			if err != nil {
				return models.Patient{}, false, err
			}
		}
	default:
		_, err = tx.Exec(ctx, `
			UPDATE patients SET current_status = $1 WHERE patient_id = $2
		`, input.Status, input.PatientID)
		if err != nil {
			return models.Patient{}, false, err
		}
	}
	patient.CurrentStatus = input.Status

	if patient.AllocatedOPD != nil {
		_, err = tx.Exec(ctx, `
			UPDATE queue_entries
			SET status = $1, updated_at = $2
			WHERE department = $3 AND patient_id = $4
		`, input.Status, occurredAt, *patient.AllocatedOPD, input.PatientID)
		if err != nil {
			return models.Patient{}, false, err
		}
	}

	if err = insertFlowEvent(ctx, tx, input.PatientID, patient.CurrentRoom, nil, input.Status, input.Notes, occurredAt); err != nil {
		return models.Patient{}, false, err
	}

	departments := []string{}
	if patient.AllocatedOPD != nil {
		departments = append(departments, *patient.AllocatedOPD)
	}
	if err = insertOutboxEvent(ctx, tx, "patient.status_changed", map[string]interface{}{
		"patient_id":   patient.PatientID,
		"token_number": patient.TokenNumber,
		"status":       patient.CurrentStatus,
		"departments":  departments,
		"notes":        input.Notes,
	}); err != nil {
		return models.Patient{}, false, err
	}

	if err = insertActionRequest(ctx, tx, "set_status", input.RequestID, input.PatientID); err != nil {
		return models.Patient{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Patient{}, false, err
	}
	return patient, true, nil
}

func (s *Store) EndVisit(ctx context.Context, input store.EndVisitInput) (models.Patient, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Patient{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existingID, found, err := findActionRequest(ctx, tx, "end_visit", input.RequestID)
	if err != nil {
		return models.Patient{}, false, err
	}
	if found {
		var existing models.Patient
		existing, err = getPatient(ctx, tx, existingID)
		if err != nil {
			return models.Patient{}, false, err
		}
		if err = tx.Commit(ctx); err != nil {
			return models.Patient{}, false, err
		}
		return existing, false, nil
	}

	patient, err := getPatientForUpdate(ctx, tx, input.PatientID)
	if err != nil {
		return models.Patient{}, false, err
	}
	if !store.ValidTransition("end_visit", patient.CurrentStatus) {
		err = store.ErrInvalidState
		return models.Patient{}, false, err
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	fromRoom := patient.CurrentRoom
	allocatedOPD := patient.AllocatedOPD

	_, err = tx.Exec(ctx, `
		UPDATE patients
		SET current_status = $1,
			completed_at = COALESCE(completed_at, $2),
			current_room = NULL,
			allocated_opd = NULL,
			referred_from = NULL,
			referred_to = NULL
		WHERE patient_id = $3
	`, models.StatusCompleted, occurredAt, input.PatientID)
	if err != nil {
		return models.Patient{}, false, err
	}
	patient.CurrentStatus = models.StatusCompleted
	if patient.CompletedAt == nil {
		patient.CompletedAt = &occurredAt
	}
	patient.CurrentRoom = nil
	patient.AllocatedOPD = nil
	patient.ReferredFrom = nil
	patient.ReferredTo = nil

	// Completion removes the patient from every queue, including entries
	// left behind in other departments by an unresolved referral.
	rows, err := tx.Query(ctx, `
		DELETE FROM queue_entries WHERE patient_id = $1 RETURNING department
	`, input.PatientID)
	if err != nil {
		return models.Patient{}, false, err
	}
	var departments []string
	for rows.Next() {
		var department string
		if err = rows.Scan(&department); err != nil {
			rows.Close()
			return models.Patient{}, false, err
		}
		departments = append(departments, department)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return models.Patient{}, false, err
	}
	if allocatedOPD != nil && !containsString(departments, *allocatedOPD) {
		departments = append(departments, *allocatedOPD)
	}
	if departments == nil {
		departments = []string{}
	}

	completed := "completed"
	if err = insertFlowEvent(ctx, tx, input.PatientID, fromRoom, &completed, models.StatusCompleted, "Patient visit completed", occurredAt); err != nil {
		return models.Patient{}, false, err
	}

	if err = insertOutboxEvent(ctx, tx, "patient.completed", map[string]interface{}{
		"patient_id":   patient.PatientID,
		"token_number": patient.TokenNumber,
		"status":       patient.CurrentStatus,
		"departments":  departments,
	}); err != nil {
		return models.Patient{}, false, err
	}

	if err = insertActionRequest(ctx, tx, "end_visit", input.RequestID, input.PatientID); err != nil {
		return models.Patient{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Patient{}, false, err
	}
	return patient, true, nil
}

func (s *Store) SnapshotQueue(ctx context.Context, department string) ([]models.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT q.department, q.patient_id, p.token_number, p.name, q.position, q.status, p.is_dilated, p.registration_time, q.updated_at
		FROM queue_entries q
		JOIN patients p ON p.patient_id = q.patient_id
		WHERE q.department = $1
		ORDER BY q.position ASC
	`, department)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		var entry models.QueueEntry
		if err := rows.Scan(&entry.Department, &entry.PatientID, &entry.TokenNumber, &entry.PatientName, &entry.Position, &entry.Status, &entry.IsDilated, &entry.RegistrationTime, &entry.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) ListFlowEvents(ctx context.Context, patientID string) ([]store.FlowEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT patient_id, seq, from_room, to_room, status, notes, created_at, prev_hash, hash
		FROM flow_events
		WHERE patient_id = $1
		ORDER BY seq ASC
	`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.FlowEvent
	for rows.Next() {
		var event store.FlowEvent
		var fromNull, toNull, notesNull sql.NullString
		if err := rows.Scan(&event.PatientID, &event.Seq, &fromNull, &toNull, &event.Status, &notesNull, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.FromRoom = nullStringPtr(fromNull)
		event.ToRoom = nullStringPtr(toNull)
		if notesNull.Valid {
			event.Notes = notesNull.String
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) ListDepartments(ctx context.Context) ([]models.Department, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT code, name, active
		FROM departments
		WHERE active = TRUE
		ORDER BY code ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var departments []models.Department
	for rows.Next() {
		var department models.Department
		if err := rows.Scan(&department.Code, &department.Name, &department.Active); err != nil {
			return nil, err
		}
		departments = append(departments, department)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return departments, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `
		SELECT event_id, type, payload_json, created_at
		FROM outbox_events
	`
	args := []interface{}{}
	if !after.IsZero() {
		args = append(args, after)
		query += " WHERE created_at > $1"
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// ListOutboxEventsSince pages the outbox for the realtime poller using a
// (created_at, event_id) cursor so equal timestamps cannot be skipped.
func (s *Store) ListOutboxEventsSince(ctx context.Context, offset store.Offset, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	lastID := offset.LastEventID
	if lastID == "" {
		lastID = uuid.Nil.String()
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, type, payload_json, created_at
		FROM outbox_events
		WHERE (created_at, event_id) > ($1, $2::uuid)
		ORDER BY created_at ASC, event_id ASC
		LIMIT $3
	`, offset.LastEventTime, lastID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) GetOffset(ctx context.Context) (store.Offset, error) {
	var offset store.Offset
	row := s.pool.QueryRow(ctx, `
		SELECT last_event_time, last_event_id FROM realtime_offsets WHERE id = 1
	`)
	if err := row.Scan(&offset.LastEventTime, &offset.LastEventID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Offset{}, nil
		}
		return store.Offset{}, err
	}
	return offset, nil
}

func (s *Store) UpdateOffset(ctx context.Context, offset store.Offset) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO realtime_offsets (id, last_event_time, last_event_id)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET last_event_time = $1, last_event_id = $2
	`, offset.LastEventTime, offset.LastEventID)
	return err
}

func (s *Store) CleanupOutbox(ctx context.Context, before time.Time) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM outbox_events WHERE created_at < $1
	`, before)
	return err
}

func (s *Store) Login(ctx context.Context, input store.LoginInput) (store.LoginResult, error) {
	var user models.StaffUser
	var passwordHash string
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, username, role, active, password_hash
		FROM staff_users
		WHERE username = $1
	`, input.Username)
	if err := row.Scan(&user.UserID, &user.Username, &user.Role, &user.Active, &passwordHash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.LoginResult{}, store.ErrInvalidCredentials
		}
		return store.LoginResult{}, err
	}
	if !user.Active {
		return store.LoginResult{}, store.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(input.Password)); err != nil {
		return store.LoginResult{}, store.ErrInvalidCredentials
	}

	session := store.Session{
		SessionID: uuid.NewString(),
		UserID:    user.UserID,
		Role:      user.Role,
		ExpiresAt: time.Now().UTC().Add(s.sessionTTL),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (session_id, user_id, role, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, session.SessionID, session.UserID, session.Role, time.Now().UTC(), session.ExpiresAt)
	if err != nil {
		return store.LoginResult{}, err
	}
	return store.LoginResult{Session: session, User: user}, nil
}

func (s *Store) Logout(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID)
	return err
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	var session store.Session
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, user_id, role, expires_at
		FROM sessions
		WHERE session_id = $1 AND expires_at > NOW()
	`, sessionID)
	if err := row.Scan(&session.SessionID, &session.UserID, &session.Role, &session.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Session{}, store.ErrSessionNotFound
		}
		return store.Session{}, err
	}
	return session, nil
}

func (s *Store) DeleteExpiredSessions(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) departmentExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	row := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM departments WHERE code = $1 AND active = TRUE)
	`, code)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func ensureDepartment(ctx context.Context, tx pgx.Tx, code string) error {
	var exists bool
	row := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM departments WHERE code = $1 AND active = TRUE)
	`, code)
	if err := row.Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrDepartmentNotFound
	}
	return nil
}

// upsertQueueEntry places the patient into a department queue. New entries get
// max(position)+1 under a per-department advisory lock; an existing entry keeps
// its position and only refreshes status.
func upsertQueueEntry(ctx context.Context, tx pgx.Tx, department, patientID, status string, occurredAt time.Time) (int, error) {
	var position int
	row := tx.QueryRow(ctx, `
		SELECT position FROM queue_entries WHERE department = $1 AND patient_id = $2
	`, department, patientID)
	err := row.Scan(&position)
	if err == nil {
		_, err = tx.Exec(ctx, `
			UPDATE queue_entries
			SET status = $1, updated_at = $2
			WHERE department = $3 AND patient_id = $4
		`, status, occurredAt, department, patientID)
		return position, err
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "queue:"+department); err != nil {
		return 0, err
	}
	row = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(position), 0) + 1 FROM queue_entries WHERE department = $1
	`, department)
	if err = row.Scan(&position); err != nil {
		return 0, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO queue_entries (department, patient_id, position, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, department, patientID, position, status, occurredAt)
	if err != nil {
		return 0, err
	}
	return position, nil
}

func nextTokenSeq(ctx context.Context, tx pgx.Tx, day time.Time) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO token_sequences (day, next_number)
		VALUES ($1, 1)
		ON CONFLICT (day)
		DO UPDATE SET next_number = token_sequences.next_number + 1
		RETURNING next_number
	`, day.UTC().Format("2006-01-02"))
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func insertFlowEvent(ctx context.Context, tx pgx.Tx, patientID string, fromRoom, toRoom *string, status, notes string, createdAt time.Time) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "flow:"+patientID); err != nil {
		return err
	}

	var lastSeq int
	var prevHash sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT seq, hash
		FROM flow_events
		WHERE patient_id = $1
		ORDER BY seq DESC
		LIMIT 1
		FOR UPDATE
	`, patientID)
	if err := row.Scan(&lastSeq, &prevHash); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	nextSeq := lastSeq + 1
	prev := ""
	if prevHash.Valid {
		prev = prevHash.String
	}
	// timestamptz stores microseconds; hash what will actually round-trip
	createdAt = createdAt.UTC().Truncate(time.Microsecond)
	hash := store.ComputeFlowEventHash(prev, patientID, derefString(fromRoom), derefString(toRoom), status, notes, createdAt, nextSeq)

	_, err := tx.Exec(ctx, `
		INSERT INTO flow_events (patient_id, seq, from_room, to_room, status, notes, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, patientID, nextSeq, nullStringValue(fromRoom), nullStringValue(toRoom), status, nullIfEmpty(notes), createdAt, prev, hash)
	return err
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, eventType string, payload map[string]interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), eventType, payloadJSON, time.Now().UTC())
	return err
}

func findActionRequest(ctx context.Context, tx pgx.Tx, action, requestID string) (string, bool, error) {
	var patientID sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT patient_id FROM action_requests WHERE action = $1 AND request_id = $2
	`, action, requestID)
	if err := row.Scan(&patientID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return patientID.String, true, nil
}

func insertActionRequest(ctx context.Context, tx pgx.Tx, action, requestID, patientID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO action_requests (action, request_id, patient_id, created_at)
		VALUES ($1, $2, $3, $4)
	`, action, requestID, patientID, time.Now().UTC())
	return err
}

func loadAllocationResult(ctx context.Context, tx pgx.Tx, patientID string) (store.AllocationResult, error) {
	patient, err := getPatient(ctx, tx, patientID)
	if err != nil {
		return store.AllocationResult{}, err
	}
	result := store.AllocationResult{Patient: patient}
	if patient.AllocatedOPD != nil {
		var position int
		row := tx.QueryRow(ctx, `
			SELECT position FROM queue_entries WHERE department = $1 AND patient_id = $2
		`, *patient.AllocatedOPD, patientID)
		if err := row.Scan(&position); err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return store.AllocationResult{}, err
		}
		result.QueuePosition = position
	}
	return result, nil
}

func getPatient(ctx context.Context, q rowQuerier, patientID string) (models.Patient, error) {
	row := q.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE patient_id = $1
	`, patientID)
	return scanPatient(row)
}

func getPatientForUpdate(ctx context.Context, tx pgx.Tx, patientID string) (models.Patient, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE patient_id = $1
		FOR UPDATE
	`, patientID)
	return scanPatient(row)
}

func scanPatient(row pgx.Row) (models.Patient, error) {
	var patient models.Patient
	var phoneNull, opdNull, roomNull, fromNull, toNull sql.NullString
	var dilationNull, completedNull sql.NullTime
	err := row.Scan(&patient.PatientID, &patient.TokenNumber, &patient.Name, &patient.Age, &phoneNull,
		&patient.RegistrationTime, &patient.CurrentStatus, &opdNull, &roomNull, &patient.IsDilated,
		&dilationNull, &fromNull, &toNull, &completedNull)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Patient{}, store.ErrPatientNotFound
		}
		return models.Patient{}, err
	}
	if phoneNull.Valid {
		patient.Phone = phoneNull.String
	}
	patient.AllocatedOPD = nullStringPtr(opdNull)
	patient.CurrentRoom = nullStringPtr(roomNull)
	patient.ReferredFrom = nullStringPtr(fromNull)
	patient.ReferredTo = nullStringPtr(toNull)
	patient.DilationTime = nullTimePtr(dilationNull)
	patient.CompletedAt = nullTimePtr(completedNull)
	return patient, nil
}

func containsString(values []string, value string) bool {
	for _, item := range values {
		if item == value {
			return true
		}
	}
	return false
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullStringValue(value *string) interface{} {
	if value == nil {
		return nil
	}
	return *value
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	text := value.String
	return &text
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}
