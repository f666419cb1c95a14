package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"opdflow/internal/models"
	"opdflow/internal/store"

	"github.com/google/uuid"
)

// SnapshotCache fronts the per-department queue listing. A miss falls
// through to the store and repopulates the cache.
type SnapshotCache interface {
	GetQueue(ctx context.Context, department string) ([]models.QueueEntry, bool, error)
	SetQueue(ctx context.Context, department string, entries []models.QueueEntry) error
}

type Handler struct {
	store store.PatientStore
	cache SnapshotCache
}

type registerPatientRequest struct {
	RequestID string `json:"request_id"`
	Name      string `json:"name"`
	Age       int    `json:"age"`
	Phone     string `json:"phone"`
}

type allocateRequest struct {
	RequestID  string `json:"request_id"`
	Department string `json:"department"`
}

type referRequest struct {
	RequestID    string `json:"request_id"`
	ToDepartment string `json:"to_department"`
}

type statusRequest struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Notes     string `json:"notes"`
}

type endVisitRequest struct {
	RequestID string `json:"request_id"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	SessionID string           `json:"session_id"`
	ExpiresAt time.Time        `json:"expires_at"`
	User      models.StaffUser `json:"user"`
}

type allocateResponse struct {
	models.Patient
	QueuePosition int `json:"queue_position"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(store store.PatientStore, cache SnapshotCache) *Handler {
	return &Handler{store: store, cache: cache}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/auth/login", h.handleLogin)
	mux.HandleFunc("/api/auth/logout", h.handleLogout)
	mux.HandleFunc("/api/patients", h.handlePatients)
	mux.HandleFunc("/api/patients/referred", h.handleReferred)
	mux.HandleFunc("/api/patients/", h.handlePatientActions)
	mux.HandleFunc("/api/queues/", h.handleQueueSnapshot)
	mux.HandleFunc("/api/departments", h.handleDepartments)
	mux.HandleFunc("/api/events", h.handleEvents)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "username and password are required")
		return
	}

	result, err := h.store.Login(r.Context(), store.LoginInput{Username: req.Username, Password: req.Password})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		SessionID: result.Session.SessionID,
		ExpiresAt: result.Session.ExpiresAt,
		User:      result.User,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, "", http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}
	if err := h.store.Logout(r.Context(), session.SessionID); err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (h *Handler) handlePatients(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.registerPatient(w, r)
	case http.MethodGet:
		h.listPatients(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) registerPatient(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, models.RoleRegistration) {
		return
	}

	var req registerPatientRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.Name = strings.TrimSpace(req.Name)
	req.Phone = strings.TrimSpace(req.Phone)

	if req.RequestID == "" || req.Name == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and name are required")
		return
	}
	if !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return
	}
	if req.Age < 0 || req.Age > 150 {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "age must be between 0 and 150")
		return
	}
	if req.Phone != "" && !isValidPhone(req.Phone) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "phone must be 8-16 digits")
		return
	}

	patient, _, err := h.store.RegisterPatient(r.Context(), store.RegisterPatientInput{
		RequestID: req.RequestID,
		Name:      req.Name,
		Age:       req.Age,
		Phone:     req.Phone,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, patient)
}

func (h *Handler) listPatients(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	input := store.ListPatientsInput{
		Status: strings.TrimSpace(query.Get("status")),
		Skip:   readIntParam(query.Get("skip"), 0),
		Limit:  readIntParam(query.Get("limit"), 0),
		Latest: query.Get("latest") == "true",
	}
	if input.Status != "" && !models.KnownStatus(input.Status) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "unknown status filter")
		return
	}

	patients, err := h.store.ListPatients(r.Context(), input)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if patients == nil {
		patients = []models.Patient{}
	}
	writeJSON(w, http.StatusOK, patients)
}

func (h *Handler) handleReferred(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	fromOPD := strings.TrimSpace(r.URL.Query().Get("from_opd"))
	toOPD := strings.TrimSpace(r.URL.Query().Get("to_opd"))

	patients, err := h.store.ListReferred(r.Context(), fromOPD, toOPD)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if patients == nil {
		patients = []store.ReferredPatient{}
	}
	writeJSON(w, http.StatusOK, patients)
}

func (h *Handler) handlePatientActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/patients/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, "", http.StatusNotFound, "not_found", "not found")
		return
	}
	patientID := parts[0]
	if !isValidUUID(patientID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "patient id must be a UUID")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.getPatient(w, r, patientID)
		return
	}
	if len(parts) != 2 {
		writeError(w, "", http.StatusNotFound, "not_found", "not found")
		return
	}

	switch parts[1] {
	case "flow":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.listFlow(w, r, patientID)
	case "allocate":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.allocatePatient(w, r, patientID)
	case "refer":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.referPatient(w, r, patientID)
	case "status":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.setStatus(w, r, patientID)
	case "end-visit":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.endVisit(w, r, patientID)
	default:
		writeError(w, "", http.StatusNotFound, "not_found", "not found")
	}
}

func (h *Handler) getPatient(w http.ResponseWriter, r *http.Request, patientID string) {
	patient, err := h.store.GetPatient(r.Context(), patientID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, patient)
}

func (h *Handler) listFlow(w http.ResponseWriter, r *http.Request, patientID string) {
	events, err := h.store.ListFlowEvents(r.Context(), patientID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if events == nil {
		events = []store.FlowEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) allocatePatient(w http.ResponseWriter, r *http.Request, patientID string) {
	if !requireRole(w, r, models.RoleRegistration) {
		return
	}

	var req allocateRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.Department = strings.TrimSpace(req.Department)
	if req.RequestID == "" || req.Department == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and department are required")
		return
	}
	if !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return
	}

	result, _, err := h.store.AllocatePatient(r.Context(), store.AllocateInput{
		RequestID:  req.RequestID,
		PatientID:  patientID,
		Department: req.Department,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, allocateResponse{Patient: result.Patient, QueuePosition: result.QueuePosition})
}

func (h *Handler) referPatient(w http.ResponseWriter, r *http.Request, patientID string) {
	if !requireRole(w, r, models.RoleNursing) {
		return
	}

	var req referRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.ToDepartment = strings.TrimSpace(req.ToDepartment)
	if req.RequestID == "" || req.ToDepartment == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and to_department are required")
		return
	}
	if !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return
	}

	patient, _, err := h.store.ReferPatient(r.Context(), store.ReferInput{
		RequestID:    req.RequestID,
		PatientID:    patientID,
		ToDepartment: req.ToDepartment,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, patient)
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request, patientID string) {
	if !requireRole(w, r, models.RoleNursing) {
		return
	}

	var req statusRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.Status = strings.TrimSpace(req.Status)
	if req.RequestID == "" || req.Status == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and status are required")
		return
	}
	if !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return
	}

	patient, _, err := h.store.UpdateStatus(r.Context(), store.StatusUpdateInput{
		RequestID: req.RequestID,
		PatientID: patientID,
		Status:    req.Status,
		Notes:     strings.TrimSpace(req.Notes),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, patient)
}

func (h *Handler) endVisit(w http.ResponseWriter, r *http.Request, patientID string) {
	if !requireRole(w, r, models.RoleNursing) {
		return
	}

	var req endVisitRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id is required")
		return
	}
	if !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return
	}

	patient, _, err := h.store.EndVisit(r.Context(), store.EndVisitInput{
		RequestID: req.RequestID,
		PatientID: patientID,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, patient)
}

func (h *Handler) handleQueueSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	department := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/queues/"), "/")
	if department == "" || strings.Contains(department, "/") {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "department is required")
		return
	}

	if h.cache != nil {
		if entries, ok, err := h.cache.GetQueue(r.Context(), department); err == nil && ok {
			writeJSON(w, http.StatusOK, entries)
			return
		}
	}

	entries, err := h.store.SnapshotQueue(r.Context(), department)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if entries == nil {
		entries = []models.QueueEntry{}
	}
	if h.cache != nil {
		_ = h.cache.SetQueue(r.Context(), department, entries)
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleDepartments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	departments, err := h.store.ListDepartments(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if departments == nil {
		departments = []models.Department{}
	}
	writeJSON(w, http.StatusOK, departments)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !requireRole(w, r, models.RoleAdmin) {
		return
	}

	query := r.URL.Query()
	var after time.Time
	if raw := query.Get("after"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "after must be RFC3339")
			return
		}
		after = parsed
	}
	limit := readIntParam(query.Get("limit"), 0)

	events, err := h.store.ListOutboxEvents(r.Context(), after, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if events == nil {
		events = []store.OutboxEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func readIntParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func isValidPhone(value string) bool {
	if len(value) < 8 || len(value) > 16 {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrPatientNotFound):
		return http.StatusNotFound, "patient_not_found", "patient not found"
	case errors.Is(err, store.ErrDepartmentNotFound):
		return http.StatusNotFound, "department_not_found", "department not found"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "patient state does not allow this action"
	case errors.Is(err, store.ErrUnknownStatus):
		return http.StatusBadRequest, "unknown_status", "unknown status value"
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusUnauthorized, "unauthorized", "invalid session"
	case errors.Is(err, store.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials", "invalid username or password"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
