package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"opdflow/internal/models"
	"opdflow/internal/store"

	"github.com/google/uuid"
)

type fakeStore struct {
	registerFn    func(ctx context.Context, input store.RegisterPatientInput) (models.Patient, bool, error)
	getPatientFn  func(ctx context.Context, patientID string) (models.Patient, error)
	listFn        func(ctx context.Context, input store.ListPatientsInput) ([]models.Patient, error)
	listRefFn     func(ctx context.Context, fromOPD, toOPD string) ([]store.ReferredPatient, error)
	allocateFn    func(ctx context.Context, input store.AllocateInput) (store.AllocationResult, bool, error)
	referFn       func(ctx context.Context, input store.ReferInput) (models.Patient, bool, error)
	statusFn      func(ctx context.Context, input store.StatusUpdateInput) (models.Patient, bool, error)
	endVisitFn    func(ctx context.Context, input store.EndVisitInput) (models.Patient, bool, error)
	snapshotFn    func(ctx context.Context, department string) ([]models.QueueEntry, error)
	flowFn        func(ctx context.Context, patientID string) ([]store.FlowEvent, error)
	departmentsFn func(ctx context.Context) ([]models.Department, error)
	outboxFn      func(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error)
	loginFn       func(ctx context.Context, input store.LoginInput) (store.LoginResult, error)
	logoutFn      func(ctx context.Context, sessionID string) error
	getSessionFn  func(ctx context.Context, sessionID string) (store.Session, error)
}

func (f fakeStore) RegisterPatient(ctx context.Context, input store.RegisterPatientInput) (models.Patient, bool, error) {
	if f.registerFn == nil {
		return models.Patient{}, false, nil
	}
	return f.registerFn(ctx, input)
}

func (f fakeStore) GetPatient(ctx context.Context, patientID string) (models.Patient, error) {
	if f.getPatientFn == nil {
		return models.Patient{}, nil
	}
	return f.getPatientFn(ctx, patientID)
}

func (f fakeStore) ListPatients(ctx context.Context, input store.ListPatientsInput) ([]models.Patient, error) {
	if f.listFn == nil {
		return nil, nil
	}
	return f.listFn(ctx, input)
}

func (f fakeStore) ListReferred(ctx context.Context, fromOPD, toOPD string) ([]store.ReferredPatient, error) {
	if f.listRefFn == nil {
		return nil, nil
	}
	return f.listRefFn(ctx, fromOPD, toOPD)
}

func (f fakeStore) AllocatePatient(ctx context.Context, input store.AllocateInput) (store.AllocationResult, bool, error) {
	if f.allocateFn == nil {
		return store.AllocationResult{}, false, nil
	}
	return f.allocateFn(ctx, input)
}

func (f fakeStore) ReferPatient(ctx context.Context, input store.ReferInput) (models.Patient, bool, error) {
	if f.referFn == nil {
		return models.Patient{}, false, nil
	}
	return f.referFn(ctx, input)
}

func (f fakeStore) UpdateStatus(ctx context.Context, input store.StatusUpdateInput) (models.Patient, bool, error) {
	if f.statusFn == nil {
		return models.Patient{}, false, nil
	}
	return f.statusFn(ctx, input)
}

func (f fakeStore) EndVisit(ctx context.Context, input store.EndVisitInput) (models.Patient, bool, error) {
	if f.endVisitFn == nil {
		return models.Patient{}, false, nil
	}
	return f.endVisitFn(ctx, input)
}

func (f fakeStore) SnapshotQueue(ctx context.Context, department string) ([]models.QueueEntry, error) {
	if f.snapshotFn == nil {
		return nil, nil
	}
	return f.snapshotFn(ctx, department)
}

func (f fakeStore) ListFlowEvents(ctx context.Context, patientID string) ([]store.FlowEvent, error) {
	if f.flowFn == nil {
		return nil, nil
	}
	return f.flowFn(ctx, patientID)
}

func (f fakeStore) ListDepartments(ctx context.Context) ([]models.Department, error) {
	if f.departmentsFn == nil {
		return nil, nil
	}
	return f.departmentsFn(ctx)
}

func (f fakeStore) ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if f.outboxFn == nil {
		return nil, nil
	}
	return f.outboxFn(ctx, after, limit)
}

func (f fakeStore) Login(ctx context.Context, input store.LoginInput) (store.LoginResult, error) {
	if f.loginFn == nil {
		return store.LoginResult{}, nil
	}
	return f.loginFn(ctx, input)
}

func (f fakeStore) Logout(ctx context.Context, sessionID string) error {
	if f.logoutFn == nil {
		return nil
	}
	return f.logoutFn(ctx, sessionID)
}

func (f fakeStore) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	if f.getSessionFn == nil {
		return store.Session{}, store.ErrSessionNotFound
	}
	return f.getSessionFn(ctx, sessionID)
}

func sessionStoreFor(role string) fakeStore {
	return fakeStore{
		getSessionFn: func(ctx context.Context, sessionID string) (store.Session, error) {
			if sessionID != "valid-session" {
				return store.Session{}, store.ErrSessionNotFound
			}
			return store.Session{SessionID: sessionID, UserID: "u-1", Role: role, ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
	}
}

func serveWithRole(fs fakeStore, role string, req *http.Request) *httptest.ResponseRecorder {
	sessions := sessionStoreFor(role)
	fs.getSessionFn = sessions.getSessionFn
	handler := AuthMiddleware(fs, NewHandler(fs, nil).Routes())
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func TestRegisterPatient(t *testing.T) {
	requestID := uuid.NewString()
	var captured store.RegisterPatientInput
	fs := fakeStore{
		registerFn: func(ctx context.Context, input store.RegisterPatientInput) (models.Patient, bool, error) {
			captured = input
			return models.Patient{PatientID: uuid.NewString(), TokenNumber: "20260314-0001", Name: input.Name, CurrentStatus: models.StatusPending}, true, nil
		},
	}

	body, _ := json.Marshal(map[string]interface{}{
		"request_id": requestID,
		"name":       "Asha Rao",
		"age":        34,
		"phone":      "9812345678",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/patients", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer valid-session")
	recorder := serveWithRole(fs, models.RoleRegistration, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if captured.RequestID != requestID || captured.Name != "Asha Rao" {
		t.Fatalf("unexpected input captured: %+v", captured)
	}
	var patient models.Patient
	if err := json.Unmarshal(recorder.Body.Bytes(), &patient); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if patient.TokenNumber != "20260314-0001" {
		t.Fatalf("unexpected token: %s", patient.TokenNumber)
	}
}

func TestRegisterPatientRejectsWrongRole(t *testing.T) {
	body, _ := json.Marshal(map[string]interface{}{
		"request_id": uuid.NewString(),
		"name":       "Asha Rao",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/patients", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer valid-session")
	recorder := serveWithRole(fakeStore{}, models.RoleNursing, req)

	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", recorder.Code)
	}
}

func TestRegisterPatientRequiresSession(t *testing.T) {
	body, _ := json.Marshal(map[string]interface{}{
		"request_id": uuid.NewString(),
		"name":       "Asha Rao",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/patients", bytes.NewReader(body))
	recorder := serveWithRole(fakeStore{}, models.RoleRegistration, req)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestRegisterPatientValidation(t *testing.T) {
	cases := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing request_id", map[string]interface{}{"name": "Asha"}},
		{"missing name", map[string]interface{}{"request_id": uuid.NewString()}},
		{"bad request_id", map[string]interface{}{"request_id": "not-a-uuid", "name": "Asha"}},
		{"bad age", map[string]interface{}{"request_id": uuid.NewString(), "name": "Asha", "age": 200}},
		{"bad phone", map[string]interface{}{"request_id": uuid.NewString(), "name": "Asha", "phone": "12ab"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body, _ := json.Marshal(tc.body)
			req := httptest.NewRequest(http.MethodPost, "/api/patients", bytes.NewReader(body))
			req.Header.Set("Authorization", "Bearer valid-session")
			recorder := serveWithRole(fakeStore{}, models.RoleRegistration, req)
			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", recorder.Code)
			}
		})
	}
}

func TestAllocatePatient(t *testing.T) {
	patientID := uuid.NewString()
	fs := fakeStore{
		allocateFn: func(ctx context.Context, input store.AllocateInput) (store.AllocationResult, bool, error) {
			if input.PatientID != patientID || input.Department != "retina" {
				t.Fatalf("unexpected input: %+v", input)
			}
			dept := "retina"
			room := "opd_retina"
			return store.AllocationResult{
				Patient:       models.Patient{PatientID: patientID, AllocatedOPD: &dept, CurrentRoom: &room, CurrentStatus: models.StatusPending},
				QueuePosition: 3,
			}, true, nil
		},
	}

	body, _ := json.Marshal(map[string]interface{}{
		"request_id": uuid.NewString(),
		"department": "retina",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/patients/"+patientID+"/allocate", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer valid-session")
	recorder := serveWithRole(fs, models.RoleRegistration, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var resp struct {
		QueuePosition int     `json:"queue_position"`
		CurrentRoom   *string `json:"current_room"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.QueuePosition != 3 {
		t.Fatalf("expected position 3, got %d", resp.QueuePosition)
	}
	if resp.CurrentRoom == nil || *resp.CurrentRoom != "opd_retina" {
		t.Fatalf("unexpected room: %v", resp.CurrentRoom)
	}
}

func TestAllocateUnknownDepartment(t *testing.T) {
	fs := fakeStore{
		allocateFn: func(ctx context.Context, input store.AllocateInput) (store.AllocationResult, bool, error) {
			return store.AllocationResult{}, false, store.ErrDepartmentNotFound
		},
	}
	body, _ := json.Marshal(map[string]interface{}{
		"request_id": uuid.NewString(),
		"department": "nope",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/patients/"+uuid.NewString()+"/allocate", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer valid-session")
	recorder := serveWithRole(fs, models.RoleAdmin, req)

	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestReferPatient(t *testing.T) {
	patientID := uuid.NewString()
	fs := fakeStore{
		referFn: func(ctx context.Context, input store.ReferInput) (models.Patient, bool, error) {
			from := "retina"
			to := input.ToDepartment
			return models.Patient{PatientID: patientID, CurrentStatus: models.StatusReferred, ReferredFrom: &from, ReferredTo: &to}, true, nil
		},
	}
	body, _ := json.Marshal(map[string]interface{}{
		"request_id":    uuid.NewString(),
		"to_department": "cornea",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/patients/"+patientID+"/refer", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer valid-session")
	recorder := serveWithRole(fs, models.RoleNursing, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var patient models.Patient
	if err := json.Unmarshal(recorder.Body.Bytes(), &patient); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if patient.CurrentStatus != models.StatusReferred {
		t.Fatalf("expected referred status, got %s", patient.CurrentStatus)
	}
}

func TestSetStatusInvalidState(t *testing.T) {
	fs := fakeStore{
		statusFn: func(ctx context.Context, input store.StatusUpdateInput) (models.Patient, bool, error) {
			return models.Patient{}, false, store.ErrInvalidState
		},
	}
	body, _ := json.Marshal(map[string]interface{}{
		"request_id": uuid.NewString(),
		"status":     models.StatusWithDoctor,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/patients/"+uuid.NewString()+"/status", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer valid-session")
	recorder := serveWithRole(fs, models.RoleNursing, req)

	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", recorder.Code)
	}
}

func TestSetStatusUnknownStatus(t *testing.T) {
	fs := fakeStore{
		statusFn: func(ctx context.Context, input store.StatusUpdateInput) (models.Patient, bool, error) {
			return models.Patient{}, false, store.ErrUnknownStatus
		},
	}
	body, _ := json.Marshal(map[string]interface{}{
		"request_id": uuid.NewString(),
		"status":     "vanished",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/patients/"+uuid.NewString()+"/status", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer valid-session")
	recorder := serveWithRole(fs, models.RoleNursing, req)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestEndVisit(t *testing.T) {
	patientID := uuid.NewString()
	fs := fakeStore{
		endVisitFn: func(ctx context.Context, input store.EndVisitInput) (models.Patient, bool, error) {
			return models.Patient{PatientID: patientID, CurrentStatus: models.StatusCompleted}, true, nil
		},
	}
	body, _ := json.Marshal(map[string]interface{}{"request_id": uuid.NewString()})
	req := httptest.NewRequest(http.MethodPost, "/api/patients/"+patientID+"/end-visit", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer valid-session")
	recorder := serveWithRole(fs, models.RoleNursing, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestListPatientsPassesQueryParams(t *testing.T) {
	var captured store.ListPatientsInput
	fs := fakeStore{
		listFn: func(ctx context.Context, input store.ListPatientsInput) ([]models.Patient, error) {
			captured = input
			return []models.Patient{}, nil
		},
	}
	req := httptest.NewRequest(http.MethodGet, "/api/patients?status=pending&skip=10&limit=20&latest=true", nil)
	req.Header.Set("Authorization", "Bearer valid-session")
	recorder := serveWithRole(fs, models.RoleRegistration, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if captured.Status != models.StatusPending || captured.Skip != 10 || captured.Limit != 20 || !captured.Latest {
		t.Fatalf("unexpected input: %+v", captured)
	}
}

func TestListPatientsRejectsUnknownStatusFilter(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/patients?status=vanished", nil)
	req.Header.Set("Authorization", "Bearer valid-session")
	recorder := serveWithRole(fakeStore{}, models.RoleRegistration, req)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestReferredListing(t *testing.T) {
	fs := fakeStore{
		listRefFn: func(ctx context.Context, fromOPD, toOPD string) ([]store.ReferredPatient, error) {
			if fromOPD != "retina" || toOPD != "cornea" {
				t.Fatalf("unexpected filters: %s %s", fromOPD, toOPD)
			}
			return []store.ReferredPatient{{PatientID: uuid.NewString(), TokenNumber: "20260314-0002"}}, nil
		},
	}
	req := httptest.NewRequest(http.MethodGet, "/api/patients/referred?from_opd=retina&to_opd=cornea", nil)
	req.Header.Set("Authorization", "Bearer valid-session")
	recorder := serveWithRole(fs, models.RoleNursing, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestQueueSnapshotIsPublic(t *testing.T) {
	fs := fakeStore{
		snapshotFn: func(ctx context.Context, department string) ([]models.QueueEntry, error) {
			if department != "retina" {
				t.Fatalf("unexpected department: %s", department)
			}
			return []models.QueueEntry{{Department: "retina", Position: 1, TokenNumber: "20260314-0001"}}, nil
		},
	}
	req := httptest.NewRequest(http.MethodGet, "/api/queues/retina", nil)
	recorder := serveWithRole(fs, models.RoleRegistration, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var entries []models.QueueEntry
	if err := json.Unmarshal(recorder.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(entries) != 1 || entries[0].Position != 1 {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestLogin(t *testing.T) {
	fs := fakeStore{
		loginFn: func(ctx context.Context, input store.LoginInput) (store.LoginResult, error) {
			if input.Username != "frontdesk" {
				return store.LoginResult{}, store.ErrInvalidCredentials
			}
			return store.LoginResult{
				Session: store.Session{SessionID: "s-1", UserID: "u-1", Role: models.RoleRegistration, ExpiresAt: time.Now().Add(time.Hour)},
				User:    models.StaffUser{UserID: "u-1", Username: "frontdesk", Role: models.RoleRegistration, Active: true},
			}, nil
		},
	}

	body, _ := json.Marshal(map[string]string{"username": "frontdesk", "password": "frontdesk123"})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	recorder := serveWithRole(fs, models.RoleRegistration, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	body, _ = json.Marshal(map[string]string{"username": "other", "password": "guess"})
	req = httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	recorder = serveWithRole(fs, models.RoleRegistration, req)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestSnapshotCacheHitSkipsStore(t *testing.T) {
	called := false
	fs := fakeStore{
		snapshotFn: func(ctx context.Context, department string) ([]models.QueueEntry, error) {
			called = true
			return nil, nil
		},
	}
	cache := stubCache{entries: []models.QueueEntry{{Department: "retina", Position: 1}}}
	handler := NewHandler(fs, cache).Routes()

	req := httptest.NewRequest(http.MethodGet, "/api/queues/retina", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if called {
		t.Fatal("expected cache hit to bypass the store")
	}
}

type stubCache struct {
	entries []models.QueueEntry
}

func (c stubCache) GetQueue(ctx context.Context, department string) ([]models.QueueEntry, bool, error) {
	return c.entries, true, nil
}

func (c stubCache) SetQueue(ctx context.Context, department string, entries []models.QueueEntry) error {
	return nil
}
