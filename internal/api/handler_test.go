package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pedroitan/bulkemail-sub001/internal/db"
)

// Common test errors
var (
	ErrDatabaseError    = errors.New("database error")
	ErrCampaignNotFound = errors.New("campaign not found")
)

// MockRepository is a fake database for testing
type MockRepository struct {
	campaigns  map[string]*db.Campaign
	recipients map[string][]*db.Recipient

	createCalled  bool
	triggerCalled bool

	shouldFail bool
}

// NewMockRepository creates a new mock repository
func NewMockRepository() *MockRepository {
	return &MockRepository{
		campaigns:  make(map[string]*db.Campaign),
		recipients: make(map[string][]*db.Recipient),
	}
}

func (m *MockRepository) CreateCampaign(ctx context.Context, campaign *db.Campaign, emails []string) error {
	m.createCalled = true

	if m.shouldFail {
		return ErrDatabaseError
	}

	campaign.Status = db.CampaignPending
	campaign.TotalRecipients = len(emails)
	m.campaigns[campaign.ID.String()] = campaign

	for i, email := range emails {
		m.recipients[campaign.ID.String()] = append(m.recipients[campaign.ID.String()], &db.Recipient{
			ID:         int64(i + 1),
			CampaignID: campaign.ID,
			Email:      email,
			Status:     db.RecipientPending,
		})
	}
	return nil
}

func (m *MockRepository) GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}

	campaign, exists := m.campaigns[id.String()]
	if !exists {
		return nil, ErrCampaignNotFound
	}
	return campaign, nil
}

func (m *MockRepository) ListCampaigns(ctx context.Context, limit, offset int) ([]*db.Campaign, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}

	var result []*db.Campaign
	for _, campaign := range m.campaigns {
		result = append(result, campaign)
	}
	return result, nil
}

func (m *MockRepository) TriggerCampaign(ctx context.Context, id uuid.UUID) error {
	m.triggerCalled = true

	if m.shouldFail {
		return ErrDatabaseError
	}

	campaign, exists := m.campaigns[id.String()]
	if !exists {
		return db.ErrNotRunnable
	}
	switch campaign.Status {
	case db.CampaignCompleted, db.CampaignFailed:
		return db.ErrNotRunnable
	}
	campaign.NextSegmentTime = nil
	return nil
}

func (m *MockRepository) GetSegment(ctx context.Context, campaignID uuid.UUID, offset, limit int) ([]*db.Recipient, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}

	all := m.recipients[campaignID.String()]
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func newTestRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Post("/v1/campaigns", h.CreateCampaign)
	r.Get("/v1/campaigns", h.ListCampaigns)
	r.Get("/v1/campaigns/{id}", h.GetCampaign)
	r.Get("/v1/campaigns/{id}/recipients", h.ListRecipients)
	r.Post("/v1/campaigns/{id}/run", h.RunCampaign)
	return r
}

func TestCreateCampaign(t *testing.T) {
	tests := []struct {
		name           string
		requestBody    interface{}
		expectedStatus int
	}{
		{
			name: "valid campaign",
			requestBody: CampaignRequest{
				Name:       "launch",
				Subject:    "Hello",
				Body:       "<p>Hello</p>",
				Recipients: []string{"a@example.com", "b@example.com"},
			},
			expectedStatus: http.StatusCreated,
		},
		{
			name: "missing name",
			requestBody: CampaignRequest{
				Subject:    "Hello",
				Body:       "<p>Hello</p>",
				Recipients: []string{"a@example.com"},
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "missing recipients",
			requestBody: CampaignRequest{
				Name:    "launch",
				Subject: "Hello",
				Body:    "<p>Hello</p>",
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "invalid email",
			requestBody: CampaignRequest{
				Name:       "launch",
				Subject:    "Hello",
				Body:       "<p>Hello</p>",
				Recipients: []string{"not-an-email"},
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "malformed json",
			requestBody:    "{not json",
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := NewMockRepository()
			handler := NewHandler(zap.NewNop(), repo)
			router := newTestRouter(handler)

			var body []byte
			if s, ok := tt.requestBody.(string); ok {
				body = []byte(s)
			} else {
				body, _ = json.Marshal(tt.requestBody)
			}

			req := httptest.NewRequest("POST", "/v1/campaigns", bytes.NewReader(body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCreateCampaign_DeduplicatesRecipients(t *testing.T) {
	repo := NewMockRepository()
	handler := NewHandler(zap.NewNop(), repo)
	router := newTestRouter(handler)

	body, _ := json.Marshal(CampaignRequest{
		Name:       "launch",
		Subject:    "Hello",
		Body:       "<p>Hello</p>",
		Recipients: []string{"a@example.com", "A@Example.com", " a@example.com ", "b@example.com"},
	})

	req := httptest.NewRequest("POST", "/v1/campaigns", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp CampaignResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TotalRecipients != 2 {
		t.Errorf("expected 2 recipients after dedup, got %d", resp.TotalRecipients)
	}
}

func TestCreateCampaign_DatabaseError(t *testing.T) {
	repo := NewMockRepository()
	repo.shouldFail = true
	handler := NewHandler(zap.NewNop(), repo)
	router := newTestRouter(handler)

	body, _ := json.Marshal(CampaignRequest{
		Name:       "launch",
		Subject:    "Hello",
		Body:       "<p>Hello</p>",
		Recipients: []string{"a@example.com"},
	})

	req := httptest.NewRequest("POST", "/v1/campaigns", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestGetCampaign(t *testing.T) {
	repo := NewMockRepository()
	campaign := &db.Campaign{ID: uuid.New(), Name: "launch", Status: db.CampaignPending}
	repo.campaigns[campaign.ID.String()] = campaign

	handler := NewHandler(zap.NewNop(), repo)
	router := newTestRouter(handler)

	req := httptest.NewRequest("GET", "/v1/campaigns/"+campaign.ID.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var got db.Campaign
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != campaign.ID {
		t.Errorf("expected campaign %s, got %s", campaign.ID, got.ID)
	}
}

func TestGetCampaign_NotFound(t *testing.T) {
	repo := NewMockRepository()
	handler := NewHandler(zap.NewNop(), repo)
	router := newTestRouter(handler)

	req := httptest.NewRequest("GET", "/v1/campaigns/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestGetCampaign_InvalidID(t *testing.T) {
	repo := NewMockRepository()
	handler := NewHandler(zap.NewNop(), repo)
	router := newTestRouter(handler)

	req := httptest.NewRequest("GET", "/v1/campaigns/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestListCampaigns(t *testing.T) {
	repo := NewMockRepository()
	repo.campaigns[uuid.NewString()] = &db.Campaign{ID: uuid.New(), Name: "one"}
	repo.campaigns[uuid.NewString()] = &db.Campaign{ID: uuid.New(), Name: "two"}

	handler := NewHandler(zap.NewNop(), repo)
	router := newTestRouter(handler)

	req := httptest.NewRequest("GET", "/v1/campaigns?limit=10", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("expected 2 campaigns, got %d", resp.Count)
	}
}

func TestListRecipients(t *testing.T) {
	repo := NewMockRepository()
	handler := NewHandler(zap.NewNop(), repo)
	router := newTestRouter(handler)

	body, _ := json.Marshal(CampaignRequest{
		Name:       "launch",
		Subject:    "Hello",
		Body:       "<p>Hello</p>",
		Recipients: []string{"a@example.com", "b@example.com", "c@example.com"},
	})
	req := httptest.NewRequest("POST", "/v1/campaigns", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var created CampaignResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	req = httptest.NewRequest("GET", "/v1/campaigns/"+created.ID+"/recipients?limit=2", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("expected 2 recipients on the first page, got %d", resp.Count)
	}
}

func TestRunCampaign(t *testing.T) {
	repo := NewMockRepository()
	campaign := &db.Campaign{ID: uuid.New(), Status: db.CampaignSegmented}
	repo.campaigns[campaign.ID.String()] = campaign

	handler := NewHandler(zap.NewNop(), repo)
	router := newTestRouter(handler)

	req := httptest.NewRequest("POST", "/v1/campaigns/"+campaign.ID.String()+"/run", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if !repo.triggerCalled {
		t.Error("trigger should have been called")
	}
	if campaign.NextSegmentTime != nil {
		t.Error("segment timer should be cleared")
	}
}

func TestRunCampaign_TerminalCampaignConflicts(t *testing.T) {
	repo := NewMockRepository()
	campaign := &db.Campaign{ID: uuid.New(), Status: db.CampaignCompleted}
	repo.campaigns[campaign.ID.String()] = campaign

	handler := NewHandler(zap.NewNop(), repo)
	router := newTestRouter(handler)

	req := httptest.NewRequest("POST", "/v1/campaigns/"+campaign.ID.String()+"/run", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for terminal campaign, got %d", rec.Code)
	}
}
