package handlers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BradenHooton/keystone/internal/auth"
	"github.com/BradenHooton/keystone/internal/handlers"
	"github.com/BradenHooton/keystone/internal/models"
	"github.com/BradenHooton/keystone/internal/services"
	pkghttp "github.com/BradenHooton/keystone/pkg/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRegistration() handlers.RegisterRequest {
	return handlers.RegisterRequest{
		Username: "grace",
		Email:    "grace@example.com",
		Password: "Very-Long-Password-1",
		FullName: "Grace H",
		UserType: "employee",
	}
}

func TestRegistrationSubmit_SameAnswerForTakenAccount(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"fresh account", nil},
		{"taken username or email", models.ErrConflict},
	}
	var bodies []string
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &MockRegistrationService{
				SubmitFunc: func(ctx context.Context, in services.RegistrationInput) (*models.RegistrationRequest, error) {
					assert.Equal(t, "grace", in.Username)
					if tt.err != nil {
						return nil, tt.err
					}
					return &models.RegistrationRequest{ID: "r-1", Status: models.RegistrationPending}, nil
				},
			}
			w := httptest.NewRecorder()
			handlers.NewRegistrationHandler(mock, discardLogger()).Submit(w, newTestRequest(t, http.MethodPost, "/api/v1/auth/register", validRegistration()))

			assertJSONResponse(t, w, http.StatusAccepted, nil)
			bodies = append(bodies, w.Body.String())
		})
	}
	require.Len(t, bodies, 2)
	assert.Equal(t, bodies[0], bodies[1])
}

func TestRegistrationSubmit_Validation(t *testing.T) {
	mock := &MockRegistrationService{
		SubmitFunc: func(ctx context.Context, in services.RegistrationInput) (*models.RegistrationRequest, error) {
			return nil, models.NewValidationError("password", "must be at least 12 characters")
		},
	}
	handler := handlers.NewRegistrationHandler(mock, discardLogger())

	bad := validRegistration()
	bad.Email = "not-an-email"
	w := httptest.NewRecorder()
	handler.Submit(w, newTestRequest(t, http.MethodPost, "/api/v1/auth/register", bad))
	resp := assertErrorResponse(t, w, http.StatusBadRequest, pkghttp.CodeValidationFailed)
	assert.Equal(t, "email", resp.Details)

	bad = validRegistration()
	bad.UserType = "contractor"
	w = httptest.NewRecorder()
	handler.Submit(w, newTestRequest(t, http.MethodPost, "/api/v1/auth/register", bad))
	assertErrorResponse(t, w, http.StatusBadRequest, pkghttp.CodeValidationFailed)

	// Policy failures from the service are reported, not masked.
	w = httptest.NewRecorder()
	handler.Submit(w, newTestRequest(t, http.MethodPost, "/api/v1/auth/register", validRegistration()))
	resp = assertErrorResponse(t, w, http.StatusBadRequest, pkghttp.CodeValidationFailed)
	assert.Equal(t, "password", resp.Details)
}

func TestRegistrationApprove(t *testing.T) {
	var gotRole string
	var gotActor *auth.Claims
	mock := &MockRegistrationService{
		ApproveFunc: func(ctx context.Context, actor *auth.Claims, id, role string) (*models.User, error) {
			gotActor, gotRole = actor, role
			if id == "done" {
				return nil, models.ErrConflict
			}
			return &models.User{ID: "u-9", Username: "grace", IsActive: true}, nil
		},
	}
	handler := handlers.NewRegistrationHandler(mock, discardLogger())

	// Without a body the requested role is kept.
	req := withChiRouteContext(withAuthContext(httptest.NewRequest(http.MethodPost, "/api/v1/registrations/r-1/approve", nil), "admin-1"), map[string]string{"id": "r-1"})
	w := httptest.NewRecorder()
	handler.Approve(w, req)
	assertJSONResponse(t, w, http.StatusOK, nil)
	assert.Equal(t, "", gotRole)
	require.NotNil(t, gotActor)
	assert.Equal(t, "admin-1", gotActor.UserID)

	req = newTestRequest(t, http.MethodPost, "/api/v1/registrations/r-1/approve", handlers.ApproveRegistrationRequest{Role: "auditor"})
	req = withChiRouteContext(withAuthContext(req, "admin-1"), map[string]string{"id": "r-1"})
	w = httptest.NewRecorder()
	handler.Approve(w, req)
	assertJSONResponse(t, w, http.StatusOK, nil)
	assert.Equal(t, "auditor", gotRole)

	req = withChiRouteContext(withAuthContext(httptest.NewRequest(http.MethodPost, "/api/v1/registrations/done/approve", nil), "admin-1"), map[string]string{"id": "done"})
	w = httptest.NewRecorder()
	handler.Approve(w, req)
	assertErrorResponse(t, w, http.StatusConflict, pkghttp.CodeConflict)
}

func TestRegistrationReject_RequiresReason(t *testing.T) {
	mock := &MockRegistrationService{
		RejectFunc: func(ctx context.Context, actor *auth.Claims, id, reason string) (*models.RegistrationRequest, error) {
			return &models.RegistrationRequest{ID: id, Status: models.RegistrationRejected, RejectionReason: &reason}, nil
		},
	}
	handler := handlers.NewRegistrationHandler(mock, discardLogger())

	req := withChiRouteContext(newTestRequest(t, http.MethodPost, "/api/v1/registrations/r-1/reject", map[string]string{}), map[string]string{"id": "r-1"})
	w := httptest.NewRecorder()
	handler.Reject(w, req)
	resp := assertErrorResponse(t, w, http.StatusBadRequest, pkghttp.CodeValidationFailed)
	assert.Equal(t, "reason", resp.Details)

	req = withChiRouteContext(newTestRequest(t, http.MethodPost, "/api/v1/registrations/r-1/reject", handlers.RejectRegistrationRequest{Reason: "unknown department"}), map[string]string{"id": "r-1"})
	w = httptest.NewRecorder()
	handler.Reject(w, req)
	var out models.RegistrationRequest
	assertJSONResponse(t, w, http.StatusOK, &out)
	assert.Equal(t, models.RegistrationRejected, out.Status)
}

func TestRegistrationList_PassesStatus(t *testing.T) {
	var gotStatus string
	mock := &MockRegistrationService{
		ListFunc: func(ctx context.Context, status string, page, size int) (*models.Page[*models.RegistrationRequest], error) {
			gotStatus = status
			return &models.Page[*models.RegistrationRequest]{Items: []*models.RegistrationRequest{}}, nil
		},
	}
	w := httptest.NewRecorder()
	handlers.NewRegistrationHandler(mock, discardLogger()).List(w, httptest.NewRequest(http.MethodGet, "/api/v1/registrations?status=pending", nil))

	assertJSONResponse(t, w, http.StatusOK, nil)
	assert.Equal(t, "pending", gotStatus)
}
