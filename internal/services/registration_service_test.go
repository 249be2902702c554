package services

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/BradenHooton/keystone/internal/auth"
	"github.com/BradenHooton/keystone/internal/models"
	pkgauth "github.com/BradenHooton/keystone/pkg/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRegistrationNotifier struct {
	approved []string
	rejected []string
}

func (n *recordingRegistrationNotifier) RegistrationApproved(ctx context.Context, req *models.RegistrationRequest, user *models.User) {
	n.approved = append(n.approved, user.Username)
}

func (n *recordingRegistrationNotifier) RegistrationRejected(ctx context.Context, req *models.RegistrationRequest) {
	n.rejected = append(n.rejected, req.Username)
}

func newRegistrationService(repo *MockRegistrationRepository, users *MockUserRepository, auditor *RecordingAuditor) *RegistrationService {
	return NewRegistrationService(repo, users, pkgauth.NewHasher(4), pkgauth.DefaultPasswordPolicy(), &CountingClearer{}, auditor, slog.Default())
}

func validRegistration() RegistrationInput {
	return RegistrationInput{
		Username:      "  jdoe ",
		Email:         " JDoe@Example.COM",
		Password:      "Correct-Horse-7",
		FullName:      "Jane Doe",
		RequestedRole: "hr_viewer",
	}
}

func TestRegistrationService_Submit(t *testing.T) {
	var stored *models.RegistrationRequest
	repo := &MockRegistrationRepository{
		CreateFunc: func(ctx context.Context, req *models.RegistrationRequest) (*models.RegistrationRequest, error) {
			req.ID = "reg_1"
			req.Status = models.RegistrationPending
			stored = req
			return req, nil
		},
	}
	auditor := &RecordingAuditor{}
	svc := newRegistrationService(repo, &MockUserRepository{}, auditor)

	req, err := svc.Submit(context.Background(), validRegistration())
	require.NoError(t, err)
	assert.Equal(t, "reg_1", req.ID)
	assert.Equal(t, "jdoe", stored.Username)
	assert.Equal(t, "jdoe@example.com", stored.Email)
	assert.Equal(t, models.UserTypeEmployee, stored.UserType)
	assert.NotEqual(t, "Correct-Horse-7", stored.PasswordHash)
	assert.NoError(t, pkgauth.NewHasher(4).Check("Correct-Horse-7", stored.PasswordHash))
	assert.Equal(t, []string{models.ActionCreate}, auditor.Actions())
}

func TestRegistrationService_Submit_Validation(t *testing.T) {
	svc := newRegistrationService(&MockRegistrationRepository{}, &MockUserRepository{}, &RecordingAuditor{})

	tests := []struct {
		name  string
		edit  func(*RegistrationInput)
		field string
	}{
		{"missing username", func(in *RegistrationInput) { in.Username = "  " }, "username"},
		{"missing email", func(in *RegistrationInput) { in.Email = "" }, "email"},
		{"bad user type", func(in *RegistrationInput) { in.UserType = "contractor" }, "user_type"},
		{"weak password", func(in *RegistrationInput) { in.Password = "short" }, "password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validRegistration()
			tt.edit(&in)
			_, err := svc.Submit(context.Background(), in)
			require.ErrorIs(t, err, models.ErrValidationFailed)
			var verr *models.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestRegistrationService_Submit_SupplierAllowed(t *testing.T) {
	svc := newRegistrationService(&MockRegistrationRepository{}, &MockUserRepository{}, &RecordingAuditor{})

	in := validRegistration()
	in.UserType = models.UserTypeSupplier
	req, err := svc.Submit(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, models.UserTypeSupplier, req.UserType)
}

func TestRegistrationService_Submit_Conflicts(t *testing.T) {
	t.Run("existing principal", func(t *testing.T) {
		users := &MockUserRepository{ExistsByUsernameOrEmailFunc: func(ctx context.Context, username, email string) (bool, error) {
			return true, nil
		}}
		svc := newRegistrationService(&MockRegistrationRepository{}, users, &RecordingAuditor{})
		_, err := svc.Submit(context.Background(), validRegistration())
		assert.ErrorIs(t, err, models.ErrConflict)
	})

	t.Run("pending request", func(t *testing.T) {
		repo := &MockRegistrationRepository{ExistsPendingFunc: func(ctx context.Context, username, email string) (bool, error) {
			return username == "jdoe", nil
		}}
		auditor := &RecordingAuditor{}
		svc := newRegistrationService(repo, &MockUserRepository{}, auditor)
		_, err := svc.Submit(context.Background(), validRegistration())
		assert.ErrorIs(t, err, models.ErrConflict)
		assert.Empty(t, auditor.Entries)
	})
}

func TestRegistrationService_List_RejectsUnknownStatus(t *testing.T) {
	var gotSize int
	repo := &MockRegistrationRepository{ListFunc: func(ctx context.Context, status string, page, size int) (*models.Page[*models.RegistrationRequest], error) {
		gotSize = size
		return &models.Page[*models.RegistrationRequest]{Page: page, PageSize: size}, nil
	}}
	svc := newRegistrationService(repo, &MockUserRepository{}, &RecordingAuditor{})

	_, err := svc.List(context.Background(), "archived", 1, 20)
	assert.ErrorIs(t, err, models.ErrValidationFailed)

	page, err := svc.List(context.Background(), models.RegistrationPending, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, models.DefaultPageSize, gotSize)
}

func TestRegistrationService_Approve(t *testing.T) {
	pending := &models.RegistrationRequest{
		ID:            "reg_1",
		Username:      "jdoe",
		Email:         "jdoe@example.com",
		PasswordHash:  "$2a$04$storedhashstoredhashstoredhashstoredhashstoredhashst",
		FullName:      "Jane Doe",
		UserType:      models.UserTypeEmployee,
		RequestedRole: "hr_viewer",
		DepartmentID:  int64Ptr(3),
		Status:        models.RegistrationPending,
	}

	var built *models.User
	var reviewer string
	repo := &MockRegistrationRepository{
		ApproveFunc: func(ctx context.Context, id, reviewerID string, build func(*models.RegistrationRequest) *models.User) (*models.RegistrationRequest, *models.User, error) {
			reviewer = reviewerID
			built = build(pending)
			built.ID = "u-9"
			done := *pending
			done.Status = models.RegistrationApproved
			return &done, built, nil
		},
	}
	auditor := &RecordingAuditor{}
	notifier := &recordingRegistrationNotifier{}
	svc := newRegistrationService(repo, &MockUserRepository{}, auditor)
	svc.SetNotifier(notifier)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	actor := &auth.Claims{UserID: "admin-1", Username: "admin"}
	user, err := svc.Approve(context.Background(), actor, "reg_1", "")
	require.NoError(t, err)

	assert.Equal(t, "admin-1", reviewer)
	assert.Equal(t, "u-9", user.ID)
	assert.Equal(t, pending.PasswordHash, built.PasswordHash, "stored hash is reused verbatim")
	assert.Empty(t, built.Role, "requested role is not granted without the reviewer choosing it")
	assert.True(t, built.IsActive)
	assert.Equal(t, int64(3), *built.DepartmentID)
	require.NotNil(t, built.PasswordExpiresAt)
	assert.Equal(t, fixed.Add(90*24*time.Hour), *built.PasswordExpiresAt)

	assert.Equal(t, []string{models.ActionApprove, models.ActionUserCreate}, auditor.Actions())
	assert.Equal(t, []string{"jdoe"}, notifier.approved)
}

func TestRegistrationService_Approve_RoleOverride(t *testing.T) {
	var built *models.User
	repo := &MockRegistrationRepository{
		ApproveFunc: func(ctx context.Context, id, reviewerID string, build func(*models.RegistrationRequest) *models.User) (*models.RegistrationRequest, *models.User, error) {
			req := &models.RegistrationRequest{ID: id, Username: "jdoe", RequestedRole: "hr_viewer"}
			built = build(req)
			return req, built, nil
		},
	}
	svc := newRegistrationService(repo, &MockUserRepository{}, &RecordingAuditor{})

	_, err := svc.Approve(context.Background(), &auth.Claims{UserID: "admin-1"}, "reg_1", "auditor")
	require.NoError(t, err)
	assert.Equal(t, "auditor", built.Role)
}

func TestRegistrationService_Approve_VetsRole(t *testing.T) {
	f := newRBACFixture(t)
	f.addUser("reviewer", "", "auditor")
	f.addUser("owner", "super_admin")

	var built *models.User
	repo := &MockRegistrationRepository{
		CreateFunc: func(ctx context.Context, req *models.RegistrationRequest) (*models.RegistrationRequest, error) {
			req.ID = "reg_1"
			return req, nil
		},
		ApproveFunc: func(ctx context.Context, id, reviewerID string, build func(*models.RegistrationRequest) *models.User) (*models.RegistrationRequest, *models.User, error) {
			req := &models.RegistrationRequest{ID: id, Username: "jdoe", RequestedRole: "super_admin"}
			built = build(req)
			return req, built, nil
		},
	}
	svc := NewRegistrationService(repo, &MockUserRepository{}, pkgauth.NewHasher(4), pkgauth.DefaultPasswordPolicy(), f.svc, &RecordingAuditor{}, slog.Default())
	ctx := context.Background()

	in := validRegistration()
	in.RequestedRole = "super_admin"
	_, err := svc.Submit(ctx, in)
	require.NoError(t, err)

	reviewer := &auth.Claims{UserID: "reviewer"}

	t.Run("requested top role is not granted", func(t *testing.T) {
		built = nil
		_, err := svc.Approve(ctx, reviewer, "reg_1", "")
		require.NoError(t, err)
		require.NotNil(t, built)
		assert.Empty(t, built.Role)
	})

	t.Run("top role needs role management", func(t *testing.T) {
		built = nil
		_, err := svc.Approve(ctx, reviewer, "reg_1", "super_admin")
		assert.ErrorIs(t, err, models.ErrAuthorizationDenied)
		assert.Nil(t, built)

		_, err = svc.Approve(ctx, &auth.Claims{UserID: "owner"}, "reg_1", "super_admin")
		require.NoError(t, err)
		assert.Equal(t, "super_admin", built.Role)
	})

	t.Run("unknown role", func(t *testing.T) {
		built = nil
		_, err := svc.Approve(ctx, reviewer, "reg_1", "no_such_role")
		assert.ErrorIs(t, err, models.ErrValidationFailed)
		assert.Nil(t, built)
	})

	t.Run("inactive role", func(t *testing.T) {
		f.store.Roles["hr_viewer"].IsActive = false
		built = nil
		_, err := svc.Approve(ctx, reviewer, "reg_1", "hr_viewer")
		assert.ErrorIs(t, err, models.ErrValidationFailed)
		assert.Nil(t, built)
	})
}

func TestRegistrationService_Approve_Errors(t *testing.T) {
	svc := newRegistrationService(&MockRegistrationRepository{}, &MockUserRepository{}, &RecordingAuditor{})

	_, err := svc.Approve(context.Background(), nil, "reg_1", "")
	assert.ErrorIs(t, err, models.ErrAuthorizationDenied)

	_, err = svc.Approve(context.Background(), &auth.Claims{UserID: "admin-1"}, "missing", "")
	assert.ErrorIs(t, err, models.ErrNotFound)

	svc.repo = &MockRegistrationRepository{
		ApproveFunc: func(ctx context.Context, id, reviewerID string, build func(*models.RegistrationRequest) *models.User) (*models.RegistrationRequest, *models.User, error) {
			return nil, nil, models.ErrConflict
		},
	}
	_, err = svc.Approve(context.Background(), &auth.Claims{UserID: "admin-1"}, "reg_1", "")
	assert.ErrorIs(t, err, models.ErrConflict, "already reviewed")
}

func TestRegistrationService_Reject(t *testing.T) {
	var gotReason string
	repo := &MockRegistrationRepository{
		RejectFunc: func(ctx context.Context, id, reviewerID, reason string) (*models.RegistrationRequest, error) {
			gotReason = reason
			return &models.RegistrationRequest{ID: id, Username: "jdoe", Status: models.RegistrationRejected, RejectionReason: &reason}, nil
		},
	}
	auditor := &RecordingAuditor{}
	notifier := &recordingRegistrationNotifier{}
	svc := newRegistrationService(repo, &MockUserRepository{}, auditor)
	svc.SetNotifier(notifier)
	actor := &auth.Claims{UserID: "admin-1"}

	_, err := svc.Reject(context.Background(), actor, "reg_1", "   ")
	assert.ErrorIs(t, err, models.ErrValidationFailed)

	req, err := svc.Reject(context.Background(), actor, "reg_1", " duplicate account ")
	require.NoError(t, err)
	assert.Equal(t, models.RegistrationRejected, req.Status)
	assert.Equal(t, "duplicate account", gotReason)
	assert.Equal(t, []string{models.ActionReject}, auditor.Actions())
	assert.Equal(t, []string{"jdoe"}, notifier.rejected)
}
