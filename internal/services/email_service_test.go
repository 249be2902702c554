package services

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/keystone/internal/models"
)

type fakeSender struct {
	sent []*ses.SendEmailInput
	err  error
}

func (f *fakeSender) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, params)
	return &ses.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
}

func TestEmailService_RegistrationApproved(t *testing.T) {
	sender := &fakeSender{}
	svc := NewEmailServiceWithClient(sender, "noreply@example.com", slog.Default())

	req := &models.RegistrationRequest{Username: "jdoe", Email: "jdoe@example.com", FullName: "Jane <b>Doe</b>"}
	svc.RegistrationApproved(context.Background(), req, &models.User{Username: "jdoe"})

	require.Len(t, sender.sent, 1)
	in := sender.sent[0]
	assert.Equal(t, "noreply@example.com", aws.ToString(in.Source))
	assert.Equal(t, []string{"jdoe@example.com"}, in.Destination.ToAddresses)
	assert.Equal(t, "Your account has been approved", aws.ToString(in.Message.Subject.Data))
	assert.Contains(t, aws.ToString(in.Message.Body.Html.Data), "Jane &lt;b&gt;Doe&lt;/b&gt;")
	assert.Contains(t, aws.ToString(in.Message.Body.Text.Data), "sign in as jdoe")
}

func TestEmailService_RegistrationRejected(t *testing.T) {
	sender := &fakeSender{}
	svc := NewEmailServiceWithClient(sender, "noreply@example.com", slog.Default())

	reason := "duplicate account"
	svc.RegistrationRejected(context.Background(), &models.RegistrationRequest{
		Username: "jdoe", Email: "jdoe@example.com", RejectionReason: &reason,
	})

	require.Len(t, sender.sent, 1)
	assert.Contains(t, aws.ToString(sender.sent[0].Message.Body.Text.Data), "Hello jdoe")
	assert.Contains(t, aws.ToString(sender.sent[0].Message.Body.Text.Data), "Reason: duplicate account")
}

func TestEmailService_AccountLocked(t *testing.T) {
	sender := &fakeSender{}
	svc := NewEmailServiceWithClient(sender, "noreply@example.com", slog.Default())

	until := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	svc.AccountLocked(context.Background(), NewTestUser("u-1", "jdoe", "jdoe@example.com"), until)

	require.Len(t, sender.sent, 1)
	assert.Contains(t, aws.ToString(sender.sent[0].Message.Body.Text.Data), until.Format(time.RFC1123))
}

func TestEmailService_SkipsMissingAddressAndSwallowsErrors(t *testing.T) {
	sender := &fakeSender{}
	svc := NewEmailServiceWithClient(sender, "noreply@example.com", slog.Default())

	svc.AccountLocked(context.Background(), &models.User{Username: "nobody"}, time.Now())
	assert.Empty(t, sender.sent)

	sender.err = errors.New("throttled")
	assert.NotPanics(t, func() {
		svc.RegistrationApproved(context.Background(), &models.RegistrationRequest{Email: "a@example.com"}, &models.User{Username: "a"})
	})
}
