package services

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"

	"github.com/BradenHooton/keystone/internal/models"
	pkglogger "github.com/BradenHooton/keystone/pkg/logger"
)

// EmailSender delivers a single message.
type EmailSender interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// AWSSESEmailService sends account notifications using AWS SES. Delivery
// failures are logged and never fail the calling operation.
type AWSSESEmailService struct {
	sesClient   EmailSender
	fromAddress string
	logger      *slog.Logger
}

// NewAWSSESEmailService creates a new AWS SES email service
func NewAWSSESEmailService(ctx context.Context, region, fromAddress string, logger *slog.Logger) (*AWSSESEmailService, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewEmailServiceWithClient(ses.NewFromConfig(cfg), fromAddress, logger), nil
}

// NewEmailServiceWithClient wires an existing sender.
func NewEmailServiceWithClient(client EmailSender, fromAddress string, logger *slog.Logger) *AWSSESEmailService {
	return &AWSSESEmailService{
		sesClient:   client,
		fromAddress: fromAddress,
		logger:      logger,
	}
}

const emailLayout = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { background-color: #f8f9fa; padding: 20px; text-align: center; border-radius: 4px; }
        .footer { color: #666; font-size: 12px; margin-top: 20px; padding-top: 20px; border-top: 1px solid #eee; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header"><h1>%s</h1></div>
        <div class="content">%s</div>
        <div class="footer"><p>This is an automated message. Please do not reply to this email.</p></div>
    </div>
</body>
</html>
`

// RegistrationApproved tells the applicant their account exists.
func (s *AWSSESEmailService) RegistrationApproved(ctx context.Context, req *models.RegistrationRequest, user *models.User) {
	name := displayName(req.FullName, req.Username)
	htmlBody := fmt.Sprintf(emailLayout, "Registration approved", fmt.Sprintf(
		"<p>Hello %s,</p><p>Your account request has been approved. You can now sign in as <strong>%s</strong>.</p>",
		html.EscapeString(name), html.EscapeString(user.Username)))
	textBody := fmt.Sprintf("Hello %s,\n\nYour account request has been approved. You can now sign in as %s.\n", name, user.Username)
	s.send(ctx, req.Email, "Your account has been approved", htmlBody, textBody)
}

// RegistrationRejected tells the applicant why their request was declined.
func (s *AWSSESEmailService) RegistrationRejected(ctx context.Context, req *models.RegistrationRequest) {
	name := displayName(req.FullName, req.Username)
	reason := ""
	if req.RejectionReason != nil {
		reason = *req.RejectionReason
	}
	htmlBody := fmt.Sprintf(emailLayout, "Registration declined", fmt.Sprintf(
		"<p>Hello %s,</p><p>Your account request was declined.</p><p>Reason: %s</p>",
		html.EscapeString(name), html.EscapeString(reason)))
	textBody := fmt.Sprintf("Hello %s,\n\nYour account request was declined.\n\nReason: %s\n", name, reason)
	s.send(ctx, req.Email, "Your account request was declined", htmlBody, textBody)
}

// AccountLocked warns the principal about repeated failed sign-ins.
func (s *AWSSESEmailService) AccountLocked(ctx context.Context, user *models.User, until time.Time) {
	name := displayName(user.FullName, user.Username)
	when := until.UTC().Format(time.RFC1123)
	htmlBody := fmt.Sprintf(emailLayout, "Account locked", fmt.Sprintf(
		"<p>Hello %s,</p><p>Your account was locked after several failed sign-in attempts. It unlocks at %s.</p>"+
			"<p>If this was not you, contact your administrator.</p>",
		html.EscapeString(name), when))
	textBody := fmt.Sprintf("Hello %s,\n\nYour account was locked after several failed sign-in attempts. It unlocks at %s.\n\n"+
		"If this was not you, contact your administrator.\n", name, when)
	s.send(ctx, user.Email, "Your account has been locked", htmlBody, textBody)
}

func (s *AWSSESEmailService) send(ctx context.Context, to, subject, htmlBody, textBody string) {
	if to == "" {
		return
	}
	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String(subject),
			},
			Body: &types.Body{
				Html: &types.Content{
					Data: aws.String(htmlBody),
				},
				Text: &types.Content{
					Data: aws.String(textBody),
				},
			},
		},
	}

	result, err := s.sesClient.SendEmail(ctx, input)
	if err != nil {
		s.logger.Error("failed to send email via SES",
			slog.String("to", pkglogger.SanitizedEmail(to)),
			slog.String("subject", subject),
			slog.Any("error", err))
		return
	}

	s.logger.Info("email sent",
		slog.String("to", pkglogger.SanitizedEmail(to)),
		slog.String("subject", subject),
		slog.String("message_id", aws.ToString(result.MessageId)))
}

func displayName(fullName, username string) string {
	if fullName != "" {
		return fullName
	}
	return username
}
