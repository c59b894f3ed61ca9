package mailer

import (
	"context"
	"fmt"

	gomail "github.com/wneessen/go-mail"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bl1231/bilbomd-worker/internal/config"
	"github.com/bl1231/bilbomd-worker/internal/logger"
)

var tracer = otel.Tracer("github.com/bl1231/bilbomd-worker/internal/mailer")

// Mailer sends user-facing job notifications. Sending is best effort;
// callers log failures and move on.
type Mailer interface {
	SendJobCompleteEmail(
		ctx context.Context,
		recipient string,
		jobID string,
		title string,
		failed bool,
	) error
}

// SMTP backed mailer
type SMTPMailer struct {
	cfg *config.Config
}

var _ Mailer = (*SMTPMailer)(nil)

func NewSMTPMailer(cfg *config.Config) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

func (m *SMTPMailer) SendJobCompleteEmail(
	ctx context.Context,
	recipient string,
	jobID string,
	title string,
	failed bool,
) error {
	ctx, span := tracer.Start(ctx, "SMTPMailer.SendJobCompleteEmail")
	defer span.End()

	span.SetAttributes(
		attribute.String("jobID", jobID),
		attribute.Bool("failed", failed),
	)

	if m.cfg.SMTP == nil || !m.cfg.SMTP.Enabled {
		span.SetStatus(codes.Ok, "email notifications disabled")
		return nil
	}

	subject := fmt.Sprintf("BilboMD job complete: %s", title)
	body := fmt.Sprintf(
		"Your BilboMD job %q has completed.\n\nResults: %s/jobs/%s\n",
		title, m.cfg.BilboMDURL, jobID,
	)
	if failed {
		subject = fmt.Sprintf("BilboMD job failed: %s", title)
		body = fmt.Sprintf(
			"Your BilboMD job %q has failed.\n\nDetails: %s/jobs/%s\n",
			title, m.cfg.BilboMDURL, jobID,
		)
	}

	msg := gomail.NewMsg()
	if err := msg.From(m.cfg.SMTP.From); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid from address")
		return err
	}
	if err := msg.To(recipient); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid recipient address")
		return err
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextPlain, body)

	opts := []gomail.Option{
		gomail.WithPort(m.cfg.SMTP.Port),
	}
	if m.cfg.SMTP.User != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(m.cfg.SMTP.User),
			gomail.WithPassword(m.cfg.SMTP.Password),
		)
	}

	client, err := gomail.NewClient(m.cfg.SMTP.Host, opts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create smtp client")
		return err
	}

	if err = client.DialAndSendWithContext(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send email")
		return err
	}

	logger.Logger.InfoContext(ctx, "sent job notification", "recipient", recipient, "jobID", jobID)
	span.SetStatus(codes.Ok, "sent email")
	return nil
}
