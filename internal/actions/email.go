package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/smtp"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-scheduler/internal/domain"
)

// EmailConfig holds SMTP connection details.
type EmailConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

type emailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// EmailAction sends a plain-text email via SMTP, e.g. a periodic report.
type EmailAction struct {
	cfg  EmailConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailAction creates an EmailAction from config.
func NewEmailAction(cfg EmailConfig) *EmailAction {
	return &EmailAction{cfg: cfg, send: smtp.SendMail}
}

func (a *EmailAction) ActionID() string { return "email" }

func (a *EmailAction) Execute(ctx context.Context, entry *domain.Entry) (bool, error) {
	ctx, span := otel.Tracer("actions").Start(ctx, "action.email")
	defer span.End()

	var p emailPayload
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return false, fmt.Errorf("invalid email payload: %w", err)
	}
	if p.To == "" {
		err := errors.New("email payload missing required field 'to'")
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing 'to' field")
		return false, err
	}
	span.SetAttributes(attribute.String("email.to", p.To))

	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
	msg := buildMIME(a.cfg.From, p.To, p.Subject, p.Body)

	var auth smtp.Auth
	if a.cfg.Username != "" {
		auth = smtp.PlainAuth("", a.cfg.Username, a.cfg.Password, a.cfg.Host)
	}

	// net/smtp has no context support; race the send against ctx.
	done := make(chan error, 1)
	go func() {
		done <- a.send(addr, auth, a.cfg.From, []string{p.To}, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "smtp send failed")
			return false, fmt.Errorf("smtp send to %s: %w", p.To, err)
		}
		return true, nil
	case <-ctx.Done():
		err := fmt.Errorf("email send cancelled: %w", ctx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, "timeout")
		return false, err
	}
}

func buildMIME(from, to, subject, body string) []byte {
	return []byte(fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		from, to, subject, body,
	))
}
