// internal/service/sender.go
package service

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/google/uuid"

	"github.com/mailkite/mailkite-backend/internal/config"
	appErrors "github.com/mailkite/mailkite-backend/internal/errors"
)

// Sender is the external mail-sending capability. The idempotency token is
// deterministic per (campaign, recipient), so a provider that honors it
// will not double-send when a crashed worker's job is redelivered.
type Sender interface {
	Send(ctx context.Context, to, subject, body, idempotencyToken string) (providerMessageID string, err error)
}

// Ensure SMTPSender implements Sender
var _ Sender = (*SMTPSender)(nil)

// SMTPSender delivers through a relay that accepts an idempotency header.
type SMTPSender struct {
	cfg config.Config
}

func NewSMTPSender(cfg config.Config) *SMTPSender { return &SMTPSender{cfg: cfg} }

func (s *SMTPSender) Send(ctx context.Context, to, subject, body, idempotencyToken string) (string, error) {
	if !strings.Contains(to, "@") {
		return "", appErrors.NewPermanentDelivery(to, fmt.Errorf("malformed address"))
	}

	addr := fmt.Sprintf("%s:%s", s.cfg.SMTPHost, s.cfg.SMTPPort)
	messageID := uuid.New().String()
	msg := []byte(fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMessage-ID: <%s@%s>\r\nX-Idempotency-Key: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		s.cfg.SenderEmail, to, subject, messageID, s.cfg.SMTPHost, idempotencyToken, body,
	))
	var auth smtp.Auth
	if s.cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", s.cfg.SMTPUser, s.cfg.SMTPPass, s.cfg.SMTPHost)
	}
	if err := smtp.SendMail(addr, auth, s.cfg.SenderEmail, []string{to}, msg); err != nil {
		// Relay and network trouble is retryable; hard recipient rejections
		// come back as permanent SMTP codes.
		if isPermanentSMTPError(err) {
			return "", appErrors.NewPermanentDelivery(to, err)
		}
		return "", appErrors.NewTransientDelivery(to, err)
	}
	return messageID, nil
}

// isPermanentSMTPError reports whether the relay answered with a 5xx code.
func isPermanentSMTPError(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "550") || strings.HasPrefix(msg, "551") ||
		strings.HasPrefix(msg, "553") || strings.HasPrefix(msg, "554")
}
