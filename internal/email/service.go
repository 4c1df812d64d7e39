// Package email sends the license delivery mail. Delivery is best-effort;
// the license exists whether or not the mail arrives.
package email

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"

	"srpk-license-server/config"
	"srpk-license-server/internal/database"
	"srpk-license-server/internal/logging"
)

// Service sends transactional mail over SMTP.
type Service struct {
	cfg    config.EmailConfig
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	logger zerolog.Logger
}

// NewService creates an email service.
func NewService(cfg config.EmailConfig) *Service {
	return &Service{
		cfg:    cfg,
		send:   smtp.SendMail,
		logger: logging.WithComponent("email"),
	}
}

// Enabled reports whether SMTP is configured.
func (s *Service) Enabled() bool {
	return s.cfg.Enabled && s.cfg.Host != "" && s.cfg.From != ""
}

// SendLicenseEmail mails the license key and token to the buyer.
func (s *Service) SendLicenseEmail(ctx context.Context, license *database.License, token string) error {
	if !s.Enabled() {
		return nil
	}

	subject := "Your SRPK Pro license"
	body := s.licenseBody(license, token)
	return s.sendMail(license.BuyerEmail, subject, body)
}

func (s *Service) licenseBody(license *database.License, token string) string {
	var b strings.Builder
	b.WriteString("<h2>Thank you for your purchase</h2>")
	fmt.Fprintf(&b, "<p>Product: %s</p>", license.ProductCode)
	fmt.Fprintf(&b, "<p>License key: <b>%s</b></p>", license.LicenseKey)
	fmt.Fprintf(&b, "<p>Valid until: %s</p>", license.ExpiresAt.Format("2006-01-02"))
	if token != "" {
		fmt.Fprintf(&b, "<p>License token:</p><pre>%s</pre>", token)
	}
	return b.String()
}

func (s *Service) sendMail(to, subject, body string) error {
	from := s.cfg.From
	if s.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.cfg.FromName, s.cfg.From)
	}

	message := []byte(
		"From: " + from + "\r\n" +
			"To: " + to + "\r\n" +
			"Subject: " + subject + "\r\n" +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n" +
			"\r\n" +
			body + "\r\n",
	)

	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	addr := s.cfg.Host + ":" + s.cfg.Port

	if err := s.send(addr, auth, s.cfg.From, []string{to}, message); err != nil {
		return fmt.Errorf("SMTP error: %w", err)
	}

	s.logger.Info().Str("to", to).Msg("license email sent")
	return nil
}
