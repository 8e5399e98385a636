// Package notifications delivers run outcome notifications for backup
// schedules.
package notifications

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pagecrest/pagecrest/internal/models"
)

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	TLS      bool   `yaml:"tls"`
	// Recipients is the default recipient list, used when a schedule
	// carries no recipients of its own.
	Recipients []string `yaml:"recipients"`
}

// Validate checks if the SMTP configuration is usable.
func (c *SMTPConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("smtp host is required")
	}
	if c.Port == 0 {
		return fmt.Errorf("smtp port is required")
	}
	if c.From == "" {
		return fmt.Errorf("smtp from address is required")
	}
	return nil
}

// EmailService sends run outcome emails over SMTP.
type EmailService struct {
	config SMTPConfig
	logger zerolog.Logger

	// sendMail is swapped out in tests.
	sendMail func(addr string, to []string, msg []byte) error
}

// NewEmailService creates an email notifier.
func NewEmailService(config SMTPConfig, logger zerolog.Logger) (*EmailService, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid smtp config: %w", err)
	}

	s := &EmailService{
		config: config,
		logger: logger.With().Str("component", "email_service").Logger(),
	}
	s.sendMail = s.deliver
	return s, nil
}

// NotifyRunComplete sends one email describing the run outcome.
func (s *EmailService) NotifyRunComplete(_ context.Context, schedule *models.BackupSchedule, result RunResult) error {
	var subject string
	if result.Status == models.RunStatusSuccess {
		subject = fmt.Sprintf("Backup Successful: %s", schedule.Name)
	} else {
		subject = fmt.Sprintf("Backup Failed: %s", schedule.Name)
	}

	to := schedule.Recipients
	if len(to) == 0 {
		to = s.config.Recipients
	}
	if len(to) == 0 {
		s.logger.Warn().
			Str("schedule", schedule.Name).
			Msg("no recipients configured, skipping notification")
		return nil
	}

	body := buildRunBody(schedule, result)
	msg := s.buildMessage(to, subject, body)
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	if err := s.sendMail(addr, to, msg); err != nil {
		s.logger.Error().
			Err(err).
			Str("schedule", schedule.Name).
			Str("subject", subject).
			Msg("failed to send email")
		return fmt.Errorf("send email: %w", err)
	}

	s.logger.Info().
		Str("schedule", schedule.Name).
		Str("subject", subject).
		Msg("email sent")
	return nil
}

func buildRunBody(schedule *models.BackupSchedule, result RunResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Schedule: %s\r\n", schedule.Name)
	fmt.Fprintf(&b, "Kind: %s (%s)\r\n", schedule.Kind, schedule.BackupType)
	fmt.Fprintf(&b, "Status: %s\r\n", result.Status)
	fmt.Fprintf(&b, "Duration: %s\r\n", result.Duration.Round(time.Second))
	if result.Backup != nil && result.Backup.SizeBytes > 0 {
		fmt.Fprintf(&b, "Size: %d bytes\r\n", result.Backup.SizeBytes)
	}
	if result.Backup != nil && result.Backup.ArtifactPath != "" {
		fmt.Fprintf(&b, "Artifact: %s\r\n", result.Backup.ArtifactPath)
	}
	if result.Error != "" {
		fmt.Fprintf(&b, "Error: %s\r\n", result.Error)
	}
	return b.String()
}

func (s *EmailService) buildMessage(to []string, subject, body string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", s.config.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(body)
	return buf.Bytes()
}

func (s *EmailService) deliver(addr string, to []string, msg []byte) error {
	if s.config.TLS {
		return s.deliverTLS(addr, to, msg)
	}

	var auth smtp.Auth
	if s.config.Username != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}
	return smtp.SendMail(addr, auth, s.config.From, to, msg)
}

func (s *EmailService) deliverTLS(addr string, to []string, msg []byte) error {
	tlsConfig := &tls.Config{
		ServerName: s.config.Host,
		MinVersion: tls.VersionTLS12,
	}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("tls dial: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer client.Close()

	if s.config.Username != "" {
		auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(s.config.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close message: %w", err)
	}

	return client.Quit()
}
