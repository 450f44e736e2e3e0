package notification

import (
	"fmt"
	"net/smtp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ca-x/hostsync/internal/config"
	"github.com/ca-x/hostsync/internal/model"
)

type Service struct {
	config   *config.NotificationConfig
	logger   *zap.Logger
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewService(config *config.NotificationConfig, logger *zap.Logger) *Service {
	return &Service{
		config:   config,
		logger:   logger.Named("notification"),
		sendMail: smtp.SendMail,
	}
}

// Notify mails a report when a job fails. Delivery happens in the
// background.
func (s *Service) Notify(e Event) {
	if !s.config.Email.Enabled || e.Type != EventStatus || e.Job.Status != model.StatusFailed {
		return
	}

	job := e.Job
	subject := fmt.Sprintf("hostsync: sync %s failed", job.ID)
	message := fmt.Sprintf(
		"Host: %s\r\nSource: %s\r\nTarget: %s\r\nTransferred: %d of %d bytes\r\nError: %s\r\n",
		job.HostID, job.SourcePath, job.TargetPath, job.SyncedSize, job.FileSize, job.Message,
	)

	go func() {
		_ = s.SendFailureNotification(subject, message)
	}()
}

// SendFailureNotification sends a plain text mail to the configured
// recipients.
func (s *Service) SendFailureNotification(subject, message string) error {
	if !s.config.Email.Enabled {
		return nil
	}

	emailConfig := s.config.Email

	msg := fmt.Sprintf(
		"From: %s\r\n"+
			"To: %s\r\n"+
			"Subject: %s\r\n"+
			"\r\n"+
			"%s",
		emailConfig.From,
		emailConfig.To,
		subject,
		message,
	)

	auth := smtp.PlainAuth("", emailConfig.Username, emailConfig.Password, emailConfig.SMTPHost)
	addr := fmt.Sprintf("%s:%d", emailConfig.SMTPHost, emailConfig.SMTPPort)

	err := s.sendMail(addr, auth, emailConfig.From, strings.Split(emailConfig.To, ","), []byte(msg))
	if err != nil {
		s.logger.Error("Failed to send email notification", zap.Error(err))
		return err
	}

	s.logger.Info("Failure notification sent", zap.String("to", emailConfig.To))
	return nil
}

// SendHealthCheckReport mails the outcome of a host reachability sweep,
// keyed by host name.
func (s *Service) SendHealthCheckReport(results map[string]error) error {
	if !s.config.Email.Enabled {
		return nil
	}

	var failed []string
	var passed []string

	for host, err := range results {
		if err != nil {
			failed = append(failed, fmt.Sprintf("- %s: %v", host, err))
		} else {
			passed = append(passed, fmt.Sprintf("- %s: OK", host))
		}
	}

	sort.Strings(failed)
	sort.Strings(passed)

	var message strings.Builder
	if len(failed) > 0 {
		message.WriteString("Unreachable hosts:\r\n")
		message.WriteString(strings.Join(failed, "\r\n"))
		message.WriteString("\r\n\r\n")
	}

	if len(passed) > 0 {
		message.WriteString("Reachable hosts:\r\n")
		message.WriteString(strings.Join(passed, "\r\n"))
		message.WriteString("\r\n")
	}

	subject := fmt.Sprintf("hostsync health check report (%d failed, %d passed)",
		len(failed), len(passed))

	return s.SendFailureNotification(subject, message.String())
}
