package services

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	gomail "gopkg.in/gomail.v2"

	"github.com/assocevents/registration-backend/internal/config"
	"github.com/assocevents/registration-backend/internal/models"
)

// MailService delivers attendee passes and operator alerts over SMTP
type MailService struct {
	cfg    config.MailConfig
	dialer *gomail.Dialer
	logger *logrus.Logger
}

// NewMailService creates a new SMTP mail sender
func NewMailService(cfg config.MailConfig, logger *logrus.Logger) *MailService {
	return &MailService{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		logger: logger,
	}
}

// SendPass emails the attendee their pass with the PDF attached
func (s *MailService) SendPass(snapshot models.RegistrationSnapshot, passPDF []byte) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", snapshot.Email)
	m.SetHeader("Subject", fmt.Sprintf("Your event pass - %s", snapshot.ClientRef))
	m.SetBody("text/plain", fmt.Sprintf(
		"Dear %s,\n\n"+
			"Your payment of LKR %.2f has been received. Your pass is attached.\n"+
			"Reference: %s\n\n"+
			"Please bring the attached pass (printed or on your phone) to the registration desk.\n\n"+
			"Regards,\nEvents Secretariat",
		snapshot.FullName, snapshot.TotalAmount, snapshot.ClientRef))

	m.Attach(fmt.Sprintf("pass-%s.pdf", snapshot.ClientRef),
		gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(passPDF)
			return err
		}))

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send pass email: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"email":      snapshot.Email,
		"client_ref": snapshot.ClientRef,
	}).Info("Pass email sent")
	return nil
}

// SendOperatorAlert notifies the operations recipient that automated pass
// delivery gave up on a registration
func (s *MailService) SendOperatorAlert(snapshot models.RegistrationSnapshot, attempts int, lastErr error) error {
	if s.cfg.OpsEmail == "" {
		return fmt.Errorf("no operator alert recipient configured")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", s.cfg.OpsEmail)
	m.SetHeader("Subject", fmt.Sprintf("[ACTION REQUIRED] Pass delivery failed - registration %d", snapshot.RegistrationID))
	m.SetBody("text/plain", fmt.Sprintf(
		"Automated pass delivery failed after %d attempts.\n\n"+
			"Registration ID: %d\n"+
			"Reference:       %s\n"+
			"Attendee:        %s\n"+
			"Email:           %s\n"+
			"Member / NIC:    %s\n"+
			"Last error:      %v\n\n"+
			"The payment IS completed. Deliver the pass manually or use the resend endpoint.",
		attempts, snapshot.RegistrationID, snapshot.ClientRef, snapshot.FullName,
		snapshot.Email, snapshot.MembershipOrNIC, lastErr))

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send operator alert: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"registration_id": snapshot.RegistrationID,
		"ops_email":       s.cfg.OpsEmail,
	}).Info("Operator alert sent")
	return nil
}
