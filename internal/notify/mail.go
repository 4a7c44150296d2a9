package notify

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"
)

// MailSender is satisfied by *gomail.Dialer.
type MailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	// Kinds limits which events are mailed; empty mails only advisories
	// and deletions.
	Kinds []Kind
}

// MailNotifier e-mails selected events.
type MailNotifier struct {
	sender MailSender
	from   string
	to     []string
	kinds  map[Kind]bool
}

func NewMailNotifier(cfg MailConfig) *MailNotifier {
	return NewMailNotifierWithSender(gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password), cfg)
}

func NewMailNotifierWithSender(sender MailSender, cfg MailConfig) *MailNotifier {
	kinds := cfg.Kinds
	if len(kinds) == 0 {
		kinds = []Kind{KindAdvisory, KindPatientDeleted}
	}
	set := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return &MailNotifier{sender: sender, from: cfg.From, to: cfg.To, kinds: set}
}

func (n *MailNotifier) Notify(_ context.Context, event Event) error {
	if !n.kinds[event.Kind] || len(n.to) == 0 {
		return nil
	}
	m := gomail.NewMessage()
	m.SetHeader("From", n.from)
	m.SetHeader("To", n.to...)
	m.SetHeader("Subject", subject(event))
	m.SetBody("text/plain", body(event))
	if err := n.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send notification mail: %w", err)
	}
	return nil
}

func subject(e Event) string {
	switch e.Kind {
	case KindAdvisory:
		return "Carelink: having trouble reaching the server"
	case KindPatientDeleted:
		return "Carelink: a patient account was removed"
	case KindActiveChanged:
		return "Carelink: active patient changed"
	}
	return "Carelink: " + string(e.Kind)
}

func body(e Event) string {
	s := e.Message + "\n"
	if e.Patient != "" {
		s += "\nPatient: " + e.Patient
	}
	if e.Caregiver != "" {
		s += "\nCaregiver: " + e.Caregiver
	}
	if !e.At.IsZero() {
		s += "\nAt: " + e.At.Format("2006-01-02 15:04:05 MST")
	}
	return s + "\n"
}
