package notification

import (
	"bytes"
	"fmt"
	"net/smtp"
	"sync"
	"text/template"
	"time"

	"github.com/rs/zerolog"

	"github.com/smukkama/fieldmesh/internal/events"
	"github.com/smukkama/fieldmesh/internal/model"
	"github.com/smukkama/fieldmesh/pkg/config"
)

const queueSize = 256

var alertTemplate = template.Must(template.New("alert").Parse(`
Farm Device Alert
=================

Severity: {{.Severity}}
Device: {{.DeviceID}}
Rule: {{.RuleID}}
Parameter: {{.Reading.Type}}
Current Value: {{.Reading.Value}}{{.Reading.Unit}}
Time: {{.Timestamp.Format "2006-01-02 15:04:05 MST"}}
Alert ID: {{.ID}}

{{.Message}}

---
FieldMesh Notification System
`))

var offlineTemplate = template.Must(template.New("offline").Parse(`
Farm Device Offline
===================

Device: {{.DeviceID}}
Farm: {{.FarmID}}
Last Seen: {{.LastSeen.Format "2006-01-02 15:04:05 MST"}}
Marked Offline: {{.Since.Format "2006-01-02 15:04:05 MST"}}

The device has not reported within the offline threshold. Check power,
connectivity and the field gateway.

---
FieldMesh Notification System
`))

// Mailer delivers a rendered message
type Mailer interface {
	Send(from string, to []string, msg []byte) error
}

// SMTPMailer sends through an SMTP relay with PLAIN auth
type SMTPMailer struct {
	config *config.SMTPConfig
}

// NewSMTPMailer creates a mailer for cfg
func NewSMTPMailer(cfg *config.SMTPConfig) *SMTPMailer {
	return &SMTPMailer{config: cfg}
}

// Send implements Mailer
func (m *SMTPMailer) Send(from string, to []string, msg []byte) error {
	auth := smtp.PlainAuth("", m.config.Username, m.config.Password, m.config.Host)
	addr := fmt.Sprintf("%s:%d", m.config.Host, m.config.Port)
	if err := smtp.SendMail(addr, auth, from, to, msg); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// TestConnection checks that the SMTP relay is reachable
func (m *SMTPMailer) TestConnection() error {
	if m.config.Username == "" {
		return fmt.Errorf("SMTP not configured")
	}

	addr := fmt.Sprintf("%s:%d", m.config.Host, m.config.Port)
	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer client.Close()
	return nil
}

type notification struct {
	subject string
	body    string
}

// EmailNotifier mails operators about alerts and devices going offline.
// Bus handlers only render and enqueue; a single worker does the sending.
type EmailNotifier struct {
	config      *config.SMTPConfig
	mailer      Mailer
	minSeverity model.Severity
	logger      zerolog.Logger

	queue  chan notification
	subs   []*events.Subscription
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	mu      sync.Mutex
	sent    uint64
	failed  uint64
	dropped uint64
}

// NewEmailNotifier creates a notifier. Alerts below minSeverity are ignored.
func NewEmailNotifier(cfg *config.SMTPConfig, mailer Mailer, minSeverity model.Severity, logger zerolog.Logger) *EmailNotifier {
	if !minSeverity.Valid() {
		minSeverity = model.SeverityWarning
	}
	return &EmailNotifier{
		config:      cfg,
		mailer:      mailer,
		minSeverity: minSeverity,
		logger:      logger,
		queue:       make(chan notification, queueSize),
		stopCh:      make(chan struct{}),
	}
}

// Attach subscribes to alert and offline events and starts the sender
func (e *EmailNotifier) Attach(bus *events.Bus) {
	e.subs = append(e.subs,
		bus.Subscribe(events.TopicDeviceAlert, e.onAlert),
		bus.Subscribe(events.TopicDeviceOffline, e.onOffline),
	)
	e.wg.Add(1)
	go e.run()
}

// Stop detaches from the bus and sends what is queued
func (e *EmailNotifier) Stop() {
	e.once.Do(func() {
		for _, sub := range e.subs {
			sub.Unsubscribe()
		}
		close(e.stopCh)
	})
	e.wg.Wait()
}

func (e *EmailNotifier) onAlert(evt events.Event) {
	alert, ok := evt.Payload.(model.Alert)
	if !ok || severityRank(alert.Severity) < severityRank(e.minSeverity) {
		return
	}

	body, err := render(alertTemplate, alert)
	if err != nil {
		e.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to render alert email")
		return
	}
	e.enqueue(notification{
		subject: fmt.Sprintf("[%s] Device alert - %s", alert.Severity, alert.DeviceID),
		body:    body,
	})
}

func (e *EmailNotifier) onOffline(evt events.Event) {
	offline, ok := evt.Payload.(events.DeviceOffline)
	if !ok {
		return
	}

	body, err := render(offlineTemplate, offline)
	if err != nil {
		e.logger.Error().Err(err).Str("device_id", offline.DeviceID).Msg("failed to render offline email")
		return
	}
	e.enqueue(notification{
		subject: fmt.Sprintf("Device offline - %s (farm %s)", offline.DeviceID, offline.FarmID),
		body:    body,
	})
}

func (e *EmailNotifier) enqueue(n notification) {
	select {
	case e.queue <- n:
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
		e.logger.Warn().Str("subject", n.subject).Msg("notification queue full, dropping email")
	}
}

func (e *EmailNotifier) run() {
	defer e.wg.Done()
	for {
		select {
		case n := <-e.queue:
			e.deliver(n)
		case <-e.stopCh:
			for {
				select {
				case n := <-e.queue:
					e.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (e *EmailNotifier) deliver(n notification) {
	// Skip sending if SMTP is not configured
	if e.config.Username == "" || e.config.Password == "" {
		e.logger.Info().Str("subject", n.subject).Msg("SMTP not configured, skipping email")
		return
	}

	message := fmt.Sprintf("From: %s\r\n", e.config.From)
	message += fmt.Sprintf("To: %s\r\n", e.config.To)
	message += fmt.Sprintf("Subject: %s\r\n", n.subject)
	message += fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	message += "\r\n"
	message += n.body

	err := e.mailer.Send(e.config.From, []string{e.config.To}, []byte(message))

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.failed++
		e.logger.Error().Err(err).Str("subject", n.subject).Msg("failed to send notification")
		return
	}
	e.sent++
	e.logger.Info().Str("subject", n.subject).Msg("email sent")
}

// Stats returns delivery counters
func (e *EmailNotifier) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{Sent: e.sent, Failed: e.failed, Dropped: e.dropped}
}

// Stats contains notifier counters
type Stats struct {
	Sent    uint64
	Failed  uint64
	Dropped uint64
}

func render(t *template.Template, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func severityRank(s model.Severity) int {
	switch s {
	case model.SeverityCritical:
		return 2
	case model.SeverityWarning:
		return 1
	default:
		return 0
	}
}
