package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/gomail.v2"

	"Mailflow/internal/models"
)

var ErrNoContent = errors.New("campaign has neither content nor template")

// Message is a rendered email ready for SMTP.
type Message struct {
	To       string
	Subject  string
	FromName string
	HTML     string
}

// Renderer turns a campaign and one queue entry into a Message. Campaign
// content is an html/template; TemplateID names a file under TemplateDir.
type Renderer struct {
	TemplateDir string
}

func (r Renderer) Render(c *models.Campaign, entry *models.EmailQueueEntry) (*Message, error) {
	tmpl, err := r.template(c)
	if err != nil {
		return nil, err
	}

	data := make(map[string]string, len(entry.Data)+1)
	for k, v := range entry.Data {
		data[k] = v
	}
	data["Email"] = entry.Recipient

	var body bytes.Buffer
	if err := tmpl.Execute(&body, data); err != nil {
		return nil, fmt.Errorf("template execution error: %w", err)
	}

	return &Message{
		To:       entry.Recipient,
		Subject:  c.Settings.Subject,
		FromName: c.Settings.FromName,
		HTML:     body.String(),
	}, nil
}

func (r Renderer) template(c *models.Campaign) (*template.Template, error) {
	// Missing keys render empty rather than "<no value>".
	if strings.TrimSpace(c.Settings.Content) != "" {
		tmpl, err := template.New("content").Option("missingkey=zero").Parse(c.Settings.Content)
		if err != nil {
			return nil, fmt.Errorf("template parse error: %w", err)
		}
		return tmpl, nil
	}

	if c.Settings.TemplateID == "" {
		return nil, ErrNoContent
	}

	dir := r.TemplateDir
	if dir == "" {
		dir = "templates"
	}
	// Base keeps template ids from walking out of the template directory.
	path := filepath.Join(dir, filepath.Base(c.Settings.TemplateID))

	tmpl, err := template.ParseFiles(path)
	if err != nil {
		return nil, fmt.Errorf("template parse error: %w", err)
	}
	return tmpl.Option("missingkey=zero"), nil
}

type Sender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Renderer Renderer
}

// Send delivers one rendered message.
func (s *Sender) Send(msg *Message) error {
	m := gomail.NewMessage()
	if msg.FromName != "" {
		m.SetAddressHeader("From", s.From, msg.FromName)
	} else {
		m.SetHeader("From", s.From)
	}
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/html", msg.HTML)

	d := gomail.NewDialer(s.Host, s.Port, s.Username, s.Password)

	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp send error: %w", err)
	}

	return nil
}

// SendWithRetry renders once and retries the SMTP delivery with exponential
// backoff. Render failures are not retried.
func (s *Sender) SendWithRetry(
	ctx context.Context,
	c *models.Campaign,
	entry *models.EmailQueueEntry,
	retries int,
) error {

	msg, err := s.Renderer.Render(c, entry)
	if err != nil {
		return err
	}

	operation := func() error {
		return s.Send(msg)
	}

	return backoff.Retry(operation, backoff.WithContext(newBackOff(retries), ctx))
}

func newBackOff(retries int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = time.Duration(retries) * time.Second

	if retries <= 0 {
		return &backoff.StopBackOff{}
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}
