package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mg "github.com/mailgun/mailgun-go/v5"
	"github.com/wneessen/go-mail"
)

// EmailConnector sends notification emails, either through a tenant's SMTP
// relay or through the Mailgun API.
type EmailConnector struct {
	logger *slog.Logger
}

// NewEmailConnector builds the email connector.
func NewEmailConnector(log *slog.Logger) *EmailConnector {
	return &EmailConnector{logger: log.With(slog.String("connector", "email"))}
}

func (c *EmailConnector) Name() string { return "email" }

func (c *EmailConnector) HealthCheck(_ context.Context) error { return nil }

type emailPayload struct {
	Provider string   `json:"provider,omitempty"` // "smtp" (default) or "mailgun"
	From     string   `json:"from"`
	To       []string `json:"to"`
	Subject  string   `json:"subject"`
	Body     string   `json:"body"`
	HTML     bool     `json:"html,omitempty"`

	// SMTP transport settings.
	SMTPHost     string `json:"smtp_host,omitempty"`
	SMTPPort     int    `json:"smtp_port,omitempty"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	SMTPSecurity string `json:"smtp_security,omitempty"` // tls | starttls | none

	// Mailgun transport settings.
	APIKey string `json:"api_key,omitempty"`
	Domain string `json:"domain,omitempty"`
	Region string `json:"region,omitempty"`
}

func (c *EmailConnector) Invoke(ctx context.Context, req Request) (Response, error) {
	var payload emailPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return Response{}, permanentf("email.payload", "decode email payload: %v", err)
	}
	if len(payload.To) == 0 || payload.Subject == "" {
		return Response{}, permanentf("email.config", "email requires recipients and a subject")
	}

	body := payload.Body
	for key, value := range req.Vars {
		body = strings.ReplaceAll(body, "{{"+key+"}}", value)
	}

	if req.DryRun {
		return Response{Status: "dry_run", Detail: map[string]any{"to": payload.To, "subject": payload.Subject}}, nil
	}

	var (
		messageID string
		err       error
	)
	switch strings.ToLower(payload.Provider) {
	case "", "smtp":
		messageID, err = c.sendSMTP(ctx, payload, body)
	case "mailgun":
		messageID, err = c.sendMailgun(ctx, payload, body)
	default:
		return Response{}, permanentf("email.provider", "unknown email provider %q", payload.Provider)
	}
	if err != nil {
		return Response{}, err
	}

	c.logger.Info("email sent",
		slog.String("tenant_id", req.TenantID), slog.Int("recipients", len(payload.To)))
	return Response{Status: "sent", Detail: map[string]any{"message_id": messageID}}, nil
}

func (c *EmailConnector) sendSMTP(ctx context.Context, payload emailPayload, body string) (string, error) {
	if payload.SMTPHost == "" {
		return "", permanentf("email.smtp", "smtp_host is required")
	}

	m := mail.NewMsg()
	if err := m.From(payload.From); err != nil {
		return "", permanentf("email.from", "invalid from address: %v", err)
	}
	if err := m.To(payload.To...); err != nil {
		return "", permanentf("email.to", "invalid recipient: %v", err)
	}
	m.Subject(payload.Subject)
	if payload.HTML {
		m.SetBodyString(mail.TypeTextHTML, body)
	} else {
		m.SetBodyString(mail.TypeTextPlain, body)
	}

	port := payload.SMTPPort
	if port == 0 {
		port = 587
	}
	opts := []mail.Option{
		mail.WithPort(port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(payload.Username),
		mail.WithPassword(payload.Password),
	}
	switch payload.SMTPSecurity {
	case "tls":
		opts = append(opts, mail.WithSSLPort(false), mail.WithTLSPolicy(mail.TLSMandatory))
	case "none":
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	}

	client, err := mail.NewClient(payload.SMTPHost, opts...)
	if err != nil {
		return "", fmt.Errorf("create smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return "", transientf("email.send", "send email: %v", err)
	}
	return m.GetMessageID(), nil
}

func (c *EmailConnector) sendMailgun(ctx context.Context, payload emailPayload, body string) (string, error) {
	if payload.APIKey == "" || payload.Domain == "" {
		return "", permanentf("email.mailgun", "mailgun api_key and domain are required")
	}
	client := mg.NewMailgun(payload.APIKey)
	if payload.Region == "eu" {
		client.SetAPIBase(mg.APIBaseEU)
	}

	from := payload.From
	if from == "" {
		from = fmt.Sprintf("noreply@%s", payload.Domain)
	}
	m := mg.NewMessage(payload.Domain, from, payload.Subject, body, payload.To...)
	if payload.HTML {
		m.SetHTML(body)
	}

	resp, err := client.Send(ctx, m)
	if err != nil {
		return "", transientf("email.mailgun_send", "mailgun send: %v", err)
	}
	return resp.ID, nil
}
