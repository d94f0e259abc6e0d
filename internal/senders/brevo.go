package senders

import (
	"context"
	"html"
	"net/http"
	"strings"

	"survey-dispatch/internal/provider"
)

const brevoBaseURL = "https://api.brevo.com/v3"

// Brevo sends transactional email through one Brevo account.
type Brevo struct {
	client      *jsonClient
	senderEmail string
	senderName  string
}

// BrevoConfig holds one Brevo account.
type BrevoConfig struct {
	BaseURL     string
	APIKey      string
	SenderEmail string
	SenderName  string
}

// NewBrevo returns a Brevo sender.
func NewBrevo(cfg BrevoConfig, httpClient *http.Client) *Brevo {
	base := cfg.BaseURL
	if base == "" {
		base = brevoBaseURL
	}
	return &Brevo{
		client:      newJSONClient("brevo", base, map[string]string{"api-key": cfg.APIKey}, httpClient),
		senderEmail: cfg.SenderEmail,
		senderName:  cfg.SenderName,
	}
}

type brevoAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoEmail struct {
	Sender      brevoAddress   `json:"sender"`
	To          []brevoAddress `json:"to"`
	Subject     string         `json:"subject"`
	HTMLContent string         `json:"htmlContent"`
	TextContent string         `json:"textContent"`
}

// Send implements provider.Sender.
func (b *Brevo) Send(ctx context.Context, msg provider.Message) (*provider.Receipt, error) {
	subject := msg.Subject
	if subject == "" {
		subject = "Pesquisa"
	}
	data, err := b.client.post(ctx, "/smtp/email", brevoEmail{
		Sender:      brevoAddress{Email: b.senderEmail, Name: b.senderName},
		To:          []brevoAddress{{Email: msg.Contact, Name: msg.RecipientName}},
		Subject:     subject,
		HTMLContent: textToHTML(msg.Body),
		TextContent: msg.Body,
	})
	if err != nil {
		return nil, err
	}
	return &provider.Receipt{MessageID: firstString(data, "messageId"), Status: "queued"}, nil
}

func textToHTML(body string) string {
	escaped := html.EscapeString(body)
	return "<p>" + strings.ReplaceAll(escaped, "\n", "<br>") + "</p>"
}
