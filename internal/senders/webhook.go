package senders

import (
	"context"
	"fmt"
	"net/http"

	"survey-dispatch/internal/provider"
)

// Webhook hands the message to an external workflow automation (n8n) that
// owns the actual delivery. It is registered ahead of every direct provider.
// Any failure it reports is retryable: the workflow's error text says nothing
// reliable about the contact.
type Webhook struct {
	client *jsonClient
}

// NewWebhook returns a webhook sender posting to url.
func NewWebhook(url string, httpClient *http.Client) *Webhook {
	client := newJSONClient("n8n webhook", url, nil, httpClient)
	client.opaque = true
	return &Webhook{client: client}
}

type webhookPayload struct {
	Channel    string `json:"channel"`
	Name       string `json:"name"`
	Contact    string `json:"contact"`
	Subject    string `json:"subject,omitempty"`
	Message    string `json:"message"`
	CampaignID string `json:"campaignId,omitempty"`
}

// Send implements provider.Sender.
func (w *Webhook) Send(ctx context.Context, msg provider.Message) (*provider.Receipt, error) {
	data, err := w.client.post(ctx, "", webhookPayload{
		Channel:    msg.Channel.String(),
		Name:       msg.RecipientName,
		Contact:    msg.Contact,
		Subject:    msg.Subject,
		Message:    msg.Body,
		CampaignID: msg.CampaignID,
	})
	if err != nil {
		return nil, err
	}
	if ok, present := data["success"].(bool); present && !ok {
		return nil, fmt.Errorf("n8n webhook: workflow reported failure: %s", firstString(data, "error", "message"))
	}
	return &provider.Receipt{
		MessageID: firstString(data, "messageId", "message_id", "id", "executionId"),
		Status:    "accepted",
	}, nil
}
