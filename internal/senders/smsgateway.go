package senders

import (
	"context"
	"net/http"

	"survey-dispatch/internal/provider"
)

// SMSGateway sends SMS through an HTTP gateway authenticated by bearer token.
type SMSGateway struct {
	client *jsonClient
}

// NewSMSGateway returns an SMS sender for the gateway at baseURL.
func NewSMSGateway(baseURL, token string, httpClient *http.Client) *SMSGateway {
	headers := map[string]string{"Authorization": "Bearer " + token}
	return &SMSGateway{client: newJSONClient("sms gateway", baseURL, headers, httpClient)}
}

type smsPayload struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

// Send implements provider.Sender.
func (g *SMSGateway) Send(ctx context.Context, msg provider.Message) (*provider.Receipt, error) {
	data, err := g.client.post(ctx, "/messages", smsPayload{To: msg.Contact, Message: msg.Body})
	if err != nil {
		return nil, err
	}
	return &provider.Receipt{
		MessageID: firstString(data, "id", "messageId", "message_id", "sid"),
		Status:    firstString(data, "status"),
	}, nil
}
