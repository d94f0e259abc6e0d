package senders

import (
	"context"
	"net/http"

	"survey-dispatch/internal/provider"
)

// VoIP places an outbound call that reads the message with text-to-speech.
type VoIP struct {
	client *jsonClient
}

// NewVoIP returns a voice sender for the call API at baseURL.
func NewVoIP(baseURL, token string, httpClient *http.Client) *VoIP {
	headers := map[string]string{"Authorization": "Bearer " + token}
	return &VoIP{client: newJSONClient("voip", baseURL, headers, httpClient)}
}

type voipCall struct {
	To       string `json:"to"`
	Text     string `json:"text"`
	Language string `json:"language"`
}

// Send implements provider.Sender.
func (v *VoIP) Send(ctx context.Context, msg provider.Message) (*provider.Receipt, error) {
	data, err := v.client.post(ctx, "/calls", voipCall{To: msg.Contact, Text: msg.Body, Language: "pt-BR"})
	if err != nil {
		return nil, err
	}
	return &provider.Receipt{
		MessageID: firstString(data, "callId", "call_id", "id"),
		Status:    firstString(data, "status"),
	}, nil
}
