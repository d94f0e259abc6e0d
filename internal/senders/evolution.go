package senders

import (
	"context"
	"net/http"
	"net/url"

	"survey-dispatch/internal/provider"
)

// Evolution sends WhatsApp text through one Evolution API instance.
type Evolution struct {
	client   *jsonClient
	instance string
}

// NewEvolution returns a sender bound to instance on the Evolution server at baseURL.
func NewEvolution(baseURL, apiKey, instance string, httpClient *http.Client) *Evolution {
	return &Evolution{
		client:   newJSONClient("evolution "+instance, baseURL, map[string]string{"apikey": apiKey}, httpClient),
		instance: instance,
	}
}

type evolutionText struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

// Send implements provider.Sender.
func (e *Evolution) Send(ctx context.Context, msg provider.Message) (*provider.Receipt, error) {
	data, err := e.client.post(ctx, "/message/sendText/"+url.PathEscape(e.instance), evolutionText{
		Number: msg.Contact,
		Text:   msg.Body,
	})
	if err != nil {
		return nil, err
	}
	return &provider.Receipt{
		MessageID: firstString(nested(data, "key"), "id"),
		Status:    firstString(data, "status"),
	}, nil
}
