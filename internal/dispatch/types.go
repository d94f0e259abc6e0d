package dispatch

import (
	"errors"
	"fmt"

	"survey-dispatch/internal/provider"
	"survey-dispatch/internal/repo"
)

var (
	// ErrInvalidRequest marks malformed dispatch requests.
	ErrInvalidRequest = errors.New("invalid dispatch request")
	// ErrNoProviders is returned when a channel has no configured or no
	// currently eligible provider. Nothing is debited.
	ErrNoProviders = errors.New("no providers available for channel")
)

// DispatchLimitError rejects a request that would exceed the survey's
// channel limit. Nothing is debited.
type DispatchLimitError struct {
	Channel   provider.Channel
	Remaining int
	Message   string
}

func (e *DispatchLimitError) Error() string {
	return fmt.Sprintf("dispatch limit exceeded on %s: %d remaining", e.Channel, e.Remaining)
}

func (e *DispatchLimitError) Unwrap() error { return repo.ErrDispatchLimitExceeded }

// Status is the final state of one recipient.
type Status string

const (
	// StatusSent means a provider accepted the message.
	StatusSent Status = "sent"
	// StatusFailed means every provider was tried and none succeeded.
	StatusFailed Status = "failed"
	// StatusError means the recipient could not be attempted at all.
	StatusError Status = "error"
)

// Recipient is one addressee of a dispatch.
type Recipient struct {
	Name    string `json:"name"`
	Contact string `json:"contact"`
}

// Template is the message sent to every recipient. Body and Subject may use
// the {name} and {link} placeholders.
type Template struct {
	Subject string
	Body    string
}

// Meta identifies who pays for and owns a dispatch.
type Meta struct {
	UserID     string
	SurveyID   string
	CampaignID string
	UnitCost   int64
	// LinkBase, when set, replaces the survey base URL for {link}.
	LinkBase string
}

// Result is the outcome for one recipient. Error is a short end-user
// message; the provider detail is logged and kept in Err.
type Result struct {
	Recipient string `json:"recipient"`
	Name      string `json:"name,omitempty"`
	Status    Status `json:"status"`
	Provider  string `json:"provider,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`

	err error
}

// Err returns the underlying failure, if any.
func (r Result) Err() error { return r.err }

// BulkResult aggregates a batch. Sent + Failed == Total.
type BulkResult struct {
	Total   int      `json:"total"`
	Sent    int      `json:"sent"`
	Failed  int      `json:"failed"`
	Results []Result `json:"results"`
}

// Request is a full dispatch request.
type Request struct {
	UserID     string
	SurveyID   string
	CampaignID string
	Channel    provider.Channel
	Recipients []Recipient
	Subject    string
	Message    string
	// SurveyLink is the survey's public URL. Each recipient gets it with
	// a personal token in place of {link}.
	SurveyLink string
}

// Response is returned for an accepted request.
type Response struct {
	Success         bool             `json:"success"`
	Channel         provider.Channel `json:"channel"`
	CampaignID      string           `json:"campaignId"`
	TotalRecipients int              `json:"totalRecipients"`
	SuccessCount    int              `json:"successCount"`
	FailedCount     int              `json:"failedCount"`
	CostDebited     int64            `json:"-"`
	Results         []Result         `json:"results"`
}
