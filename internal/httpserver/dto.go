package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"survey-dispatch/internal/credit"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type recipientDTO struct {
	Name    string `json:"name"`
	Contact string `json:"contact" validate:"required"`
}

type messageDTO struct {
	Subject    string `json:"subject"`
	Content    string `json:"content" validate:"required"`
	SurveyLink string `json:"surveyLink" validate:"omitempty,url"`
}

type dispatchRequest struct {
	Channel    string         `json:"channel" validate:"required"`
	Recipients []recipientDTO `json:"recipients" validate:"required,min=1,max=5000,dive"`
	Message    messageDTO     `json:"message"`
	CampaignID string         `json:"campaignId" validate:"omitempty,max=100"`
	SurveyID   string         `json:"surveyId" validate:"omitempty,max=100"`
	UserID     string         `json:"userId" validate:"required"`
}

type demographicsRequest struct {
	SurveyID string `json:"surveyId" validate:"required"`
	Gender   string `json:"gender"`
	AgeRange string `json:"ageRange"`
	Location string `json:"location"`
}

type quotaConfigureRequest struct {
	Category string `json:"category" validate:"required"`
	Option   string `json:"option" validate:"required"`
	Target   int    `json:"target" validate:"gte=0"`
}

type quotaResetRequest struct {
	Category string `json:"category" validate:"required"`
	Option   string `json:"option" validate:"required"`
}

type limitCheckRequest struct {
	SurveyID string `json:"surveyId" validate:"required"`
	Channel  string `json:"channel" validate:"required"`
	Count    int    `json:"count" validate:"gte=1"`
}

type limitConfigureRequest struct {
	Channel       string `json:"channel" validate:"required"`
	MaxDispatches int    `json:"maxDispatches" validate:"gte=0"`
}

type purchaseRequest struct {
	Amount      json.Number `json:"amount" validate:"required"`
	ReferenceID string      `json:"referenceId" validate:"omitempty,max=200"`
}

type generateMessage struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required"`
}

type generateRequest struct {
	UserID      string            `json:"userId"`
	System      string            `json:"system"`
	Prompt      string            `json:"prompt" validate:"required_without=Messages"`
	Messages    []generateMessage `json:"messages" validate:"omitempty,max=50,dive"`
	Temperature *float64          `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   int               `json:"maxTokens" validate:"gte=0,lte=8192"`
}

// decodeJSON reads a bounded JSON body into dest and validates it.
func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid json: %w", err)
	}
	return validateStruct(dest)
}

func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := lowerFirst(fe.Field())
		switch fe.Tag() {
		case "required", "required_without":
			msgs = append(msgs, field+" is required")
		case "min", "gte":
			msgs = append(msgs, field+" must be at least "+fe.Param())
		case "max", "lte":
			msgs = append(msgs, field+" must be at most "+fe.Param())
		case "url":
			msgs = append(msgs, field+" must be a valid url")
		case "oneof":
			msgs = append(msgs, field+" must be one of "+fe.Param())
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return errors.New(strings.Join(msgs, ", "))
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// money renders centavos as a JSON number with two decimals.
func money(cents int64) json.Number {
	return json.Number(credit.FormatAmount(cents))
}
