package gateway

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/claimsgate/claimsgate/internal/platform/claimerr"
)

// Party identifies the sender or recipient of an envelope.
type Party struct {
	Code string `json:"code" validate:"required,max=50"`
	Name string `json:"name,omitempty" validate:"max=255"`
}

type EnvelopeHeader struct {
	TransactionID   string    `json:"transaction_id" validate:"required,uuid"`
	TransactionType string    `json:"transaction_type" validate:"required,oneof=invoice sadt consultation procedure"`
	Timestamp       time.Time `json:"timestamp" validate:"required"`
	Environment     string    `json:"environment" validate:"required,oneof=production sandbox"`
	Sender          Party     `json:"sender" validate:"required"`
	Recipient       Party     `json:"recipient" validate:"required"`
	BillingEventID  string    `json:"billing_event_id,omitempty" validate:"max=100"`
	ProcedureCode   string    `json:"procedure_code,omitempty" validate:"required_if=TransactionType procedure,max=50"`
	Attempt         int       `json:"attempt" validate:"min=1"`
}

type EnvelopeBody struct {
	PatientID string                   `json:"patient_id,omitempty"`
	Items     []map[string]interface{} `json:"items" validate:"required,min=1,dive,min=1"`
}

// Envelope is the provider-agnostic document POSTed to a gateway. The items
// are the job payload, passed through opaquely.
type Envelope struct {
	Header EnvelopeHeader `json:"header" validate:"required"`
	Body   EnvelopeBody   `json:"body" validate:"required"`
}

// Claim is the job-side input of a transmission.
type Claim struct {
	JobID          uuid.UUID
	JobType        string
	BillingEventID string
	ProcedureCode  string
	PatientID      string
	Payload        map[string]interface{}
	Attempt        int
}

// BuildEnvelope derives the envelope for claim and validates its structure.
// A payload carrying "items" must hold a non-empty list of objects; any other
// non-empty payload is sent as a single item.
func BuildEnvelope(v *validator.Validate, sender Party, target Target, claim Claim, now time.Time) (*Envelope, error) {
	items, err := payloadItems(claim.Payload)
	if err != nil {
		return nil, claimerr.Validation("malformed payload", err)
	}

	if target.SenderCode != "" {
		sender = Party{Code: target.SenderCode, Name: target.SenderName}
	}
	env := &Envelope{
		Header: EnvelopeHeader{
			TransactionID:   claim.JobID.String(),
			TransactionType: claim.JobType,
			Timestamp:       now.UTC(),
			Environment:     target.Environment,
			Sender:          sender,
			Recipient:       Party{Code: target.Code, Name: target.Name},
			BillingEventID:  claim.BillingEventID,
			ProcedureCode:   claim.ProcedureCode,
			Attempt:         claim.Attempt,
		},
		Body: EnvelopeBody{
			PatientID: claim.PatientID,
			Items:     items,
		},
	}

	if err := v.Struct(env); err != nil {
		return nil, claimerr.Validation("invalid envelope", describe(err))
	}
	return env, nil
}

func payloadItems(payload map[string]interface{}) ([]map[string]interface{}, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}

	raw, ok := payload["items"]
	if !ok {
		return []map[string]interface{}{payload}, nil
	}

	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("items must be a list")
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("items must not be empty")
	}

	items := make([]map[string]interface{}, 0, len(list))
	for i, it := range list {
		m, ok := it.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("item %d is not an object", i)
		}
		items = append(items, m)
	}
	return items, nil
}

// describe flattens validator errors into one readable line.
func describe(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	if len(verrs) == 1 {
		return fmt.Errorf("%s failed %q", fe.Namespace(), fe.Tag())
	}
	return fmt.Errorf("%s failed %q (and %d more)", fe.Namespace(), fe.Tag(), len(verrs)-1)
}
