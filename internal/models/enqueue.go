package models

import (
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// EnqueueRequest is what collaborators submit to create a delivery task.
type EnqueueRequest struct {
	CampaignID     int64      `json:"campaign_id" validate:"required,gt=0"`
	DomainID       *int64     `json:"domain_id,omitempty" validate:"omitempty,gt=0"`
	SenderEmail    string     `json:"sender_email,omitempty" validate:"omitempty,email"`
	RecipientEmail string     `json:"recipient_email" validate:"required,email"`
	Subject        string     `json:"subject" validate:"required,max=998"`
	Body           string     `json:"body" validate:"required"`
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validate checks struct tags on v.
func Validate(v any) error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate.Struct(v)
}

// ValidationFields flattens validator errors into field -> failed tags.
func ValidationFields(err error) map[string][]string {
	fields := map[string][]string{}
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range verrs {
			fields[fe.Field()] = append(fields[fe.Field()], fe.Tag())
		}
	}
	return fields
}
