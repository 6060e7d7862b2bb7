package email

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v3"

	"MailRota/internal/models"
)

// ResendTransport sends through the Resend HTTP API.
type ResendTransport struct {
	client *resend.Client
}

func NewResendTransport(apiKey string) *ResendTransport {
	return &ResendTransport{client: resend.NewClient(apiKey)}
}

func (t *ResendTransport) Send(ctx context.Context, sender models.SenderAccount, msg Message) error {
	req := &resend.SendEmailRequest{
		From:    fromAddress(sender),
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
	}
	if msg.TaskID != "" {
		req.Headers = map[string]string{"X-Task-ID": msg.TaskID}
	}

	if _, err := t.client.Emails.SendWithContext(ctx, req); err != nil {
		return &DeliveryError{Kind: classifyAPIError(err), Err: fmt.Errorf("resend: %w", err)}
	}
	return nil
}
