// Package email delivers messages through the providers configured for
// sender accounts.
package email

import (
	"context"
	"fmt"
	"net/mail"

	"MailRota/internal/models"
)

// Message is one outbound email.
type Message struct {
	TaskID  string
	To      string
	Subject string
	HTML    string
}

// Transport sends msg on behalf of sender. Errors should be classifiable by
// Classify.
type Transport interface {
	Send(ctx context.Context, sender models.SenderAccount, msg Message) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, sender models.SenderAccount, msg Message) error

func (f TransportFunc) Send(ctx context.Context, sender models.SenderAccount, msg Message) error {
	return f(ctx, sender, msg)
}

// Router dispatches to the transport registered for the sender's provider.
type Router struct {
	transports map[string]Transport
}

func NewRouter() *Router {
	return &Router{transports: make(map[string]Transport)}
}

func (r *Router) Register(provider string, t Transport) *Router {
	r.transports[provider] = t
	return r
}

func (r *Router) Send(ctx context.Context, sender models.SenderAccount, msg Message) error {
	provider := sender.Provider
	if provider == "" {
		provider = models.ProviderSMTP
	}
	t, ok := r.transports[provider]
	if !ok {
		return &DeliveryError{
			Kind: SenderFault,
			Err:  fmt.Errorf("no transport configured for provider %q", provider),
		}
	}
	return t.Send(ctx, sender, msg)
}

// fromAddress renders the From header for sender.
func fromAddress(sender models.SenderAccount) string {
	if sender.DisplayName == "" {
		return sender.Email
	}
	return (&mail.Address{Name: sender.DisplayName, Address: sender.Email}).String()
}
