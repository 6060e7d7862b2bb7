package email

import (
	"context"
	"errors"
	"net"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"
)

// Kind says how the processor should react to a failed send.
type Kind int

const (
	// Transient failures consume a retry and back off.
	Transient Kind = iota
	// Permanent failures end the task immediately.
	Permanent
	// SenderFault failures are the account's problem (bad credentials,
	// rejected login). The task is retried and the account is skipped for
	// the rest of the batch.
	SenderFault
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case SenderFault:
		return "sender_fault"
	}
	return "unknown"
}

// DeliveryError carries an explicit classification.
type DeliveryError struct {
	Kind Kind
	Err  error
}

func (e *DeliveryError) Error() string { return e.Err.Error() }

func (e *DeliveryError) Unwrap() error { return e.Err }

// Permanentf builds a permanent DeliveryError.
func Permanentf(err error) error {
	return &DeliveryError{Kind: Permanent, Err: err}
}

// replyCode finds an SMTP reply code where a server reply starts: at the
// beginning of the text or after ": ", followed by a space or "-". Ports and
// other numbers inside addresses do not match.
var replyCode = regexp.MustCompile(`(?:^|: )([245][0-9]{2})[ -]`)

// Classify decides whether err is worth retrying.
func Classify(err error) Kind {
	if err == nil {
		return Transient
	}

	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Kind
	}

	var te *textproto.Error
	if errors.As(err, &te) {
		return classifyCode(te.Code)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Transient
	}

	if m := replyCode.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return classifyCode(code)
	}
	return Transient
}

// classifyCode maps SMTP reply codes. Authentication rejections blame the
// account; other 5xx replies blame the message or recipient.
func classifyCode(code int) Kind {
	switch {
	case code == 530 || code == 534 || code == 535:
		return SenderFault
	case code >= 500 && code < 600:
		return Permanent
	default:
		return Transient
	}
}

func classifyAPIError(err error) Kind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401"), strings.Contains(msg, "403"),
		strings.Contains(msg, "api key"), strings.Contains(msg, "not verified"):
		return SenderFault
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"):
		return Transient
	case strings.Contains(msg, "422"), strings.Contains(msg, "validation"),
		strings.Contains(msg, "invalid `to`"), strings.Contains(msg, "400"):
		return Permanent
	}
	return Transient
}
