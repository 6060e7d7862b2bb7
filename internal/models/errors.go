package models

import "errors"

var (
	ErrTaskNotFound      = errors.New("delivery task not found")
	ErrStatusConflict    = errors.New("delivery task status changed concurrently")
	ErrInvalidTransition = errors.New("invalid delivery task transition")

	ErrSenderNotFound    = errors.New("sender account not found")
	ErrLastEnabledSender = errors.New("cannot disable the last enabled sender account")
)
