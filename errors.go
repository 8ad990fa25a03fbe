package main

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed model call
type ErrorKind string

const (
	KindRateLimit ErrorKind = "RATE_LIMIT"
	KindBackend   ErrorKind = "BACKEND"
	KindTransport ErrorKind = "TRANSPORT"
	KindMalformed ErrorKind = "MALFORMED"
)

var (
	// ErrMissingCredential is returned on the first model call when no API key is configured
	ErrMissingCredential = errors.New("model API credential is not set: configure COUNCIL_API_KEY or GITHUB_TOKEN")

	ErrEmptyPrompt     = errors.New("prompt is required")
	ErrNoModels        = errors.New("at least one council model is required")
	ErrAllModelsFailed = errors.New("all models failed to provide a response")
	ErrRunNotFound     = errors.New("run not found")
)

// ModelError describes a failed call to one backend model
type ModelError struct {
	Kind       ErrorKind
	Model      string
	StatusCode int
	Message    string
	Cause      error
}

func (e *ModelError) Error() string {
	if e.Kind == KindRateLimit {
		return fmt.Sprintf("%s: %s", KindRateLimit, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ModelError) Unwrap() error {
	return e.Cause
}

// IsRateLimit reports whether err is an upstream throttling failure
func IsRateLimit(err error) bool {
	var me *ModelError
	return errors.As(err, &me) && me.Kind == KindRateLimit
}
