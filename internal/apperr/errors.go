// Package apperr defines the error kinds shared between the core services
// and the HTTP boundary. Handlers match on these with errors.As/errors.Is
// and map each kind to a symbolic code; raw store errors never cross the
// boundary.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// TokenReason narrows why a token was rejected.
type TokenReason string

const (
	TokenExpired      TokenReason = "expired"
	TokenNotFound     TokenReason = "not_found"
	TokenInvalidOwner TokenReason = "invalid_owner"
	TokenMalformed    TokenReason = "malformed"
	TokenBadSignature TokenReason = "bad_signature"
)

var (
	ErrInvalidSelfSignKey  = errors.New("invalid self-sign key")
	ErrStudentNotInCourse  = errors.New("student not in course")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrEmailDeliveryFailed = errors.New("email delivery failed")
)

type NotFoundError struct {
	Entity     string
	Identifier string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.Identifier)
}

func NotFound(entity, identifier string) error {
	return &NotFoundError{Entity: entity, Identifier: identifier}
}

type DuplicateError struct {
	Entity string
	Key    string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Entity, e.Key)
}

func Duplicate(entity, key string) error {
	return &DuplicateError{Entity: entity, Key: key}
}

type TokenError struct {
	Reason TokenReason
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("invalid token: %s", e.Reason)
}

func InvalidToken(reason TokenReason) error {
	return &TokenError{Reason: reason}
}

type CaptchaError struct {
	Codes []string
}

func (e *CaptchaError) Error() string {
	if len(e.Codes) == 0 {
		return "captcha verification failed"
	}
	return "captcha verification failed: " + strings.Join(e.Codes, ",")
}

// InternalError wraps an unexpected failure. The boundary logs the cause
// chain and answers with a generic code.
type InternalError struct {
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error: %v", e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

func Internal(err error) error {
	if err == nil {
		return nil
	}
	return &InternalError{Err: err}
}
