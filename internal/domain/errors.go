package domain

import (
	"errors"
	"fmt"
)

// 定义通用业务错误
var (
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrInternalError = errors.New("internal error")
)

// Venue errors. Clients translate venue-specific responses into these.
var (
	// ErrOrderNotFound is returned by CancelOrder when the order is unknown,
	// already filled or already cancelled.
	ErrOrderNotFound = errors.New("order not found")
	ErrTimeout       = errors.New("venue timeout")
	ErrRateLimited   = errors.New("venue rate limited")
	ErrVenueDown     = errors.New("venue unavailable")
)

// AppError 应用错误，包含错误码和消息
type AppError struct {
	Code    int    // HTTP 状态码
	Message string // 用户友好的错误消息
	Err     error  // 原始错误
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// 创建常见错误的便捷函数
func NewNotFoundError(msg string) *AppError {
	return &AppError{Code: 404, Message: msg, Err: ErrNotFound}
}

func NewBadRequestError(msg string) *AppError {
	return &AppError{Code: 400, Message: msg, Err: ErrInvalidInput}
}

func NewInternalError(msg string, err error) *AppError {
	return &AppError{Code: 500, Message: msg, Err: err}
}

func NewConflictError(msg string) *AppError {
	return &AppError{Code: 409, Message: msg, Err: ErrAlreadyExists}
}

// ===========================
// 交易错误分类
// ===========================

// ValidationError is a bad input or venue constraint violation, rejected before any
// network call and never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// TransientError wraps a venue failure that may succeed later (timeout, rate limit, 5xx).
// Reads may retry it; placements and cancels treat it as a failure.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient venue error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ConsistencyKind names a divergence between local records and the venue.
type ConsistencyKind string

const (
	ConsistencyGhostTrade        ConsistencyKind = "ghost_trade"
	ConsistencyOrphanPosition    ConsistencyKind = "orphan_position"
	ConsistencyOrphanOrder       ConsistencyKind = "orphan_order"
	ConsistencyIncompleteBracket ConsistencyKind = "incomplete_bracket"
)

// ConsistencyError describes local/venue divergence. It is always logged at high
// severity and resolved by reconciliation.
type ConsistencyError struct {
	Kind       ConsistencyKind
	Instrument string
	Detail     string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency: %s on %s: %s", e.Kind, e.Instrument, e.Detail)
}

// FatalError is an unrecoverable local fault such as an unwritable store. The owning
// strategy moves to the error phase.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a transient venue failure.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrVenueDown)
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsFatal reports whether err is a fatal local failure.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
