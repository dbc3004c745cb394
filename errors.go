package tipengine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures so callers can map them to responses
type ErrorKind string

const (
	KindNotFound     ErrorKind = "not_found"
	KindInvalidState ErrorKind = "invalid_state"
	KindValidation   ErrorKind = "validation_error"
	KindFacilitator  ErrorKind = "facilitator_error"
	KindUnauthorized ErrorKind = "unauthorized"
	KindInternal     ErrorKind = "internal"
)

// Common error codes
const (
	CodeSessionNotFound     = "SessionNotFound"
	CodeMerchantNotFound    = "MerchantNotFound"
	CodeTransactionNotFound = "TransactionNotFound"
	CodeDisputeNotFound     = "DisputeNotFound"

	CodeExpired              = "Expired"
	CodeAlreadySettled       = "AlreadySettled"
	CodeSettlementInProgress = "SettlementInProgress"
	CodeSessionFailed        = "SessionFailed"
	CodePaymentNotPrepared   = "PaymentNotPrepared"
	CodeTipLocked            = "TipLocked"
	CodeInvalidTransition    = "InvalidTransition"

	CodeTipNotSelected     = "TipNotSelected"
	CodeTipRequired        = "TipRequired"
	CodeAmbiguousTip       = "AmbiguousTip"
	CodeInvalidTip         = "InvalidTip"
	CodeInvalidAmount      = "InvalidAmount"
	CodeInvalidSplit       = "InvalidSplit"
	CodeInvalidPayload     = "InvalidPayload"
	CodeInvalidPayer       = "InvalidPayerAddress"
	CodeInvalidMerchant    = "InvalidMerchant"
	CodeInvalidDispute     = "InvalidDispute"
	CodeUnsupportedNetwork = "UnsupportedNetwork"
	CodeInvalidEvent       = "InvalidEvent"

	CodeVerifyFailed    = "VerifyFailed"
	CodeSettleFailed    = "SettleFailed"
	CodeSupportedFailed = "SupportedFailed"
	CodeHookAborted     = "HookAborted"

	CodeMissingSignature = "MissingSignature"
	CodeInvalidSignature = "InvalidSignature"

	CodeStoreFailure = "StoreFailure"
)

// EngineError is the typed failure returned by every engine operation
type EngineError struct {
	Kind    ErrorKind              `json:"kind"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// WithDetail attaches a key/value to the error and returns it for chaining
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewEngineError creates a new engine error
func NewEngineError(kind ErrorKind, code, message string, details map[string]interface{}) *EngineError {
	return &EngineError{
		Kind:    kind,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func NotFound(code, message string) *EngineError {
	return NewEngineError(KindNotFound, code, message, nil)
}

func InvalidState(code, message string) *EngineError {
	return NewEngineError(KindInvalidState, code, message, nil)
}

func ValidationError(code, message string) *EngineError {
	return NewEngineError(KindValidation, code, message, nil)
}

func Unauthorized(code, message string) *EngineError {
	return NewEngineError(KindUnauthorized, code, message, nil)
}

// FacilitatorError wraps a failed or refused facilitator call
func FacilitatorError(code, message string, err error) *EngineError {
	e := NewEngineError(KindFacilitator, code, message, nil)
	e.Err = err
	return e
}

// Internal wraps a store or transport failure; the message shown to callers stays opaque
func Internal(err error) *EngineError {
	e := NewEngineError(KindInternal, CodeStoreFailure, "internal error", nil)
	e.Err = err
	return e
}

// AsEngineError extracts an *EngineError from err
func AsEngineError(err error) (*EngineError, bool) {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// IsKind reports whether err is an engine error of the given kind
func IsKind(err error, kind ErrorKind) bool {
	ee, ok := AsEngineError(err)
	return ok && ee.Kind == kind
}

// CodeOf returns the engine error code of err, or "" if err is not an engine error
func CodeOf(err error) string {
	if ee, ok := AsEngineError(err); ok {
		return ee.Code
	}
	return ""
}
