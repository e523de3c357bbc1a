// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

var (
	// ErrGateRejected is returned when the channel an event arrived on is disabled.
	ErrGateRejected = errors.New("channel disabled, event dropped")

	// ErrDuplicateEvent is returned when the duplicate policy has already seen the event.
	ErrDuplicateEvent = errors.New("duplicate inbound event")

	// ErrNoTargetsConfigured means there is nothing to deliver to. Not a failure.
	ErrNoTargetsConfigured = errors.New("no enabled transport targets")
)

// AuthenticationError is returned when the submission server rejects the credentials.
type AuthenticationError struct {
	Message string
	Err     error
}

func (e *AuthenticationError) Error() string { return "authentication failed: " + e.Message }
func (e *AuthenticationError) Unwrap() error { return e.Err }

func NewAuthenticationError(err error) error {
	return &AuthenticationError{Message: errMessage(err), Err: err}
}

// TransportError covers network and protocol failures while talking to the server.
type TransportError struct {
	Message string
	Err     error
}

func (e *TransportError) Error() string { return "send failed: " + e.Message }
func (e *TransportError) Unwrap() error { return e.Err }

func NewTransportError(err error) error {
	return &TransportError{Message: errMessage(err), Err: err}
}

// ProxyError is returned when the declared proxy cannot be reached or refuses the tunnel.
type ProxyError struct {
	ProxyType string
	Address   string
	Err       error
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("%s proxy %s failed: %s", e.ProxyType, e.Address, errMessage(e.Err))
}
func (e *ProxyError) Unwrap() error { return e.Err }

func NewProxyError(proxyType, address string, err error) error {
	return &ProxyError{ProxyType: proxyType, Address: address, Err: err}
}

// UnknownError wraps anything the transport could not classify.
type UnknownError struct {
	Message string
	Err     error
}

func (e *UnknownError) Error() string { return "unknown error: " + e.Message }
func (e *UnknownError) Unwrap() error { return e.Err }

func NewUnknownError(err error) error {
	return &UnknownError{Message: errMessage(err), Err: err}
}

// EncryptionError is raised by the config cache when it cannot seal or open a blob.
type EncryptionError struct {
	Op  string
	Err error
}

func (e *EncryptionError) Error() string { return fmt.Sprintf("config cache %s: %v", e.Op, e.Err) }
func (e *EncryptionError) Unwrap() error { return e.Err }

func NewEncryptionError(op string, err error) error {
	return &EncryptionError{Op: op, Err: err}
}

// ImportFormatError is returned for a backup blob with a bad version or shape.
type ImportFormatError struct {
	Version int
	Reason  string
}

func (e *ImportFormatError) Error() string {
	if e.Version != 0 {
		return fmt.Sprintf("unsupported import version %d", e.Version)
	}
	return "malformed import: " + e.Reason
}

func NewImportVersionError(version int) error {
	return &ImportFormatError{Version: version}
}

func NewMalformedImportError(reason string) error {
	return &ImportFormatError{Reason: reason}
}

// ValidationError is returned before persistence when a record has invalid fields.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError is a sentinel-like error for missing records.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Kind, e.ID)
}

func NewNotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

func errMessage(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
