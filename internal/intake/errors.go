package intake

import (
	"errors"
	"fmt"

	"fourbuy/internal/capture"
	"fourbuy/internal/imaging"
)

// ErrForeignEndpoint is returned when a request would leave the configured
// gateway endpoint. Nothing is sent.
var ErrForeignEndpoint = errors.New("intake: request target is not the gateway endpoint")

// ValidationError is a bad or missing submission field, caught before any
// network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// TransportError means no response was received at all.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "intake transport failure: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// BackendError is a non-2xx answer relayed from the workflow backend.
type BackendError struct {
	Status  int
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("intake failed with status %d: %s", e.Status, e.Message)
}

// PayloadError is a successful status whose body is not a JSON record.
type PayloadError struct {
	Status int
	Text   string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("unexpected non-JSON response (status %d): %s", e.Status, truncate(e.Text, 200))
}

// Describe turns any intake failure into the line shown to the user.
func Describe(err error) string {
	if err == nil {
		return ""
	}

	var validation *ValidationError
	var transport *TransportError
	var backend *BackendError
	var payload *PayloadError
	var device *capture.DeviceAccessError

	switch {
	case errors.As(err, &validation):
		return validation.Error()
	case errors.As(err, &device):
		return "Нет доступа к камере"
	case errors.Is(err, imaging.ErrEncodingFailed):
		return "Не удалось сделать снимок"
	case errors.As(err, &transport):
		return "Нет связи с сервером, попробуйте ещё раз"
	case errors.As(err, &backend):
		return backend.Message
	case errors.As(err, &payload):
		if payload.Text != "" {
			return truncate(payload.Text, 200)
		}
		return "Ошибка отправки"
	case errors.Is(err, ErrForeignEndpoint):
		return "Ошибка отправки"
	default:
		return err.Error()
	}
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
