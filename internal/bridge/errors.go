package bridge

import (
	"errors"
	"fmt"

	"phabbridge/internal/conduit"
)

// ConfigurationError means the project options are missing or unusable.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Reason == "" {
		return "Phabricator plugin is not configured"
	}
	return fmt.Sprintf("Phabricator plugin is not configured: %s", e.Reason)
}

// RemoteAPIError carries an error code and message returned by Conduit.
type RemoteAPIError struct {
	Code    string
	Message string
}

func (e *RemoteAPIError) Error() string {
	return fmt.Sprintf("%s %s", e.Code, e.Message)
}

// RemoteUnreachableError means the Phabricator host could not be used:
// connection failure, timeout or an unusable response.
type RemoteUnreachableError struct {
	Detail string
}

func (e *RemoteUnreachableError) Error() string {
	return fmt.Sprintf("unable to reach host: %s", e.Detail)
}

// NotFoundError means a lookup matched nothing.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

// ValidationError is a problem with user input, attached to a form field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// RemoteError maps a Conduit failure onto the bridge taxonomy.
func RemoteError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *conduit.APIError
	if errors.As(err, &apiErr) {
		return &RemoteAPIError{Code: apiErr.Code, Message: apiErr.Info}
	}
	var tErr *conduit.TransportError
	if errors.As(err, &tErr) {
		return &RemoteUnreachableError{Detail: tErr.Err.Error()}
	}
	return &RemoteUnreachableError{Detail: err.Error()}
}
