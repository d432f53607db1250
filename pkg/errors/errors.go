package errors

import "fmt"

type UpstreamUnavailable struct {
	Target  string
	Timeout bool
	Cause   error
}

func (e *UpstreamUnavailable) Error() string {
	if e.Timeout {
		return fmt.Sprintf("Upstream %s did not respond in time: %v", e.Target, e.Cause)
	}
	return fmt.Sprintf("Upstream %s unavailable: %v", e.Target, e.Cause)
}

func (e *UpstreamUnavailable) Unwrap() error {
	return e.Cause
}

type MalformedRequest struct {
	Reason string
}

func (e *MalformedRequest) Error() string {
	return fmt.Sprintf("Malformed request: %s", e.Reason)
}

type MissingConfigValue struct {
	Name string
}

func (e *MissingConfigValue) Error() string {
	return fmt.Sprintf("Missing required configuration value %s", e.Name)
}

type InvalidConfigValue struct {
	Name   string
	Value  string
	Reason string
}

func (e *InvalidConfigValue) Error() string {
	return fmt.Sprintf("Invalid value '%s' for configuration %s: %s", e.Value, e.Name, e.Reason)
}

type UnsupportedOperation struct {
	Method string
	Path   string
}

func (e *UnsupportedOperation) Error() string {
	return fmt.Sprintf("Unsupported operation %s %s", e.Method, e.Path)
}

type NameCollision struct {
	CollisionContext string
	Name             string
}

func (e *NameCollision) Error() string {
	return fmt.Sprintf("Name collision for name '%s' in context '%s'", e.Name, e.CollisionContext)
}
