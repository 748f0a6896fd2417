package jmap

// Method-level error types (the "type" field of an error method response or
// a SetError).
const (
	ErrTypeAccountNotFound   = "accountNotFound"
	ErrTypeStateMismatch     = "stateMismatch"
	ErrTypeInvalidArguments  = "invalidArguments"
	ErrTypeInvalidProperties = "invalidProperties"
	ErrTypeNotFound          = "notFound"
	ErrTypeForbidden         = "forbidden"
	ErrTypeLimitExceeded     = "limitExceeded"
	ErrTypeRoleConflict      = "roleConflict"
	ErrTypeMailboxHasChild   = "mailboxHasChild"
	ErrTypeMailboxHasEmail   = "mailboxHasEmail"
	ErrTypeServerError       = "serverError"
	ErrTypeUnknownMethod     = "unknownMethod"
	ErrTypeUnknownCapability = "unknownCapability"
	ErrTypeCannotCalcChanges = "cannotCalculateChanges"
	ErrTypeForbiddenFrom     = "forbiddenFrom"
	ErrTypeUnsupportedFilter = "unsupportedFilter"
	ErrTypeUnsupportedSort   = "unsupportedSort"
)

// MethodError is a whole-method failure, rendered as an
// ["error", {...}, tag] response entry.
type MethodError struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Error implements the error interface.
func (e *MethodError) Error() string {
	if e.Description == "" {
		return e.Type
	}
	return e.Type + ": " + e.Description
}

// NewMethodError creates a MethodError.
func NewMethodError(errType, description string) *MethodError {
	return &MethodError{Type: errType, Description: description}
}

// SetError is a per-object failure inside a /set response (notCreated,
// notUpdated, notDestroyed).
type SetError struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Properties  []string `json:"properties,omitempty"`
}

// NewSetError creates a SetError.
func NewSetError(errType, description string) *SetError {
	return &SetError{Type: errType, Description: description}
}

// NewPropertiesError creates an invalidProperties SetError naming the
// offending properties.
func NewPropertiesError(description string, properties ...string) *SetError {
	return &SetError{
		Type:        ErrTypeInvalidProperties,
		Description: description,
		Properties:  properties,
	}
}
