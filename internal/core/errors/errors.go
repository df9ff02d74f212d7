package errors

const (
	HttpInternalError       = "internal_error"
	HttpInvalidJsonError    = "invalid_json"
	HttpEventQuarantined    = "event_quarantined"
	HttpDuplicateEventError = "duplicate_event"
	HttpUnknownEntityError  = "unknown_entity"
	HttpInvalidQueryError   = "invalid_query"
)

// ErrorResponse is the error response body shared by all HTTP surfaces.
type ErrorResponse struct {
	ErrorType string      `json:"error_type"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}
