package admission

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// Error codes carried in the JSON error body.
const (
	CodeMissingKey               = "MissingKey"
	CodeBadFormat                = "BadFormat"
	CodeInvalidKey               = "InvalidKey"
	CodeClientDenied             = "ClientDenied"
	CodeEndpointGated            = "EndpointGated"
	CodeModelNotEnabled          = "ModelNotEnabled"
	CodePayloadTooLarge          = "PayloadTooLarge"
	CodeConcurrencyLimitExceeded = "ConcurrencyLimitExceeded"
	CodeQueueFull                = "QueueFull"
	CodeQueueTimeout             = "QueueTimeout"
	CodeOverloaded               = "Overloaded"
	CodeRateLimitExceeded        = "RateLimitExceeded"
	CodeDailyCostLimit           = "DailyCostLimit"
	CodeTotalCostLimit           = "TotalCostLimit"
	CodeWeeklyOpusLimit          = "WeeklyOpusLimit"
	CodeStoreUnavailable         = "StoreUnavailable"
	CodeInternal                 = "Internal"
)

// apiError is an admission rejection mapped onto an HTTP response: status,
// Retry-After, and a JSON body of the form {error, message, ...context}.
type apiError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration

	// Context carries code-specific body fields (limits, reset instants).
	Context map[string]any
}

func newAPIError(status int, code, message string) *apiError {
	return &apiError{Status: status, Code: code, Message: message}
}

func (e *apiError) withRetryAfter(d time.Duration) *apiError {
	e.RetryAfter = d
	return e
}

func (e *apiError) withContext(key string, value any) *apiError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// write renders the error. Retry-After is emitted in whole seconds.
func (e *apiError) write(w http.ResponseWriter) {
	if e.RetryAfter > 0 {
		secs := int(e.RetryAfter.Round(time.Second).Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)

	body := make(map[string]any, len(e.Context)+2)
	for k, v := range e.Context {
		body[k] = v
	}
	body["error"] = e.Code
	body["message"] = e.Message
	_ = json.NewEncoder(w).Encode(body)
}
