package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrUnauthorized is returned by every call that received a 401 while
// carrying a session token. The Notifier has already been told.
var ErrUnauthorized = errors.New("api: session expired")

// HTTPError is a non-401 failure status returned by the service.
type HTTPError struct {
	StatusCode int
	Status     string
	Detail     string
}

func (e *HTTPError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("api error: %s (%s)", e.Status, e.Detail)
	}
	return fmt.Sprintf("api error: %s", e.Status)
}

// ValidationError rejects a request before it reaches the network.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func parseHTTPError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	herr := &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}

	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Detail) > 0 {
		var text string
		if json.Unmarshal(payload.Detail, &text) == nil {
			herr.Detail = text
		} else {
			var compact bytes.Buffer
			if json.Compact(&compact, payload.Detail) == nil {
				herr.Detail = compact.String()
			}
		}
		return herr
	}
	herr.Detail = strings.TrimSpace(string(body))
	return herr
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateRequest runs struct tag validation and maps the first failure to
// a ValidationError keyed by the JSON field name.
func validateRequest(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return &ValidationError{Field: field, Reason: "must not be empty"}
	case "max":
		return &ValidationError{Field: field, Reason: fmt.Sprintf("must be at most %s characters", fe.Param())}
	case "min":
		return &ValidationError{Field: field, Reason: fmt.Sprintf("must be at least %s characters", fe.Param())}
	case "email":
		return &ValidationError{Field: field, Reason: "must be a valid email address"}
	case "oneof":
		return &ValidationError{Field: field, Reason: "must be one of " + fe.Param()}
	default:
		return &ValidationError{Field: field, Reason: fmt.Sprintf("failed %q check", fe.Tag())}
	}
}
