// Package api provides the HTTP response envelope, request decoding and
// validation, and the mapping from the domain error taxonomy to status codes.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"paycore/internal/core"
)

// Envelope is the standard response shape: {"success": bool, ...data} on
// success, {"success": false, "message": ..., "error": ...} on failure.
type Envelope map[string]interface{}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// OK writes a 200 success envelope merged with the given fields.
func OK(w http.ResponseWriter, fields Envelope) {
	Success(w, http.StatusOK, fields)
}

// Created writes a 201 success envelope merged with the given fields.
func Created(w http.ResponseWriter, fields Envelope) {
	Success(w, http.StatusCreated, fields)
}

// Success writes a success envelope with an explicit status.
func Success(w http.ResponseWriter, status int, fields Envelope) {
	out := Envelope{"success": true}
	for k, v := range fields {
		out[k] = v
	}
	WriteJSON(w, status, out)
}

// Fail writes a failure envelope.
func Fail(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, Envelope{
		"success": false,
		"message": message,
		"error":   code,
	})
}

// Error maps a classified domain error onto the wire.
func Error(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	code := core.CodeOf(err)

	var msg string
	var domainErr *core.Error
	if errors.As(err, &domainErr) {
		msg = domainErr.Message
	} else {
		msg = "an unexpected error occurred"
	}

	Fail(w, StatusFor(kind), code, msg)
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind core.Kind) int {
	switch kind {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindConflict:
		return http.StatusConflict
	case core.KindBlocked:
		return http.StatusForbidden
	case core.KindProcessorDeclined:
		return http.StatusPaymentRequired
	case core.KindProcessorUnavailable:
		return http.StatusServiceUnavailable
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Validate is the shared validator instance.
var Validate = validator.New()

// DecodeAndValidate decodes a JSON body and validates the result.
func DecodeAndValidate(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return core.Validation("invalid_body", "request body is not valid JSON")
	}
	if err := Validate.Struct(v); err != nil {
		return core.Validation("validation_failed", validationMessage(err))
	}
	return nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	e := verrs[0]
	switch e.Tag() {
	case "required":
		return e.Field() + " is required"
	case "gt":
		return e.Field() + " must be greater than " + e.Param()
	case "gte":
		return e.Field() + " must be at least " + e.Param()
	case "oneof":
		return e.Field() + " must be one of: " + e.Param()
	case "len":
		return e.Field() + " must be exactly " + e.Param() + " characters"
	default:
		return e.Field() + " is invalid"
	}
}

// PaginationParams extracts limit/offset from the query string.
type PaginationParams struct {
	Limit  int
	Offset int
}

// GetPaginationParams parses pagination with bounds.
func GetPaginationParams(r *http.Request, defaultLimit, maxLimit int) PaginationParams {
	params := PaginationParams{Limit: defaultLimit}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := json.Number(raw).Int64(); err == nil && n > 0 && int(n) <= maxLimit {
			params.Limit = int(n)
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := json.Number(raw).Int64(); err == nil && n >= 0 {
			params.Offset = int(n)
		}
	}
	return params
}
