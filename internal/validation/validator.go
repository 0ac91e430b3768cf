// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

// Package validation validates API request bodies with go-playground/validator.
//
// A single validator is shared by every request (it caches struct metadata).
// Field names in errors are the JSON names a client sent, and two custom tags
// cover the calendar-day strings used throughout cardpulse:
//
//	ymd            value is a valid YYYY-MM-DD day
//	ymdgte=Field   value is on or after the day in the sibling Field
//
// Example:
//
//	type MetricsRequest struct {
//	    DateFrom string `json:"date_from" validate:"required,ymd"`
//	    DateTo   string `json:"date_to" validate:"required,ymd,ymdgte=DateFrom"`
//	}
//
//	if verr := validation.ValidateStruct(&req); verr != nil {
//	    apiErr := verr.ToAPIError()
//	    ...
//	}
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/tomtom215/cardpulse/internal/models"
)

// CodeValidation is the API error code for rejected requests.
const CodeValidation = "VALIDATION_ERROR"

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// ValidationError is one rejected field.
type ValidationError struct {
	field   string
	tag     string
	param   string
	value   any
	message string
}

// Field returns the JSON name of the field.
func (e *ValidationError) Field() string { return e.field }

// Tag returns the failed validation tag.
func (e *ValidationError) Tag() string { return e.tag }

// Param returns the tag's parameter ("100" for max=100).
func (e *ValidationError) Param() string { return e.param }

// Value returns the rejected value.
func (e *ValidationError) Value() any { return e.value }

func (e *ValidationError) Error() string { return e.message }

// RequestValidationError collects every rejected field of one request.
type RequestValidationError struct {
	errors []ValidationError
}

// Errors returns the rejected fields in struct order.
func (ve *RequestValidationError) Errors() []ValidationError {
	return ve.errors
}

func (ve *RequestValidationError) Error() string {
	if len(ve.errors) == 0 {
		return "validation failed"
	}
	messages := make([]string, len(ve.errors))
	for i := range ve.errors {
		messages[i] = ve.errors[i].message
	}
	return strings.Join(messages, "; ")
}

// APIError mirrors api.APIError without importing it.
type APIError struct {
	Code    string
	Message string
	Details map[string]any
}

// ToAPIError renders the errors for the API envelope. One error keeps its
// own message; several are joined and listed under details.fields.
func (ve *RequestValidationError) ToAPIError() *APIError {
	switch len(ve.errors) {
	case 0:
		return &APIError{Code: CodeValidation, Message: "Validation failed"}
	case 1:
		e := ve.errors[0]
		return &APIError{
			Code:    CodeValidation,
			Message: e.message,
			Details: map[string]any{"field": e.field, "tag": e.tag, "value": e.value},
		}
	}

	fields := make([]map[string]any, len(ve.errors))
	messages := make([]string, len(ve.errors))
	for i, e := range ve.errors {
		fields[i] = map[string]any{"field": e.field, "tag": e.tag, "message": e.message}
		messages[i] = e.message
	}
	return &APIError{
		Code:    CodeValidation,
		Message: strings.Join(messages, "; "),
		Details: map[string]any{"fields": fields},
	}
}

// GetValidator returns the shared validator.
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(jsonFieldName)
		if err := v.RegisterValidation("ymd", validDay); err != nil {
			panic(fmt.Sprintf("registering ymd validator: %v", err))
		}
		if err := v.RegisterValidation("ymdgte", dayOnOrAfter); err != nil {
			panic(fmt.Sprintf("registering ymdgte validator: %v", err))
		}
		validate = v
	})
	return validate
}

func jsonFieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	switch name {
	case "-":
		return ""
	case "":
		return f.Name
	}
	return name
}

func validDay(fl validator.FieldLevel) bool {
	return models.ValidDate(fl.Field().String())
}

// dayOnOrAfter holds when either day is empty; ymd and required cover those.
func dayOnOrAfter(fl validator.FieldLevel) bool {
	day := fl.Field().String()
	other, kind, _, found := fl.GetStructFieldOK2()
	if !found || kind != reflect.String {
		return false
	}
	if day == "" || other.String() == "" {
		return true
	}
	// YYYY-MM-DD orders lexically.
	return day >= other.String()
}

// ValidateStruct validates s. It returns nil when s is valid.
func ValidateStruct(s any) *RequestValidationError {
	err := GetValidator().Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &RequestValidationError{errors: []ValidationError{{
			field:   "request",
			tag:     "invalid",
			message: err.Error(),
		}}}
	}

	out := make([]ValidationError, len(fieldErrs))
	for i, fe := range fieldErrs {
		out[i] = ValidationError{
			field:   fe.Field(),
			tag:     fe.Tag(),
			param:   fe.Param(),
			value:   fe.Value(),
			message: translateError(fe),
		}
	}
	return &RequestValidationError{errors: out}
}

var plainMessages = map[string]string{
	"required": "%s is required",
	"ymd":      "%s must be a date in YYYY-MM-DD format",
	"ymdgte":   "%s must not be before the start date",
}

var paramMessages = map[string]string{
	"oneof": "%s must be one of: %s",
	"gte":   "%s must be greater than or equal to %s",
	"lte":   "%s must be less than or equal to %s",
}

func translateError(fe validator.FieldError) string {
	field, tag, param := fe.Field(), fe.Tag(), fe.Param()

	if tmpl, ok := plainMessages[tag]; ok {
		return fmt.Sprintf(tmpl, field)
	}
	if tmpl, ok := paramMessages[tag]; ok {
		return fmt.Sprintf(tmpl, field, param)
	}

	isString := fe.Kind() == reflect.String
	isList := fe.Kind() == reflect.Slice
	switch {
	case tag == "min" && isString:
		return fmt.Sprintf("%s must be at least %s characters", field, param)
	case tag == "max" && isString:
		return fmt.Sprintf("%s must be at most %s characters", field, param)
	case tag == "max" && isList:
		return fmt.Sprintf("%s must have at most %s entries", field, param)
	case tag == "min":
		return fmt.Sprintf("%s must be at least %s", field, param)
	case tag == "max":
		return fmt.Sprintf("%s must be at most %s", field, param)
	}
	return fmt.Sprintf("%s failed %s validation", field, tag)
}
