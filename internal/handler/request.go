package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/openclaw/kiosk-pairing-go/internal/errors"
	"github.com/openclaw/kiosk-pairing-go/internal/util"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("kioskid", func(fl validator.FieldLevel) bool {
		return util.IsValidKioskID(fl.Field().String())
	})

	return v
}

type issueRequest struct {
	KioskID string `json:"kioskId" validate:"omitempty,kioskid"`
}

type redeemRequest struct {
	DeviceFingerprint string `json:"deviceFingerprint" validate:"required,max=256"`
}

type linkRequest struct {
	AssetTag     string `json:"assetTag" validate:"omitempty,max=128"`
	SerialNumber string `json:"serialNumber" validate:"required_without=AssetTag,omitempty,max=128"`
}

// decodeJSON reads and validates a request body into dst. With allowEmpty an
// absent body decodes as the zero value.
func decodeJSON(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		switch {
		case errors.Is(err, io.EOF) && allowEmpty:
		case errors.Is(err, io.EOF):
			return apperrors.ValidationError("Request body is required")
		default:
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return apperrors.PayloadTooLarge()
			}
			return apperrors.ValidationError("Invalid JSON body").WithCause(err)
		}
	}

	return validateStruct(dst)
}

func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) || len(validationErrors) == 0 {
		return apperrors.Internal("Request validation failed").WithCause(err)
	}

	first := validationErrors[0]
	field := first.Field()
	var message string
	switch first.Tag() {
	case "required":
		message = fmt.Sprintf("%s is required", field)
	case "required_without":
		message = fmt.Sprintf("%s or %s is required", field, lowerFirst(first.Param()))
	case "max":
		message = fmt.Sprintf("%s must be at most %s characters long", field, first.Param())
	case "kioskid":
		message = fmt.Sprintf("%s must be 1-64 characters of letters, digits, '.', '_', ':' or '-'", field)
	default:
		message = fmt.Sprintf("%s failed validation on %s", field, first.Tag())
	}

	details := make(map[string]string, len(validationErrors))
	for _, fe := range validationErrors {
		details[fe.Field()] = fe.Tag()
	}
	return apperrors.ValidationError(message).WithDetails(details)
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
