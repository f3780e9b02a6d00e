package middleware

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apperrors "entitlementd/internal/errors"
	"entitlementd/internal/license"
	"entitlementd/pkg/contracts/domain"
)

// DefaultMaxBodySize caps control API request bodies
const DefaultMaxBodySize = 64 * 1024

// Validator decodes and validates JSON request bodies using struct tags
type Validator struct {
	validate    *validator.Validate
	logger      *slog.Logger
	maxBodySize int64
}

// NewValidator creates a validator with the entitlement tags registered
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New()

	v.RegisterValidation("license_key", isLicenseKey)
	v.RegisterValidation("tier", isTier)

	// Use JSON tag names in error messages
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Validator{
		validate:    v,
		logger:      logger.With(slog.String("component", "validation")),
		maxBodySize: DefaultMaxBodySize,
	}
}

// DecodeAndValidate reads r's JSON body into dst and validates it.
// The returned error is an *apperrors.APIError ready to render.
func (v *Validator) DecodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, v.maxBodySize)

	if err := render.DecodeJSON(r.Body, dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return apperrors.NewWithDetails(http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
				"Request body exceeds maximum allowed size",
				map[string]interface{}{"max_size": v.maxBodySize})
		case errors.Is(err, io.EOF):
			return apperrors.New(http.StatusBadRequest, "EMPTY_BODY", "Request body is required")
		default:
			v.logger.DebugContext(r.Context(), "invalid JSON body", slog.String("error", err.Error()))
			return apperrors.New(http.StatusBadRequest, "INVALID_JSON", "Request body contains invalid JSON")
		}
	}

	return v.ValidateStruct(dst)
}

// ValidateStruct validates a struct and returns validation errors
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperrors.InvalidRequestWithError(err)
	}

	out := make([]apperrors.ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, apperrors.ValidationError{
			Field:   fe.Field(),
			Message: formatValidationError(fe),
		})
	}
	return apperrors.NewValidationErrors(out)
}

func formatValidationError(err validator.FieldError) string {
	field := err.Field()
	switch err.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, err.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, err.Param())
	case "license_key":
		return fmt.Sprintf("%s must be a license key like XXXX-XXXX-XXXX", field)
	case "tier":
		return fmt.Sprintf("%s must be one of free, pro, lifetime", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, err.Tag())
	}
}

func isLicenseKey(fl validator.FieldLevel) bool {
	_, err := license.NormalizeKey(fl.Field().String())
	return err == nil
}

func isTier(fl validator.FieldLevel) bool {
	switch domain.Tier(strings.ToLower(fl.Field().String())) {
	case domain.TierFree, domain.TierPro, domain.TierLifetime:
		return true
	}
	return false
}
