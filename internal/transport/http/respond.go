package http

import (
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apperrors "accessguard/internal/errors"
	"accessguard/internal/infrastructure"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// writeError logs err at a level matching its status and renders it as a
// problem document.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	ctx := r.Context()
	problem := apperrors.ProblemFromError(err, r.URL.Path, infrastructure.GetTraceID(ctx))

	level := slog.LevelWarn
	if problem.Status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	logger.Log(ctx, level, "request failed",
		slog.String("path", r.URL.Path),
		slog.Int("status", problem.Status),
		slog.String("error", err.Error()),
	)
	apperrors.WriteProblem(w, problem)
}

// decodeAndValidate reads a JSON body into v and runs its validate tags.
func decodeAndValidate(r *http.Request, v any) error {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		return apperrors.InvalidRequestWithError(err)
	}
	if err := validate.Struct(v); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return apperrors.InvalidRequestWithError(err)
		}
		out := make([]apperrors.ValidationError, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			out = append(out, apperrors.ValidationError{
				Field:   fe.Field(),
				Message: validationMessage(fe),
			})
		}
		return apperrors.NewValidationErrors(out)
	}
	return nil
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

func invalidParam(name string, err error) error {
	return apperrors.NewWithDetails(http.StatusBadRequest, apperrors.CodeInvalidRequest, "Invalid "+name, err.Error())
}
