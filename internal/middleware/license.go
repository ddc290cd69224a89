package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	apperrors "accessguard/internal/errors"
	"accessguard/internal/infrastructure"
)

// FeatureChecker answers whether the current license grants a feature.
type FeatureChecker interface {
	HasFeature(ctx context.Context, tag string) bool
}

// RequireFeature rejects requests whose feature, as resolved by tagOf, is
// not granted. An empty tag lets the request through.
func RequireFeature(checker FeatureChecker, tagOf func(*http.Request) string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tag := tagOf(r)
			if tag == "" || checker.HasFeature(r.Context(), tag) {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			logger.WarnContext(ctx, "feature not licensed",
				slog.String("feature", tag),
				slog.String("path", r.URL.Path),
			)
			err := fmt.Errorf("%w: feature %s is not licensed", apperrors.ErrLicenseNotActivated, tag)
			problem := apperrors.ProblemFromError(err, r.URL.Path, infrastructure.GetTraceID(ctx))
			problem.WithExtension("feature", tag)
			apperrors.WriteProblem(w, problem)
		})
	}
}
