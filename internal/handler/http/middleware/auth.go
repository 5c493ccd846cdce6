package middleware

import (
	"context"
	"net/http"

	"github.com/cmlabs-hris/presence-sync/internal/handler/http/response"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/jwt"
	"github.com/go-chi/jwtauth/v5"
)

type contextKey string

// EmployeeIDKey holds the employee the bearer token is scoped to.
const EmployeeIDKey contextKey = "employee_id"

// AuthRequired accepts unrevoked access tokens and puts their employee into
// the request context. It runs after jwtauth.Verifier.
func AuthRequired(jwtService jwt.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			token, claims, err := jwtauth.FromContext(r.Context())

			if err != nil {
				response.Unauthorized(w, err.Error())
				return
			}

			if token == nil {
				response.Unauthorized(w, "Invalid token")
				return
			}

			if jwtService.IsTokenRevoked(jwtauth.TokenFromHeader(r)) {
				response.Unauthorized(w, "Token revoked")
				return
			}

			tokenType, ok := claims["type"].(string)
			if tokenType != jwt.TokenTypeAccess || !ok {
				response.Unauthorized(w, "Invalid token")
				return
			}

			employeeID, ok := claims["employee_id"].(string)
			if !ok || employeeID == "" {
				response.Unauthorized(w, "Invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), EmployeeIDKey, employeeID)
			next.ServeHTTP(w, r.WithContext(ctx))
		}
		return http.HandlerFunc(hfn)
	}
}

// EmployeeIDFromContext returns the employee set by AuthRequired.
func EmployeeIDFromContext(ctx context.Context) string {
	employeeID, _ := ctx.Value(EmployeeIDKey).(string)
	return employeeID
}
