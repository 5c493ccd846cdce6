package middleware

import (
	"net/http"

	"github.com/cmlabs-hris/presence-sync/internal/domain/presence"
	"github.com/cmlabs-hris/presence-sync/internal/handler/http/response"
)

// RequireKnownEmployee rejects tokens for employees not configured on this
// device. Tokens outlive configuration changes.
func RequireKnownEmployee(employees []string) func(http.Handler) http.Handler {
	known := make(map[string]struct{}, len(employees))
	for _, id := range employees {
		known[id] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := known[EmployeeIDFromContext(r.Context())]; !ok {
				response.HandleError(w, presence.ErrUnknownEmployee)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
