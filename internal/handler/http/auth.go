package http

import (
	"log/slog"
	"net/http"

	"github.com/cmlabs-hris/presence-sync/internal/handler/http/middleware"
	"github.com/cmlabs-hris/presence-sync/internal/handler/http/response"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/jwt"
	"github.com/go-chi/jwtauth/v5"
)

type AuthHandler interface {
	Logout(w http.ResponseWriter, r *http.Request)
}

type AuthHandlerImpl struct {
	jwtService jwt.Service
}

func NewAuthHandler(jwtService jwt.Service) AuthHandler {
	return &AuthHandlerImpl{
		jwtService: jwtService,
	}
}

// Logout revokes the bearer token of the request. Tokens are issued
// out of band by the token subcommand, so there is no login.
func (a *AuthHandlerImpl) Logout(w http.ResponseWriter, r *http.Request) {
	token := jwtauth.TokenFromHeader(r)
	if token == "" {
		response.Unauthorized(w, "Missing token")
		return
	}

	a.jwtService.RevokeToken(token)
	slog.Info("Local API token revoked", "employee_id", middleware.EmployeeIDFromContext(r.Context()))
	response.SuccessWithMessage(w, "Logged out successfully", nil)
}
