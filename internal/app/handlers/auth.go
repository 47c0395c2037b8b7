package handlers

import (
	"log/slog"
	"net/http"

	"github.com/linemk/shop-orders/internal/service"
)

// LoginRequest представляет структуру запроса для аутентификации с тегами валидации
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Name     string `json:"name" validate:"required,max=100"`
}

// AuthResponse представляет структуру ответа с JWT-токеном
type AuthResponse struct {
	Token string `json:"token"`
}

// LoginHandler – HTTP-обработчик для аутентификации, принимает логгер и экземпляр AuthService
func LoginHandler(log *slog.Logger, authService service.AuthServiceInterface) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.LoginHandler"
		logger := log.With(slog.String("op", op))

		var req LoginRequest
		if err := decodeJSON(r, &req); err != nil {
			logger.Info("invalid request", slog.Any("error", err))
			writeError(w, logger, err)
			return
		}

		token, err := authService.Login(r.Context(), req.Email, req.Password)
		if err != nil {
			writeError(w, logger, err)
			return
		}

		writeJSON(w, logger, http.StatusOK, AuthResponse{Token: token})
	}
}

func RegisterHandler(log *slog.Logger, authService service.AuthServiceInterface) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.RegisterHandler"
		logger := log.With(slog.String("op", op))

		var req RegisterRequest
		if err := decodeJSON(r, &req); err != nil {
			logger.Info("invalid request", slog.Any("error", err))
			writeError(w, logger, err)
			return
		}

		token, err := authService.Register(r.Context(), req.Email, req.Password, req.Name)
		if err != nil {
			writeError(w, logger, err)
			return
		}

		writeJSON(w, logger, http.StatusCreated, AuthResponse{Token: token})
	}
}
