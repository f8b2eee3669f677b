package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/stylestore/internal/store"
	"github.com/jogardn/stylestore/pkg/models"
	"github.com/sirupsen/logrus"
)

const errInvalidCredentials = "invalid email or password"

type Handler struct {
	users  store.UserStore
	issuer *Issuer
	logger *logrus.Logger
}

func NewHandler(users store.UserStore, issuer *Issuer, logger *logrus.Logger) *Handler {
	return &Handler{users: users, issuer: issuer, logger: logger}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auth/token", h.Login).Methods("POST")
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var creds models.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if creds.Email == "" || creds.Password == "" {
		respondWithError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	user, err := h.users.FindUserByEmail(r.Context(), creds.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondWithError(w, http.StatusUnauthorized, errInvalidCredentials)
			return
		}
		h.logger.WithError(err).Error("Failed to look up user")
		respondWithError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if !store.CheckPassword(user, creds.Password) {
		h.logger.WithField("user_id", user.ID).Info("Wrong password on login")
		respondWithError(w, http.StatusUnauthorized, errInvalidCredentials)
		return
	}

	now := time.Now().UTC()
	user.LastLoginAt = &now
	if err := h.users.UpdateUser(r.Context(), user); err != nil {
		h.logger.WithError(err).WithField("user_id", user.ID).Warn("Failed to record last login")
	}

	token, expiresAt, err := h.issuer.Issue(user)
	if err != nil {
		h.logger.WithError(err).Error("Failed to issue token")
		respondWithError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.WithField("user_id", user.ID).Info("Token issued")

	response, _ := json.Marshal(models.TokenResponse{Token: token, ExpiresAt: expiresAt, User: user})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(response)
}

// EnsureAdmin creates the admin account unless a user with that email
// already exists.
func EnsureAdmin(ctx context.Context, users store.UserStore, email, password string) (*models.User, error) {
	existing, err := users.FindUserByEmail(ctx, email)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up admin: %w", err)
	}

	user, err := users.CreateUser(ctx, store.NewUser{
		Email:    email,
		Name:     "Admin",
		Password: password,
		IsAdmin:  true,
	})
	if errors.Is(err, store.ErrDuplicateKey) {
		return users.FindUserByEmail(ctx, email)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create admin: %w", err)
	}
	return user, nil
}
