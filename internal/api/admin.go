package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"tokenpulse/internal/models"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
)

// registerAdminRoutes mounts the admin surface. It stays off entirely
// unless an admin secret was configured.
func (s *Server) registerAdminRoutes(r *mux.Router) {
	if s.adminAuth == nil {
		return
	}
	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.adminAuth.middleware)
	admin.HandleFunc("/tokens/{mint}", s.handleAdminPurge).Methods("DELETE")
	admin.HandleFunc("/tokens/{mint}/enrol", s.handleAdminEnrol).Methods("POST")
}

type adminAuth struct {
	secret []byte
}

func newAdminAuth(secret string) *adminAuth {
	return &adminAuth{secret: []byte(secret)}
}

func (a *adminAuth) verify(r *http.Request) error {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return fmt.Errorf("missing Authorization header")
	}
	tokenStr := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	token, err := jwtlib.Parse(tokenStr, func(token *jwtlib.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}

func (a *adminAuth) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.verify(r); err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleAdminPurge bans a mint and removes every trace of it.
func (s *Server) handleAdminPurge(w http.ResponseWriter, r *http.Request) {
	mint := mux.Vars(r)["mint"]
	if !plausibleMint(mint) {
		writeError(w, http.StatusBadRequest, "invalid mint address")
		return
	}

	if err := s.tracker.BanAndRemove(r.Context(), mint); err != nil {
		log.Printf("[api] admin purge of %s failed: %v", mint, err)
		writeError(w, http.StatusInternalServerError, "failed to purge "+mint)
		return
	}
	log.Printf("[api] admin purged %s", mint)
	json.NewEncoder(w).Encode(map[string]string{"status": "banned", "mint": mint})
}

// handleAdminEnrol starts tracking a mint without a subscriber.
func (s *Server) handleAdminEnrol(w http.ResponseWriter, r *http.Request) {
	mint := mux.Vars(r)["mint"]
	if !plausibleMint(mint) {
		writeError(w, http.StatusBadRequest, "invalid mint address")
		return
	}

	if err := s.tracker.Enrol(r.Context(), mint); err != nil {
		if models.IsInvalidMint(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[api] admin enrol of %s failed: %v", mint, err)
		writeError(w, http.StatusInternalServerError, "failed to enrol "+mint)
		return
	}
	log.Printf("[api] admin enrolled %s", mint)
	json.NewEncoder(w).Encode(map[string]string{"status": "enrolled", "mint": mint})
}
