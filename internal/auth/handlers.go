package auth

import (
	"encoding/json"
	"net/http"
	"time"
)

// TokenRequest asks for a bearer token in exchange for an API key
type TokenRequest struct {
	Subject    string `json:"subject"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

// TokenResponse carries a freshly minted bearer token
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// Handlers provides HTTP handlers for auth operations
type Handlers struct {
	manager *Manager
}

// NewHandlers creates auth HTTP handlers
func NewHandlers(manager *Manager) *Handlers {
	return &Handlers{manager: manager}
}

// HandleToken handles POST /api/v1/auth/token. The caller authenticates with
// X-API-Key and receives a bearer token for the requested subject.
func (h *Handlers) HandleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.manager.ValidateAPIKey(r.Header.Get("X-API-Key")); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Subject == "" {
		req.Subject = "api-key"
	}

	ttl := ttlOrDefault(time.Duration(req.TTLSeconds) * time.Second)
	token, err := h.manager.GenerateToken(req.Subject, "service", ttl)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(TokenResponse{Token: token, ExpiresIn: int64(ttl.Seconds())}); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
