package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/patchwork-sh/patchwork/internal/tickets"
)

// Wiring set from main.go during init.
var (
	TicketStore     tickets.Store
	TokenSecret     []byte
	SessionDuration = 24 * time.Hour
	TicketTTL       = 60 * time.Second
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
