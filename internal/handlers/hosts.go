package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/patchwork-sh/patchwork/internal/authz"
	"github.com/patchwork-sh/patchwork/internal/database"
	"github.com/patchwork-sh/patchwork/internal/middleware"
	"github.com/patchwork-sh/patchwork/internal/tickets"
)

func ListHosts(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	if user.Role != authz.AdminRole {
		perm, err := database.GetRolePermission(user.Role)
		if err != nil || !perm.CanViewHosts {
			writeError(w, http.StatusForbidden, "Missing can_view_hosts permission")
			return
		}
	}

	hosts, err := database.ListHosts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list hosts")
		return
	}

	type hostResponse struct {
		ID           uint   `json:"id"`
		FriendlyName string `json:"friendly_name"`
		Hostname     string `json:"hostname"`
		IP           string `json:"ip"`
		AgentID      string `json:"agent_id"`
	}
	result := make([]hostResponse, 0, len(hosts))
	for _, h := range hosts {
		result = append(result, hostResponse{
			ID:           h.ID,
			FriendlyName: h.FriendlyName,
			Hostname:     h.Hostname,
			IP:           h.IP,
			AgentID:      h.AgentID,
		})
	}

	writeJSON(w, http.StatusOK, result)
}

// IssueSSHTicket mints a one-time ticket for opening a terminal WebSocket to
// the host. The same role gate that guards the terminal handshake applies
// here, so a user who cannot open the terminal never receives a ticket.
func IssueSSHTicket(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	sessionID := middleware.GetSessionID(r)
	if user == nil || sessionID == "" {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	hostID, err := strconv.ParseUint(chi.URLParam(r, "hostId"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid host ID")
		return
	}

	host, err := database.GetHostByID(uint(hostID))
	if err != nil {
		writeError(w, http.StatusNotFound, "Host not found")
		return
	}

	decision, err := authz.Decide(user, host)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Authorization check failed")
		return
	}
	if !decision.Allowed {
		writeError(w, http.StatusForbidden, decision.Reason)
		return
	}

	token, err := TicketStore.Issue(r.Context(), tickets.Ticket{
		HostID:    host.ID,
		UserID:    user.ID,
		SessionID: sessionID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue ticket")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ticket":     token,
		"expires_in": int(TicketTTL.Seconds()),
	})
}
