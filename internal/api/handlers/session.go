package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/anstrom/tracex/internal/discovery"
	"github.com/anstrom/tracex/internal/logging"
)

// DiscoveryRequest starts host discovery. An empty range uses the local
// network.
type DiscoveryRequest struct {
	Range string `json:"range" validate:"omitempty,cidrv4"`
}

// HostRequest is one host to port-scan.
type HostRequest struct {
	IP  string `json:"ip" validate:"required,ipv4"`
	MAC string `json:"mac" validate:"omitempty,mac"`
}

// PortScanRequest starts a port scan of known hosts.
type PortScanRequest struct {
	Hosts []HostRequest `json:"hosts" validate:"required,min=1,dive"`
}

// TargetRequest starts a single-host scan of an IP or hostname.
type TargetRequest struct {
	Target string `json:"target" validate:"required,max=253"`
}

// SessionStarted is returned when a session is accepted.
type SessionStarted struct {
	SessionID string `json:"session_id"`
}

// HealthResponse reports liveness and whether a session is running.
type HealthResponse struct {
	Status    string    `json:"status"`
	Busy      bool      `json:"busy"`
	Clients   int       `json:"websocket_clients"`
	Uptime    string    `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionHandler serves the session control endpoints. Sessions run under
// ctx, which outlives individual requests.
type SessionHandler struct {
	ctx       context.Context
	ctrl      Controller
	hub       *Hub
	logger    *logging.Logger
	startTime time.Time
}

// NewSessionHandler creates the session endpoints.
func NewSessionHandler(ctx context.Context, ctrl Controller, hub *Hub, logger *logging.Logger) *SessionHandler {
	return &SessionHandler{
		ctx:       ctx,
		ctrl:      ctrl,
		hub:       hub,
		logger:    logger.WithComponent("api.sessions"),
		startTime: time.Now(),
	}
}

// Health handles GET /health.
func (h *SessionHandler) Health(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		Busy:      h.ctrl.Busy(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
	}
	if h.hub != nil {
		resp.Clients = h.hub.ClientCount()
	}
	writeJSON(w, h.logger, http.StatusOK, resp)
}

// GetSession handles GET /session.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	s := h.ctrl.Session()
	if s == nil {
		writeJSON(w, h.logger, http.StatusNotFound, ErrorResponse{
			Error:     "no session has run yet",
			Timestamp: time.Now().UTC(),
		})
		return
	}
	writeJSON(w, h.logger, http.StatusOK, s)
}

// StartDiscovery handles POST /discovery.
func (h *SessionHandler) StartDiscovery(w http.ResponseWriter, r *http.Request) {
	var req DiscoveryRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.started(w, r)(h.ctrl.StartDiscovery(h.ctx, req.Range))
}

// StartPortScan handles POST /scan.
func (h *SessionHandler) StartPortScan(w http.ResponseWriter, r *http.Request) {
	var req PortScanRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	hosts := make([]discovery.Host, 0, len(req.Hosts))
	for _, hr := range req.Hosts {
		hosts = append(hosts, discovery.Host{IP: hr.IP, MAC: hr.MAC})
	}
	h.started(w, r)(h.ctrl.StartPortScan(h.ctx, hosts))
}

// StartScanTarget handles POST /scan/target.
func (h *SessionHandler) StartScanTarget(w http.ResponseWriter, r *http.Request) {
	var req TargetRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.started(w, r)(h.ctrl.StartScanTarget(h.ctx, req.Target))
}

// Cancel handles POST /cancel.
func (h *SessionHandler) Cancel(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, map[string]bool{"cancelled": h.ctrl.Cancel()})
}

func (h *SessionHandler) started(w http.ResponseWriter, r *http.Request) func(string, error) {
	return func(id string, err error) {
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		h.logger.WithSession(id).Info("Session accepted", "path", r.URL.Path)
		writeJSON(w, h.logger, http.StatusAccepted, SessionStarted{SessionID: id})
	}
}
