// Package api is the minimal HTTP surface over the core: login,
// device and alert queries, command queueing and the dashboard
// WebSocket.  It is an interface layer; fleet administration lives
// elsewhere.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/command"
	"github.com/fleetlink/fleetlink/hub"
	"github.com/fleetlink/fleetlink/model"
	"github.com/fleetlink/fleetlink/protocol"
	"github.com/fleetlink/fleetlink/storage"
)

// Store is the persistence surface the API reads and writes.
type Store interface {
	UserByUsername(ctx context.Context, username string) (*model.User, error)
	User(ctx context.Context, id int64) (*model.User, error)
	Devices(ctx context.Context) ([]*model.Device, error)
	DevicesForUser(ctx context.Context, userID int64) ([]*model.Device, error)
	HasDeviceAccess(ctx context.Context, userID, deviceID int64) (bool, error)
	Device(ctx context.Context, id int64) (*model.Device, error)
	Positions(ctx context.Context, deviceID int64, from, to time.Time) ([]*model.Position, error)
	Trips(ctx context.Context, deviceID int64, limit int) ([]*model.Trip, error)
	Alerts(ctx context.Context, deviceID int64, limit int) ([]*model.Alert, error)
	MarkAlertRead(ctx context.Context, alertID int64) error
	EnqueueCommand(ctx context.Context, c *model.Command) (int64, error)
	Command(ctx context.Context, id int64) (*model.Command, error)
	CommandsForDevice(ctx context.Context, deviceID int64, limit int) ([]*model.Command, error)
}

// Live exposes the pipeline's per-device state snapshots.
type Live interface {
	State(deviceID int64) *model.DeviceState
}

// Commander nudges the dispatcher after an enqueue so a connected
// device gets the command immediately.
type Commander interface {
	Flush(ctx context.Context, deviceID int64)
}

// Rules reacts to alert lifecycle events (the maintenance threshold
// advances when its alert is acknowledged).
type Rules interface {
	Acknowledge(ctx context.Context, alertID int64) error
}

// Server handles the HTTP and WebSocket routes.
type Server struct {
	log      zerolog.Logger
	secret   []byte
	store    Store
	live     Live
	commands Commander
	rules    Rules
	hub      *hub.Hub
	upgrader websocket.Upgrader
}

// New builds the API server.  commands and rules may be nil.
func New(log zerolog.Logger, secret string, store Store, live Live,
	commands Commander, rules Rules, h *hub.Hub) *Server {
	return &Server{
		log:      log.With().Str("component", "api").Logger(),
		secret:   []byte(secret),
		store:    store,
		live:     live,
		commands: commands,
		rules:    rules,
		hub:      h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboards are served from arbitrary origins in
			// self-hosted deployments.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", s.handleLogin)

	mux.Handle("GET /api/devices", s.auth(s.handleDevices))
	mux.Handle("GET /api/devices/{id}", s.auth(s.handleDevice))
	mux.Handle("GET /api/devices/{id}/positions", s.auth(s.handlePositions))
	mux.Handle("GET /api/devices/{id}/trips", s.auth(s.handleTrips))
	mux.Handle("GET /api/devices/{id}/alerts", s.auth(s.handleAlerts))
	mux.Handle("POST /api/alerts/{id}/read", s.auth(s.handleAlertRead))
	mux.Handle("POST /api/devices/{id}/commands", s.auth(s.handleEnqueueCommand))
	mux.Handle("GET /api/devices/{id}/commands", s.auth(s.handleDeviceCommands))
	mux.Handle("GET /api/commands/{id}", s.auth(s.handleCommand))
	mux.Handle("POST /api/commands/preview", s.auth(s.handleCommandPreview))
	mux.Handle("GET /api/protocols", s.auth(s.handleProtocols))
	mux.Handle("GET /ws", s.auth(s.handleWS))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

// deviceView joins the device row with its live state for the
// dashboard list.
type deviceView struct {
	*model.Device
	Online       bool            `json:"online"`
	LastSeen     *time.Time      `json:"last_seen,omitempty"`
	LastPosition *model.Position `json:"last_position,omitempty"`
	ActiveTripID *int64          `json:"active_trip_id,omitempty"`
}

func (s *Server) view(d *model.Device) deviceView {
	v := deviceView{Device: d}
	if st := s.live.State(d.ID); st != nil {
		v.Online = st.Online
		v.LastPosition = st.LastPosition
		v.ActiveTripID = st.ActiveTripID
		if !st.LastSeen.IsZero() {
			seen := st.LastSeen
			v.LastSeen = &seen
		}
	}
	return v
}

// deviceAllowed enforces the device assignment.  Admins see every
// device; other users only the ones assigned to them, and an
// unassigned device is indistinguishable from a missing one.
func (s *Server) deviceAllowed(w http.ResponseWriter, r *http.Request, deviceID int64) bool {
	uid := userID(r)
	user, err := s.store.User(r.Context(), uid)
	if err != nil {
		s.fail(w, err, "loading user")
		return false
	}
	if user.Admin {
		return true
	}
	ok, err := s.store.HasDeviceAccess(r.Context(), uid, deviceID)
	if err != nil {
		s.fail(w, err, "checking device access")
		return false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "device not found")
		return false
	}
	return true
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.User(r.Context(), userID(r))
	if err != nil {
		s.fail(w, err, "loading user")
		return
	}
	var devices []*model.Device
	if user.Admin {
		devices, err = s.store.Devices(r.Context())
	} else {
		devices, err = s.store.DevicesForUser(r.Context(), user.ID)
	}
	if err != nil {
		s.fail(w, err, "listing devices")
		return
	}
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, s.view(d))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad device id")
		return
	}
	if !s.deviceAllowed(w, r, id) {
		return
	}
	dev, err := s.store.Device(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		s.fail(w, err, "loading device")
		return
	}
	writeJSON(w, http.StatusOK, s.view(dev))
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad device id")
		return
	}
	if !s.deviceAllowed(w, r, id) {
		return
	}
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "bad from timestamp")
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "bad to timestamp")
			return
		}
	}
	positions, err := s.store.Positions(r.Context(), id, from, to)
	if err != nil {
		s.fail(w, err, "listing positions")
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleTrips(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad device id")
		return
	}
	if !s.deviceAllowed(w, r, id) {
		return
	}
	trips, err := s.store.Trips(r.Context(), id, queryLimit(r))
	if err != nil {
		s.fail(w, err, "listing trips")
		return
	}
	writeJSON(w, http.StatusOK, trips)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad device id")
		return
	}
	if !s.deviceAllowed(w, r, id) {
		return
	}
	alerts, err := s.store.Alerts(r.Context(), id, queryLimit(r))
	if err != nil {
		s.fail(w, err, "listing alerts")
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleAlertRead(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad alert id")
		return
	}
	if err := s.store.MarkAlertRead(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "alert not found")
			return
		}
		s.fail(w, err, "marking alert read")
		return
	}
	if s.rules != nil {
		if err := s.rules.Acknowledge(r.Context(), id); err != nil {
			s.log.Warn().Err(err).Int64("alert_id", id).Msg("applying alert acknowledgement")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

type enqueueRequest struct {
	Kind    string `json:"kind"`
	Payload string `json:"payload"`
}

func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad device id")
		return
	}
	if !s.deviceAllowed(w, r, id) {
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Kind == "" {
		writeError(w, http.StatusBadRequest, "kind is required")
		return
	}
	dev, err := s.store.Device(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		s.fail(w, err, "loading device")
		return
	}
	if codec, ok := protocol.Lookup(dev.Protocol); !ok || !codec.SupportsCommands() {
		writeError(w, http.StatusUnprocessableEntity, "protocol has no command channel")
		return
	}

	cmd := &model.Command{DeviceID: dev.ID, Kind: req.Kind, Payload: req.Payload}
	if _, err := s.store.EnqueueCommand(r.Context(), cmd); err != nil {
		s.fail(w, err, "queueing command")
		return
	}
	// Sends immediately when the device has a live session.
	if s.commands != nil {
		s.commands.Flush(r.Context(), dev.ID)
	}
	latest, err := s.store.Command(r.Context(), cmd.ID)
	if err != nil {
		latest = cmd
	}
	writeJSON(w, http.StatusCreated, latest)
}

func (s *Server) handleDeviceCommands(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad device id")
		return
	}
	if !s.deviceAllowed(w, r, id) {
		return
	}
	cmds, err := s.store.CommandsForDevice(r.Context(), id, queryLimit(r))
	if err != nil {
		s.fail(w, err, "listing commands")
		return
	}
	writeJSON(w, http.StatusOK, cmds)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad command id")
		return
	}
	cmd, err := s.store.Command(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "command not found")
		return
	}
	if err != nil {
		s.fail(w, err, "loading command")
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

type previewRequest struct {
	Protocol string `json:"protocol"`
	Kind     string `json:"kind"`
	Payload  string `json:"payload"`
}

func (s *Server) handleCommandPreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	hexDump, asciiDump, err := command.Preview(req.Protocol,
		&model.Command{Kind: req.Kind, Payload: req.Payload})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hex": hexDump, "ascii": asciiDump})
}

func (s *Server) handleProtocols(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, protocol.Protocols())
}

func queryLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

func (s *Server) fail(w http.ResponseWriter, err error, msg string) {
	s.log.Error().Err(err).Msg(msg)
	writeError(w, http.StatusInternalServerError, "internal error")
}
