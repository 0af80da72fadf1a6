// Package httpapi exposes the service over the observed wire protocol:
// polling plus websocket push for simulation state, multipart module
// upload, and the admin moderation endpoints.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"ballmachine.dev/internal/audit"
	"ballmachine.dev/internal/auth"
	"ballmachine.dev/internal/protocol"
	"ballmachine.dev/internal/registry"
	"ballmachine.dev/internal/sim"
	"ballmachine.dev/internal/validate"
)

// SessionCookie carries the opaque session token. The core never parses
// credentials; the token is resolved through the auth collaborator.
const SessionCookie = "session_id"

type Server struct {
	engine *sim.Engine
	reg    *registry.Store
	auth   *auth.Service
	pipe   *validate.Pipeline
	audit  *audit.Logger
	log    *log.Logger

	maxUpload int64
	upgrader  websocket.Upgrader
}

func NewServer(engine *sim.Engine, reg *registry.Store, authsvc *auth.Service, pipe *validate.Pipeline, auditor *audit.Logger, maxUpload int64, logger *log.Logger) *Server {
	return &Server{
		engine:    engine,
		reg:       reg,
		auth:      authsvc,
		pipe:      pipe,
		audit:     auditor,
		log:       logger,
		maxUpload: maxUpload,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/init_info", s.handleInitInfo)
	mux.HandleFunc("/num_chambers", s.handleNumChambers)
	mux.HandleFunc("/num_balls", s.handleNumBalls)
	mux.HandleFunc("/chambers_per_row", s.handleChambersPerRow)
	mux.HandleFunc("/chamber_height", s.handleChamberHeight)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/{id}/chamber.wasm", s.handleChamberWasm)
	mux.HandleFunc("/{id}/state", s.handleChamberState)
	mux.HandleFunc("/simulation_state", s.handleSimulationState)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/chambers", s.handleChambers)
	mux.HandleFunc("/unaccepted_chambers", s.handleUnacceptedChambers)
	mux.HandleFunc("/accept_chamber", s.handleAcceptChamber)
	mux.HandleFunc("/reject_chamber", s.handleRejectChamber)
	mux.HandleFunc("/reset", s.handleReset)
	mux.HandleFunc("/userinfo", s.handleUserinfo)
	mux.HandleFunc("/my_chambers", s.handleMyChambers)
}

func (s *Server) handleInitInfo(w http.ResponseWriter, r *http.Request) {
	cfg := s.engine.Config()
	accepted := s.reg.List(registry.StateAccepted)
	ids := make([]string, len(accepted))
	for i, c := range accepted {
		ids[i] = c.ID
	}
	writeJSON(w, protocol.InitInfo{
		NumBalls:       cfg.NumBalls,
		ChambersPerRow: cfg.ChambersPerRow,
		ChamberIDs:     ids,
	})
}

func (s *Server) handleNumChambers(w http.ResponseWriter, r *http.Request) {
	writeText(w, strconv.Itoa(len(s.reg.List(registry.StateAccepted))))
}

func (s *Server) handleNumBalls(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeText(w, strconv.Itoa(s.engine.Config().NumBalls))
	case http.MethodPut:
		// Any authenticated user may set the ball count.
		p, ok := s.authorize(w, r, auth.RoleUser)
		if !ok {
			return
		}
		n, ok := s.readDecimalBody(w, r)
		if !ok {
			return
		}
		cfg := s.engine.Config()
		cfg.NumBalls = n
		s.applyConfig(w, r, p, cfg, fmt.Sprintf("num_balls=%d", n))
	default:
		writeError(w, http.StatusMethodNotAllowed, protocol.ErrBadRequest, "method not allowed")
	}
}

func (s *Server) handleChambersPerRow(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeText(w, strconv.Itoa(s.engine.Config().ChambersPerRow))
	case http.MethodPut:
		// Admin only since protocol revision 3; the looser earlier
		// behavior is superseded.
		p, ok := s.authorize(w, r, auth.RoleAdmin)
		if !ok {
			return
		}
		n, ok := s.readDecimalBody(w, r)
		if !ok {
			return
		}
		cfg := s.engine.Config()
		cfg.ChambersPerRow = n
		s.applyConfig(w, r, p, cfg, fmt.Sprintf("chambers_per_row=%d", n))
	default:
		writeError(w, http.StatusMethodNotAllowed, protocol.ErrBadRequest, "method not allowed")
	}
}

func (s *Server) handleChamberHeight(w http.ResponseWriter, r *http.Request) {
	writeText(w, strconv.FormatFloat(s.engine.Config().ChamberHeight, 'g', -1, 64))
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, protocol.ErrBadRequest, "method not allowed")
		return
	}
	p, ok := s.authorize(w, r, auth.RoleUser)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrBadRequest, "bad multipart body")
		return
	}
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		name = "chamber"
	}
	file, _, err := r.FormFile("chamber")
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrBadRequest, "missing chamber part")
		return
	}
	defer file.Close()
	wasm, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrBadRequest, "read chamber part")
		return
	}

	c, err := s.reg.Create(p.UserID, name, wasm)
	if err != nil {
		if errors.Is(err, registry.ErrModuleTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, protocol.ErrInvalidModule, err.Error())
			return
		}
		s.log.Printf("upload: %v", err)
		writeError(w, http.StatusInternalServerError, protocol.ErrInternal, "upload failed")
		return
	}
	s.record(p, audit.ActionUpload, c.ID, name)
	s.pipe.Submit(c.ID)
	writeJSON(w, map[string]string{"chamber_id": c.ID})
}

func (s *Server) handleChamberWasm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, err := s.reg.Get(id)
	if err != nil || c.State != registry.StateAccepted {
		// Unaccepted chambers are not served; indistinguishable from absent.
		writeError(w, http.StatusNotFound, protocol.ErrNotFound, "no such chamber")
		return
	}
	wasm, err := s.reg.Module(id)
	if err != nil {
		writeError(w, http.StatusNotFound, protocol.ErrNotFound, "no such chamber")
		return
	}
	w.Header().Set("Content-Type", "application/wasm")
	_, _ = w.Write(wasm)
}

// handleChamberState reports the instance's execution state, so a client can
// tell a quarantined chamber (and its fault) apart from one that is merely
// idle in the snapshot stream.
func (s *Server) handleChamberState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state, message, err := s.engine.InstanceStatus(id)
	if err != nil {
		writeError(w, http.StatusNotFound, protocol.ErrNotFound, "no such chamber")
		return
	}
	writeJSON(w, protocol.ChamberState{
		ChamberID: id,
		State:     state.String(),
		Message:   message,
	})
}

func (s *Server) handleSimulationState(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, protocol.ErrBadRequest, "bad since cursor")
			return
		}
		since = v
	}
	snaps := s.engine.FetchAllSince(since)
	if snaps == nil {
		snaps = []sim.Snapshot{}
	}
	writeJSON(w, snaps)
}

// handleWS pushes snapshot batches as the engine produces them, sparing
// clients the polling loop. The cursor resets when a reseed rewinds the
// step counters.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := newSnapshotTicker()
	defer ticker.Stop()

	var cursor uint64
	known := make(map[string]struct{})
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
		// A chamber accepted mid-session starts counting at 1, below any
		// established cursor; rewind so it becomes visible immediately.
		for _, id := range s.engine.ChamberIDs() {
			if _, ok := known[id]; !ok {
				known[id] = struct{}{}
				cursor = 0
			}
		}
		snaps := s.engine.FetchAllSince(cursor)
		if len(snaps) == 0 {
			if max := maxStep(s.engine.FetchAllSince(0)); max < cursor {
				cursor = 0
			}
			continue
		}
		cursor = maxStep(snaps)
		if err := conn.WriteJSON(snaps); err != nil {
			return
		}
	}
}

func (s *Server) handleChambers(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, auth.RoleAdmin); !ok {
		return
	}
	var states []registry.State
	if raw := r.URL.Query().Get("state"); raw != "" {
		st, err := registry.ParseState(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
			return
		}
		states = append(states, st)
	}
	writeJSON(w, chamberInfos(s.reg.List(states...)))
}

func (s *Server) handleUnacceptedChambers(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, auth.RoleAdmin); !ok {
		return
	}
	writeJSON(w, chamberInfos(s.reg.List(registry.StateValidated)))
}

func (s *Server) handleAcceptChamber(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, auth.RoleAdmin)
	if !ok {
		return
	}
	id := r.URL.Query().Get("id")
	if !s.transition(w, id, registry.StateValidated, registry.StateAccepted, "") {
		return
	}
	s.record(p, audit.ActionAccepted, id, "")
	// The registry transition is already durable; a failed engine add only
	// delays simulation until the next restart.
	if err := s.engine.AddChamber(r.Context(), id); err != nil {
		s.log.Printf("accept %s: engine add: %v", id, err)
	}
	writeJSON(w, map[string]string{"chamber_id": id, "state": registry.StateAccepted.String()})
}

func (s *Server) handleRejectChamber(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, auth.RoleAdmin)
	if !ok {
		return
	}
	id := r.URL.Query().Get("id")
	if !s.transition(w, id, registry.StateValidated, registry.StateRejected, "rejected by moderator") {
		return
	}
	s.record(p, audit.ActionRejected, id, "rejected by moderator")
	writeJSON(w, map[string]string{"chamber_id": id, "state": registry.StateRejected.String()})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, auth.RoleAdmin)
	if !ok {
		return
	}
	if err := s.engine.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, protocol.ErrInternal, err.Error())
		return
	}
	s.record(p, audit.ActionReset, "", "")
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, auth.RoleUser)
	if !ok {
		return
	}
	writeJSON(w, protocol.UserInfo{UserID: p.UserID, Name: p.Name, IsAdmin: p.Admin})
}

func (s *Server) handleMyChambers(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, auth.RoleUser)
	if !ok {
		return
	}
	writeJSON(w, chamberInfos(s.reg.ListByOwner(p.UserID)))
}

// applyConfig pushes a config change through the engine (stop-the-world
// reseed) and reports the outcome. State is unchanged on failure.
func (s *Server) applyConfig(w http.ResponseWriter, r *http.Request, p auth.Principal, cfg sim.Config, detail string) {
	if err := s.engine.SetConfig(r.Context(), cfg); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	s.record(p, audit.ActionConfigChange, "", detail)
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) transition(w http.ResponseWriter, id string, from, to registry.State, message string) bool {
	err := s.reg.Transition(id, from, to, message)
	switch {
	case err == nil:
		return true
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, protocol.ErrNotFound, "no such chamber")
	case errors.Is(err, registry.ErrInvalidTransition):
		// A racing moderator won; the caller re-reads and decides.
		writeError(w, http.StatusConflict, protocol.ErrInvalidTransition, err.Error())
	default:
		s.log.Printf("transition %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, protocol.ErrInternal, "transition failed")
	}
	return false
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, role auth.Role) (auth.Principal, bool) {
	p, err := s.auth.Authorize(r.Context(), sessionToken(r), role)
	if err != nil {
		if errors.Is(err, auth.ErrForbidden) {
			writeError(w, http.StatusForbidden, protocol.ErrForbidden, "forbidden")
		} else {
			writeError(w, http.StatusUnauthorized, protocol.ErrUnauthenticated, "unauthenticated")
		}
		return auth.Principal{}, false
	}
	return p, true
}

func (s *Server) readDecimalBody(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 64))
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrBadRequest, "read body")
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrBadRequest, "body must be a decimal integer")
		return 0, false
	}
	return n, true
}

func (s *Server) record(p auth.Principal, action, chamberID, detail string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(audit.Entry{Actor: p.UserID, Action: action, ChamberID: chamberID, Detail: detail}); err != nil {
		s.log.Printf("audit: %v", err)
	}
}

func sessionToken(r *http.Request) string {
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return ""
	}
	return c.Value
}

func chamberInfos(cs []registry.Chamber) []protocol.ChamberInfo {
	out := make([]protocol.ChamberInfo, len(cs))
	for i, c := range cs {
		out[i] = protocol.ChamberInfo{
			ChamberID:   c.ID,
			ChamberName: c.Name,
			User:        c.Owner,
			State:       c.State.String(),
			Message:     c.Message,
			CreatedAt:   c.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, s string) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(s))
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(protocol.ErrorBody{Code: code, Message: message})
}

// snapshotPushInterval is how often the websocket loop drains new
// snapshots. Shortened in tests.
var snapshotPushInterval = 100 * time.Millisecond

func newSnapshotTicker() *time.Ticker { return time.NewTicker(snapshotPushInterval) }

func maxStep(snaps []sim.Snapshot) uint64 {
	var max uint64
	for _, s := range snaps {
		if s.NumStepsTaken > max {
			max = s.NumStepsTaken
		}
	}
	return max
}
