// Package api is the HTTP surface of the hive server: cluster status,
// chamber assignment and wall updates, migration trigger, and the websocket
// event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"hexhive.ai/internal/hive"
	"hexhive.ai/internal/lattice"
	"hexhive.ai/internal/migration"
	"hexhive.ai/internal/persistence/hivedb"
	"hexhive.ai/internal/protocol"
)

type Server struct {
	store  *hivedb.Store
	mgr    *hive.Manager
	coord  *migration.Coordinator
	hub    *Hub
	logger *log.Logger
}

func NewServer(store *hivedb.Store, mgr *hive.Manager, coord *migration.Coordinator, hub *Hub, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{store: store, mgr: mgr, coord: coord, hub: hub, logger: logger}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/hives/status", s.handleHiveStatus)
	mux.HandleFunc("GET /api/chambers/{id}", s.handleChamber)
	mux.HandleFunc("POST /api/chambers/assign", s.handleAssign)
	mux.HandleFunc("POST /api/chambers/{id}/walls", s.handleWalls)
	mux.HandleFunc("POST /api/migration/run", s.handleMigrate)
	if s.hub != nil {
		mux.HandleFunc("GET /v1/events", s.hub.Handler())
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, protocol.ErrorBody{Code: code, Message: msg})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, hive.ErrNotFound):
		writeErr(w, http.StatusNotFound, protocol.ErrNotFound, err.Error())
	case errors.Is(err, hive.ErrAddressExists):
		writeErr(w, http.StatusConflict, protocol.ErrAddressExists, err.Error())
	default:
		s.logger.Printf("api: %v", err)
		writeErr(w, http.StatusInternalServerError, protocol.ErrInternal, "internal error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type hiveStatus struct {
	ID         int64   `json:"id"`
	Name       string  `json:"name"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Status     string  `json:"status"`
	Capacity   int     `json:"capacity"`
	Current    int64   `json:"current"`
	Chambers   int64   `json:"chambers"`
	MigratedIn int64   `json:"migrated_in"`
}

func (s *Server) handleHiveStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hives, err := s.store.Hives(ctx)
	if err != nil {
		s.fail(w, err)
		return
	}
	totals, err := s.store.MigrationTotals(ctx)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]hiveStatus, 0, len(hives))
	for _, h := range hives {
		chambers, err := s.store.ChamberCount(ctx, h.ID)
		if err != nil {
			s.fail(w, err)
			return
		}
		out = append(out, hiveStatus{
			ID:         h.ID,
			Name:       h.Name,
			Lat:        h.Lat,
			Lon:        h.Lon,
			Status:     string(h.Status),
			Capacity:   h.Capacity,
			Current:    h.Population,
			Chambers:   chambers,
			MigratedIn: totals[h.ID],
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"hives": out})
}

type chamberView struct {
	ID            int64                `json:"id"`
	HiveID        int64                `json:"hive_id"`
	Address       string               `json:"address"`
	CellIndex     int                  `json:"cell_index"`
	Coord         lattice.Hex          `json:"coord"`
	Walls         string               `json:"walls"`
	Occupants     int64                `json:"occupants"`
	LastConsensus string               `json:"last_consensus,omitempty"`
	Neighbors     map[string]int64     `json:"neighbors"`
	Consensus     hive.ConsensusResult `json:"consensus"`
}

func (s *Server) handleChamber(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeErr(w, http.StatusBadRequest, protocol.ErrBadRequest, "chamber id must be an integer")
		return
	}
	ch, err := s.store.ChamberByID(ctx, id)
	if err != nil {
		s.fail(w, err)
		return
	}
	neighbors, err := s.mgr.AdjacentChambers(ctx, id)
	if err != nil {
		s.fail(w, err)
		return
	}
	res, err := s.mgr.Alignment(ctx, id)
	if err != nil {
		s.fail(w, err)
		return
	}
	view := chamberView{
		ID:        ch.ID,
		HiveID:    ch.HiveID,
		Address:   ch.Address,
		CellIndex: ch.CellIndex,
		Coord:     s.mgr.Lattice().IndexToHex(ch.CellIndex),
		Walls:     ch.Walls.String(),
		Occupants: ch.Occupants,
		Neighbors: map[string]int64{},
		Consensus: res,
	}
	if ch.LastConsensus != nil {
		view.LastConsensus = ch.LastConsensus.UTC().Format(time.RFC3339Nano)
	}
	for d, nb := range neighbors {
		view.Neighbors[d.String()] = nb.ID
	}
	writeJSON(w, http.StatusOK, view)
}

type assignRequest struct {
	AgentID     string  `json:"agent_id"`
	HiveID      int64   `json:"hive_id,omitempty"`
	LifePathTag string  `json:"life_path_tag"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
}

type assignResponse struct {
	HiveID    int64       `json:"hive_id"`
	ChamberID int64       `json:"chamber_id"`
	Address   string      `json:"address"`
	Coord     lattice.Hex `json:"coord"`
	Created   bool        `json:"created"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, protocol.ErrBadRequest, "invalid json body")
		return
	}
	if req.LifePathTag == "" {
		writeErr(w, http.StatusBadRequest, protocol.ErrBadRequest, "life_path_tag is required")
		return
	}
	hiveID := req.HiveID
	if hiveID == 0 {
		h, err := s.coord.OptimalHive(ctx, req.Lat, req.Lon)
		if err != nil {
			s.fail(w, err)
			return
		}
		hiveID = h.ID
	}
	p, err := s.mgr.AssignChamber(ctx, hiveID, req.AgentID, req.LifePathTag, req.Lat, req.Lon)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assignResponse{
		HiveID:    hiveID,
		ChamberID: p.ChamberID,
		Address:   p.Address,
		Coord:     p.Coord,
		Created:   p.Created,
	})
}

type wallsRequest struct {
	Walls string `json:"walls"`
}

func (s *Server) handleWalls(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeErr(w, http.StatusBadRequest, protocol.ErrBadRequest, "chamber id must be an integer")
		return
	}
	var req wallsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, protocol.ErrBadRequest, "invalid json body")
		return
	}
	walls, err := hive.ParseWallVector(req.Walls)
	if err != nil {
		writeErr(w, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	res, err := s.mgr.UpdateWallState(ctx, id, walls)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	// Detach from the request context: an interrupted client must not
	// abort a half-done batch run.
	res, err := s.coord.Execute(context.WithoutCancel(r.Context()))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
