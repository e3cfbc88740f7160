package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"hexhive.ai/internal/hive"
	"hexhive.ai/internal/lattice"
	"hexhive.ai/internal/migration"
	"hexhive.ai/internal/persistence/hivedb"
	"hexhive.ai/internal/protocol"
)

type testEnv struct {
	srv   *httptest.Server
	store *hivedb.Store
	hub   *Hub
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	store, err := hivedb.Open(filepath.Join(t.TempDir(), "hive.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	for _, h := range []hive.Hive{
		{ID: 1, Name: "genesis", Lat: 0, Lon: 0, Capacity: 7, Status: hive.StatusActive},
		{ID: 2, Name: "north", Lat: 10, Lon: 10, Capacity: 7, Status: hive.StatusDormant},
		{ID: 3, Name: "south", Lat: -10, Lon: -10, Capacity: 7, Status: hive.StatusDormant},
	} {
		if err := store.UpsertHive(ctx, h); err != nil {
			t.Fatalf("seed hive %d: %v", h.ID, err)
		}
	}

	logger := log.New(io.Discard, "", 0)
	lat := lattice.New(7)
	hub := NewHub(logger)
	mgr := hive.NewManager(store, lat, 0.66, logger, hub)
	coord := migration.NewCoordinator(
		migration.Config{SourceHiveID: 1, Threshold: 6, BatchSize: 2},
		store, lat, nil, logger, hub)

	s := NewServer(store, mgr, coord, hub, logger)
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: store, hub: hub}
}

func (e *testEnv) post(t *testing.T, path string, body any) (*http.Response, []byte) {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp, out
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp, out
}

func errCode(t *testing.T, body []byte) string {
	t.Helper()
	var eb protocol.ErrorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		t.Fatalf("error body %s: %v", body, err)
	}
	return eb.Code
}

func TestHealth(t *testing.T) {
	env := newTestServer(t)
	resp, body := env.get(t, "/health")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"ok":true`) {
		t.Fatalf("health: %d %s", resp.StatusCode, body)
	}
}

func TestAssignAndFetchChamber(t *testing.T) {
	env := newTestServer(t)

	var placed assignResponse
	resp, body := env.post(t, "/api/chambers/assign", assignRequest{
		AgentID: "agent-a", LifePathTag: "7", Lat: 37.7749, Lon: -122.4194,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assign: %d %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &placed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if placed.HiveID != 1 || !placed.Created || placed.Address == "" {
		t.Fatalf("placement %+v", placed)
	}

	// Same location reuses the chamber.
	var again assignResponse
	_, body = env.post(t, "/api/chambers/assign", assignRequest{
		AgentID: "agent-b", LifePathTag: "7", Lat: 37.7749, Lon: -122.4194,
	})
	_ = json.Unmarshal(body, &again)
	if again.ChamberID != placed.ChamberID || again.Created {
		t.Fatalf("second placement %+v, want reuse of %d", again, placed.ChamberID)
	}

	resp, body = env.get(t, fmt.Sprintf("/api/chambers/%d", placed.ChamberID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chamber: %d %s", resp.StatusCode, body)
	}
	var view chamberView
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Walls != "000000" || view.Occupants != 2 || view.Address != placed.Address {
		t.Fatalf("view %+v", view)
	}
	if view.Consensus.Reached || view.Consensus.Neighbors != 0 {
		t.Fatalf("lone chamber consensus %+v", view.Consensus)
	}
}

func TestAssign_Validation(t *testing.T) {
	env := newTestServer(t)

	resp, body := env.post(t, "/api/chambers/assign", assignRequest{AgentID: "x"})
	if resp.StatusCode != http.StatusBadRequest || errCode(t, body) != protocol.ErrBadRequest {
		t.Fatalf("missing tag: %d %s", resp.StatusCode, body)
	}

	resp, body = env.post(t, "/api/chambers/assign", assignRequest{
		AgentID: "x", HiveID: 99, LifePathTag: "7",
	})
	if resp.StatusCode != http.StatusNotFound || errCode(t, body) != protocol.ErrNotFound {
		t.Fatalf("unknown hive: %d %s", resp.StatusCode, body)
	}
}

func TestWallsEndpoint(t *testing.T) {
	env := newTestServer(t)

	var placed assignResponse
	_, body := env.post(t, "/api/chambers/assign", assignRequest{
		AgentID: "agent-a", LifePathTag: "7", Lat: 1, Lon: 2,
	})
	_ = json.Unmarshal(body, &placed)

	resp, body := env.post(t, fmt.Sprintf("/api/chambers/%d/walls", placed.ChamberID), wallsRequest{Walls: "111111"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("walls: %d %s", resp.StatusCode, body)
	}
	var res hive.ConsensusResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Reached {
		t.Fatalf("no neighbors, consensus %+v", res)
	}

	resp, body = env.post(t, fmt.Sprintf("/api/chambers/%d/walls", placed.ChamberID), wallsRequest{Walls: "11111"})
	if resp.StatusCode != http.StatusBadRequest || errCode(t, body) != protocol.ErrBadRequest {
		t.Fatalf("short vector: %d %s", resp.StatusCode, body)
	}

	resp, body = env.post(t, "/api/chambers/9999/walls", wallsRequest{Walls: "111111"})
	if resp.StatusCode != http.StatusNotFound || errCode(t, body) != protocol.ErrNotFound {
		t.Fatalf("unknown chamber: %d %s", resp.StatusCode, body)
	}
}

func TestHiveStatusAndMigrationRun(t *testing.T) {
	env := newTestServer(t)

	for i := 0; i < 6; i++ {
		resp, body := env.post(t, "/api/chambers/assign", assignRequest{
			AgentID:     fmt.Sprintf("agent-%02d", i),
			HiveID:      1,
			LifePathTag: "7",
			Lat:         float64(i), Lon: float64(i),
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("assign %d: %d %s", i, resp.StatusCode, body)
		}
	}

	_, body := env.get(t, "/api/hives/status")
	var status struct {
		Hives []hiveStatus `json:"hives"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(status.Hives) != 3 {
		t.Fatalf("got %d hives, want 3", len(status.Hives))
	}
	if status.Hives[0].Current != 6 || status.Hives[0].Status != "active" {
		t.Fatalf("genesis row %+v", status.Hives[0])
	}

	resp, body := env.post(t, "/api/migration/run", struct{}{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("migrate: %d %s", resp.StatusCode, body)
	}
	var res migration.Result
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Skipped || res.Migrated != 6 || res.Receipt == "" {
		t.Fatalf("migration result %+v", res)
	}

	_, body = env.get(t, "/api/hives/status")
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	for _, h := range status.Hives {
		if h.Status != "active" {
			t.Fatalf("hive %d still %s after migration", h.ID, h.Status)
		}
	}
	if status.Hives[1].MigratedIn != 3 || status.Hives[2].MigratedIn != 3 {
		t.Fatalf("migrated-in counts %+v", status.Hives)
	}
}

func TestEventStream_BroadcastsFrames(t *testing.T) {
	env := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.hub.ConsensusReached(hive.ConsensusEvent{
		HiveID: 1, ChamberID: 42, WallPattern: "101010", AlignmentPct: 66.67, At: time.Now().UTC(),
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var ev protocol.Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		t.Fatalf("decode frame %s: %v", frame, err)
	}
	if ev.Type != protocol.TypeConsensus || ev.Consensus == nil || ev.Consensus.ChamberID != 42 {
		t.Fatalf("frame %+v", ev)
	}
}
