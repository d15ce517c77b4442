package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ktec-smt/aoirecord/internal/metrics"
	"github.com/ktec-smt/aoirecord/internal/schema"
	"github.com/ktec-smt/aoirecord/internal/session"
)

func startServer(t *testing.T, m http.Handler) *Server {
	t.Helper()
	server := NewServer(&Config{
		Host:    "127.0.0.1",
		Port:    0,
		Metrics: m,
		Logger:  log.New(io.Discard, "", 0),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func waitForClients(t *testing.T, server *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for server.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want %d", server.ClientCount(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Host: "127.0.0.1", Logger: log.New(io.Discard, "", 0)})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if server.GetAddr() == "" {
		t.Fatal("Server address is empty")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

// TestStatusBroadcast tests a session status reaches connected clients
func TestStatusBroadcast(t *testing.T) {
	server := startServer(t, nil)
	handler := NewHandler(server, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	welcome := readMessage(t, ctx, conn)
	if welcome.Type != MessageTypeSession {
		t.Errorf("welcome type = %s, want %s", welcome.Type, MessageTypeSession)
	}
	waitForClients(t, server, 1)

	handler.Notify(session.Status{
		Time:      time.Now(),
		Level:     session.LevelInfo,
		Source:    session.SourceRemote,
		Message:   session.MsgPosted,
		Connected: true,
	})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStatus {
		t.Fatalf("type = %s, want %s", msg.Type, MessageTypeStatus)
	}
	var data StatusData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Message != session.MsgPosted || !data.Connected || data.Source != "remote" {
		t.Errorf("status = %+v", data)
	}
}

// TestWelcome_LatestSession tests new clients receive the last summary
func TestWelcome_LatestSession(t *testing.T) {
	server := startServer(t, nil)
	handler := NewHandler(server, nil)

	handler.OnState(session.State{
		Phase:       session.PhaseBoardActive,
		LotNumber:   "1234567-10",
		BoardIndex:  2,
		TotalBoards: 2,
		Defects: []schema.Defect{
			{BoardIndex: 1, RemoteID: "r1"},
			{BoardIndex: 2},
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	msg := readMessage(t, ctx, conn)
	var data SessionData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Phase != "board_active" || data.LotNumber != "1234567-10" || data.Defects != 2 || data.BoardDefects != 1 || data.Unsynced != 1 {
		t.Errorf("session = %+v", data)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	rec := metrics.New()
	rec.Connected(true)
	server := startServer(t, rec.Handler())
	NewHandler(server, nil).Notify(session.Status{Message: session.MsgConnected, Connected: true})

	resp, err := http.Get("http://" + server.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()
	var h HealthData
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	if h.Status != "ok" || !h.RemoteConnected || h.LastStatus == nil {
		t.Errorf("health = %+v", h)
	}

	resp, err = http.Get("http://" + server.GetAddr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "aoi_remote_connected 1") {
		t.Errorf("metrics body missing connectivity gauge:\n%s", body)
	}
}

func TestSummarize_Empty(t *testing.T) {
	d := Summarize(session.State{})
	if d.Phase != "no_lot" || d.Defects != 0 {
		t.Errorf("Summarize() = %+v", d)
	}
}

func TestStoreBroadcast(t *testing.T) {
	server := startServer(t, nil)
	handler := NewHandler(server, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	readMessage(t, ctx, conn)
	waitForClients(t, server, 1)

	handler.OnStore(StoreData{Path: "shared/aoi_data.db", Defects: 12, Lots: 2})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStore {
		t.Fatalf("type = %s, want %s", msg.Type, MessageTypeStore)
	}
	var data StoreData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Defects != 12 || data.Lots != 2 {
		t.Errorf("store = %+v", data)
	}
}
