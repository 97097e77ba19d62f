package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/covehq/cove/internal/bus"
	"github.com/covehq/cove/internal/netmon"
	"github.com/covehq/cove/internal/status"
	"github.com/covehq/cove/internal/store"
	"github.com/covehq/cove/internal/stream"
)

type serverFixture struct {
	client *http.Client
	db     *store.DB
}

// startServer boots a control server on a temp socket with an optional
// stream pipeline and returns a client dialing that socket.
func startServer(t *testing.T, pipeline *stream.Pipeline) *serverFixture {
	t.Helper()
	dir := t.TempDir()

	db, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	socketPath := filepath.Join(dir, "control.sock")
	srv, err := NewServer(
		Params{ProfileName: "test", SocketPath: socketPath},
		zap.NewNop(),
		db,
		status.NewMachine(b),
		netmon.New(nil, b, time.Hour, zap.NewNop()),
		nil, // sync not configured
		pipeline,
	)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}
	waitForSocket(t, client)
	return &serverFixture{client: client, db: db}
}

func waitForSocket(t *testing.T, client *http.Client) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := client.Get("http://cove/v1/status")
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("control socket never came up")
}

func TestStatusEndpoint(t *testing.T) {
	fx := startServer(t, nil)

	if err := fx.db.Upsert(&store.Record{ID: "m1", UserID: "u1", Type: store.RecordTypeMessage, Payload: []byte(`{}`)}); err != nil {
		t.Fatal(err)
	}

	resp, err := fx.client.Get("http://cove/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var report status.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}
	if report.Profile != "test" {
		t.Errorf("profile = %q", report.Profile)
	}
	if report.SyncState != status.Idle {
		t.Errorf("sync state = %s, want IDLE", report.SyncState)
	}
	if !report.Reachable {
		t.Error("degraded monitor should report reachable")
	}
	if report.PendingPush["message"] != 1 {
		t.Errorf("pending push = %v, want message:1", report.PendingPush)
	}
}

func TestSyncEndpointUnconfigured(t *testing.T) {
	fx := startServer(t, nil)

	resp, err := fx.client.Post("http://cove/v1/sync", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when sync is not configured", resp.StatusCode)
	}
}

func TestChatEndpointUnconfigured(t *testing.T) {
	fx := startServer(t, nil)

	body, _ := json.Marshal(chatRequest{ConversationID: "c1", Prompt: "hi"})
	resp, err := fx.client.Post("http://cove/v1/chat", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when streaming is not configured", resp.StatusCode)
	}
}

func TestChatEndpointStreamsAndConflicts(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	sse := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"type\":\"token\",\"offset\":0,\"content\":\"ok\"}\n\n")
		f.Flush()
		<-hold
	}))
	defer sse.Close()

	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "chat.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	pipeline := stream.NewPipeline(db, bus.New(), sse.URL, "k1", "u1", time.Minute, zap.NewNop())
	fx := startServer(t, pipeline)

	body, _ := json.Marshal(chatRequest{ConversationID: "c1", Prompt: "hi"})
	resp, err := fx.client.Post("http://cove/v1/chat", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var accepted map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		t.Fatal(err)
	}
	if accepted["message_id"] == "" {
		t.Error("response should carry the message id")
	}

	// A second turn on the same conversation conflicts.
	resp2, err := fx.client.Post("http://cove/v1/chat", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp2.Body.Close() }()
	if resp2.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409 for an open session", resp2.StatusCode)
	}

	// Cancel tears it down.
	req, _ := http.NewRequest(http.MethodDelete, "http://cove/v1/chat?conversation_id=c1", nil)
	resp3, err := fx.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp3.Body.Close() }()
	if resp3.StatusCode != http.StatusOK {
		t.Errorf("cancel status = %d, want 200", resp3.StatusCode)
	}
}

func TestChatEndpointValidatesBody(t *testing.T) {
	sse := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer sse.Close()

	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "chat.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	pipeline := stream.NewPipeline(db, bus.New(), sse.URL, "k1", "u1", time.Minute, zap.NewNop())
	fx := startServer(t, pipeline)

	resp, err := fx.client.Post("http://cove/v1/chat", "application/json", bytes.NewReader([]byte(`{"prompt":""}`)))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
