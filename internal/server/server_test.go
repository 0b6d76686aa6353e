package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/clawscope/internal/config"
	"github.com/nextlevelbuilder/clawscope/pkg/protocol"
)

func testConfig(root string) *config.Config {
	cfg := config.Default()
	cfg.Logs.Root = root
	cfg.Watcher.Debounce = config.Duration(30 * time.Millisecond)
	cfg.Hub.RebuildInterval = config.Duration(time.Millisecond)
	cfg.Hub.HealthInterval = config.Duration(time.Hour)
	cfg.Cache.MetaTTL = config.Duration(time.Nanosecond)
	// The detector must not scan for real assistant processes in CI.
	cfg.Process.MatchName = "clawscope-test-no-such-process"
	return cfg
}

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	var data []byte
	for _, l := range lines {
		data = append(data, l...)
		data = append(data, '\n')
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func userEntry(uuid, text string, ts time.Time) string {
	return fmt.Sprintf(
		`{"uuid":%q,"type":"user","timestamp":%q,"message":{"role":"user","content":%q}}`,
		uuid, ts.Format(time.RFC3339), text)
}

func assistantEntry(uuid string, ts time.Time) string {
	return fmt.Sprintf(
		`{"uuid":%q,"type":"assistant","timestamp":%q,"message":{"role":"assistant","model":"claude-sonnet-4-5","usage":{"input_tokens":10,"output_tokens":2},"content":[{"type":"text","text":"ok"}]}}`,
		uuid, ts.Format(time.RFC3339))
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, _ := json.Marshal(frame)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestServerEndToEnd(t *testing.T) {
	root := t.TempDir()
	session := filepath.Join(root, "projects", "-home-x-app", "s1.jsonl")
	past := time.Now().Add(-5 * time.Minute)
	writeLines(t, session, userEntry("u1", "hello", past))
	if err := os.Chtimes(session, past, past); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(testConfig(root), "test")
	addr, err := StartTestServer(ctx, s)
	if err != nil {
		t.Fatalf("StartTestServer: %v", err)
	}

	// HTTP surface serves the startup snapshot.
	resp, err := http.Get("http://" + addr + "/api/data")
	if err != nil {
		t.Fatalf("GET /api/data: %v", err)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	convs, _ := body["conversations"].([]any)
	if len(convs) != 1 {
		t.Fatalf("conversations = %d, want 1", len(convs))
	}
	baseVersion, _ := body["snapshotVersion"].(float64)
	if baseVersion < 1 {
		t.Fatalf("snapshotVersion = %v", body["snapshotVersion"])
	}

	// WebSocket surface: greeting, then subscribe to both update channels.
	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, "ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if frame := readFrame(t, conn, 5*time.Second); frame["type"] != protocol.TypeConnection {
		t.Fatalf("greeting = %v", frame)
	}
	for _, ch := range []string{protocol.ChannelData, protocol.ChannelConversations} {
		writeFrame(t, conn, protocol.ClientFrame{Type: protocol.TypeSubscribe, Channel: ch})
		if ack := readFrame(t, conn, 5*time.Second); ack["type"] != protocol.TypeSubscriptionConfirmed {
			t.Fatalf("ack = %v", ack)
		}
	}

	// Appending an assistant turn must flow watcher → cache → rebuild →
	// broadcast, and the conversation moves idle → awaiting_user.
	writeLines(t, session,
		userEntry("u1", "hello", past),
		assistantEntry("a1", time.Now()),
	)

	var sawRefresh, sawStateChange bool
	for i := 0; i < 4 && !(sawRefresh && sawStateChange); i++ {
		frame := readFrame(t, conn, 10*time.Second)
		switch frame["type"] {
		case protocol.TypeDataRefresh:
			v, _ := frame["snapshotVersion"].(float64)
			if v <= baseVersion {
				t.Errorf("refresh version %v not above %v", v, baseVersion)
			}
			sawRefresh = true
		case protocol.TypeConversationStateChange:
			if frame["newState"] != "awaiting_user" {
				t.Errorf("newState = %v", frame["newState"])
			}
			if frame["filepath"] != session {
				t.Errorf("filepath = %v", frame["filepath"])
			}
			sawStateChange = true
		}
	}
	if !sawRefresh || !sawStateChange {
		t.Fatalf("missing frames: refresh=%v stateChange=%v", sawRefresh, sawStateChange)
	}

	// refresh_request acks via a further data_refresh labeled "client".
	writeFrame(t, conn, protocol.ClientFrame{Type: protocol.TypeRefreshRequest})
	deadline := time.Now().Add(10 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("no client-sourced data_refresh")
		}
		frame := readFrame(t, conn, 10*time.Second)
		if frame["type"] == protocol.TypeDataRefresh && frame["source"] == "client" {
			break
		}
	}
}

func TestRefreshRequestAckedInsideThrottleWindow(t *testing.T) {
	root := t.TempDir()
	writeLines(t, filepath.Join(root, "projects", "-p", "s.jsonl"),
		userEntry("u1", "hi", time.Now()))

	// An hour-long throttle window: watcher-driven rebuilds would coalesce,
	// but an explicit refresh_request must still produce its data_refresh.
	cfg := testConfig(root)
	cfg.Hub.RebuildInterval = config.Duration(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(cfg, "test")
	addr, err := StartTestServer(ctx, s)
	if err != nil {
		t.Fatal(err)
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, "ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	readFrame(t, conn, 5*time.Second) // greeting

	writeFrame(t, conn, protocol.ClientFrame{Type: protocol.TypeSubscribe, Channel: protocol.ChannelData})
	if ack := readFrame(t, conn, 5*time.Second); ack["type"] != protocol.TypeSubscriptionConfirmed {
		t.Fatalf("ack = %v", ack)
	}

	writeFrame(t, conn, protocol.ClientFrame{Type: protocol.TypeRefreshRequest})
	frame := readFrame(t, conn, 10*time.Second)
	if frame["type"] != protocol.TypeDataRefresh {
		t.Fatalf("got %v, want data_refresh", frame["type"])
	}
	if frame["source"] != "client" {
		t.Errorf("source = %v, want client", frame["source"])
	}
	if v, _ := frame["snapshotVersion"].(float64); v < 2 {
		t.Errorf("snapshotVersion = %v, want a fresh rebuild above the startup snapshot", frame["snapshotVersion"])
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Server.Port = 0
	err := New(cfg, "test").Run(context.Background())
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}

func TestRunRejectsMissingRoot(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "absent"))
	err := New(cfg, "test").Run(context.Background())
	if !errors.Is(err, ErrRootUnreadable) {
		t.Fatalf("err = %v, want ErrRootUnreadable", err)
	}
}

func TestRunReportsPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	cfg := testConfig(t.TempDir())
	cfg.Server.Port = port
	err = New(cfg, "test").Run(context.Background())
	if !errors.Is(err, ErrPortInUse) {
		t.Fatalf("err = %v, want ErrPortInUse", err)
	}
}

func TestGracefulShutdown(t *testing.T) {
	root := t.TempDir()
	writeLines(t, filepath.Join(root, "projects", "-p", "s.jsonl"),
		userEntry("u1", "hi", time.Now()))

	ctx, cancel := context.WithCancel(context.Background())
	s := New(testConfig(root), "test")
	addr, err := StartTestServer(ctx, s)
	if err != nil {
		t.Fatal(err)
	}

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, "ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	readFrame(t, conn, 5*time.Second) // greeting

	cancel()

	// The client connection drops and the port closes.
	readCtx, readCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer readCancel()
	for {
		if _, _, err := conn.Read(readCtx); err != nil {
			break
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err != nil {
			break
		}
		c.Close()
		if time.Now().After(deadline) {
			t.Fatal("listener still accepting after shutdown")
		}
		time.Sleep(50 * time.Millisecond)
	}
}
