package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/pairline/internal/config"
	"github.com/petervdpas/pairline/internal/proto"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Server.ServiceToken = "service-secret"
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "pairline.db")
	return cfg
}

func start(t *testing.T, cfg config.Config) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	addrCh := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{CfgPath: "test", Cfg: cfg, Ready: func(a net.Addr) { addrCh <- a }})
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})

	select {
	case a := <-addrCh:
		return a.String()
	case err := <-done:
		t.Fatalf("Run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}
	return ""
}

func TestRunServesHealthAndWebsocket(t *testing.T) {
	addr := start(t, testConfig(t))

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, proto.MustEncode(proto.EventJoin, proto.Join{UserID: "alice"})))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	f, err := proto.Decode(msg)
	require.NoError(t, err)
	require.Equal(t, proto.EventJoined, f.Event)

	var j proto.Joined
	require.NoError(t, json.Unmarshal(f.Data, &j))
	require.NotEmpty(t, j.ICEServers)
	assert.Equal(t, "stun:stun.l.google.com:19302", j.ICEServers[0].URLs[0])

	req, _ := http.NewRequest("GET", "http://"+addr+"/api/presence/alice", nil)
	req.Header.Set("Authorization", "Bearer service-secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var p struct {
		Online bool `json:"online"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	assert.True(t, p.Online)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.SendQueue = 0
	err := Run(context.Background(), Options{Cfg: cfg})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "send_queue"))
}

func TestICEServersCarryCredentials(t *testing.T) {
	out := iceServers([]config.ICEServer{
		{URLs: []string{"stun:a"}},
		{URLs: []string{"turn:b"}, Username: "u", Credential: "p"},
	})
	require.Len(t, out, 2)
	assert.Empty(t, out[0].Username)
	assert.Equal(t, "u", out[1].Username)
	assert.Equal(t, "p", out[1].Credential)
}
