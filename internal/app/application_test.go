package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chunkrelay/internal/config"
	"chunkrelay/internal/gateway"
	"chunkrelay/internal/reconstruct"
	"chunkrelay/internal/script"
	"chunkrelay/internal/session"
	"chunkrelay/pkg/types"
)

const testToken = "relay-token"

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	tokenFile := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte(testToken+"\n"), 0o600))

	port := freePort(t)
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(dir, "relay.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = port
	cfg.Transport.TokenFile = tokenFile
	cfg.Transport.PublicBaseURL = fmt.Sprintf("http://127.0.0.1:%d", port)
	cfg.Storage.Dir = filepath.Join(dir, "files")
	cfg.Delivery.Delay = 10 * time.Millisecond
	return cfg
}

func startApp(t *testing.T, cfg *config.Config) *Application {
	t.Helper()
	app, err := NewApplication(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, app.Stop(ctx))
	})
	return app
}

func TestNewApplication_MissingToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transport.TokenFile = filepath.Join(t.TempDir(), "absent")

	_, err := NewApplication(context.Background(), cfg)
	assert.ErrorIs(t, err, config.ErrTokenFile)
}

func TestNewApplication_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sessions.Timeout = 0

	_, err := NewApplication(context.Background(), cfg)
	assert.Error(t, err)
}

func TestApplication_StopWithoutStart(t *testing.T) {
	app, err := NewApplication(context.Background(), testConfig(t))
	require.NoError(t, err)
	require.NoError(t, app.Stop(context.Background()))
	require.NoError(t, app.Stop(context.Background()))
}

type client struct {
	t    *testing.T
	ws   *websocket.Conn
	http *http.Client
	base string
}

func connect(t *testing.T, app *Application, userID string) *client {
	t.Helper()
	base := "http://" + app.Addr()

	header := http.Header{"Authorization": {"Bearer " + testToken}}
	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+app.Addr()+"/ws?user_id="+userID, header)
	require.NoError(t, err)
	_ = resp.Body.Close()

	c := &client{t: t, ws: ws, http: &http.Client{Timeout: 5 * time.Second}, base: base}
	t.Cleanup(func() {
		_ = ws.Close()
		c.http.CloseIdleConnections()
	})
	return c
}

func (c *client) send(frame gateway.InboundFrame) {
	require.NoError(c.t, c.ws.WriteJSON(frame))
}

func (c *client) next() gateway.OutboundFrame {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame gateway.OutboundFrame
	require.NoError(c.t, c.ws.ReadJSON(&frame))
	return frame
}

func (c *client) upload(userID, filename string, data []byte) string {
	c.t.Helper()
	req, err := http.NewRequest(http.MethodPost, c.base+"/attachments/"+userID+"/"+filename, bytes.NewReader(data))
	require.NoError(c.t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := c.http.Do(req)
	require.NoError(c.t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(c.t, http.StatusCreated, resp.StatusCode)

	var out gateway.UploadResponse
	require.NoError(c.t, json.NewDecoder(resp.Body).Decode(&out))
	return out.URL
}

func (c *client) get(url string) []byte {
	c.t.Helper()
	resp, err := c.http.Get(url)
	require.NoError(c.t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(c.t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return data
}

func TestApplication_UploadToReconstruction(t *testing.T) {
	app := startApp(t, testConfig(t))
	c := connect(t, app, "alice")

	c.send(gateway.InboundFrame{Type: gateway.FrameMessage, ID: "m1", Text: "start"})
	assert.Equal(t, session.MsgStarted, c.next().Text)

	// Uploaded out of order; the downloader must still join them by index.
	url1 := c.upload("alice", "notes.txt.part1", []byte("world"))
	url0 := c.upload("alice", "notes.txt.part0", []byte("hello "))
	c.send(gateway.InboundFrame{Type: gateway.FrameMessage, ID: "m2", Attachments: []types.Attachment{
		{Filename: "notes.txt.part1", URL: url1},
		{Filename: "notes.txt.part0", URL: url0},
		{Filename: "readme.md", URL: url0},
	}})
	for i := 0; i < 2; i++ {
		frame := c.next()
		assert.Equal(t, gateway.FrameReaction, frame.Type)
		assert.Equal(t, "m2", frame.MessageID)
		assert.Equal(t, types.ReactionAccepted, frame.Symbol)
	}

	c.send(gateway.InboundFrame{Type: gateway.FrameMessage, ID: "m3", Text: "stop abc-123"})
	assert.Equal(t, session.MsgBuilding, c.next().Text)

	file := c.next()
	require.Equal(t, gateway.FrameFile, file.Type)
	assert.Equal(t, "uploads/alice", file.Channel)

	result := c.next()
	require.Equal(t, gateway.FrameMessage, result.Type)
	assert.Equal(t, "abc-123:"+file.URL, result.Text)

	m, err := script.DecodeManifest(c.get(file.URL))
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", m.Filename)
	require.Len(t, m.Chunks, 2)
	assert.Equal(t, url0, m.Chunks[0].URL)

	res, err := reconstruct.New(c.http).Run(context.Background(), m, t.TempDir())
	require.NoError(t, err)
	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	// The session is closed, so a new one can start.
	c.send(gateway.InboundFrame{Type: gateway.FrameMessage, Text: "stop"})
	assert.Equal(t, session.MsgNoActiveSession, c.next().Text)
	c.send(gateway.InboundFrame{Type: gateway.FrameMessage, Text: "start"})
	assert.Equal(t, session.MsgStarted, c.next().Text)
}

func TestApplication_HealthAndAdmin(t *testing.T) {
	app := startApp(t, testConfig(t))
	hc := &http.Client{Timeout: 5 * time.Second}
	t.Cleanup(hc.CloseIdleConnections)

	resp, err := hc.Get("http://" + app.Addr() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, "http://"+app.Addr()+"/api/sweep", nil)
	require.NoError(t, err)
	resp, err = hc.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err = hc.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
