package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"chunkrelay/pkg/interfaces"
	"chunkrelay/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testToken = "secret-token"

type memFiles struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (f *memFiles) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data == nil {
		f.data = make(map[string][]byte)
	}
	f.data[key] = append([]byte(nil), data...)
	return "mem://" + key, nil
}

func (f *memFiles) get(url string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.data[strings.TrimPrefix(url, "mem://")]
	return b, ok
}

type recorder struct {
	events chan types.Event
}

func (r *recorder) HandleEvent(ctx context.Context, event types.Event) {
	r.events <- event
}

type fixture struct {
	gw     *Gateway
	files  *memFiles
	events chan types.Event
	srv    *httptest.Server
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	opts.Token = testToken
	if opts.Categories == nil {
		opts.Categories = []string{"uploads"}
	}
	files := &memFiles{}
	gw, err := New(opts, files)
	require.NoError(t, err)

	rec := &recorder{events: make(chan types.Event, 32)}
	gw.SetHandler(rec)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", gw.HandleWebSocket)
	mux.HandleFunc("POST /attachments/{user}/{filename}", gw.HandleUpload)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		require.NoError(t, gw.Close())
		srv.Close()
	})
	return &fixture{gw: gw, files: files, events: rec.events, srv: srv}
}

func (f *fixture) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?user_id=" + userID
	header := http.Header{"Authorization": {"Bearer " + testToken}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool {
		_, ok := f.gw.Registry().Get(userID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) OutboundFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame OutboundFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func nextEvent(t *testing.T, events <-chan types.Event) types.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Token: testToken}, nil)
	assert.ErrorIs(t, err, ErrNoFileStore)

	_, err = New(Options{}, &memFiles{})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestHandleWebSocket_Rejections(t *testing.T) {
	f := newFixture(t, Options{})

	tests := []struct {
		name   string
		query  string
		token  string
		status int
	}{
		{"missing token", "?user_id=alice", "", http.StatusUnauthorized},
		{"wrong token", "?user_id=alice", "nope", http.StatusUnauthorized},
		{"missing user", "", testToken, http.StatusBadRequest},
		{"bad user", "?user_id=a%20b", testToken, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/ws"+tt.query, nil)
			require.NoError(t, err)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			resp, err := f.srv.Client().Do(req)
			require.NoError(t, err)
			_ = resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestGateway_InboundEventsInOrder(t *testing.T) {
	f := newFixture(t, Options{})
	conn := f.dial(t, "alice")

	require.NoError(t, conn.WriteJSON(InboundFrame{Type: FrameMessage, ID: "m1", Text: "START"}))
	require.NoError(t, conn.WriteJSON(InboundFrame{Type: FrameMessage, ID: "m2", Attachments: []types.Attachment{
		{Filename: "a.bin.part0", URL: "mem://x"},
	}}))
	require.NoError(t, conn.WriteJSON(InboundFrame{Type: FrameMessage, Text: "stop tok"}))

	start, ok := nextEvent(t, f.events).(types.StartCommand)
	require.True(t, ok)
	assert.Equal(t, types.MessageRef{ID: "m1", UserID: "alice"}, start.Message)

	batch, ok := nextEvent(t, f.events).(types.AttachmentBatch)
	require.True(t, ok)
	assert.Len(t, batch.Attachments, 1)

	stop, ok := nextEvent(t, f.events).(types.StopCommand)
	require.True(t, ok)
	assert.Equal(t, "tok", stop.Token)
	assert.NotEmpty(t, stop.Message.ID)
}

func TestGateway_InvalidFrame(t *testing.T) {
	f := newFixture(t, Options{})
	conn := f.dial(t, "alice")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	frame := readFrame(t, conn)
	assert.Equal(t, FrameError, frame.Type)
	assert.Equal(t, ErrInvalidJSON.Error(), frame.Text)
}

func TestGateway_RateLimited(t *testing.T) {
	f := newFixture(t, Options{EventsPerSecond: 0.001, EventBurst: 1})
	conn := f.dial(t, "alice")

	require.NoError(t, conn.WriteJSON(InboundFrame{Type: FrameMessage, Text: "start"}))
	require.NoError(t, conn.WriteJSON(InboundFrame{Type: FrameMessage, Text: "start"}))

	frame := readFrame(t, conn)
	assert.Equal(t, FrameError, frame.Type)
	assert.Contains(t, frame.Text, "rate limit")

	_, ok := nextEvent(t, f.events).(types.StartCommand)
	assert.True(t, ok)
	assert.Empty(t, f.events)
}

func TestGateway_SendTextAndReaction(t *testing.T) {
	f := newFixture(t, Options{})
	conn := f.dial(t, "alice")
	ctx := context.Background()

	require.NoError(t, f.gw.SendText(ctx, types.DirectChannel("alice"), "hello"))
	frame := readFrame(t, conn)
	assert.Equal(t, FrameMessage, frame.Type)
	assert.Equal(t, "dm:alice", frame.Channel)
	assert.Equal(t, "hello", frame.Text)

	require.NoError(t, f.gw.AddReaction(ctx, types.MessageRef{ID: "m1", UserID: "alice"}, types.ReactionAccepted))
	frame = readFrame(t, conn)
	assert.Equal(t, FrameReaction, frame.Type)
	assert.Equal(t, "m1", frame.MessageID)
	assert.Equal(t, types.ReactionAccepted, frame.Symbol)

	err := f.gw.SendText(ctx, types.DirectChannel("bob"), "hello")
	assert.ErrorIs(t, err, interfaces.ErrRecipientOffline)
}

func TestGateway_SendFileToChannel(t *testing.T) {
	f := newFixture(t, Options{AllowChannelCreate: true})
	conn := f.dial(t, "alice")
	ctx := context.Background()

	ch, err := f.gw.GetOrCreateChannel(ctx, "uploads", "alice")
	require.NoError(t, err)

	url, err := f.gw.SendFile(ctx, ch, "downloader_alice_1.pyw", []byte("print(1)"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "mem://alice/"))
	assert.True(t, strings.HasSuffix(url, "/downloader_alice_1.pyw"))

	data, ok := f.files.get(url)
	require.True(t, ok)
	assert.Equal(t, "print(1)", string(data))

	frame := readFrame(t, conn)
	assert.Equal(t, FrameFile, frame.Type)
	assert.Equal(t, "uploads/alice", frame.Channel)
	assert.Equal(t, url, frame.URL)
	assert.Equal(t, 8, frame.Size)

	// Nobody listening on bob's channel; the file is still stored.
	bobCh, err := f.gw.GetOrCreateChannel(ctx, "uploads", "bob")
	require.NoError(t, err)
	_, err = f.gw.SendFile(ctx, bobCh, "x.pyw", []byte("y"))
	assert.NoError(t, err)
}

func TestGateway_ChannelErrors(t *testing.T) {
	f := newFixture(t, Options{AllowChannelCreate: false})
	ctx := context.Background()

	_, err := f.gw.GetOrCreateChannel(ctx, "missing", "alice")
	assert.ErrorIs(t, err, interfaces.ErrChannelNotFound)

	_, err = f.gw.GetOrCreateChannel(ctx, "uploads", "alice")
	assert.ErrorIs(t, err, interfaces.ErrPermissionDenied)

	err = f.gw.SendText(ctx, types.ChannelRef{Kind: types.ChannelGrouped, Parent: "uploads", Name: "ghost"}, "x")
	assert.ErrorIs(t, err, interfaces.ErrChannelNotFound)
}

func TestGateway_ReplacesConnection(t *testing.T) {
	f := newFixture(t, Options{})
	first := f.dial(t, "alice")
	firstConn, _ := f.gw.Registry().Get("alice")

	second := f.dial(t, "alice")
	require.Eventually(t, func() bool {
		c, ok := f.gw.Registry().Get("alice")
		return ok && c != firstConn
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.gw.Registry().Count())

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	require.NoError(t, f.gw.SendText(context.Background(), types.DirectChannel("alice"), "hi"))
	assert.Equal(t, "hi", readFrame(t, second).Text)
}

func TestGateway_ClosedRejectsTraffic(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.gw.Close())
	require.NoError(t, f.gw.Close())

	err := f.gw.SendText(context.Background(), types.DirectChannel("alice"), "x")
	assert.ErrorIs(t, err, ErrGatewayClosed)
	_, err = f.gw.SendFile(context.Background(), types.DirectChannel("alice"), "f", nil)
	assert.ErrorIs(t, err, ErrGatewayClosed)
}

func TestHandleUpload(t *testing.T) {
	f := newFixture(t, Options{})

	post := func(token, path string, body []byte) *http.Response {
		req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, bytes.NewReader(body))
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := f.srv.Client().Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	resp := post(testToken, "/attachments/alice/report.pdf.part0", []byte("chunk-0"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out UploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "report.pdf.part0", out.Filename)
	assert.Equal(t, 7, out.Size)
	data, ok := f.files.get(out.URL)
	require.True(t, ok)
	assert.Equal(t, "chunk-0", string(data))

	assert.Equal(t, http.StatusUnauthorized, post("", "/attachments/alice/x.part0", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(testToken, "/attachments/bad%20user/x.part0", nil).StatusCode)
}
