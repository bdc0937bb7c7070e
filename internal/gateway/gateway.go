// Package gateway is the messaging boundary: users connect over a websocket,
// send direct messages and attachments, and receive replies, reactions and
// delivered files. It implements interfaces.Transport for the session
// manager.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chunkrelay/internal/logger"
	"chunkrelay/internal/metrics"
	"chunkrelay/internal/storage"
	"chunkrelay/pkg/interfaces"
	"chunkrelay/pkg/types"
)

// MaxUploadBytes caps a single attachment upload.
const MaxUploadBytes = 64 << 20

// Options configures a Gateway.
type Options struct {
	Token              string
	Categories         []string
	AllowChannelCreate bool

	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int

	EventsPerSecond float64
	EventBurst      int
}

// Gateway accepts client connections and carries outbound actions to them.
type Gateway struct {
	opts      Options
	registry  *Registry
	directory *Directory
	limiter   *RateLimiter
	files     storage.FileStore
	handler   interfaces.EventHandler
	upgrader  websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

var _ interfaces.Transport = (*Gateway)(nil)

// New creates a gateway. The handler may be attached later with SetHandler,
// but must be set before connections are accepted.
func New(opts Options, files storage.FileStore) (*Gateway, error) {
	if files == nil {
		return nil, ErrNoFileStore
	}
	if opts.Token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= opts.ReadTimeout {
		opts.PingInterval = opts.ReadTimeout / 2
	}
	if opts.EventsPerSecond <= 0 {
		opts.EventsPerSecond = 10
	}
	if opts.EventBurst <= 0 {
		opts.EventBurst = 20
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		opts:      opts,
		registry:  NewRegistry(),
		directory: NewDirectory(opts.AllowChannelCreate, opts.Categories...),
		limiter:   NewRateLimiter(opts.EventsPerSecond, opts.EventBurst),
		files:     files,
		upgrader: websocket.Upgrader{
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// SetHandler attaches the consumer of inbound events.
func (g *Gateway) SetHandler(handler interfaces.EventHandler) {
	g.mu.Lock()
	g.handler = handler
	g.mu.Unlock()
}

func (g *Gateway) Registry() *Registry   { return g.registry }
func (g *Gateway) Directory() *Directory { return g.directory }

// authorized checks the bearer token in constant time.
func (g *Gateway) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(g.opts.Token)) == 1
}

// HandleWebSocket upgrades GET /ws?user_id=<id>.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !g.authorized(r) {
		http.Error(w, ErrUnauthorized.Error(), http.StatusUnauthorized)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if !types.IsValidUserID(userID) {
		http.Error(w, "Invalid user_id format", http.StatusBadRequest)
		return
	}

	g.mu.RLock()
	closed, handler := g.closed, g.handler
	g.mu.RUnlock()
	if closed {
		http.Error(w, ErrGatewayClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	if handler == nil {
		http.Error(w, ErrNoHandler.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Str("user_id", userID).Msg("websocket upgrade failed")
		return
	}

	conn := NewConnection(ws, userID, ConnectionOptions{
		WriteTimeout: g.opts.WriteTimeout,
		PingInterval: g.opts.PingInterval,
		BufferSize:   g.opts.BufferSize,
	})
	if err := g.registry.Register(conn); err != nil {
		logger.Error().Err(err).Str("user_id", userID).Msg("failed to register connection")
		_ = conn.Close()
		return
	}
	logger.Info().Str("user_id", userID).Msg("client connected")

	events := make(chan types.Event, g.queueSize())
	g.wg.Add(2)
	go g.readLoop(conn, events)
	go g.dispatchLoop(handler, events)
}

func (g *Gateway) queueSize() int {
	if g.opts.BufferSize > 0 {
		return g.opts.BufferSize
	}
	return 100
}

// readLoop decodes frames into events. It is the only sender on events and
// closes it on exit, which ends the matching dispatchLoop.
func (g *Gateway) readLoop(conn *Connection, events chan<- types.Event) {
	defer g.wg.Done()
	defer func() {
		close(events)
		g.registry.Unregister(conn)
		_ = conn.Close()
		logger.Info().Str("user_id", conn.UserID()).Msg("client disconnected")
	}()

	ws := conn.conn
	ws.SetReadLimit(1 << 20)
	if err := ws.SetReadDeadline(time.Now().Add(g.opts.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(g.opts.ReadTimeout))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn().Err(err).Str("user_id", conn.UserID()).Msg("websocket error")
			}
			return
		}
		if err := ws.SetReadDeadline(time.Now().Add(g.opts.ReadTimeout)); err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		event, ok := g.decode(conn, data)
		if !ok {
			continue
		}

		select {
		case events <- event:
		case <-conn.Done():
			return
		case <-g.ctx.Done():
			return
		}
	}
}

func (g *Gateway) decode(conn *Connection, data []byte) (types.Event, bool) {
	var frame InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		metrics.GatewayEventsDropped.WithLabelValues("invalid").Inc()
		_ = conn.WriteJSON(OutboundFrame{Type: FrameError, Text: ErrInvalidJSON.Error()})
		return nil, false
	}
	if frame.Type != FrameMessage {
		metrics.GatewayEventsDropped.WithLabelValues("unsupported").Inc()
		return nil, false
	}
	if !g.limiter.Allow(conn.UserID()) {
		metrics.GatewayEventsDropped.WithLabelValues("rate_limited").Inc()
		_ = conn.WriteJSON(OutboundFrame{Type: FrameError, Text: "rate limit exceeded"})
		return nil, false
	}

	if frame.ID == "" {
		frame.ID = uuid.NewString()
	}
	ref := types.MessageRef{ID: frame.ID, UserID: conn.UserID()}
	return types.ParseEvent(ref, frame.Text, frame.Attachments), true
}

func (g *Gateway) dispatchLoop(handler interfaces.EventHandler, events <-chan types.Event) {
	defer g.wg.Done()
	for event := range events {
		handler.HandleEvent(g.ctx, event)
	}
}

// HandleUpload serves POST /attachments/{user}/{filename}. The body is stored
// as-is and the response carries the URL to put in an attachment.
func (g *Gateway) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if !g.authorized(r) {
		http.Error(w, ErrUnauthorized.Error(), http.StatusUnauthorized)
		return
	}

	userID := r.PathValue("user")
	filename := r.PathValue("filename")
	if !types.IsValidUserID(userID) {
		http.Error(w, "Invalid user id", http.StatusBadRequest)
		return
	}

	key, err := storage.ObjectKey(userID, filename)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "upload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	url, err := g.files.Put(r.Context(), key, data, contentType)
	if err != nil {
		logger.Error().Err(err).Str("user_id", userID).Msg("failed to store upload")
		http.Error(w, "failed to store upload", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(UploadResponse{URL: url, Filename: filename, Size: len(data)})
}

// SendText delivers text to every connected member of channel. A direct
// channel whose user is offline yields ErrRecipientOffline.
func (g *Gateway) SendText(ctx context.Context, channel types.ChannelRef, text string) error {
	return g.push(channel, OutboundFrame{Type: FrameMessage, Channel: channel.String(), Text: text})
}

// SendFile stores data and announces it on channel. The returned URL stays
// valid whether or not anyone was connected to receive the announcement.
func (g *Gateway) SendFile(ctx context.Context, channel types.ChannelRef, filename string, data []byte) (string, error) {
	if g.isClosed() {
		return "", ErrGatewayClosed
	}

	key, err := storage.ObjectKey(channel.Name, filename)
	if err != nil {
		return "", err
	}
	url, err := g.files.Put(ctx, key, data, "application/octet-stream")
	if err != nil {
		return "", fmt.Errorf("failed to store %s: %w", filename, err)
	}

	frame := OutboundFrame{Type: FrameFile, Channel: channel.String(), Filename: filename, URL: url, Size: len(data)}
	if err := g.push(channel, frame); err != nil && !errors.Is(err, interfaces.ErrRecipientOffline) {
		logger.Ctx(ctx).Warn().Err(err).Str("channel", channel.String()).Msg("failed to announce file")
	}
	return url, nil
}

func (g *Gateway) GetOrCreateChannel(ctx context.Context, parent, name string) (types.ChannelRef, error) {
	return g.directory.GetOrCreate(parent, name)
}

func (g *Gateway) AddReaction(ctx context.Context, message types.MessageRef, symbol string) error {
	return g.push(types.DirectChannel(message.UserID), OutboundFrame{
		Type:      FrameReaction,
		Channel:   types.DirectChannel(message.UserID).String(),
		MessageID: message.ID,
		Symbol:    symbol,
	})
}

func (g *Gateway) push(channel types.ChannelRef, frame OutboundFrame) error {
	if g.isClosed() {
		return ErrGatewayClosed
	}

	members := g.directory.Members(channel)
	if len(members) == 0 {
		return fmt.Errorf("%w: %s", interfaces.ErrChannelNotFound, channel)
	}

	delivered := 0
	var errs []error
	for _, userID := range members {
		conn, ok := g.registry.Get(userID)
		if !ok {
			continue
		}
		if err := conn.WriteJSON(frame); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", userID, err))
			continue
		}
		delivered++
	}
	if delivered == 0 && len(errs) == 0 {
		return fmt.Errorf("%w: %s", interfaces.ErrRecipientOffline, channel)
	}
	return errors.Join(errs...)
}

func (g *Gateway) isClosed() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.closed
}

// CleanupLimiter drops rate limiter state for idle users.
func (g *Gateway) CleanupLimiter(idle time.Duration) int {
	return g.limiter.Cleanup(idle)
}

// Close disconnects every client and waits for their loops, including any
// event still being handled.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	g.cancel()
	for _, conn := range g.registry.All() {
		_ = conn.Close()
	}
	g.wg.Wait()
	return nil
}
