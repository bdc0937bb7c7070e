package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/dustin/go-humanize"

	"chunkrelay/internal/delivery"
	"chunkrelay/internal/logger"
	"chunkrelay/internal/metrics"
	"chunkrelay/internal/script"
	"chunkrelay/pkg/interfaces"
	"chunkrelay/pkg/types"
)

// Config holds the Manager's tunables.
type Config struct {
	// Timeout is how long a session may stay open before the sweeper closes it.
	Timeout time.Duration
	// ParentCategory is where per-user delivery channels are created.
	ParentCategory string
}

// Manager drives the per-user session state machine:
// no session -> open -> completing -> closed.
//
// Every handler holds the user's lock for its whole run, so a check for an
// open session and the creation that follows cannot interleave with another
// event for the same user.
type Manager struct {
	store     interfaces.Store
	transport interfaces.Transport
	cache     *Cache
	policy    *delivery.Policy
	config    Config
	now       func() time.Time
	locks     *userLocks
}

type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager wires a Manager. cache is shared with the sweeper.
func NewManager(store interfaces.Store, transport interfaces.Transport, cache *Cache, policy *delivery.Policy, config Config, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, ErrNoStore
	}
	if transport == nil {
		return nil, ErrNoTransport
	}
	if cache == nil {
		cache = NewCache()
	}
	if policy == nil {
		policy = &delivery.Policy{MaxAttempts: 1, Retryable: delivery.IsRetryable}
	}

	m := &Manager{
		store:     store,
		transport: transport,
		cache:     cache,
		policy:    policy,
		config:    config,
		now:       time.Now,
		locks:     newUserLocks(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Cache exposes the shared active-session cache.
func (m *Manager) Cache() *Cache {
	return m.cache
}

// HandleEvent dispatches one inbound event. Errors are reported to the user
// and logged; a panic in a handler is recovered here.
func (m *Manager) HandleEvent(ctx context.Context, event types.Event) {
	src := event.Source()
	log := logger.With("user_id", src.UserID, "message_id", src.ID)
	ctx = logger.WithLogger(ctx, log)

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("panic while handling event")
			m.reply(ctx, src.UserID, MsgInternalError)
		}
	}()

	if !types.IsValidUserID(src.UserID) {
		log.Warn().Msg("dropping event with invalid user id")
		return
	}

	var err error
	switch e := event.(type) {
	case types.StartCommand:
		err = m.Start(ctx, src.UserID)
	case types.StopCommand:
		err = m.Stop(ctx, src.UserID, e.Token)
	case types.AttachmentBatch:
		err = m.RegisterChunks(ctx, e.Message, e.Attachments)
	case types.PlainText:
		log.Debug().Msg("ignoring plain text message")
	default:
		log.Warn().Str("event", fmt.Sprintf("%T", event)).Msg("unknown event type")
	}

	switch {
	case err == nil:
	case errors.Is(err, ErrSessionAlreadyOpen), errors.Is(err, ErrNoOpenSession):
		log.Info().Err(err).Msg("request rejected")
	default:
		log.Error().Err(err).Msg("event handling failed")
	}
}

// Start opens a new session for userID.
func (m *Manager) Start(ctx context.Context, userID string) error {
	unlock := m.locks.lock(userID)
	defer unlock()

	existing, err := m.openSession(ctx, userID)
	switch {
	case err == nil:
		logger.Ctx(ctx).Info().Str("session_id", existing).Msg("user already has an active session")
		m.reply(ctx, userID, MsgAlreadyActive)
		return ErrSessionAlreadyOpen
	case !errors.Is(err, interfaces.ErrSessionNotFound):
		m.reply(ctx, userID, MsgStartFailed)
		return fmt.Errorf("failed to look up open session: %w", err)
	}

	now := m.now()
	session := &types.Session{
		ID:        types.NewSessionID(userID, now),
		UserID:    userID,
		CreatedAt: now,
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		m.reply(ctx, userID, MsgStartFailed)
		return fmt.Errorf("failed to create session: %w", err)
	}

	m.cache.Put(userID, CacheEntry{SessionID: session.ID, CreatedAt: session.CreatedAt})
	metrics.SessionsStarted.Inc()

	logger.Ctx(ctx).Info().Str("session_id", session.ID).Msg("started session")
	m.reply(ctx, userID, MsgStarted)
	return nil
}

// RegisterChunks records every attachment of msg that carries a part marker.
// Attachments are handled independently; one bad filename does not stop the
// others. Each accepted attachment is acknowledged with a success reaction
// and each rejected one with a failure reaction.
func (m *Manager) RegisterChunks(ctx context.Context, msg types.MessageRef, attachments []types.Attachment) error {
	unlock := m.locks.lock(msg.UserID)
	defer unlock()

	log := logger.Ctx(ctx)

	sessionID, err := m.openSession(ctx, msg.UserID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrSessionNotFound) {
			m.react(ctx, msg, types.ReactionRejected)
			return fmt.Errorf("failed to look up open session: %w", err)
		}
		m.reply(ctx, msg.UserID, MsgStartFirst)
		m.react(ctx, msg, types.ReactionRejected)
		metrics.Chunks.WithLabelValues(metrics.ResultRejected).Inc()
		return ErrNoOpenSession
	}

	var failed int
	for _, attachment := range attachments {
		if !types.HasPartMarker(attachment.Filename) {
			log.Debug().Str("filename", attachment.Filename).Msg("ignoring attachment without part marker")
			continue
		}

		index, err := types.ParsePartIndex(attachment.Filename)
		if err != nil {
			log.Warn().Err(err).Str("filename", attachment.Filename).Msg("invalid part number")
			metrics.Chunks.WithLabelValues(metrics.ResultRejected).Inc()
			m.react(ctx, msg, types.ReactionRejected)
			continue
		}

		chunk := &types.Chunk{
			SessionID: sessionID,
			URL:       attachment.URL,
			Index:     index,
			Filename:  attachment.Filename,
		}
		if err := m.store.AddChunk(ctx, chunk); err != nil {
			failed++
			log.Error().Err(err).Str("session_id", sessionID).Str("filename", attachment.Filename).Msg("failed to record chunk")
			metrics.Chunks.WithLabelValues(metrics.ResultFailed).Inc()
			m.react(ctx, msg, types.ReactionRejected)
			continue
		}

		log.Debug().Str("session_id", sessionID).Int("index", index).Msg("recorded chunk")
		metrics.Chunks.WithLabelValues(metrics.ResultAccepted).Inc()
		m.react(ctx, msg, types.ReactionAccepted)
	}

	if failed > 0 {
		return fmt.Errorf("failed to record %d chunk(s) for session %s", failed, sessionID)
	}
	return nil
}

// Stop finalizes the user's open session: it builds the downloader, delivers
// it to the user's channel and replies with "<token>:<locator>". The session
// is only marked complete after the reply went out; any earlier failure
// leaves it open for another attempt.
func (m *Manager) Stop(ctx context.Context, userID, token string) error {
	unlock := m.locks.lock(userID)
	defer unlock()

	log := logger.Ctx(ctx)

	sessionID, err := m.openSession(ctx, userID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrSessionNotFound) {
			m.reply(ctx, userID, MsgErrorPrefix+err.Error())
			return fmt.Errorf("failed to look up open session: %w", err)
		}
		m.reply(ctx, userID, MsgNoActiveSession)
		return ErrNoOpenSession
	}
	log.Info().Str("session_id", sessionID).Msg("finalizing session")

	m.reply(ctx, userID, MsgBuilding)

	chunks, err := m.store.GetSessionChunks(ctx, sessionID)
	if err != nil {
		return m.finalizeFailed(ctx, userID, MsgErrorPrefix+err.Error(), fmt.Errorf("failed to load chunks: %w", err))
	}

	if len(chunks) == 0 {
		if err := m.store.MarkSessionComplete(ctx, sessionID); err != nil {
			return m.finalizeFailed(ctx, userID, MsgErrorPrefix+err.Error(), fmt.Errorf("failed to close empty session: %w", err))
		}
		m.cache.Delete(userID)
		metrics.SessionsFinalized.WithLabelValues(metrics.OutcomeEmpty).Inc()
		log.Info().Str("session_id", sessionID).Msg("closed session without chunks")
		m.reply(ctx, userID, MsgNoChunks)
		return nil
	}

	channel, err := m.transport.GetOrCreateChannel(ctx, m.config.ParentCategory, userID)
	if err != nil {
		return m.finalizeFailed(ctx, userID, channelErrorMessage(err), fmt.Errorf("failed to resolve delivery channel: %w", err))
	}

	now := m.now()
	filename, ok := script.RecoverFilename(chunks)
	if !ok {
		filename = script.FallbackFilename(userID, now)
		log.Warn().Str("filename", filename).Msg("could not determine original filename")
	}

	program, err := script.Generate(chunks, filename)
	if err != nil {
		return m.finalizeFailed(ctx, userID, MsgErrorPrefix+err.Error(), err)
	}

	scriptName := script.ScriptName(userID, now)
	locator, err := delivery.Do(ctx, m.policy, func(ctx context.Context) (string, error) {
		return m.transport.SendFile(ctx, channel, scriptName, program)
	})
	if err != nil {
		return m.finalizeFailed(ctx, userID, MsgErrorPrefix+err.Error(), fmt.Errorf("failed to deliver downloader: %w", err))
	}
	metrics.DeliveredBytes.Observe(float64(len(program)))
	log.Info().
		Str("session_id", sessionID).
		Str("channel", channel.String()).
		Str("script", scriptName).
		Str("size", humanize.Bytes(uint64(len(program)))).
		Int("chunks", len(chunks)).
		Msg("delivered downloader")

	if err := m.transport.SendText(ctx, types.DirectChannel(userID), token+":"+locator); err != nil {
		metrics.SessionsFinalized.WithLabelValues(metrics.OutcomeFailed).Inc()
		return fmt.Errorf("failed to send result: %w", err)
	}

	if err := m.store.MarkSessionComplete(ctx, sessionID); err != nil {
		return m.finalizeFailed(ctx, userID, MsgErrorPrefix+err.Error(), fmt.Errorf("failed to mark session complete: %w", err))
	}
	m.cache.Delete(userID)
	metrics.SessionsFinalized.WithLabelValues(metrics.OutcomeDelivered).Inc()

	log.Info().Str("session_id", sessionID).Msg("successfully processed session")
	return nil
}

func (m *Manager) finalizeFailed(ctx context.Context, userID, userMessage string, err error) error {
	metrics.SessionsFinalized.WithLabelValues(metrics.OutcomeFailed).Inc()
	m.reply(ctx, userID, userMessage)
	return err
}

func channelErrorMessage(err error) string {
	switch {
	case errors.Is(err, interfaces.ErrChannelNotFound):
		return MsgCategoryNotFound
	case errors.Is(err, interfaces.ErrPermissionDenied):
		return MsgNoChannelPermission
	default:
		return MsgChannelErrorPrefix + err.Error()
	}
}

// ExpiryReport lists what one ExpireSessions run changed.
type ExpiryReport struct {
	Expired []string `json:"expired_sessions"`
	Evicted []string `json:"evicted_users"`
}

// ExpireSessions runs the store pass, closing every session open longer than
// the timeout, and then the cache pass, evicting entries of the same age.
// The passes are independent; a store failure does not skip the cache pass.
func (m *Manager) ExpireSessions(ctx context.Context) (ExpiryReport, error) {
	var (
		report ExpiryReport
		errs   []error
	)

	expired, err := m.store.GetExpiredSessions(ctx, m.config.Timeout)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to list expired sessions: %w", err))
	}
	for _, sessionID := range expired {
		if err := m.store.MarkSessionComplete(ctx, sessionID); err != nil {
			logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to expire session")
			errs = append(errs, fmt.Errorf("session %s: %w", sessionID, err))
			continue
		}
		m.cache.DeleteSession(sessionID)
		report.Expired = append(report.Expired, sessionID)
		metrics.SessionsExpired.Inc()
		logger.Info().Str("session_id", sessionID).Msg("cleaned up expired session")
	}

	report.Evicted = m.cache.EvictOlderThan(m.now(), m.config.Timeout)
	for _, userID := range report.Evicted {
		metrics.CacheEvictions.Inc()
		logger.Info().Str("user_id", userID).Msg("cleaned up memory cache for user")
	}

	return report, errors.Join(errs...)
}

// openSession resolves the user's open session, cache first.
func (m *Manager) openSession(ctx context.Context, userID string) (string, error) {
	if entry, ok := m.cache.Get(userID); ok {
		return entry.SessionID, nil
	}
	return m.store.GetUserSession(ctx, userID)
}

func (m *Manager) reply(ctx context.Context, userID, text string) {
	if err := m.transport.SendText(ctx, types.DirectChannel(userID), text); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("text", text).Msg("failed to send reply")
	}
}

func (m *Manager) react(ctx context.Context, msg types.MessageRef, symbol string) {
	if err := m.transport.AddReaction(ctx, msg, symbol); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("symbol", symbol).Msg("failed to add reaction")
	}
}
