package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/suPer8Hu/widget-chat/internal/ai"
	"github.com/suPer8Hu/widget-chat/internal/broadcast"
	"github.com/suPer8Hu/widget-chat/internal/common"
	"github.com/suPer8Hu/widget-chat/internal/metrics"
	"github.com/suPer8Hu/widget-chat/internal/widget"
	"github.com/suPer8Hu/widget-chat/pkg/protocol"
	"go.uber.org/zap"
)

// FallbackReply is stored as the assistant turn when generation fails.
const FallbackReply = "Sorry, I'm having trouble responding right now. Please try again in a moment."

const (
	defaultProvider  = "ollama"
	defaultModel     = "llama3:latest"
	maxMessageLength = 4000
)

// WidgetLookup resolves the widget behind an embedded session.
type WidgetLookup interface {
	Get(ctx context.Context, id string) (*widget.Widget, error)
}

type Service struct {
	repo              *Repo
	registry          *ai.Registry
	widgets           WidgetLookup
	events            broadcast.Publisher
	logger            *zap.Logger
	metrics           *metrics.Metrics
	contextWindowSize int
}

type Option func(*Service)

// WithPublisher fans stored messages and typing events out to channel subscribers.
func WithPublisher(p broadcast.Publisher) Option { return func(s *Service) { s.events = p } }

// WithWidgets enables per-widget system prompts.
func WithWidgets(w WidgetLookup) Option { return func(s *Service) { s.widgets = w } }

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

func NewService(repo *Repo, registry *ai.Registry, contextWindowSize int, opts ...Option) *Service {
	if contextWindowSize <= 0 || contextWindowSize > 100 {
		contextWindowSize = 20
	}
	s := &Service{
		repo:              repo,
		registry:          registry,
		contextWindowSize: contextWindowSize,
		events:            broadcast.Discard{},
		logger:            zap.NewNop(),
		metrics:           metrics.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func validateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyMessage
	}
	if utf8.RuneCountInString(content) > maxMessageLength {
		return "", ErrMessageTooLong
	}
	return content, nil
}

// CreateSession starts a direct session owned by an authenticated user.
func (s *Service) CreateSession(ctx context.Context, userID uint64, provider, model string) (*Session, error) {
	if provider == "" {
		provider = defaultProvider
	}
	if model == "" {
		model = defaultModel
	}

	uid := userID
	session := &Session{
		ID:       common.NewUUID(),
		Mode:     ModeDirect,
		Status:   StatusActive,
		UserID:   &uid,
		Provider: provider,
		Model:    model,
	}

	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// CreateWidgetSession starts an embedded session for w. When the widget has a
// welcome message it is stored as the first (system) message and returned.
func (s *Service) CreateWidgetSession(ctx context.Context, w *widget.Widget, meta SessionMeta) (*Session, []Message, error) {
	provider := w.AIProvider
	if provider == "" {
		provider = defaultProvider
	}
	wid := w.ID
	session := &Session{
		ID:        common.NewUUID(),
		Mode:      ModeEmbedded,
		Status:    StatusActive,
		WidgetID:  &wid,
		ClientID:  truncate(meta.ClientID, 128),
		IPAddress: truncate(meta.IPAddress, 64),
		UserAgent: truncate(meta.UserAgent, 512),
		Referrer:  truncate(meta.Referrer, 1024),
		Provider:  provider,
		Model:     w.AIModel,
	}

	welcome := strings.TrimSpace(w.WelcomeMessage())
	if welcome == "" {
		if err := s.repo.CreateSession(ctx, session); err != nil {
			return nil, nil, err
		}
		return session, []Message{}, nil
	}

	msg := &Message{Role: RoleSystem, Content: welcome}
	if err := s.repo.CreateSessionWithMessage(ctx, session, msg); err != nil {
		return nil, nil, err
	}
	s.logger.Info("widget session created", zap.String("session_id", session.ID), zap.String("widget_id", w.ID))
	return session, []Message{*msg}, nil
}

func truncate(v string, n int) string {
	if len(v) <= n {
		return v
	}
	return v[:n]
}

// GetPublicSession returns an embedded session; direct sessions are hidden.
func (s *Service) GetPublicSession(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Mode != ModeEmbedded {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// ValidateSessionOwner hides sessions the user does not own behind ErrSessionNotFound.
func (s *Service) ValidateSessionOwner(ctx context.Context, userID uint64, sessionID string) (*Session, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Mode != ModeDirect || !sess.OwnedBy(userID) {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *Service) providerForSession(ctx context.Context, sess *Session) (ai.Provider, error) {
	p := sess.Provider
	if p == "" {
		p = defaultProvider
	}
	m := sess.Model
	if m == "" && p == defaultProvider {
		m = defaultModel
	}
	return s.registry.Get(ctx, p, m)
}

// buildContext returns the system prompt (if any) followed by the recent
// history in ascending order.
func (s *Service) buildContext(ctx context.Context, sess *Session) ([]ai.Message, error) {
	recentDesc, err := s.repo.ListRecentMessagesDesc(ctx, sess.ID, s.contextWindowSize)
	if err != nil {
		return nil, err
	}

	out := make([]ai.Message, 0, len(recentDesc)+1)
	if prompt := s.systemPrompt(ctx, sess); prompt != "" {
		out = append(out, ai.Message{Role: RoleSystem, Content: prompt})
	}
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		out = append(out, ai.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

func (s *Service) systemPrompt(ctx context.Context, sess *Session) string {
	if s.widgets == nil || sess.WidgetID == nil {
		return ""
	}
	w, err := s.widgets.Get(ctx, *sess.WidgetID)
	if err != nil {
		if !errors.Is(err, widget.ErrNotFound) {
			s.logger.Warn("widget lookup failed", zap.String("session_id", sess.ID), zap.Error(err))
		}
		return ""
	}
	return strings.TrimSpace(w.SystemPrompt())
}

// generate asks the session's provider for a reply. Provider failures never
// escape: the turn is completed with FallbackReply.
func (s *Service) generate(ctx context.Context, sess *Session, history []ai.Message) string {
	provider, err := s.providerForSession(ctx, sess)
	var reply string
	if err == nil {
		reply, err = provider.Chat(ctx, history)
	}
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errors.New("empty reply")
	}
	if err != nil {
		s.metrics.GenerationFailures.WithLabelValues(sess.Provider).Inc()
		s.logger.Warn("generation failed, using fallback reply",
			zap.String("session_id", sess.ID),
			zap.String("provider", sess.Provider),
			zap.Error(err),
		)
		return FallbackReply
	}
	return reply
}

// respond generates, stores and broadcasts the assistant turn for sess.
func (s *Service) respond(ctx context.Context, sess *Session) (*Message, error) {
	history, err := s.buildContext(ctx, sess)
	if err != nil {
		return nil, err
	}
	reply := s.generate(ctx, sess, history)

	assistantMsg := &Message{
		SessionID: sess.ID,
		Role:      RoleAssistant,
		Content:   reply,
	}
	if err := s.repo.InsertMessage(ctx, assistantMsg); err != nil {
		return nil, err
	}
	if err := s.repo.TouchSession(ctx, sess.ID); err != nil {
		s.logger.Warn("touch session failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
	s.publishMessage(ctx, assistantMsg)
	return assistantMsg, nil
}

// exchange stores the user turn, generates the reply and broadcasts both.
func (s *Service) exchange(ctx context.Context, sess *Session, content string) (*Exchange, error) {
	if sess.Status == StatusEnded {
		return nil, ErrSessionEnded
	}
	content, err := validateContent(content)
	if err != nil {
		return nil, err
	}

	// store user message (strong consistency)
	userMsg := &Message{
		SessionID: sess.ID,
		Role:      RoleUser,
		Content:   content,
	}
	if err := s.repo.InsertMessage(ctx, userMsg); err != nil {
		return nil, err
	}
	s.publishMessage(ctx, userMsg)

	assistantMsg, err := s.respond(ctx, sess)
	if err != nil {
		return nil, err
	}
	return &Exchange{UserMessage: userMsg, AssistantMessage: assistantMsg}, nil
}

// SendMessage runs one turn in a direct session owned by userID.
func (s *Service) SendMessage(ctx context.Context, userID uint64, sessionID string, content string) (*Exchange, error) {
	sess, err := s.ValidateSessionOwner(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return s.exchange(ctx, sess, content)
}

// SendPublicMessage runs one turn in an embedded session.
func (s *Service) SendPublicMessage(ctx context.Context, sessionID string, content string) (*Exchange, error) {
	sess, err := s.GetPublicSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.exchange(ctx, sess, content)
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 50
	}
	return limit
}

func (s *Service) ListMessages(ctx context.Context, userID uint64, sessionID string, limit int, afterID uint64) ([]Message, error) {
	if _, err := s.ValidateSessionOwner(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, sessionID, clampLimit(limit), afterID)
}

func (s *Service) ListPublicMessages(ctx context.Context, sessionID string, limit int, afterID uint64) ([]Message, error) {
	if _, err := s.GetPublicSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, sessionID, clampLimit(limit), afterID)
}

// SendMessageStream stores the user message immediately, streams assistant chunks,
// and finally stores the assistant message after streaming completes.
func (s *Service) SendMessageStream(ctx context.Context, userID uint64, sessionID string, content string) (chunks <-chan string, done <-chan struct{}, assistantMsgID <-chan uint64, errs <-chan error) {
	outChunks := make(chan string, 16)
	outDone := make(chan struct{})
	outMsgID := make(chan uint64, 1)
	outErrs := make(chan error, 1)

	go func() {
		defer close(outChunks)
		defer close(outDone)
		defer close(outMsgID)
		defer close(outErrs)

		sess, err := s.ValidateSessionOwner(ctx, userID, sessionID)
		if err != nil {
			outErrs <- err
			return
		}
		if sess.Status == StatusEnded {
			outErrs <- ErrSessionEnded
			return
		}
		content, err := validateContent(content)
		if err != nil {
			outErrs <- err
			return
		}

		userMsg := &Message{SessionID: sessionID, Role: RoleUser, Content: content}
		if err := s.repo.InsertMessage(ctx, userMsg); err != nil {
			outErrs <- err
			return
		}
		s.publishMessage(ctx, userMsg)

		history, err := s.buildContext(ctx, sess)
		if err != nil {
			outErrs <- err
			return
		}

		var (
			b         strings.Builder
			streamErr error
		)
		provider, err := s.providerForSession(ctx, sess)
		switch sp, ok := provider.(ai.StreamProvider); {
		case err != nil:
			streamErr = err
		case !ok:
			// non-streaming providers answer in one chunk
			reply := s.generate(ctx, sess, history)
			b.WriteString(reply)
			outChunks <- reply
		default:
			pChunks, pErrs := sp.StreamChat(ctx, history)
			for c := range pChunks {
				b.WriteString(c)
				outChunks <- c
			}
			if err := <-pErrs; err != nil {
				streamErr = err
			}
		}

		reply := b.String()
		if streamErr != nil || strings.TrimSpace(reply) == "" {
			s.metrics.GenerationFailures.WithLabelValues(sess.Provider).Inc()
			s.logger.Warn("stream generation failed, using fallback reply",
				zap.String("session_id", sess.ID), zap.Error(streamErr))
			reply = FallbackReply
		}

		assistantMsg := &Message{SessionID: sessionID, Role: RoleAssistant, Content: reply}
		if err := s.repo.InsertMessage(ctx, assistantMsg); err != nil {
			outErrs <- err
			return
		}
		s.publishMessage(ctx, assistantMsg)

		if streamErr != nil {
			outErrs <- streamErr
			return
		}
		outMsgID <- assistantMsg.ID
	}()

	return outChunks, outDone, outMsgID, outErrs
}

// QueueMessage stores the user turn and creates a job for the reply. With an
// idempotency key, a retried request returns the original job and created=false.
func (s *Service) QueueMessage(ctx context.Context, sess *Session, content string, key *string) (job *Job, created bool, err error) {
	if sess.Status == StatusEnded {
		return nil, false, ErrSessionEnded
	}
	content, err = validateContent(content)
	if err != nil {
		return nil, false, err
	}

	userMsg, inserted, err := s.repo.InsertUserMessageOrGetExisting(ctx, sess.ID, content, key)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		s.publishMessage(ctx, userMsg)
	}

	jobID, err := common.NewULID()
	if err != nil {
		return nil, false, err
	}
	return s.repo.CreateJobOrGetExisting(ctx, &Job{
		ID:             jobID,
		SessionID:      sess.ID,
		UserMessageID:  userMsg.ID,
		IdempotencyKey: key,
		Status:         JobQueued,
	})
}

func (s *Service) GetJob(ctx context.Context, sessionID, jobID string) (*Job, error) {
	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.SessionID != sessionID {
		// hide existence
		return nil, ErrJobNotFound
	}
	return j, nil
}

// GetJobForUser returns a job of a direct session owned by userID.
func (s *Service) GetJobForUser(ctx context.Context, userID uint64, jobID string) (*Job, error) {
	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if _, err := s.ValidateSessionOwner(ctx, userID, j.SessionID); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return j, nil
}

// ProcessJob is the worker side of QueueMessage. A job that is not queued any
// more is skipped without error.
func (s *Service) ProcessJob(ctx context.Context, jobID string) error {
	claimed, err := s.repo.UpdateJobStatusRunning(ctx, jobID)
	if err != nil {
		return err
	}
	if !claimed {
		s.logger.Info("job already claimed", zap.String("job_id", jobID))
		return nil
	}

	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	sess, err := s.repo.GetSession(ctx, j.SessionID)
	if err != nil {
		_ = s.repo.MarkJobFailed(ctx, jobID, err.Error())
		return err
	}

	assistantMsg, err := s.respond(ctx, sess)
	if err != nil {
		_ = s.repo.MarkJobFailed(ctx, jobID, err.Error())
		return err
	}
	return s.repo.MarkJobSucceeded(ctx, jobID, assistantMsg.ID)
}

// SetTyping broadcasts a typing change for actorID. Nothing is stored.
func (s *Service) SetTyping(ctx context.Context, sessionID, actorID string, isTyping bool) error {
	sess, err := s.GetPublicSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == StatusEnded {
		return ErrSessionEnded
	}
	s.publish(ctx, protocol.ChatChannel(sessionID), protocol.EventTyping, protocol.Typing{
		SessionID: sessionID,
		ActorID:   actorID,
		IsTyping:  isTyping,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// EndSession closes an embedded session and tells its subscribers.
func (s *Service) EndSession(ctx context.Context, sessionID string) error {
	if _, err := s.GetPublicSession(ctx, sessionID); err != nil {
		return err
	}
	changed, err := s.repo.EndSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if changed {
		s.publish(ctx, protocol.ChatChannel(sessionID), protocol.EventSessionEnded, map[string]string{
			"session_id": sessionID,
		})
	}
	return nil
}

func (s *Service) publishMessage(ctx context.Context, m *Message) {
	s.publish(ctx, protocol.ChatChannel(m.SessionID), protocol.EventMessageCreated, m)
}

// publish is best-effort: the HTTP response is the authoritative delivery path,
// so a failed fan-out is logged and counted but never returned.
func (s *Service) publish(ctx context.Context, channel, eventType string, data any) {
	env, err := protocol.NewEnvelope(eventType, data)
	if err == nil {
		env.Channel = channel
		env.ID, err = common.NewULID()
	}
	if err == nil {
		err = s.events.Publish(ctx, env)
	}
	if err != nil {
		s.metrics.BroadcastFailures.WithLabelValues(eventType).Inc()
		s.logger.Warn("broadcast failed",
			zap.String("channel", channel),
			zap.String("type", eventType),
			zap.Error(err),
		)
	}
}
