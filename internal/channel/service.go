package channel

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/suPer8Hu/widget-chat/internal/chat"
	"github.com/suPer8Hu/widget-chat/internal/common"
	"github.com/suPer8Hu/widget-chat/internal/metrics"
	"github.com/suPer8Hu/widget-chat/internal/store"
	"github.com/suPer8Hu/widget-chat/pkg/protocol"
	"go.uber.org/zap"
)

const (
	// PurposeConnect is the only capability authenticated tokens carry today.
	PurposeConnect = "connect"

	guestPrefix      = "gst_"
	guestKeyPrefix   = "ws:guest:"
	tokenKeyPrefix   = "ws:token:"
	defaultAuthTTL   = time.Hour
	defaultGuestTTL  = 15 * time.Minute
	guestMintRetries = 3
)

// SessionInfo answers the chat.<id> predicate.
type SessionInfo interface {
	SessionChannelInfo(ctx context.Context, sessionID string) (embedded bool, ownerID uint64, err error)
}

type connectClaims struct {
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

type guestRecord struct {
	ClientID  string    `json:"client_id"`
	SessionID string    `json:"session_id,omitempty"`
	WidgetID  string    `json:"widget_id,omitempty"`
	Channels  []string  `json:"channels"`
	IP        string    `json:"ip,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GuestRequest is the input of IssueGuestToken.
type GuestRequest struct {
	ClientID  string
	SessionID string
	WidgetID  string
	IP        string
}

type Service struct {
	cache    store.Cache
	secret   []byte
	sessions SessionInfo
	authTTL  time.Duration
	guestTTL time.Duration
	now      func() time.Time
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

// WithTTLs overrides token lifetimes; zero keeps the default.
func WithTTLs(auth, guest time.Duration) Option {
	return func(s *Service) {
		if auth > 0 {
			s.authTTL = auth
		}
		if guest > 0 {
			s.guestTTL = guest
		}
	}
}

func NewService(cache store.Cache, secret string, sessions SessionInfo, opts ...Option) *Service {
	s := &Service{
		cache:    cache,
		secret:   []byte(secret),
		sessions: sessions,
		authTTL:  defaultAuthTTL,
		guestTTL: defaultGuestTTL,
		now:      time.Now,
		logger:   zap.NewNop(),
		metrics:  metrics.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func activeTokenKey(purpose string, userID uint64) string {
	return tokenKeyPrefix + purpose + ":" + strconv.FormatUint(userID, 10)
}

// IssueAuthenticatedToken mints a connect token for userID. Writing the new
// token id over the per-user index revokes every earlier token in one step.
func (s *Service) IssueAuthenticatedToken(ctx context.Context, userID uint64) (*IssuedToken, error) {
	jti, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	now := s.now()
	exp := now.Add(s.authTTL)

	claims := connectClaims{
		Purpose: PurposeConnect,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(userID, 10),
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("sign connect token: %w", err)
	}

	if err := s.cache.Set(ctx, activeTokenKey(PurposeConnect, userID), []byte(jti), s.authTTL); err != nil {
		return nil, fmt.Errorf("store connect token: %w", err)
	}

	s.metrics.TokensIssued.WithLabelValues(string(KindUser)).Inc()
	s.logger.Info("connect token issued", zap.Uint64("user_id", userID), zap.String("jti", jti))
	return &IssuedToken{Token: signed, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// GuestChannels is the channel list a guest token for (sessionID, widgetID) carries.
func GuestChannels(sessionID, widgetID string) []string {
	out := make([]string, 0, 3)
	if widgetID != "" {
		out = append(out, protocol.WidgetChannel(widgetID))
	}
	if sessionID != "" {
		out = append(out, protocol.ChatChannel(sessionID))
	}
	return append(out, protocol.PublicChannel)
}

func validateGuest(req GuestRequest) error {
	fields := map[string]string{}
	if req.ClientID == "" {
		fields["client_id"] = "client_id is required"
	} else if len(req.ClientID) > 128 {
		fields["client_id"] = "client_id must be at most 128 characters"
	}
	if req.SessionID == "" && req.WidgetID == "" {
		fields["session_id"] = "session_id or widget_id is required"
		fields["widget_id"] = "session_id or widget_id is required"
	}
	for k, v := range map[string]string{"session_id": req.SessionID, "widget_id": req.WidgetID} {
		if v != "" && !common.IsUUID(v) {
			fields[k] = k + " must be a UUID"
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// IssueGuestToken mints an opaque guest token whose channel list is fixed here.
// The token only lives in the cache.
func (s *Service) IssueGuestToken(ctx context.Context, req GuestRequest) (*IssuedToken, error) {
	req.ClientID = strings.TrimSpace(req.ClientID)
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.WidgetID = strings.TrimSpace(req.WidgetID)
	if err := validateGuest(req); err != nil {
		return nil, err
	}

	now := s.now()
	rec := guestRecord{
		ClientID:  req.ClientID,
		SessionID: req.SessionID,
		WidgetID:  req.WidgetID,
		Channels:  GuestChannels(req.SessionID, req.WidgetID),
		IP:        req.IP,
		IssuedAt:  now.UTC(),
		ExpiresAt: now.Add(s.guestTTL).UTC(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}

	for i := 0; i < guestMintRetries; i++ {
		token, err := newGuestToken()
		if err != nil {
			return nil, err
		}
		stored, err := s.cache.SetNX(ctx, guestKeyPrefix+token, payload, s.guestTTL)
		if err != nil {
			return nil, fmt.Errorf("store guest token: %w", err)
		}
		if !stored {
			continue
		}
		s.metrics.TokensIssued.WithLabelValues(string(KindGuest)).Inc()
		s.logger.Info("guest token issued",
			zap.String("client_id", req.ClientID),
			zap.String("session_id", req.SessionID),
			zap.String("widget_id", req.WidgetID),
		)
		return &IssuedToken{Token: token, ExpiresAt: rec.ExpiresAt, Channels: rec.Channels}, nil
	}
	return nil, errors.New("guest token collision")
}

func newGuestToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return guestPrefix + hex.EncodeToString(b), nil
}

// Authenticate resolves either kind of token into a Credential.
func (s *Service) Authenticate(ctx context.Context, token string) (*Credential, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	if strings.HasPrefix(token, guestPrefix) {
		return s.authenticateGuest(ctx, token)
	}
	return s.authenticateUser(ctx, token)
}

func (s *Service) authenticateUser(ctx context.Context, raw string) (*Credential, error) {
	claims := &connectClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !tok.Valid || claims.Purpose != PurposeConnect || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	uid, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil || uid == 0 {
		return nil, ErrInvalidToken
	}

	active, err := s.cache.Get(ctx, activeTokenKey(claims.Purpose, uid))
	if errors.Is(err, store.ErrMiss) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("load connect token: %w", err)
	}
	if string(active) != claims.ID {
		// superseded by a newer token
		return nil, ErrInvalidToken
	}

	return &Credential{Kind: KindUser, UserID: uid, ExpiresAt: claims.ExpiresAt.Time}, nil
}

func (s *Service) authenticateGuest(ctx context.Context, token string) (*Credential, error) {
	raw, err := s.cache.Get(ctx, guestKeyPrefix+token)
	if errors.Is(err, store.ErrMiss) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("load guest token: %w", err)
	}
	var rec guestRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, ErrInvalidToken
	}
	if !s.now().Before(rec.ExpiresAt) {
		return nil, ErrInvalidToken
	}
	return &Credential{
		Kind:      KindGuest,
		ClientID:  rec.ClientID,
		SessionID: rec.SessionID,
		WidgetID:  rec.WidgetID,
		Channels:  rec.Channels,
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

// AuthorizeChannel applies the predicate for the channel's class. Unknown
// channel names are denied. An error is returned only when the predicate
// could not be evaluated.
func (s *Service) AuthorizeChannel(ctx context.Context, name string, cred *Credential) (bool, error) {
	if cred == nil || !cred.Allows(name) {
		return false, nil
	}
	kind, id := protocol.ParseChannel(name)
	switch kind {
	case protocol.ChannelUser:
		return cred.Kind == KindUser && strconv.FormatUint(cred.UserID, 10) == id, nil
	case protocol.ChannelChat:
		embedded, owner, err := s.sessions.SessionChannelInfo(ctx, id)
		if errors.Is(err, chat.ErrSessionNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if embedded {
			return true, nil
		}
		return cred.Kind == KindUser && owner != 0 && owner == cred.UserID, nil
	case protocol.ChannelWidget, protocol.ChannelPublic:
		return true, nil
	default:
		return false, nil
	}
}
