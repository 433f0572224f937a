package widget

import (
	"context"

	"go.uber.org/zap"
)

// Service answers public embed requests for widgets.
type Service struct {
	repo   *Repo
	logger *zap.Logger
}

func NewService(repo *Repo, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, logger: logger}
}

func (s *Service) Get(ctx context.Context, id string) (*Widget, error) {
	return s.repo.GetByID(ctx, id)
}

// Authorize loads the widget and checks it may serve originHost. It is the
// gate for config retrieval and session creation; any failure means the caller
// gets nothing from the widget.
func (s *Service) Authorize(ctx context.Context, id, originHost string) (*Widget, error) {
	w, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !w.IsActive {
		return nil, ErrInactive
	}
	if !IsAllowed(w, originHost) {
		s.logger.Info("embed origin rejected",
			zap.String("widget_id", w.ID),
			zap.String("origin_host", originHost),
		)
		return nil, ErrDomainNotAllowed
	}
	return w, nil
}

// PublicConfig returns the embed configuration after the origin gate.
func (s *Service) PublicConfig(ctx context.Context, id, originHost string) (*PublicConfig, error) {
	w, err := s.Authorize(ctx, id, originHost)
	if err != nil {
		return nil, err
	}
	cfg := w.PublicConfig()
	return &cfg, nil
}
