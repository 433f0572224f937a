package broadcast

import (
	"context"
	"sync"

	"github.com/suPer8Hu/widget-chat/pkg/protocol"
)

// Local delivers events in-process. It suits single-node deployments.
type Local struct {
	mu   sync.RWMutex
	sink Sink
}

func NewLocal() *Local { return &Local{} }

func (l *Local) Publish(_ context.Context, env protocol.Envelope) error {
	if env.Channel == "" {
		return ErrNoChannel
	}
	l.mu.RLock()
	sink := l.sink
	l.mu.RUnlock()
	if sink != nil {
		sink(env)
	}
	return nil
}

func (l *Local) Start(ctx context.Context, sink Sink) error {
	l.mu.Lock()
	l.sink = sink
	l.mu.Unlock()
	go func() {
		<-ctx.Done()
		l.mu.Lock()
		l.sink = nil
		l.mu.Unlock()
	}()
	return nil
}

func (l *Local) Ping(context.Context) error { return nil }
func (l *Local) Close() error { return nil }
