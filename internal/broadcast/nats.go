package broadcast

import (
	"context"
	"errors"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/suPer8Hu/widget-chat/pkg/protocol"
)

const natsPrefix = "widgetchat.broadcast."

// NATS publishes each channel on its own subject, e.g.
// widgetchat.broadcast.chat.<session_id>.
type NATS struct {
	nc     *nats.Conn
	logger *zap.Logger
}

func DialNATS(url string, logger *zap.Logger) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("widget-chat"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	return NewNATS(nc, logger), nil
}

func NewNATS(nc *nats.Conn, logger *zap.Logger) *NATS {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATS{nc: nc, logger: logger}
}

func (n *NATS) Publish(_ context.Context, env protocol.Envelope) error {
	data, err := encode(env)
	if err != nil {
		return err
	}
	return n.nc.Publish(natsPrefix+env.Channel, data)
}

func (n *NATS) Start(ctx context.Context, sink Sink) error {
	sub, err := n.nc.Subscribe(natsPrefix+">", func(msg *nats.Msg) {
		env, err := decode(msg.Data)
		if err != nil {
			n.logger.Warn("dropping malformed broadcast", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if env.Channel == "" {
			env.Channel = strings.TrimPrefix(msg.Subject, natsPrefix)
		}
		sink(env)
	})
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

func (n *NATS) Ping(context.Context) error {
	if n.nc.Status() != nats.CONNECTED {
		return errors.New("nats: " + n.nc.Status().String())
	}
	return nil
}

func (n *NATS) Close() error {
	n.nc.Close()
	return nil
}
