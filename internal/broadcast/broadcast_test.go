package broadcast

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/widget-chat/pkg/protocol"
)

func TestLocal_DeliversToSink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewLocal()
	var got []protocol.Envelope
	require.NoError(t, l.Start(ctx, func(env protocol.Envelope) { got = append(got, env) }))

	env, err := protocol.NewEnvelope(protocol.EventTyping, map[string]bool{"is_typing": true})
	require.NoError(t, err)
	env.Channel = "chat.s1"
	require.NoError(t, l.Publish(ctx, env))

	require.Len(t, got, 1)
	assert.Equal(t, "chat.s1", got[0].Channel)
	assert.JSONEq(t, `{"is_typing":true}`, string(got[0].Data))
}

func TestLocal_RequiresChannel(t *testing.T) {
	err := NewLocal().Publish(context.Background(), protocol.Envelope{Type: "x"})
	assert.ErrorIs(t, err, ErrNoChannel)
}

func TestEncodeDecodeKeepsChannel(t *testing.T) {
	data, err := encode(protocol.Envelope{Type: protocol.EventMessageCreated, Channel: "chat.s1", ID: "01J"})
	require.NoError(t, err)
	env, err := decode(data)
	require.NoError(t, err)
	assert.Equal(t, "chat.s1", env.Channel)
	assert.Equal(t, "01J", env.ID)
}

func TestOpen_Drivers(t *testing.T) {
	b, err := Open("local", nil, "", nil)
	require.NoError(t, err)
	assert.IsType(t, &Local{}, b)

	_, err = Open("redis", nil, "", nil)
	assert.Error(t, err)

	_, err = Open("pusher", nil, "", nil)
	assert.Error(t, err)
}
