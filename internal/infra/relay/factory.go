package relay

import (
	"context"

	"github.com/aegis-sign/embedded-bridge/internal/bridge/channel"
	"github.com/aegis-sign/embedded-bridge/internal/bridge/connection"
)

// Transport 是可以接到 RelayChannel 上的中继投递端，GRPCPoster 与 WebsocketPoster 都实现它。
type Transport interface {
	channel.Poster
	Attach(deliver func(string))
}

// ChannelFactory 返回一个在 t 上新建 RelayChannel 并把入站消息接到该通道的工厂。
func ChannelFactory(t Transport, opts ...channel.Option) connection.ChannelFactory {
	return func(context.Context) (channel.Channel, error) {
		ch, err := channel.NewRelayChannel(t, opts...)
		if err != nil {
			return nil, err
		}
		t.Attach(ch.HandleMessage)
		return ch, nil
	}
}
