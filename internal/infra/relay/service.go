package relay

import (
	"google.golang.org/grpc"
)

// ServiceName 是中继服务的全名，也是健康检查的默认服务名。
const ServiceName = "bridge.relay.v1.Relay"

const pipeMethod = "/" + ServiceName + "/Pipe"

// pipeService 由 Server 实现，供 RegisterService 做类型检查。
type pipeService interface {
	pipe(stream grpc.ServerStream) error
}

// Pipe 是双向字符串流，每条消息是一个 google.protobuf.StringValue。
var pipeStreamDesc = grpc.StreamDesc{
	StreamName:    "Pipe",
	ServerStreams: true,
	ClientStreams: true,
	Handler: func(srv any, stream grpc.ServerStream) error {
		return srv.(pipeService).pipe(stream)
	},
}

var relayServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*pipeService)(nil),
	Streams:     []grpc.StreamDesc{pipeStreamDesc},
	Metadata:    "bridge/relay/v1/relay.proto",
}
