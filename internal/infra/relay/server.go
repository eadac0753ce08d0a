package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aegis-sign/embedded-bridge/internal/bridge/message"
	"github.com/aegis-sign/embedded-bridge/pkg/apierrors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// PeerHandler 处理一条入站 Pipe 流，返回时流结束。
type PeerHandler func(p *Peer) error

// Server 是中继的嵌入侧：接受 Pipe 流并交给 PeerHandler，同时提供健康检查。
type Server struct {
	handler PeerHandler
	logger  *slog.Logger
	service string
	health  *health.Server
	grpc    *grpc.Server
	serving atomic.Bool
}

// NewServer 创建服务端并注册 Pipe 与 grpc.health.v1。
func NewServer(handler PeerHandler, opts ...Option) *Server {
	o := buildOptions(opts)
	s := &Server{
		handler: handler,
		logger:  o.logger,
		service: o.cfg.ServiceName,
		health:  health.NewServer(),
		grpc: grpc.NewServer(grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		})),
	}
	s.grpc.RegisterService(&relayServiceDesc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(s.service, healthpb.HealthCheckResponse_SERVING)
	s.serving.Store(true)
	return s
}

// Serve 在 lis 上阻塞服务。
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// SetServing 切换健康状态。不服务期间新的 Pipe 流以 Unavailable 拒绝。
func (s *Server) SetServing(serving bool) {
	s.serving.Store(serving)
	st := healthpb.HealthCheckResponse_SERVING
	if !serving {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(s.service, st)
}

// Stop 立即关闭所有流。
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.Stop()
}

var errNotServing = apierrors.New(apierrors.CodeConnectionDestroyed, "relay peer is not serving")

func (s *Server) pipe(stream grpc.ServerStream) error {
	if !s.serving.Load() {
		s.logger.Debug("relay stream rejected, not serving")
		return streamStatus(errNotServing)
	}
	s.logger.Debug("relay peer connected")
	err := s.handler(&Peer{stream: stream})
	s.logger.Debug("relay peer disconnected", "err", err)
	return streamStatus(err)
}

// streamStatus 把处理器错误转换为 gRPC 状态。已是状态的错误原样返回，
// 未分类的错误按 INTERNAL_ERROR 处理。
func streamStatus(err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	if apiErr, ok := apierrors.FromError(err); ok {
		return status.Error(apierrors.GRPCStatus(apiErr.Code), apiErr.Message)
	}
	if code, ok := message.CodeOf(err); ok {
		return status.Error(apierrors.GRPCStatus(apierrors.Code(code)), err.Error())
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(apierrors.GRPCStatus(apierrors.CodeInternal), err.Error())
}

// Peer 是服务端视角的一条 Pipe 流。Send 可并发调用，Recv 只能在一个协程中调用。
type Peer struct {
	stream grpc.ServerStream
	sendMu sync.Mutex
}

// Context 在流结束时取消。
func (p *Peer) Context() context.Context { return p.stream.Context() }

// Send 向宿主发送一条消息。
func (p *Peer) Send(msg string) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return p.stream.SendMsg(wrapperspb.String(msg))
}

// Recv 读取宿主发来的下一条消息。
func (p *Peer) Recv() (string, error) {
	var v wrapperspb.StringValue
	if err := p.stream.RecvMsg(&v); err != nil {
		return "", err
	}
	return v.GetValue(), nil
}

// Pump 把收到的每条消息交给 deliver，宿主关闭发送端时返回 nil。
func (p *Peer) Pump(deliver func(string)) error {
	for {
		msg, err := p.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		deliver(msg)
	}
}
