package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var (
	// ErrRelayUnavailable 表示中继流不可用或熔断器处于打开状态。
	ErrRelayUnavailable = errors.New("relay unavailable")
	// ErrClosed 表示传输已关闭。
	ErrClosed = errors.New("relay closed")
)

const transportGRPC = "grpc"

// GRPCPoster 通过 Pipe 双向流把字符串消息中继给嵌入上下文，实现 channel.Poster。
// 流断开后按退避重连；连续失败会打开熔断器，打开期间 PostMessage 直接失败。
type GRPCPoster struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   options

	conn    *grpc.ClientConn
	sink    sink
	breaker *breaker
	backoff *backoff

	mu     sync.Mutex
	stream grpc.ClientStream
	sendMu sync.Mutex

	wg     sync.WaitGroup
	closed atomic.Bool
}

// Dial 连接 endpoint 并打开 Pipe 流，入站消息交给 deliver（可为空，稍后用 Attach 指定）。
func Dial(ctx context.Context, endpoint string, deliver func(string), opts ...Option) (*GRPCPoster, error) {
	o := buildOptions(opts)
	dialCtx, cancel := context.WithTimeout(ctx, o.cfg.DialTimeout)
	defer cancel()
	dialer := o.dialer
	dopts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                o.cfg.KeepaliveTime,
			Timeout:             o.cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return dialer(ctx, endpoint)
		}),
		grpc.WithBlock(),
	}, o.dialOptions...)
	conn, err := grpc.DialContext(dialCtx, "passthrough:///"+endpoint, dopts...)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", endpoint, err)
	}

	pctx, pcancel := context.WithCancel(context.Background())
	p := &GRPCPoster{
		ctx:     pctx,
		cancel:  pcancel,
		opts:    o,
		conn:    conn,
		backoff: newBackoff(o.cfg.Backoff),
	}
	p.breaker = newBreaker(o.cfg.BreakerThreshold, o.cfg.BreakerCooldown, func(s BreakerState) {
		o.metrics.setBreaker(transportGRPC, s)
		o.logger.Info("relay breaker state changed", "transport", transportGRPC, "state", s.String())
	})
	p.sink.set(deliver)

	stream, err := p.openStream()
	if err != nil {
		pcancel()
		_ = conn.Close()
		return nil, fmt.Errorf("open relay stream: %w", err)
	}
	p.stream = stream
	p.wg.Add(2)
	go p.receive(stream)
	go p.healthProbe()
	o.logger.Info("relay stream established", "endpoint", endpoint)
	return p, nil
}

// Attach 替换入站消息的投递目标。
func (p *GRPCPoster) Attach(deliver func(string)) {
	p.sink.set(deliver)
}

// BreakerState 返回熔断器当前状态。
func (p *GRPCPoster) BreakerState() BreakerState {
	return p.breaker.current()
}

// PostMessage 把一条消息写入当前流。
func (p *GRPCPoster) PostMessage(msg string) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if !p.breaker.allow() {
		return ErrRelayUnavailable
	}
	p.mu.Lock()
	stream := p.stream
	p.mu.Unlock()
	if stream == nil {
		p.breaker.failure()
		return ErrRelayUnavailable
	}
	p.sendMu.Lock()
	err := stream.SendMsg(wrapperspb.String(msg))
	p.sendMu.Unlock()
	if err != nil {
		p.breaker.failure()
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	p.breaker.success()
	return nil
}

// Close 停止重连与健康检查并关闭连接。
func (p *GRPCPoster) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.cancel()
	p.mu.Lock()
	stream := p.stream
	p.stream = nil
	p.mu.Unlock()
	if stream != nil {
		p.sendMu.Lock()
		_ = stream.CloseSend()
		p.sendMu.Unlock()
	}
	err := p.conn.Close()
	p.wg.Wait()
	return err
}

func (p *GRPCPoster) openStream() (grpc.ClientStream, error) {
	return p.conn.NewStream(p.ctx, &pipeStreamDesc, pipeMethod)
}

func (p *GRPCPoster) setStream(s grpc.ClientStream) {
	p.mu.Lock()
	p.stream = s
	p.mu.Unlock()
}

func (p *GRPCPoster) receive(stream grpc.ClientStream) {
	defer p.wg.Done()
	for {
		var msg wrapperspb.StringValue
		if err := stream.RecvMsg(&msg); err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.opts.logger.Warn("relay stream broken, reconnecting", "transport", transportGRPC, "err", err)
			p.opts.metrics.incStreamReset(transportGRPC)
			p.breaker.failure()
			p.setStream(nil)
			if p.opts.onReset != nil {
				p.opts.onReset()
			}
			if stream = p.reconnect(); stream == nil {
				return
			}
			continue
		}
		p.backoff.reset()
		if !p.sink.deliver(msg.GetValue()) {
			p.opts.logger.Debug("relay message dropped, no sink attached")
		}
	}
}

// reconnect 按退避反复打开新流，直到成功或传输关闭。
func (p *GRPCPoster) reconnect() grpc.ClientStream {
	for {
		delay := p.backoff.next()
		select {
		case <-p.ctx.Done():
			return nil
		case <-time.After(delay):
		}
		stream, err := p.openStream()
		if err != nil {
			if p.ctx.Err() != nil {
				return nil
			}
			p.breaker.failure()
			p.opts.logger.Warn("relay reconnect failed", "transport", transportGRPC, "retry_in", delay, "err", err)
			continue
		}
		p.setStream(stream)
		p.opts.metrics.incReconnect(transportGRPC)
		p.opts.logger.Info("relay stream re-established", "transport", transportGRPC)
		return stream
	}
}

func (p *GRPCPoster) healthProbe() {
	defer p.wg.Done()
	client := healthpb.NewHealthClient(p.conn)
	ticker := time.NewTicker(p.opts.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(p.ctx, p.opts.cfg.ProbeTimeout)
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: p.opts.cfg.ServiceName})
		cancel()
		if p.ctx.Err() != nil {
			return
		}
		if err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			p.breaker.failure()
			p.opts.logger.Warn("relay health degraded", "status", resp.GetStatus().String(), "err", err)
			continue
		}
		p.breaker.success()
	}
}
