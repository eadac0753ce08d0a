package relay

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
)

// ConnDialer 建立到中继端点的原始连接。
type ConnDialer func(ctx context.Context, endpoint string) (net.Conn, error)

// Endpoint 是解析后的中继地址。
type Endpoint struct {
	Network string // unix / vsock / tcp
	Address string
	CID     uint32
	Port    uint32
}

// ParseEndpoint 支持 unix://path、unix:path、vsock://cid:port、vsock:cid:port 与 host:port。
func ParseEndpoint(endpoint string) (Endpoint, error) {
	switch {
	case strings.HasPrefix(endpoint, "unix://"):
		return unixEndpoint(strings.TrimPrefix(endpoint, "unix://"))
	case strings.HasPrefix(endpoint, "unix:"):
		return unixEndpoint(strings.TrimPrefix(endpoint, "unix:"))
	case strings.HasPrefix(endpoint, "vsock://"):
		return vsockEndpoint(strings.TrimPrefix(endpoint, "vsock://"))
	case strings.HasPrefix(endpoint, "vsock:"):
		return vsockEndpoint(strings.TrimPrefix(endpoint, "vsock:"))
	}
	if _, _, err := net.SplitHostPort(endpoint); err != nil {
		return Endpoint{}, fmt.Errorf("invalid tcp endpoint %q: %w", endpoint, err)
	}
	return Endpoint{Network: "tcp", Address: endpoint}, nil
}

func unixEndpoint(path string) (Endpoint, error) {
	if path == "" {
		return Endpoint{}, fmt.Errorf("empty unix socket path")
	}
	return Endpoint{Network: "unix", Address: path}, nil
}

func vsockEndpoint(target string) (Endpoint, error) {
	cidText, portText, ok := strings.Cut(target, ":")
	if !ok {
		return Endpoint{}, fmt.Errorf("invalid vsock endpoint: %s", target)
	}
	cid, err := strconv.ParseUint(cidText, 10, 32)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid vsock cid: %w", err)
	}
	port, err := strconv.ParseUint(portText, 10, 32)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid vsock port: %w", err)
	}
	return Endpoint{Network: "vsock", Address: target, CID: uint32(cid), Port: uint32(port)}, nil
}

// DialEndpoint 是默认的 ConnDialer。
func DialEndpoint(ctx context.Context, endpoint string) (net.Conn, error) {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if ep.Network != "vsock" {
		return (&net.Dialer{}).DialContext(ctx, ep.Network, ep.Address)
	}
	// vsock.Dial 不接受 ctx，放到协程里以便按 ctx 放弃等待。
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := vsock.Dial(ep.CID, ep.Port, nil)
		ch <- result{conn: conn, err: err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-ch:
		return res.conn, res.err
	}
}
