package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const transportWebsocket = "websocket"

// WebsocketPoster 通过 WebSocket 文本帧中继消息，适用于宿主 WebView 桥。
// 连接断开后不重连，PostMessage 返回 ErrRelayUnavailable，由上层重建。
type WebsocketPoster struct {
	conn *websocket.Conn
	opts options
	sink sink

	writeMu sync.Mutex
	done    chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
	broken  atomic.Bool
}

// DialWebsocket 连接 url，入站文本帧交给 deliver。
func DialWebsocket(ctx context.Context, url string, header http.Header, deliver func(string), opts ...Option) (*WebsocketPoster, error) {
	o := buildOptions(opts)
	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: o.cfg.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial websocket relay %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial websocket relay %s: %w", url, err)
	}
	w := &WebsocketPoster{conn: conn, opts: o, done: make(chan struct{})}
	w.sink.set(deliver)
	if o.cfg.KeepaliveTime > 0 {
		conn.SetPongHandler(func(string) error { return w.extendDeadline() })
		_ = w.extendDeadline()
	}
	w.wg.Add(2)
	go w.read()
	go w.ping()
	return w, nil
}

// Attach 替换入站消息的投递目标。
func (w *WebsocketPoster) Attach(deliver func(string)) {
	w.sink.set(deliver)
}

// PostMessage 写一条文本帧。
func (w *WebsocketPoster) PostMessage(msg string) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if w.broken.Load() {
		return ErrRelayUnavailable
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.opts.cfg.KeepaliveTimeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.opts.cfg.KeepaliveTimeout))
	}
	if err := w.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		return fmt.Errorf("%w: %v", ErrRelayUnavailable, err)
	}
	return nil
}

// Close 发送关闭帧并等待读协程退出。
func (w *WebsocketPoster) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	close(w.done)
	deadline := time.Now().Add(time.Second)
	_ = w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	err := w.conn.Close()
	w.wg.Wait()
	return err
}

func (w *WebsocketPoster) extendDeadline() error {
	return w.conn.SetReadDeadline(time.Now().Add(w.opts.cfg.KeepaliveTime + w.opts.cfg.KeepaliveTimeout))
}

func (w *WebsocketPoster) read() {
	defer w.wg.Done()
	for {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			if w.closed.Load() {
				return
			}
			w.broken.Store(true)
			w.opts.metrics.incStreamReset(transportWebsocket)
			w.opts.logger.Warn("websocket relay closed", "err", err)
			if w.opts.onReset != nil {
				w.opts.onReset()
			}
			return
		}
		if w.opts.cfg.KeepaliveTime > 0 {
			_ = w.extendDeadline()
		}
		if kind != websocket.TextMessage {
			continue
		}
		if !w.sink.deliver(string(data)) {
			w.opts.logger.Debug("relay message dropped, no sink attached")
		}
	}
}

func (w *WebsocketPoster) ping() {
	defer w.wg.Done()
	if w.opts.cfg.KeepaliveTime <= 0 {
		<-w.done
		return
	}
	ticker := time.NewTicker(w.opts.cfg.KeepaliveTime)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(w.opts.cfg.KeepaliveTimeout)
			if err := w.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				w.opts.logger.Debug("websocket ping failed", "err", err)
			}
		}
	}
}
