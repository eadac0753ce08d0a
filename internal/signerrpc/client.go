package signerrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aegis-sign/embedded-bridge/internal/bridge/correlator"
	"github.com/aegis-sign/embedded-bridge/internal/bridge/message"
	"github.com/google/uuid"
)

// Caller 是握手完成后的远端，connection.Remote 实现了它。
type Caller interface {
	Has(path ...string) bool
	Call(ctx context.Context, path []string, args []json.RawMessage, opts ...correlator.CallOption) (json.RawMessage, error)
}

// Client 把枚举操作分派到远端方法表。
type Client struct {
	caller Caller
	opts   []correlator.CallOption
}

// NewClient 包装远端，opts 作用于每一次调用。
func NewClient(caller Caller, opts ...correlator.CallOption) *Client {
	return &Client{caller: caller, opts: opts}
}

// Invoke 填充请求头、发送请求并解析应答。resp 为空时只检查错误结构。
func (c *Client) Invoke(ctx context.Context, m Method, req Request, resp validator) error {
	path := m.Path()
	if !c.caller.Has(path...) {
		return message.NewError(message.CodeMethodNotFound, "embedded signer does not expose "+m.String())
	}
	h := req.header()
	if h.UUID == "" {
		h.UUID = uuid.NewString()
	}
	h.Action = m.Event()
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", m, err)
	}
	value, err := c.caller.Call(ctx, path, []json.RawMessage{raw}, c.opts...)
	if err != nil {
		return err
	}
	return decodeResponse(m, value, resp)
}

type errorProbe struct {
	Error *string `json:"error"`
}

func decodeResponse(m Method, value json.RawMessage, resp validator) error {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var probe errorProbe
		if err := json.Unmarshal(trimmed, &probe); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidResponse, m, err)
		}
		if probe.Error != nil {
			return &ResponseError{Code: ErrorCode(*probe.Error), Action: m.Event()}
		}
	}
	if resp == nil {
		return nil
	}
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		switch resp.(type) {
		case *Ack, *DeviceResponse:
			return nil
		}
		return fmt.Errorf("%w: %s: empty value", ErrInvalidResponse, m)
	}
	if err := json.Unmarshal(trimmed, resp); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidResponse, m, err)
	}
	if !resp.valid() {
		return fmt.Errorf("%w: %s: missing result fields", ErrInvalidResponse, m)
	}
	return nil
}

// Create 创建账户。
func (c *Client) Create(ctx context.Context, req *CreateRequest) (*AccountResponse, error) {
	var resp AccountResponse
	if err := c.Invoke(ctx, MethodCreate, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Recover 恢复账户。
func (c *Client) Recover(ctx context.Context, req *RecoverRequest) (*AccountResponse, error) {
	var resp AccountResponse
	if err := c.Invoke(ctx, MethodRecover, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Sign 签名。
func (c *Client) Sign(ctx context.Context, req *SignRequest) (*SignResponse, error) {
	var resp SignResponse
	if err := c.Invoke(ctx, MethodSign, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SwitchChain 切换链。
func (c *Client) SwitchChain(ctx context.Context, req *SwitchChainRequest) (*AccountResponse, error) {
	var resp AccountResponse
	if err := c.Invoke(ctx, MethodSwitchChain, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Export 导出私钥。
func (c *Client) Export(ctx context.Context, req *ExportRequest) (*ExportResponse, error) {
	var resp ExportResponse
	if err := c.Invoke(ctx, MethodExport, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetRecoveryMethod 修改恢复方式。
func (c *Client) SetRecoveryMethod(ctx context.Context, req *SetRecoveryMethodRequest) error {
	return c.Invoke(ctx, MethodSetRecoveryMethod, req, &Ack{})
}

// UpdateAuthentication 推送新令牌。
func (c *Client) UpdateAuthentication(ctx context.Context, req *UpdateAuthenticationRequest) error {
	return c.Invoke(ctx, MethodUpdateAuthentication, req, &Ack{})
}

// Logout 远端登出。
func (c *Client) Logout(ctx context.Context, req *LogoutRequest) error {
	return c.Invoke(ctx, MethodLogout, req, &Ack{})
}

// GetCurrentDevice 查询当前签名器。
func (c *Client) GetCurrentDevice(ctx context.Context, req *GetCurrentDeviceRequest) (*DeviceResponse, error) {
	var resp DeviceResponse
	if err := c.Invoke(ctx, MethodGetCurrentDevice, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
