package codec

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/aegis-sign/embedded-bridge/internal/bridge/message"
)

// ErrPathNotRepresentable 表示方法路径无法无损地写成旧版的点号形式。
var ErrPathNotRepresentable = errors.New("method path cannot be dot-joined losslessly")

const pathSeparator = "."

// FallbackHook 在旧版数字 id 找不到映射时被调用。
type FallbackHook func(kind message.LegacyKind, numeric uint64)

// Translator 在当前协议与旧版协议之间转换消息。
type Translator struct {
	ids        *IDMap
	logger     *slog.Logger
	onFallback FallbackHook
}

// Option 自定义 Translator。
type Option func(*Translator)

// WithLogger 注入 slog Logger。
func WithLogger(l *slog.Logger) Option {
	return func(t *Translator) { t.logger = l }
}

// WithFallbackHook 注册 id 回退时的回调，通常用于计数。
func WithFallbackHook(fn FallbackHook) Option {
	return func(t *Translator) { t.onFallback = fn }
}

// NewTranslator 创建 Translator，ids 为空时自动新建。
func NewTranslator(ids *IDMap, opts ...Option) *Translator {
	if ids == nil {
		ids = NewIDMap()
	}
	t := &Translator{ids: ids, logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

// IDs 返回底层映射表。
func (t *Translator) IDs() *IDMap { return t.ids }

// ToLegacy 把当前协议消息转换为旧版消息。DESTROY 没有旧版对应，返回 ok=false。
func (t *Translator) ToLegacy(m message.Message) (message.Legacy, bool, error) {
	switch msg := m.(type) {
	case message.Syn:
		return message.Legacy{Kind: message.LegacySyn, ParticipantID: msg.ParticipantID}, true, nil
	case message.Ack1:
		names := make([]string, 0, len(msg.MethodPaths))
		for _, path := range msg.MethodPaths {
			name, err := JoinPath(path)
			if err != nil {
				return message.Legacy{}, false, err
			}
			names = append(names, name)
		}
		return message.Legacy{Kind: message.LegacySynAck, MethodNames: names}, true, nil
	case message.Ack2:
		return message.Legacy{Kind: message.LegacyAck}, true, nil
	case message.Call:
		name, err := JoinPath(msg.MethodPath)
		if err != nil {
			return message.Legacy{}, false, err
		}
		numeric := t.numeric(msg.ID)
		return message.Legacy{Kind: message.LegacyCall, ID: numeric, MethodName: name, Args: msg.Args}, true, nil
	case message.Reply:
		l := message.Legacy{
			Kind:        message.LegacyReply,
			ID:          t.numeric(msg.CallID),
			Resolution:  message.ResolutionFulfilled,
			ReturnValue: msg.Value,
		}
		if msg.IsError {
			l.Resolution = message.ResolutionRejected
			l.ReturnValueIsError = msg.IsSerializedErrorInstance
		}
		return l, true, nil
	case message.Destroy:
		return message.Legacy{}, false, nil
	default:
		return message.Legacy{}, false, fmt.Errorf("%w: type %T", message.ErrUnrecognized, m)
	}
}

// FromLegacy 把旧版消息转换为当前协议消息。
func (t *Translator) FromLegacy(l message.Legacy) (message.Message, error) {
	switch l.Kind {
	case message.LegacySyn:
		return message.Syn{ParticipantID: l.ParticipantID}, nil
	case message.LegacySynAck:
		paths := make([][]string, 0, len(l.MethodNames))
		for _, name := range l.MethodNames {
			path, err := SplitPath(name)
			if err != nil {
				return nil, err
			}
			paths = append(paths, path)
		}
		return message.Ack1{MethodPaths: paths}, nil
	case message.LegacyAck:
		return message.Ack2{}, nil
	case message.LegacyCall:
		path, err := SplitPath(l.MethodName)
		if err != nil {
			return nil, err
		}
		return message.Call{ID: t.stringID(l.Kind, l.ID), MethodPath: path, Args: l.Args}, nil
	case message.LegacyReply:
		reply := message.Reply{CallID: t.stringID(l.Kind, l.ID), Value: l.ReturnValue}
		switch l.Resolution {
		case message.ResolutionFulfilled:
		case message.ResolutionRejected:
			reply.IsError = true
			reply.IsSerializedErrorInstance = l.ReturnValueIsError
		default:
			return nil, fmt.Errorf("%w: resolution %q", message.ErrMalformed, l.Resolution)
		}
		return reply, nil
	default:
		return nil, fmt.Errorf("%w: legacy kind %q", message.ErrUnrecognized, l.Kind)
	}
}

func (t *Translator) numeric(id string) uint64 {
	n, created := t.ids.Numeric(id)
	if created {
		t.logger.Debug("legacy id mapped", "id", id, "numeric", n)
	}
	return n
}

// stringID 查找数字 id 的原始字符串 id。找不到时退回十进制字符串并记录告警：
// 这可能是兼容旧版对端自发的调用，也可能掩盖了丢失的关联，需要留意。
func (t *Translator) stringID(kind message.LegacyKind, numeric uint64) string {
	if id, ok := t.ids.String(numeric); ok {
		return id
	}
	fallback := strconv.FormatUint(numeric, 10)
	t.ids.Bind(fallback, numeric)
	t.logger.Warn("legacy id has no mapping, using decimal form", "kind", string(kind), "numeric", numeric)
	if t.onFallback != nil {
		t.onFallback(kind, numeric)
	}
	return fallback
}

// JoinPath 把方法路径写成点号形式，拒绝无法还原的路径。
func JoinPath(path []string) (string, error) {
	if len(path) == 0 {
		return "", fmt.Errorf("%w: empty path", ErrPathNotRepresentable)
	}
	for _, segment := range path {
		if segment == "" || strings.Contains(segment, pathSeparator) {
			return "", fmt.Errorf("%w: segment %q", ErrPathNotRepresentable, segment)
		}
	}
	return strings.Join(path, pathSeparator), nil
}

// SplitPath 把点号形式的方法名还原为路径。
func SplitPath(name string) ([]string, error) {
	segments := strings.Split(name, pathSeparator)
	for _, segment := range segments {
		if segment == "" {
			return nil, fmt.Errorf("%w: method name %q", message.ErrMalformed, name)
		}
	}
	return segments, nil
}
