package channel

import (
	"errors"

	"github.com/aegis-sign/embedded-bridge/internal/bridge/codec"
	"github.com/aegis-sign/embedded-bridge/internal/bridge/message"
)

// errSkip 表示消息在目标格式下没有线路表示，不发送。
var errSkip = errors.New("message has no wire form")

// encodeOutbound 按通道格式序列化出站消息。
func encodeOutbound(o *options, m message.Message) ([]byte, error) {
	if !*o.legacy {
		return message.Encode(m)
	}
	legacy, ok, err := o.translator.ToLegacy(m)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errSkip
	}
	return message.EncodeLegacy(legacy)
}

// decodeInbound 解码入站数据，旧版消息统一转换为当前协议。
func decodeInbound(o *options, data []byte) (message.Message, error) {
	frame, err := message.DecodeFrame(data)
	if err != nil {
		return nil, err
	}
	if frame.IsLegacy() {
		return o.translator.FromLegacy(*frame.Legacy)
	}
	return frame.Current, nil
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, message.ErrUnrecognized):
		return "unrecognized"
	case errors.Is(err, message.ErrMalformed), errors.Is(err, codec.ErrPathNotRepresentable):
		return "malformed"
	default:
		return "decode"
	}
}
