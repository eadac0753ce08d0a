package validator

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	errEmptyMessage     = errors.New("message is required")
	errDigestNot32Bytes = errors.New("pre-hashed message must decode to 32 bytes")
)

// MessageEncoding 描述待签名消息的编码。
type MessageEncoding string

const (
	MessageEncodingText MessageEncoding = "text"
	MessageEncodingHex  MessageEncoding = "hex"
)

// DetectEncoding 以 0x 前缀区分十六进制消息与文本消息。
func DetectEncoding(message string) MessageEncoding {
	if strings.HasPrefix(message, "0x") || strings.HasPrefix(message, "0X") {
		return MessageEncodingHex
	}
	return MessageEncodingText
}

// DecodeHex 解码 0x 前缀的十六进制消息。
func DecodeHex(message string) ([]byte, error) {
	if DetectEncoding(message) != MessageEncodingHex {
		return nil, fmt.Errorf("message %q is not 0x-prefixed hex", truncate(message))
	}
	decoded, err := hex.DecodeString(message[2:])
	if err != nil {
		return nil, fmt.Errorf("invalid hex message: %w", err)
	}
	return decoded, nil
}

// ValidateSignMessage 检查签名请求。
// requireArrayify 要求消息为字节串；requireHash 为 false 时消息已是 32 字节摘要。
func ValidateSignMessage(message string, requireArrayify, requireHash bool) error {
	if message == "" {
		return errEmptyMessage
	}
	if !requireArrayify && requireHash {
		return nil
	}
	decoded, err := DecodeHex(message)
	if err != nil {
		if requireArrayify {
			return err
		}
		return fmt.Errorf("%w: %w", errDigestNot32Bytes, err)
	}
	if !requireHash && len(decoded) != 32 {
		return errDigestNot32Bytes
	}
	return nil
}

// ValidateChainID 要求链 id 为正数。
func ValidateChainID(chainID int64) error {
	if chainID <= 0 {
		return fmt.Errorf("chain id must be positive, got %d", chainID)
	}
	return nil
}

// NormalizeRecoveryMethod 将用户输入转换为恢复方式常量。
func NormalizeRecoveryMethod(raw string) (string, error) {
	switch strings.ToLower(raw) {
	case "password":
		return "password", nil
	case "", "automatic":
		return "automatic", nil
	case "passkey":
		return "passkey", nil
	default:
		return "", fmt.Errorf("unsupported recovery method %q", raw)
	}
}

func truncate(s string) string {
	if len(s) > 16 {
		return s[:16] + "..."
	}
	return s
}
