package message

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/*.json
var schemaFS embed.FS

const schemaBase = "https://aegis-sign.dev/schema/bridge/"

var (
	schemaOnce    sync.Once
	currentSchema *jsonschema.Schema
	legacySchema  *jsonschema.Schema
	schemaErr     error
)

func loadSchemas() error {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		for _, name := range []string{"current.json", "legacy.json"} {
			data, err := schemaFS.ReadFile("schema/" + name)
			if err != nil {
				schemaErr = fmt.Errorf("read schema %s: %w", name, err)
				return
			}
			if err := compiler.AddResource(schemaBase+name, bytes.NewReader(data)); err != nil {
				schemaErr = fmt.Errorf("add schema %s: %w", name, err)
				return
			}
		}
		if currentSchema, schemaErr = compiler.Compile(schemaBase + "current.json"); schemaErr != nil {
			return
		}
		legacySchema, schemaErr = compiler.Compile(schemaBase + "legacy.json")
	})
	return schemaErr
}

// Frame 是线路上解码出的一帧，Current 与 Legacy 恰有一个非空。
type Frame struct {
	Current Message
	Legacy  *Legacy
}

// IsLegacy 报告该帧是否为旧版协议。
func (f Frame) IsLegacy() bool { return f.Legacy != nil }

type probe struct {
	Namespace *string `json:"namespace"`
	Penpal    *string `json:"penpal"`
}

// DecodeFrame 识别并解码一帧。未知形态一律拒绝，不做宽松解析。
func DecodeFrame(data []byte) (Frame, error) {
	if err := loadSchemas(); err != nil {
		return Frame{}, err
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, ok := instance.(map[string]any); !ok {
		return Frame{}, fmt.Errorf("%w: not an object", ErrUnrecognized)
	}
	var p probe
	if err := json.Unmarshal(data, &p); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrUnrecognized, err)
	}
	switch {
	case p.Penpal != nil:
		if err := legacySchema.Validate(instance); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		var env legacyEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		l := env.legacy()
		return Frame{Legacy: &l}, nil
	case p.Namespace != nil && *p.Namespace == Namespace:
		if err := currentSchema.Validate(instance); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		msg, err := env.message()
		if err != nil {
			return Frame{}, err
		}
		return Frame{Current: msg}, nil
	default:
		return Frame{}, ErrUnrecognized
	}
}

// Decode 只接受当前协议的消息。
func Decode(data []byte) (Message, error) {
	frame, err := DecodeFrame(data)
	if err != nil {
		return nil, err
	}
	if frame.IsLegacy() {
		return nil, fmt.Errorf("%w: legacy %q where current expected", ErrUnrecognized, frame.Legacy.Kind)
	}
	return frame.Current, nil
}
