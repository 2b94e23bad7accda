package logging

import (
	"encoding/json"
	"time"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

var bufferPool = buffer.NewPool()

// ScalyrEncoder writes one flat JSON object per entry with the attribute
// names Scalyr parses without a custom parser. Fields added through
// logger.With are kept in the embedded map and emitted with every entry.
type ScalyrEncoder struct {
	*zapcore.MapObjectEncoder
}

// NewScalyrEncoder creates a new Scalyr-compatible encoder. Key names and
// level formatting are fixed, so config is only accepted for symmetry with
// the other zap encoders.
func NewScalyrEncoder(config zapcore.EncoderConfig) zapcore.Encoder {
	return &ScalyrEncoder{MapObjectEncoder: zapcore.NewMapObjectEncoder()}
}

// EncodeEntry encodes a log entry in Scalyr-compatible format
func (e *ScalyrEncoder) EncodeEntry(entry zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	attrs := e.copyFields()
	for _, field := range fields {
		field.AddTo(attrs)
	}
	// Durations and errors are easier to search as text
	for k, v := range attrs.Fields {
		switch t := v.(type) {
		case time.Duration:
			attrs.Fields[k] = t.String()
		case error:
			attrs.Fields[k] = t.Error()
		}
	}

	attrs.Fields["timestamp"] = entry.Time.UTC().Format(time.RFC3339Nano)
	attrs.Fields["severity"] = entry.Level.String()
	attrs.Fields["message"] = entry.Message
	if entry.LoggerName != "" {
		attrs.Fields["logger"] = entry.LoggerName
	}
	if entry.Caller.Defined {
		attrs.Fields["caller"] = entry.Caller.TrimmedPath()
	}
	if entry.Stack != "" {
		attrs.Fields["stack"] = entry.Stack
	}

	data, err := json.Marshal(attrs.Fields)
	if err != nil {
		return nil, err
	}

	buf := bufferPool.Get()
	buf.AppendBytes(data)
	buf.AppendByte('\n')
	return buf, nil
}

// Clone creates a copy of the encoder
func (e *ScalyrEncoder) Clone() zapcore.Encoder {
	return &ScalyrEncoder{MapObjectEncoder: e.copyFields()}
}

func (e *ScalyrEncoder) copyFields() *zapcore.MapObjectEncoder {
	m := zapcore.NewMapObjectEncoder()
	for k, v := range e.Fields {
		m.Fields[k] = v
	}
	return m
}
