package session

import (
	"bytes"
	"fmt"

	"github.com/danmuck/simctl/internal/protocol"
	"github.com/danmuck/simctl/internal/protocol/frame"
	"github.com/danmuck/simctl/internal/protocol/schema"
	"github.com/danmuck/simctl/internal/protocol/tlv"
)

// EncodeEnvelope returns the frame message type and TLV payload for env.
// The payload is validated against the message type's schema before it is returned.
func EncodeEnvelope(env Envelope) (uint32, []byte, error) {
	var (
		fields []tlv.Field
		err    error
	)
	messageType := uint32(0)
	switch e := env.(type) {
	case CommandEnvelope:
		messageType, fields, err = encodeCommandFields(e.Command)
	case ReplacementEnvelope:
		messageType = schema.MsgReplacement
		fields, err = encodeReplacementFields(e.Replacement)
	case TableEnvelope:
		messageType = schema.MsgTable
		fields, err = encodeTableFields(e.Table)
	case Sentinel:
		if !e.valid() {
			return 0, nil, fmt.Errorf("%w: %s", protocol.ErrUnsupportedValue, e)
		}
		messageType = schema.MsgSentinel
		fields = []tlv.Field{tlv.U8(schema.FieldToken, uint8(e))}
	case ErrorReport:
		messageType = schema.MsgErrorReport
		fields = encodeErrorReportFields(e)
	default:
		return 0, nil, fmt.Errorf("%w: envelope %T", protocol.ErrUnsupportedValue, env)
	}
	if err != nil {
		return 0, nil, err
	}
	if err := schema.Validate(messageType, fields); err != nil {
		return 0, nil, err
	}
	return messageType, tlv.EncodeFields(fields), nil
}

// DecodeEnvelope parses a payload of the given message type into its envelope.
func DecodeEnvelope(messageType uint32, payload []byte) (Envelope, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	switch messageType {
	case schema.MsgRunCommand:
		cmd, err := decodeRunCommand(fields)
		if err != nil {
			return nil, err
		}
		return CommandEnvelope{Command: cmd}, nil
	case schema.MsgReadCommand:
		cmd, err := decodeReadCommand(fields)
		if err != nil {
			return nil, err
		}
		return CommandEnvelope{Command: cmd}, nil
	case schema.MsgReplacement:
		r, err := decodeReplacementFields(fields)
		if err != nil {
			return nil, err
		}
		return ReplacementEnvelope{Replacement: r}, nil
	case schema.MsgTable:
		t, err := decodeTable(fields)
		if err != nil {
			return nil, err
		}
		return TableEnvelope{Table: t}, nil
	case schema.MsgSentinel:
		tf, _ := tlv.GetField(fields, schema.FieldToken)
		v, err := tlv.U8FromBytes(tf.Value)
		if err != nil {
			return nil, err
		}
		s := Sentinel(v)
		if !s.valid() {
			return nil, fmt.Errorf("%w: %s", protocol.ErrMalformedValue, s)
		}
		return s, nil
	case schema.MsgErrorReport:
		return decodeErrorReport(fields)
	default:
		return nil, fmt.Errorf("%w: message type %d", protocol.ErrUnexpectedMessage, messageType)
	}
}

// Session encoder for one envelope into framed protocol message bytes.
func EncodeEnvelopeFrame(messageID uint64, env Envelope) ([]byte, error) {
	messageType, payload, err := EncodeEnvelope(env)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err = frame.WriteFrame(&buf, frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: messageType,
			Flags:       flagsFor(env),
		},
		Payload: payload,
	}, frame.DefaultLimits())
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Session decoder for one envelope frame.
func DecodeEnvelopeFrame(f frame.Frame) (Envelope, error) {
	return DecodeEnvelope(f.Header.MessageType, f.Payload)
}

func flagsFor(env Envelope) uint32 {
	switch env.(type) {
	case CommandEnvelope, ReplacementEnvelope:
		return 0
	case ErrorReport:
		return frame.FlagIsResponse | frame.FlagIsError
	default:
		return frame.FlagIsResponse
	}
}

func encodeErrorReportFields(r ErrorReport) []tlv.Field {
	fields := []tlv.Field{
		tlv.U8(schema.FieldErrorKind, uint8(r.Class)),
		tlv.String(schema.FieldMessage, r.Message),
		tlv.I64(schema.FieldIndex, int64(r.Index)),
	}
	if r.Path != "" {
		fields = append(fields, tlv.String(schema.FieldPath, r.Path))
	}
	if r.Simulation != "" {
		fields = append(fields, tlv.String(schema.FieldSimulation, r.Simulation))
	}
	if r.File != "" {
		fields = append(fields, tlv.String(schema.FieldFile, r.File))
	}
	return fields
}

func decodeErrorReport(fields []tlv.Field) (ErrorReport, error) {
	kf, _ := tlv.GetField(fields, schema.FieldErrorKind)
	kind, err := tlv.U8FromBytes(kf.Value)
	if err != nil {
		return ErrorReport{}, err
	}
	r := ErrorReport{
		Class:      ErrorKind(kind),
		Message:    getRequiredString(fields, schema.FieldMessage),
		Path:       getOptionalString(fields, schema.FieldPath),
		Index:      -1,
		Simulation: getOptionalString(fields, schema.FieldSimulation),
		File:       getOptionalString(fields, schema.FieldFile),
	}
	if f, ok := tlv.GetField(fields, schema.FieldIndex); ok {
		idx, err := tlv.I64FromBytes(f.Value)
		if err != nil {
			return ErrorReport{}, err
		}
		r.Index = int(idx)
	}
	return r, nil
}
