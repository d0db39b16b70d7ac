package schema

import (
	"fmt"

	"github.com/danmuck/simctl/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs. Each envelope kind travels as its own frame message type.
const (
	MsgRunCommand  uint32 = 1
	MsgReadCommand uint32 = 2
	MsgReplacement uint32 = 3
	MsgTable       uint32 = 4
	MsgSentinel    uint32 = 5
	MsgErrorReport uint32 = 6
)

// Field IDs.
const (
	FieldVerbose            uint16 = 1
	FieldReportInvalidViews uint16 = 2
	FieldNumberOfProcessors uint16 = 3
	FieldReplacement        uint16 = 4
	FieldSimulationName     uint16 = 5

	FieldTableName     uint16 = 10
	FieldParameterName uint16 = 11

	FieldReplacementKind uint16 = 20
	FieldPath            uint16 = 21
	FieldValue           uint16 = 22
	FieldSubtree         uint16 = 23

	FieldColumn     uint16 = 30
	FieldColumnName uint16 = 31
	FieldColumnType uint16 = 32
	FieldRow        uint16 = 33

	FieldToken uint16 = 40

	FieldErrorKind  uint16 = 50
	FieldMessage    uint16 = 51
	FieldIndex      uint16 = 52
	FieldSimulation uint16 = 53
	FieldFile       uint16 = 54
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgRunCommand: {
		{FieldVerbose, tlv.TypeBool},
		{FieldReportInvalidViews, tlv.TypeBool},
		{FieldNumberOfProcessors, tlv.TypeI64},
	},
	MsgReadCommand: {
		{FieldTableName, tlv.TypeString},
	},
	MsgReplacement: {
		{FieldReplacementKind, tlv.TypeU8},
		{FieldPath, tlv.TypeString},
	},
	MsgTable: {
		{FieldTableName, tlv.TypeString},
	},
	MsgSentinel: {
		{FieldToken, tlv.TypeU8},
	},
	MsgErrorReport: {
		{FieldErrorKind, tlv.TypeU8},
		{FieldMessage, tlv.TypeString},
	},
}

// Optional and repeated fields are type-checked on every occurrence.
var optional = map[uint32][]Requirement{
	MsgRunCommand: {
		{FieldReplacement, tlv.TypeStruct},
		{FieldSimulationName, tlv.TypeString},
	},
	MsgReadCommand: {
		{FieldParameterName, tlv.TypeString},
	},
	MsgReplacement: {
		{FieldSubtree, tlv.TypeNode},
	},
	MsgTable: {
		{FieldColumn, tlv.TypeStruct},
		{FieldRow, tlv.TypeList},
	},
	MsgErrorReport: {
		{FieldPath, tlv.TypeString},
		{FieldIndex, tlv.TypeI64},
		{FieldSimulation, tlv.TypeString},
		{FieldFile, tlv.TypeString},
	},
}

// Validate enforces required fields and field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	log.Trace().Uint32("message_type", messageType).Int("fields", len(fields)).Msg("schema.Validate")
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().Uint32("message_type", messageType).Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().Uint32("message_type", messageType).Uint16("field_id", req.ID).
				Uint8("got", f.Type).Uint8("want", req.Type).Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	for _, opt := range optional[messageType] {
		for _, f := range tlv.GetFields(fields, opt.ID) {
			if f.Type != opt.Type {
				log.Error().Uint32("message_type", messageType).Uint16("field_id", opt.ID).
					Uint8("got", f.Type).Uint8("want", opt.Type).Msg("schema.Validate type mismatch")
				return ValidationError{MessageType: messageType, FieldID: opt.ID, Reason: "type mismatch"}
			}
		}
	}
	log.Trace().Uint32("message_type", messageType).Msg("schema.Validate ok")
	return nil
}

// Known reports whether messageType has a schema.
func Known(messageType uint32) bool {
	_, ok := requirements[messageType]
	return ok
}
