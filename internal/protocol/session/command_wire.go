package session

import (
	"fmt"

	"github.com/danmuck/simctl/internal/command"
	"github.com/danmuck/simctl/internal/protocol"
	"github.com/danmuck/simctl/internal/protocol/schema"
	"github.com/danmuck/simctl/internal/protocol/tlv"
)

const (
	replacementKindProperty uint8 = 1
	replacementKindModel    uint8 = 2
)

// Session encoder for a command into its message type and TLV fields.
func encodeCommandFields(cmd command.Command) (uint32, []tlv.Field, error) {
	switch c := cmd.(type) {
	case command.RunCommand:
		fields := []tlv.Field{
			tlv.Bool(schema.FieldVerbose, c.Verbose),
			tlv.Bool(schema.FieldReportInvalidViews, c.ReportInvalidViews),
			tlv.I64(schema.FieldNumberOfProcessors, int64(c.NumberOfProcessors)),
		}
		for i, r := range c.Replacements {
			rf, err := encodeReplacementFields(r)
			if err != nil {
				return 0, nil, fmt.Errorf("replacement %d: %w", i, err)
			}
			fields = append(fields, tlv.Nested(schema.FieldReplacement, tlv.TypeStruct, rf))
		}
		for _, name := range c.SimulationNamesToRun {
			fields = append(fields, tlv.String(schema.FieldSimulationName, name))
		}
		return schema.MsgRunCommand, fields, nil
	case command.ReadCommand:
		fields := []tlv.Field{tlv.String(schema.FieldTableName, c.TableName)}
		for _, p := range c.ParameterNames {
			fields = append(fields, tlv.String(schema.FieldParameterName, p))
		}
		return schema.MsgReadCommand, fields, nil
	default:
		return 0, nil, fmt.Errorf("%w: command %T", protocol.ErrUnsupportedValue, cmd)
	}
}

// Session decoder for a Run command payload already validated against its schema.
func decodeRunCommand(fields []tlv.Field) (command.RunCommand, error) {
	verbose, err := requiredBool(fields, schema.FieldVerbose)
	if err != nil {
		return command.RunCommand{}, err
	}
	riv, err := requiredBool(fields, schema.FieldReportInvalidViews)
	if err != nil {
		return command.RunCommand{}, err
	}
	nf, _ := tlv.GetField(fields, schema.FieldNumberOfProcessors)
	n, err := tlv.I64FromBytes(nf.Value)
	if err != nil {
		return command.RunCommand{}, err
	}
	cmd := command.RunCommand{
		Verbose:            verbose,
		ReportInvalidViews: riv,
		NumberOfProcessors: int(n),
	}
	for i, rf := range tlv.GetFields(fields, schema.FieldReplacement) {
		nested, err := tlv.DecodeFields(rf.Value)
		if err != nil {
			return command.RunCommand{}, fmt.Errorf("replacement %d: %w", i, err)
		}
		r, err := decodeReplacementFields(nested)
		if err != nil {
			return command.RunCommand{}, fmt.Errorf("replacement %d: %w", i, err)
		}
		cmd.Replacements = append(cmd.Replacements, r)
	}
	for _, sf := range tlv.GetFields(fields, schema.FieldSimulationName) {
		cmd.SimulationNamesToRun = append(cmd.SimulationNamesToRun, string(sf.Value))
	}
	return cmd, nil
}

// Session decoder for a Read command payload already validated against its schema.
func decodeReadCommand(fields []tlv.Field) (command.ReadCommand, error) {
	cmd := command.ReadCommand{TableName: getRequiredString(fields, schema.FieldTableName)}
	for _, pf := range tlv.GetFields(fields, schema.FieldParameterName) {
		cmd.ParameterNames = append(cmd.ParameterNames, string(pf.Value))
	}
	return cmd, nil
}

func encodeReplacementFields(r command.Replacement) ([]tlv.Field, error) {
	switch x := r.(type) {
	case command.PropertyReplacement:
		vf, err := protocol.EncodeValue(schema.FieldValue, x.Value)
		if err != nil {
			return nil, err
		}
		return []tlv.Field{
			tlv.U8(schema.FieldReplacementKind, replacementKindProperty),
			tlv.String(schema.FieldPath, x.Path),
			vf,
		}, nil
	case command.ModelReplacement:
		nf, err := protocol.EncodeNode(schema.FieldSubtree, x.Subtree)
		if err != nil {
			return nil, err
		}
		return []tlv.Field{
			tlv.U8(schema.FieldReplacementKind, replacementKindModel),
			tlv.String(schema.FieldPath, x.Path),
			nf,
		}, nil
	default:
		return nil, fmt.Errorf("%w: replacement %T", protocol.ErrUnsupportedValue, r)
	}
}

func decodeReplacementFields(fields []tlv.Field) (command.Replacement, error) {
	if err := schema.Validate(schema.MsgReplacement, fields); err != nil {
		return nil, err
	}
	kf, _ := tlv.GetField(fields, schema.FieldReplacementKind)
	kind, err := tlv.U8FromBytes(kf.Value)
	if err != nil {
		return nil, err
	}
	path := getRequiredString(fields, schema.FieldPath)
	switch kind {
	case replacementKindProperty:
		vf, ok := tlv.GetField(fields, schema.FieldValue)
		if !ok {
			return nil, schema.ValidationError{MessageType: schema.MsgReplacement, FieldID: schema.FieldValue, Reason: "missing required field"}
		}
		v, err := protocol.DecodeValue(vf)
		if err != nil {
			return nil, err
		}
		return command.PropertyReplacement{Path: path, Value: v}, nil
	case replacementKindModel:
		nf, ok := tlv.GetField(fields, schema.FieldSubtree)
		if !ok {
			return nil, schema.ValidationError{MessageType: schema.MsgReplacement, FieldID: schema.FieldSubtree, Reason: "missing required field"}
		}
		n, err := protocol.DecodeNode(nf)
		if err != nil {
			return nil, err
		}
		return command.ModelReplacement{Path: path, Subtree: n}, nil
	default:
		return nil, fmt.Errorf("%w: replacement kind %d", protocol.ErrMalformedValue, kind)
	}
}

func getRequiredString(fields []tlv.Field, id uint16) string {
	f, _ := tlv.GetField(fields, id)
	return string(f.Value)
}

func getOptionalString(fields []tlv.Field, id uint16) string {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return ""
	}
	return string(f.Value)
}

func requiredBool(fields []tlv.Field, id uint16) (bool, error) {
	f, _ := tlv.GetField(fields, id)
	return tlv.BoolFromBytes(f.Value)
}
