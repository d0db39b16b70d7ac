package session

import (
	"fmt"

	"github.com/danmuck/simctl/internal/protocol"
	"github.com/danmuck/simctl/internal/protocol/schema"
	"github.com/danmuck/simctl/internal/protocol/tlv"
	"github.com/danmuck/simctl/internal/table"
)

// Session encoder for a tabular result set.
func encodeTableFields(t *table.Table) ([]tlv.Field, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil table", protocol.ErrUnsupportedValue)
	}
	fields := []tlv.Field{tlv.String(schema.FieldTableName, t.Name)}
	for _, c := range t.Columns {
		fields = append(fields, tlv.Nested(schema.FieldColumn, tlv.TypeStruct, []tlv.Field{
			tlv.String(schema.FieldColumnName, c.Name),
			tlv.U8(schema.FieldColumnType, uint8(c.Type)),
		}))
	}
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return nil, fmt.Errorf("row %d: %w", i, table.ErrRowWidth)
		}
		rf, err := protocol.EncodeValue(schema.FieldRow, row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		fields = append(fields, rf)
	}
	return fields, nil
}

// Session decoder for a tabular result set payload already validated against its schema.
func decodeTable(fields []tlv.Field) (*table.Table, error) {
	t := table.New(getRequiredString(fields, schema.FieldTableName))
	for i, cf := range tlv.GetFields(fields, schema.FieldColumn) {
		parts, err := tlv.DecodeFields(cf.Value)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		nf, ok := tlv.GetField(parts, schema.FieldColumnName)
		if !ok || nf.Type != tlv.TypeString {
			return nil, fmt.Errorf("column %d: %w: missing name", i, protocol.ErrMalformedValue)
		}
		col := table.Column{Name: string(nf.Value)}
		if tf, ok := tlv.GetField(parts, schema.FieldColumnType); ok {
			ct, err := tlv.U8FromBytes(tf.Value)
			if err != nil {
				return nil, fmt.Errorf("column %d: %w", i, err)
			}
			col.Type = table.ColumnType(ct)
		}
		t.Columns = append(t.Columns, col)
	}
	for i, rf := range tlv.GetFields(fields, schema.FieldRow) {
		v, err := protocol.DecodeValue(rf)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		row, ok := v.([]any)
		if !ok || len(row) != len(t.Columns) {
			return nil, fmt.Errorf("row %d: %w", i, table.ErrRowWidth)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}
