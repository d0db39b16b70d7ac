package session

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/danmuck/simctl/internal/command"
	"github.com/danmuck/simctl/internal/modelgraph"
	"github.com/danmuck/simctl/internal/protocol"
	"github.com/danmuck/simctl/internal/protocol/frame"
	"github.com/danmuck/simctl/internal/protocol/schema"
	"github.com/danmuck/simctl/internal/protocol/tlv"
	"github.com/danmuck/simctl/internal/table"
	"github.com/danmuck/simctl/internal/testutil/testlog"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func mockModel() *modelgraph.Node {
	return modelgraph.NewNode("mock", modelgraph.KindModel).
		WithProp("Area", 2.5).
		WithProp("Sown", time.Date(2020, 10, 1, 0, 0, 0, 0, time.UTC)).
		AddChild(modelgraph.NewNode("Leaf", modelgraph.KindModel).WithProp("Count", 4))
}

func sampleRunCommand() command.RunCommand {
	return command.NewRunCommand(true, true, 32,
		[]command.Replacement{
			command.NewPropertyReplacement("path", "value"),
			command.NewModelReplacement("x", mockModel()),
		},
		[]string{"sim1", "sim2"},
	)
}

func frameRoundTrip(t *testing.T, env Envelope) Envelope {
	t.Helper()
	raw, err := EncodeEnvelopeFrame(7, env)
	if err != nil {
		t.Fatalf("encode %s: %v", env.Kind(), err)
	}
	fr, err := frame.ReadFrame(bytes.NewReader(raw), frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	out, err := DecodeEnvelopeFrame(fr)
	if err != nil {
		t.Fatalf("decode %s: %v", env.Kind(), err)
	}
	return out
}

func TestRunCommandFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := CommandEnvelope{Command: sampleRunCommand()}
	out := frameRoundTrip(t, in)
	if !EnvelopesEqual(in, out) {
		t.Fatalf("run command mismatch:\nin=%+v\nout=%+v", in, out)
	}
}

func TestReadCommandFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := CommandEnvelope{Command: command.NewReadCommand("table", "param1", "param2", "param3")}
	out := frameRoundTrip(t, in)
	if !EnvelopesEqual(in, out) {
		t.Fatalf("read command mismatch: %+v", out)
	}
}

func TestReplacementEnvelopeRoundTrip(t *testing.T) {
	testlog.Start(t)
	for _, r := range []command.Replacement{
		command.NewPropertyReplacement("[Wheat].SowingDensity", 120.5),
		command.NewPropertyReplacement("Clock.Dates", []any{"2001-01-01", nil, map[string]any{"k": true}}),
		command.NewModelReplacement(".Simulations.Sim1.Field", mockModel()),
	} {
		in := ReplacementEnvelope{Replacement: r}
		if out := frameRoundTrip(t, in); !EnvelopesEqual(in, out) {
			t.Fatalf("replacement mismatch: %+v vs %+v", in, out)
		}
	}
}

func TestSentinelsAreTypedNotText(t *testing.T) {
	testlog.Start(t)
	for _, s := range []Sentinel{Acknowledge, Finished} {
		if out := frameRoundTrip(t, s); out != s {
			t.Fatalf("sentinel mismatch: %v vs %v", s, out)
		}
	}
	// A property value spelling a token stays a property value.
	in := ReplacementEnvelope{Replacement: command.NewPropertyReplacement("path", "ACK")}
	if _, ok := frameRoundTrip(t, in).(Sentinel); ok {
		t.Fatalf("string payload decoded as sentinel")
	}
	if _, _, err := EncodeEnvelope(Sentinel(9)); !errors.Is(err, protocol.ErrUnsupportedValue) {
		t.Fatalf("expected unsupported sentinel error, got %v", err)
	}
	payload := tlv.EncodeFields([]tlv.Field{tlv.U8(schema.FieldToken, 9)})
	if _, err := DecodeEnvelope(schema.MsgSentinel, payload); !errors.Is(err, protocol.ErrMalformedValue) {
		t.Fatalf("expected malformed sentinel error, got %v", err)
	}
}

func TestTableEnvelopeRoundTrip(t *testing.T) {
	testlog.Start(t)
	tbl := table.New("table name", table.Column{Name: "t", Type: table.TypeInt}, table.Column{Name: "x", Type: table.TypeFloat})
	for _, row := range [][2]int{{0, 1}, {1, 2}, {2, 4}} {
		if err := tbl.AddRow(row[0], row[1]); err != nil {
			t.Fatalf("add row: %v", err)
		}
	}
	out := frameRoundTrip(t, TableEnvelope{Table: tbl})
	got, ok := out.(TableEnvelope)
	if !ok {
		t.Fatalf("expected table envelope, got %T", out)
	}
	if !got.Table.Equal(tbl) {
		t.Fatalf("table mismatch: %+v", got.Table)
	}
}

func TestErrorReportRoundTripRebuildsTypedError(t *testing.T) {
	testlog.Start(t)
	cases := []error{
		&protocol.CommandValidationError{Field: "table_name", Reason: "must not be empty"},
		&protocol.ApplyReplacementError{Index: 1, Path: "Sim1.Nope", Reason: "node not found"},
		&protocol.ExecutionError{Simulation: "sim1", File: "wheat.yaml", Message: "diverged"},
	}
	for _, cause := range cases {
		out := frameRoundTrip(t, NewErrorReport(cause))
		report, ok := out.(ErrorReport)
		if !ok {
			t.Fatalf("expected error report, got %T", out)
		}
		if report.Err().Error() != cause.Error() {
			t.Fatalf("error text mismatch: %q vs %q", report.Err(), cause)
		}
	}
	internal := NewErrorReport(errors.New("disk full"))
	if internal.Class != ErrorKindInternal || !errors.Is(internal.Err(), protocol.ErrExecution) {
		t.Fatalf("unexpected internal report: %+v", internal)
	}
}

func TestDecodeEnvelopeRejectsUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	if _, err := DecodeEnvelope(77, nil); err == nil {
		t.Fatalf("expected error for unknown message type")
	}
	if _, err := DecodeEnvelope(schema.MsgReadCommand, []byte{1, 2}); !errors.Is(err, tlv.ErrShortFieldHeader) {
		t.Fatalf("expected tlv error, got %v", err)
	}
}

func TestEncodeEnvelopeRejectsUnsupportedPropertyValue(t *testing.T) {
	testlog.Start(t)
	cmd := command.NewRunCommand(false, false, 0,
		[]command.Replacement{command.PropertyReplacement{Path: "p", Value: struct{}{}}}, nil)
	if _, _, err := EncodeEnvelope(CommandEnvelope{Command: cmd}); !errors.Is(err, protocol.ErrUnsupportedValue) {
		t.Fatalf("expected ErrUnsupportedValue, got %v", err)
	}
}

func TestCommandRoundTripProperty(t *testing.T) {
	testlog.Start(t)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("run commands survive encode/decode", prop.ForAll(
		func(verbose, riv bool, n int, paths []string, values []int64, sims []string, models bool) bool {
			var reps []command.Replacement
			for i, p := range paths {
				path := fmt.Sprintf("Sim%d.%s", i, p)
				switch {
				case models && i%3 == 0:
					reps = append(reps, command.NewModelReplacement(path, mockModel().WithProp("Index", i)))
				case i < len(values):
					reps = append(reps, command.NewPropertyReplacement(path, values[i]))
				default:
					reps = append(reps, command.NewPropertyReplacement(path, p))
				}
			}
			in := command.NewRunCommand(verbose, riv, n, reps, sims)
			mt, payload, err := EncodeEnvelope(CommandEnvelope{Command: in})
			if err != nil {
				return false
			}
			out, err := DecodeEnvelope(mt, payload)
			if err != nil {
				return false
			}
			ce, ok := out.(CommandEnvelope)
			return ok && command.Equal(in, ce.Command)
		},
		gen.Bool(),
		gen.Bool(),
		gen.IntRange(-64, 256),
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Int64()),
		gen.SliceOf(gen.Identifier()),
		gen.Bool(),
	))

	properties.Property("read commands survive encode/decode", prop.ForAll(
		func(name string, params []string) bool {
			in := command.NewReadCommand(name, params...)
			mt, payload, err := EncodeEnvelope(CommandEnvelope{Command: in})
			if err != nil {
				return false
			}
			out, err := DecodeEnvelope(mt, payload)
			if err != nil {
				return false
			}
			ce, ok := out.(CommandEnvelope)
			return ok && command.Equal(in, ce.Command)
		},
		gen.Identifier(),
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}
