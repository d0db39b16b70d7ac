package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/simctl/internal/command"
	"github.com/danmuck/simctl/internal/protocol"
	"github.com/danmuck/simctl/internal/table"
	"github.com/danmuck/simctl/internal/testutil/testlog"
)

type stubHandler struct {
	mu      sync.Mutex
	runs    []command.RunCommand
	reads   []command.ReadCommand
	runErr  error
	readErr error
	table   *table.Table
	panics  bool
}

func (h *stubHandler) HandleRun(_ context.Context, cmd command.RunCommand) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.panics {
		panic("model blew up")
	}
	h.runs = append(h.runs, cmd)
	return h.runErr
}

func (h *stubHandler) HandleRead(_ context.Context, cmd command.ReadCommand) (*table.Table, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reads = append(h.reads, cmd)
	return h.table, h.readErr
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReadTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	cfg.RunTimeout = 2 * time.Second
	return cfg
}

func sampleTable() *table.Table {
	t := table.New("table name",
		table.Column{Name: "a", Type: table.TypeInt},
		table.Column{Name: "b", Type: table.TypeInt},
		table.Column{Name: "c", Type: table.TypeInt},
	)
	for i := 0; i < 3; i++ {
		_ = t.AddRow(i, i*10, i*100)
	}
	return t
}

// startResponder serves h on one end of a pipe and returns the other end.
func startResponder(t *testing.T, h Handler) (net.Conn, <-chan error) {
	t.Helper()
	client, server := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- NewResponder(NewChannel(server, testConfig())).Serve(context.Background(), h)
		_ = server.Close()
	}()
	t.Cleanup(func() { _ = client.Close() })
	return client, done
}

func expectEnvelope(t *testing.T, ch *Channel, want Envelope) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := ch.ReceiveObject(ctx)
	if err != nil {
		t.Fatalf("receive %s: %v", want.Kind(), err)
	}
	if got.Kind() != want.Kind() {
		t.Fatalf("expected %s, got %s", want.Kind(), got.Kind())
	}
}

func TestInitiatorRunSucceeds(t *testing.T) {
	testlog.Start(t)
	h := &stubHandler{}
	conn, _ := startResponder(t, h)
	ini := NewInitiator(NewChannel(conn, testConfig()))

	if err := ini.Run(context.Background(), sampleRunCommand()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(h.runs) != 1 || !command.Equal(h.runs[0], sampleRunCommand()) {
		t.Fatalf("handler saw %+v", h.runs)
	}
	// The session stays open for the next command.
	if err := ini.Run(context.Background(), command.NewRunCommand(false, false, 0, nil, nil)); err != nil {
		t.Fatalf("second run: %v", err)
	}
}

func TestRunSendsAckThenFinished(t *testing.T) {
	testlog.Start(t)
	conn, _ := startResponder(t, &stubHandler{})
	ch := NewChannel(conn, testConfig())

	if err := ch.SendObject(context.Background(), CommandEnvelope{Command: sampleRunCommand()}); err != nil {
		t.Fatalf("send: %v", err)
	}
	expectEnvelope(t, ch, Acknowledge)
	expectEnvelope(t, ch, Finished)
}

func TestRunFailureReplacesFinishedWithErrorReport(t *testing.T) {
	testlog.Start(t)
	h := &stubHandler{runErr: &protocol.ApplyReplacementError{Index: 1, Path: "Sim1.Nope", Reason: "node not found"}}
	conn, _ := startResponder(t, h)
	ini := NewInitiator(NewChannel(conn, testConfig()))

	err := ini.Run(context.Background(), sampleRunCommand())
	var ae *protocol.ApplyReplacementError
	if !errors.As(err, &ae) {
		t.Fatalf("expected ApplyReplacementError, got %v", err)
	}
	if ae.Index != 1 || ae.Path != "Sim1.Nope" {
		t.Fatalf("unexpected report: %+v", ae)
	}
	if ini.Channel().Broken() {
		t.Fatalf("remote failure must not break the channel")
	}
}

func TestHandlerPanicBecomesExecutionError(t *testing.T) {
	testlog.Start(t)
	conn, _ := startResponder(t, &stubHandler{panics: true})
	ini := NewInitiator(NewChannel(conn, testConfig()))

	err := ini.Run(context.Background(), sampleRunCommand())
	if !errors.Is(err, protocol.ErrExecution) {
		t.Fatalf("expected execution error, got %v", err)
	}
}

func TestInitiatorReadReturnsTable(t *testing.T) {
	testlog.Start(t)
	want := sampleTable()
	h := &stubHandler{table: want}
	conn, _ := startResponder(t, h)
	ini := NewInitiator(NewChannel(conn, testConfig()))

	got, err := ini.Read(context.Background(), command.NewReadCommand("table name"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("table mismatch: %+v", got)
	}
}

func TestReadSendsAckThenTableWithoutFinished(t *testing.T) {
	testlog.Start(t)
	conn, _ := startResponder(t, &stubHandler{table: sampleTable()})
	ch := NewChannel(conn, testConfig())

	if err := ch.SendObject(context.Background(), CommandEnvelope{Command: command.NewReadCommand("table name")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	expectEnvelope(t, ch, Acknowledge)
	expectEnvelope(t, ch, TableEnvelope{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if env, err := ch.ReceiveObject(ctx); err == nil {
		t.Fatalf("unexpected trailing envelope %s", env.Kind())
	}
}

func TestReadFailureReturnsExecutionError(t *testing.T) {
	testlog.Start(t)
	h := &stubHandler{readErr: &protocol.ExecutionError{Message: `table "missing" not found`}}
	conn, _ := startResponder(t, h)
	ini := NewInitiator(NewChannel(conn, testConfig()))

	_, err := ini.Read(context.Background(), command.NewReadCommand("missing"))
	var ee *protocol.ExecutionError
	if !errors.As(err, &ee) || ee.Message != `table "missing" not found` {
		t.Fatalf("expected execution error, got %v", err)
	}
}

func TestInvalidCommandIsAcknowledgedThenRejected(t *testing.T) {
	testlog.Start(t)
	h := &stubHandler{}
	conn, _ := startResponder(t, h)
	ch := NewChannel(conn, testConfig())

	if err := ch.SendObject(context.Background(), CommandEnvelope{Command: command.ReadCommand{TableName: "  "}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	expectEnvelope(t, ch, Acknowledge)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := ch.ReceiveObject(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	report, ok := env.(ErrorReport)
	if !ok || report.Class != ErrorKindValidation {
		t.Fatalf("expected validation report, got %#v", env)
	}
	if len(h.reads) != 0 {
		t.Fatalf("handler must not run for invalid commands")
	}
}

func TestInitiatorRejectsInvalidCommandLocally(t *testing.T) {
	testlog.Start(t)
	client, _ := net.Pipe()
	defer client.Close()
	ini := NewInitiator(NewChannel(client, testConfig()))

	_, err := ini.SendCommand(context.Background(), command.NewReadCommand(""))
	if !errors.Is(err, protocol.ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand, got %v", err)
	}
	if _, err := ini.SendCommand(context.Background(), nil); !errors.Is(err, protocol.ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand for nil, got %v", err)
	}
}

func TestInitiatorExpectedAckViolationBreaksChannel(t *testing.T) {
	testlog.Start(t)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		peer := NewChannel(server, testConfig())
		if _, err := peer.ReceiveObject(context.Background()); err != nil {
			return
		}
		_ = peer.SendObject(context.Background(), Finished)
	}()

	ini := NewInitiator(NewChannel(client, testConfig()))
	err := ini.Run(context.Background(), sampleRunCommand())
	if !errors.Is(err, protocol.ErrExpectedAck) || !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("expected ACK violation, got %v", err)
	}
	if !ini.Channel().Broken() {
		t.Fatalf("violation must break the channel")
	}
	if err := ini.Run(context.Background(), sampleRunCommand()); !errors.Is(err, protocol.ErrChannelBroken) {
		t.Fatalf("expected ErrChannelBroken, got %v", err)
	}
}

func TestInitiatorRejectsFinishedForRead(t *testing.T) {
	testlog.Start(t)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		peer := NewChannel(server, testConfig())
		if _, err := peer.ReceiveObject(context.Background()); err != nil {
			return
		}
		_ = peer.SendObject(context.Background(), Acknowledge)
		_ = peer.SendObject(context.Background(), Finished)
	}()

	ini := NewInitiator(NewChannel(client, testConfig()))
	_, err := ini.Read(context.Background(), command.NewReadCommand("table name"))
	if !errors.Is(err, protocol.ErrUnexpectedMessage) {
		t.Fatalf("expected unexpected message, got %v", err)
	}
}

func TestInitiatorRejectsSecondCommandInFlight(t *testing.T) {
	testlog.Start(t)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	received := make(chan struct{})
	release := make(chan struct{})
	go func() {
		peer := NewChannel(server, testConfig())
		if _, err := peer.ReceiveObject(context.Background()); err != nil {
			return
		}
		close(received)
		<-release
		_ = peer.SendObject(context.Background(), Acknowledge)
		_ = peer.SendObject(context.Background(), Finished)
	}()

	ini := NewInitiator(NewChannel(client, testConfig()))
	first := make(chan error, 1)
	go func() { first <- ini.Run(context.Background(), sampleRunCommand()) }()

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatalf("first command never arrived")
	}
	err := ini.Run(context.Background(), sampleRunCommand())
	if !errors.Is(err, protocol.ErrCommandInFlight) {
		t.Fatalf("expected ErrCommandInFlight, got %v", err)
	}
	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if ini.Channel().Broken() {
		t.Fatalf("in-flight rejection must not break the channel")
	}
}

func TestInitiatorCancelWhileWaiting(t *testing.T) {
	testlog.Start(t)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		peer := NewChannel(server, testConfig())
		_, _ = peer.ReceiveObject(context.Background())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	ini := NewInitiator(NewChannel(client, testConfig()))
	err := ini.Run(ctx, sampleRunCommand())
	if !errors.Is(err, protocol.ErrChannel) {
		t.Fatalf("expected channel error, got %v", err)
	}
	if !ini.Channel().Broken() {
		t.Fatalf("expected broken channel after abandoned wait")
	}
}

func TestResponderServeReturnsNilOnCleanClose(t *testing.T) {
	testlog.Start(t)
	conn, done := startResponder(t, &stubHandler{})
	_ = conn.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on clean close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not return")
	}
}

func TestResponderRejectsNonCommandEnvelope(t *testing.T) {
	testlog.Start(t)
	conn, done := startResponder(t, &stubHandler{})
	ch := NewChannel(conn, testConfig())
	if err := ch.SendObject(context.Background(), Acknowledge); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, protocol.ErrUnexpectedMessage) {
			t.Fatalf("expected ErrUnexpectedMessage, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not return")
	}
}

func TestChannelEncodeFailureKeepsChannelUsable(t *testing.T) {
	testlog.Start(t)
	conn, _ := startResponder(t, &stubHandler{})
	ch := NewChannel(conn, testConfig())

	bad := command.NewRunCommand(false, false, 0,
		[]command.Replacement{command.PropertyReplacement{Path: "p", Value: make(chan int)}}, nil)
	if err := ch.SendObject(context.Background(), CommandEnvelope{Command: bad}); err == nil || protocol.IsFatal(err) {
		t.Fatalf("expected non-fatal encode error, got %v", err)
	}
	if ch.Broken() {
		t.Fatalf("encode failure must not break the channel")
	}
	ini := NewInitiator(ch)
	if err := ini.Run(context.Background(), sampleRunCommand()); err != nil {
		t.Fatalf("run after encode failure: %v", err)
	}
}
