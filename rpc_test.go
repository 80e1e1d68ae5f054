package dbinspect_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sergeyklay/dbinspect"
)

// fakeBackend implements dbinspect.Backend with canned results. queryGate,
// when non-nil, blocks RunQuery until closed.
type fakeBackend struct {
	pingErr   error
	queryGate chan struct{}
}

func (b *fakeBackend) Ping(ctx context.Context) error { return b.pingErr }

func (b *fakeBackend) ListSchemas(ctx context.Context) ([]dbinspect.SchemaEntry, error) {
	return []dbinspect.SchemaEntry{{Name: "public", Owner: "postgres", Type: "user"}}, nil
}

func (b *fakeBackend) ListTables(ctx context.Context) ([]dbinspect.TableEntry, error) {
	return []dbinspect.TableEntry{{Schema: "public", Name: "users", Type: "table"}}, nil
}

func (b *fakeBackend) DescribeTable(ctx context.Context, input dbinspect.DescribeTableInput) (*dbinspect.TableMetadata, error) {
	if input.Name == "" {
		return nil, dbinspect.Errorf(dbinspect.KindSchemaIntrospection, "table name must be non-empty")
	}
	return &dbinspect.TableMetadata{Schema: "public", Name: input.Name}, nil
}

func (b *fakeBackend) RunQuery(ctx context.Context, input dbinspect.RunQueryInput) (*dbinspect.RunQueryOutput, error) {
	if b.queryGate != nil {
		select {
		case <-b.queryGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &dbinspect.RunQueryOutput{Columns: []string{"n"}, Rows: [][]any{{1}}}, nil
}

func (b *fakeBackend) InvalidateSchema(input dbinspect.InvalidateInput) dbinspect.InvalidateOutput {
	return dbinspect.InvalidateOutput{Invalidated: 1}
}

// testResponse mirrors the wire response shape for assertions.
type testResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// startSession runs a dispatcher session over one end of a pipe and returns
// the client end. The session's exit error is delivered on the returned
// channel.
func startSession(t *testing.T, backend dbinspect.Backend, limits dbinspect.SessionLimits) (net.Conn, chan error) {
	t.Helper()
	client, server := net.Pipe()
	d := dbinspect.NewDispatcher(backend, limits, testLogger())
	done := make(chan error, 1)
	go func() {
		done <- d.ServeConn(context.Background(), server)
	}()
	t.Cleanup(func() { client.Close() })
	return client, done
}

func writeFrame(t *testing.T, w io.Writer, payload string) {
	t.Helper()
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		t.Fatalf("failed to write frame header: %v", err)
	}
	if _, err := io.WriteString(w, payload); err != nil {
		t.Fatalf("failed to write frame payload: %v", err)
	}
}

func readResponse(t *testing.T, r io.Reader) testResponse {
	t.Helper()
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		t.Fatalf("failed to read frame header: %v", err)
	}
	payload := make([]byte, binary.BigEndian.Uint32(header[:]))
	if _, err := io.ReadFull(r, payload); err != nil {
		t.Fatalf("failed to read frame payload: %v", err)
	}
	var resp testResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	return resp
}

func TestServeConnPing(t *testing.T) {
	t.Parallel()
	client, done := startSession(t, &fakeBackend{}, dbinspect.SessionLimits{})

	writeFrame(t, client, `{"id":1,"method":"ping"}`)
	resp := readResponse(t, client)

	if string(resp.ID) != "1" {
		t.Errorf("id not echoed: got %s", resp.ID)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if !strings.Contains(string(resp.Result), `"ok"`) {
		t.Errorf("unexpected result: %s", resp.Result)
	}

	client.Close()
	if err := <-done; err != nil {
		t.Errorf("clean disconnect should not be an error, got %v", err)
	}
}

func TestServeConnStringID(t *testing.T) {
	t.Parallel()
	client, _ := startSession(t, &fakeBackend{}, dbinspect.SessionLimits{})

	writeFrame(t, client, `{"id":"req-abc","method":"list_tables"}`)
	resp := readResponse(t, client)

	if string(resp.ID) != `"req-abc"` {
		t.Errorf("string id not echoed verbatim: got %s", resp.ID)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestServeConnListSchemas(t *testing.T) {
	t.Parallel()
	client, _ := startSession(t, &fakeBackend{}, dbinspect.SessionLimits{})

	writeFrame(t, client, `{"id":5,"method":"list_schemas"}`)
	resp := readResponse(t, client)

	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	var schemas []dbinspect.SchemaEntry
	if err := json.Unmarshal(resp.Result, &schemas); err != nil {
		t.Fatalf("result is not a schema list: %v", err)
	}
	if len(schemas) != 1 || schemas[0].Name != "public" || schemas[0].Type != "user" {
		t.Fatalf("unexpected schema list: %+v", schemas)
	}
}

func TestServeConnUnknownMethod(t *testing.T) {
	t.Parallel()
	client, _ := startSession(t, &fakeBackend{}, dbinspect.SessionLimits{})

	writeFrame(t, client, `{"id":2,"method":"drop_everything"}`)
	resp := readResponse(t, client)

	if resp.Error == nil {
		t.Fatal("expected an error response")
	}
	if resp.Error.Kind != string(dbinspect.KindProtocol) {
		t.Errorf("expected ProtocolError, got %s", resp.Error.Kind)
	}
	if !strings.Contains(resp.Error.Message, "drop_everything") {
		t.Errorf("message should name the method: %s", resp.Error.Message)
	}

	// The session survives an unknown method.
	writeFrame(t, client, `{"id":3,"method":"ping"}`)
	resp = readResponse(t, client)
	if resp.Error != nil {
		t.Fatalf("session should survive unknown method: %+v", resp.Error)
	}
}

func TestServeConnMalformedParams(t *testing.T) {
	t.Parallel()
	client, _ := startSession(t, &fakeBackend{}, dbinspect.SessionLimits{})

	writeFrame(t, client, `{"id":4,"method":"run_query","params":{"sql":123}}`)
	resp := readResponse(t, client)

	if resp.Error == nil || resp.Error.Kind != string(dbinspect.KindProtocol) {
		t.Fatalf("expected ProtocolError, got %+v", resp.Error)
	}
}

func TestServeConnSalvageableID(t *testing.T) {
	t.Parallel()
	client, _ := startSession(t, &fakeBackend{}, dbinspect.SessionLimits{})

	// Valid JSON, invalid request shape: method is not a string. The id is
	// salvageable, so the client gets a correlated error instead of a dead
	// session.
	writeFrame(t, client, `{"id":7,"method":123}`)
	resp := readResponse(t, client)

	if string(resp.ID) != "7" {
		t.Errorf("salvaged id not echoed: got %s", resp.ID)
	}
	if resp.Error == nil || resp.Error.Kind != string(dbinspect.KindProtocol) {
		t.Fatalf("expected ProtocolError, got %+v", resp.Error)
	}

	writeFrame(t, client, `{"id":8,"method":"ping"}`)
	resp = readResponse(t, client)
	if resp.Error != nil {
		t.Fatalf("session should survive a salvageable frame: %+v", resp.Error)
	}
}

func TestServeConnGarbageClosesSession(t *testing.T) {
	t.Parallel()
	client, done := startSession(t, &fakeBackend{}, dbinspect.SessionLimits{})

	writeFrame(t, client, `this is not json`)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close on undecodable frame")
	}

	var buf [1]byte
	client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(buf[:]); err == nil {
		t.Error("expected the connection to be closed")
	}
}

func TestServeConnOutOfOrderResponses(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{queryGate: make(chan struct{})}
	client, _ := startSession(t, backend, dbinspect.SessionLimits{})

	// A slow query must not block a concurrent ping.
	writeFrame(t, client, `{"id":"slow","method":"run_query","params":{"sql":"SELECT pg_sleep(60)"}}`)
	writeFrame(t, client, `{"id":"fast","method":"ping"}`)

	resp := readResponse(t, client)
	if string(resp.ID) != `"fast"` {
		t.Fatalf("expected the ping response first, got id %s", resp.ID)
	}

	close(backend.queryGate)
	resp = readResponse(t, client)
	if string(resp.ID) != `"slow"` {
		t.Fatalf("expected the query response second, got id %s", resp.ID)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected query error: %+v", resp.Error)
	}
}

func TestServeConnBackpressureDrains(t *testing.T) {
	t.Parallel()
	// Tiny water marks force the read loop through pause/resume cycles.
	client, _ := startSession(t, &fakeBackend{}, dbinspect.SessionLimits{
		HighWater: 64,
		LowWater:  16,
	})

	const n = 20
	go func() {
		// A write failure here surfaces as a read failure on the main
		// goroutine.
		for i := 0; i < n; i++ {
			payload := fmt.Sprintf(`{"id":%d,"method":"ping"}`, i)
			var header [4]byte
			binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
			if _, err := client.Write(header[:]); err != nil {
				return
			}
			if _, err := io.WriteString(client, payload); err != nil {
				return
			}
		}
	}()

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		resp := readResponse(t, client)
		if resp.Error != nil {
			t.Fatalf("unexpected error: %+v", resp.Error)
		}
		seen[string(resp.ID)] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct responses, got %d", n, len(seen))
	}
}

func TestServeConnBackendErrorKind(t *testing.T) {
	t.Parallel()
	backend := &fakeBackend{
		pingErr: dbinspect.Errorf(dbinspect.KindConnection, "database ping failed"),
	}
	client, _ := startSession(t, backend, dbinspect.SessionLimits{})

	writeFrame(t, client, `{"id":1,"method":"ping"}`)
	resp := readResponse(t, client)

	if resp.Error == nil {
		t.Fatal("expected an error response")
	}
	if resp.Error.Kind != string(dbinspect.KindConnection) {
		t.Errorf("expected ConnectionError, got %s", resp.Error.Kind)
	}
}

func TestServeConnContextCancelStopsSession(t *testing.T) {
	t.Parallel()
	client, server := net.Pipe()
	defer client.Close()

	d := dbinspect.NewDispatcher(&fakeBackend{}, dbinspect.SessionLimits{}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.ServeConn(ctx, server)
	}()

	writeFrame(t, client, `{"id":1,"method":"ping"}`)
	readResponse(t, client)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop on context cancellation")
	}
}

func TestNewDispatcherPanicsOnBadLimits(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for low-water >= high-water")
		}
	}()
	dbinspect.NewDispatcher(&fakeBackend{}, dbinspect.SessionLimits{
		HighWater: 100,
		LowWater:  100,
	}, testLogger())
}
