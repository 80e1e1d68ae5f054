package dbinspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sergeyklay/dbinspect/internal/frame"
)

// Request is one framed protocol request. The id is a caller-supplied
// correlation token echoed verbatim in the response; the server assumes
// nothing about its shape or uniqueness.
type Request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one framed protocol response. Exactly one of Result and Error
// is set.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the wire form of a failure.
type ErrorObject struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Backend is the operation surface the dispatcher routes to. *Inspector is
// the production implementation.
type Backend interface {
	Ping(ctx context.Context) error
	ListSchemas(ctx context.Context) ([]SchemaEntry, error)
	ListTables(ctx context.Context) ([]TableEntry, error)
	DescribeTable(ctx context.Context, input DescribeTableInput) (*TableMetadata, error)
	RunQuery(ctx context.Context, input RunQueryInput) (*RunQueryOutput, error)
	InvalidateSchema(input InvalidateInput) InvalidateOutput
}

// SessionLimits bounds a single transport session.
type SessionLimits struct {
	// MaxFrameSize bounds one frame; a larger length header is corruption.
	MaxFrameSize int
	// HighWater pauses reads once this many bytes of requests are buffered
	// but not yet answered; LowWater resumes them.
	HighWater int
	LowWater  int
}

// DefaultSessionLimits are used for zero-valued fields.
var DefaultSessionLimits = SessionLimits{
	MaxFrameSize: frame.DefaultMaxSize,
	HighWater:    1 << 20,
	LowWater:     256 << 10,
}

type handlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Dispatcher decodes framed requests, routes them by method name, and
// encodes responses. The method registry is fixed and validated at
// construction; an unknown method is a ProtocolError response, never a
// crash.
type Dispatcher struct {
	handlers map[string]handlerFunc
	limits   SessionLimits
	logger   zerolog.Logger
}

// NewDispatcher builds the method registry over backend. Panics if limits
// are inconsistent.
func NewDispatcher(backend Backend, limits SessionLimits, logger zerolog.Logger) *Dispatcher {
	if limits.MaxFrameSize == 0 {
		limits.MaxFrameSize = DefaultSessionLimits.MaxFrameSize
	}
	if limits.HighWater == 0 {
		limits.HighWater = DefaultSessionLimits.HighWater
	}
	if limits.LowWater == 0 {
		limits.LowWater = DefaultSessionLimits.LowWater
	}
	if limits.LowWater >= limits.HighWater {
		panic("dbinspect: session low-water mark must be below the high-water mark")
	}

	handlers := map[string]handlerFunc{
		"ping": func(ctx context.Context, _ json.RawMessage) (any, error) {
			if err := backend.Ping(ctx); err != nil {
				return nil, err
			}
			return PingOutput{Status: "ok"}, nil
		},
		"list_schemas": func(ctx context.Context, _ json.RawMessage) (any, error) {
			return backend.ListSchemas(ctx)
		},
		"list_tables": func(ctx context.Context, _ json.RawMessage) (any, error) {
			return backend.ListTables(ctx)
		},
		"describe_table": func(ctx context.Context, params json.RawMessage) (any, error) {
			var input DescribeTableInput
			if err := decodeParams(params, &input); err != nil {
				return nil, err
			}
			return backend.DescribeTable(ctx, input)
		},
		"run_query": func(ctx context.Context, params json.RawMessage) (any, error) {
			var input RunQueryInput
			if err := decodeParams(params, &input); err != nil {
				return nil, err
			}
			return backend.RunQuery(ctx, input)
		},
		"invalidate_schema": func(ctx context.Context, params json.RawMessage) (any, error) {
			var input InvalidateInput
			if err := decodeParams(params, &input); err != nil {
				return nil, err
			}
			return backend.InvalidateSchema(input), nil
		},
	}
	for name, h := range handlers {
		if name == "" || h == nil {
			panic("dbinspect: invalid method registry entry")
		}
	}

	return &Dispatcher{handlers: handlers, limits: limits, logger: logger}
}

func decodeParams(params json.RawMessage, into any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, into); err != nil {
		return Errorf(KindProtocol, "malformed params: %v", err)
	}
	return nil
}

// ServeConn runs one protocol session over a duplex byte stream until the
// peer disconnects, the stream corrupts, or ctx is cancelled. Responses are
// emitted as handlers finish, not in request arrival order; correlation is
// by id only.
func (d *Dispatcher) ServeConn(ctx context.Context, conn io.ReadWriteCloser) error {
	s := &session{
		d:    d,
		conn: conn,
		fr:   frame.NewReader(conn, d.limits.MaxFrameSize),
		fw:   frame.NewWriter(conn, d.limits.MaxFrameSize),
	}
	s.cond = sync.NewCond(&s.mu)
	return s.run(ctx)
}

type session struct {
	d    *Dispatcher
	conn io.ReadWriteCloser
	fr   *frame.Reader
	fw   *frame.Writer

	mu       sync.Mutex
	cond     *sync.Cond
	buffered int // bytes of requests read but not yet answered
	paused   bool
	dead     bool

	wg sync.WaitGroup
}

func (s *session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Unblock the frame reader when the surrounding context is cancelled
	// (server shutdown).
	watcherDone := make(chan struct{})
	defer close(watcherDone)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-watcherDone:
		}
	}()

	var readErr error
	for {
		s.waitForCapacity()
		payload, err := s.fr.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
		s.addBuffered(len(payload))
		s.wg.Add(1)
		go s.dispatch(ctx, payload)
	}

	if readErr != nil {
		// Corruption or forced close: in-flight statements are best-effort
		// cancelled and their connections evicted by the execution path.
		cancel()
		s.d.logger.Warn().Err(readErr).Msg("session terminated on transport error")
	}
	s.wg.Wait()
	s.conn.Close()
	if readErr != nil && !s.isDead() {
		return readErr
	}
	return nil
}

// dispatch handles one frame. Every failure below structural frame loss
// becomes a well-formed error response; only an unsalvageable frame kills
// the session.
func (s *session) dispatch(ctx context.Context, payload []byte) {
	defer s.wg.Done()
	defer s.doneBuffered(len(payload))

	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		var probe struct {
			ID json.RawMessage `json:"id"`
		}
		if probeErr := json.Unmarshal(payload, &probe); probeErr != nil || len(probe.ID) == 0 {
			s.d.logger.Warn().Err(err).Msg("undecodable frame with no salvageable id, closing session")
			s.kill()
			return
		}
		s.writeResponse(Response{ID: probe.ID, Error: &ErrorObject{
			Kind:    string(KindProtocol),
			Message: fmt.Sprintf("malformed request: %v", err),
		}})
		return
	}

	handler, ok := s.d.handlers[req.Method]
	if !ok {
		s.writeResponse(Response{ID: req.ID, Error: &ErrorObject{
			Kind:    string(KindProtocol),
			Message: fmt.Sprintf("unknown method %q", req.Method),
		}})
		return
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		kind := KindOf(err)
		if kind == "" {
			kind = KindProtocol
		}
		msg := err.Error()
		var e *Error
		if errors.As(err, &e) {
			msg = e.Message
		}
		s.writeResponse(Response{ID: req.ID, Error: &ErrorObject{Kind: string(kind), Message: msg}})
		return
	}
	s.writeResponse(Response{ID: req.ID, Result: result})
}

func (s *session) writeResponse(resp Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		payload, _ = json.Marshal(Response{ID: resp.ID, Error: &ErrorObject{
			Kind:    string(KindProtocol),
			Message: fmt.Sprintf("failed to encode response: %v", err),
		}})
	}
	if err := s.fw.Write(payload); err != nil {
		s.d.logger.Warn().Err(err).Msg("failed to write response frame, closing session")
		s.kill()
	}
}

// kill terminates the session from a handler goroutine; closing the
// connection unblocks the read loop.
func (s *session) kill() {
	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()
	s.conn.Close()
}

func (s *session) isDead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dead
}

// waitForCapacity blocks the read loop while buffered unanswered input sits
// above the high-water mark, resuming only once it drains below the
// low-water mark.
func (s *session) waitForCapacity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused && s.buffered <= s.d.limits.HighWater {
		return
	}
	s.paused = true
	for s.buffered > s.d.limits.LowWater {
		s.cond.Wait()
	}
	s.paused = false
}

func (s *session) addBuffered(n int) {
	s.mu.Lock()
	s.buffered += n
	s.mu.Unlock()
}

func (s *session) doneBuffered(n int) {
	s.mu.Lock()
	s.buffered -= n
	if s.buffered <= s.d.limits.LowWater {
		s.cond.Broadcast()
	}
	s.mu.Unlock()
}
