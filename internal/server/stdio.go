package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Handler processes one JSON-RPC method call. A nil *Error with a nil result
// means the method produced an empty result object.
type Handler interface {
	Handle(ctx context.Context, method string, params json.RawMessage) (any, *Error)
}

// Stdio reads newline-delimited JSON-RPC requests from in and writes
// responses to out. Each request is dispatched on its own goroutine so a
// long-running tools/call never blocks skill_cancel or ping; writes are
// serialized.
type Stdio struct {
	in      io.Reader
	out     io.Writer
	handler Handler
	logger  *slog.Logger

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// StdioOption configures the transport.
type StdioOption func(*Stdio)

// WithStdioLogger sets the transport logger.
func WithStdioLogger(logger *slog.Logger) StdioOption {
	return func(t *Stdio) {
		if logger != nil {
			t.logger = logger.With("component", "stdio")
		}
	}
}

// NewStdio creates a transport over the given streams.
func NewStdio(in io.Reader, out io.Writer, handler Handler, opts ...StdioOption) *Stdio {
	t := &Stdio{
		in:      in,
		out:     out,
		handler: handler,
		logger:  slog.Default().With("component", "stdio"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Serve runs the read loop until EOF or ctx cancellation and waits for
// in-flight requests to finish before returning.
func (t *Stdio) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024) // 1MB frames

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		t.handleLine(ctx, line)
	}
	t.wg.Wait()

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		t.logger.Error("stdin scanner error", "error", err)
		return fmt.Errorf("read stdin: %w", err)
	}
	return ctx.Err()
}

// handleLine parses one frame and dispatches it. Requests without an id are
// client notifications: processed, never answered.
func (t *Stdio) handleLine(ctx context.Context, line string) {
	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		t.reply(Response{
			JSONRPC: "2.0",
			ID:      nil,
			Error:   &Error{Code: ErrCodeParseError, Message: fmt.Sprintf("parse error: %v", err)},
		})
		return
	}
	if req.Method == "" {
		t.reply(Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &Error{Code: ErrCodeInvalidRequest, Message: "method is required"},
		})
		return
	}

	if req.ID == nil {
		// Client notification; run inline, nothing to send back.
		t.handler.Handle(ctx, req.Method, req.Params)
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		result, rpcErr := t.handler.Handle(ctx, req.Method, req.Params)
		resp := Response{JSONRPC: "2.0", ID: req.ID}
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			raw, err := json.Marshal(result)
			if err != nil {
				resp.Error = &Error{Code: ErrCodeInternalError, Message: fmt.Sprintf("marshal result: %v", err)}
			} else {
				resp.Result = raw
			}
		}
		t.reply(resp)
	}()
}

// Notify sends a server-initiated notification to the client.
func (t *Stdio) Notify(method string, params any) error {
	notif := Notification{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = raw
	}
	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return t.write(data)
}

func (t *Stdio) reply(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		t.logger.Error("response marshal failed", "error", err)
		return
	}
	if err := t.write(data); err != nil {
		t.logger.Error("response write failed", "error", err)
	}
}

func (t *Stdio) write(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := t.out.Write(append(data, '\n'))
	return err
}
