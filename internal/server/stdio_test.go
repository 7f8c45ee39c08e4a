package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/squirehq/squire/pkg/models"
)

// scriptedHandler answers every method with a fixed payload and records what
// it saw.
type scriptedHandler struct {
	mu      sync.Mutex
	methods []string
	reply   func(method string, params json.RawMessage) (any, *Error)
}

func (h *scriptedHandler) Handle(_ context.Context, method string, params json.RawMessage) (any, *Error) {
	h.mu.Lock()
	h.methods = append(h.methods, method)
	h.mu.Unlock()
	if h.reply != nil {
		return h.reply(method, params)
	}
	return map[string]string{"echo": method}, nil
}

func (h *scriptedHandler) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.methods...)
}

// responsesByID parses every output line; requests are dispatched
// concurrently so arrival order is not fixed.
func responsesByID(t *testing.T, out *bytes.Buffer) map[string]Response {
	t.Helper()
	byID := make(map[string]Response)
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var resp Response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("output line %q does not parse: %v", line, err)
		}
		byID[fmt.Sprint(resp.ID)] = resp
	}
	return byID
}

func TestStdioServesRequests(t *testing.T) {
	in := strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"method":"tools/list"}` + "\n")
	var out bytes.Buffer
	h := &scriptedHandler{}

	if err := NewStdio(in, &out, h).Serve(context.Background()); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	byID := responsesByID(t, &out)
	if len(byID) != 2 {
		t.Fatalf("responses = %d, want 2: %q", len(byID), out.String())
	}
	for _, id := range []string{"1", "2"} {
		resp, ok := byID[id]
		if !ok {
			t.Fatalf("no response for id %s", id)
		}
		if resp.Error != nil {
			t.Errorf("id %s error = %v", id, resp.Error)
		}
		if resp.JSONRPC != "2.0" {
			t.Errorf("id %s jsonrpc = %q", id, resp.JSONRPC)
		}
		if len(resp.Result) == 0 {
			t.Errorf("id %s has no result", id)
		}
	}
	if got := h.seen(); len(got) != 2 {
		t.Errorf("handled methods = %v, want 2", got)
	}
}

func TestStdioHandlerErrorBecomesResponseError(t *testing.T) {
	in := strings.NewReader(`{"jsonrpc":"2.0","id":9,"method":"bogus"}` + "\n")
	var out bytes.Buffer
	h := &scriptedHandler{
		reply: func(method string, _ json.RawMessage) (any, *Error) {
			return nil, &Error{Code: ErrCodeMethodNotFound, Message: "no such method"}
		},
	}

	if err := NewStdio(in, &out, h).Serve(context.Background()); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	resp := responsesByID(t, &out)["9"]
	if resp.Error == nil || resp.Error.Code != ErrCodeMethodNotFound {
		t.Fatalf("error = %+v, want code %d", resp.Error, ErrCodeMethodNotFound)
	}
	if len(resp.Result) != 0 {
		t.Errorf("result = %s, want empty alongside error", resp.Result)
	}
}

func TestStdioRejectsMalformedFrame(t *testing.T) {
	in := strings.NewReader("{not json}\n")
	var out bytes.Buffer

	if err := NewStdio(in, &out, &scriptedHandler{}).Serve(context.Background()); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp); err != nil {
		t.Fatalf("response does not parse: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeParseError {
		t.Fatalf("error = %+v, want code %d", resp.Error, ErrCodeParseError)
	}
	if resp.ID != nil {
		t.Errorf("id = %v, want null", resp.ID)
	}
}

func TestStdioRejectsMissingMethod(t *testing.T) {
	in := strings.NewReader(`{"jsonrpc":"2.0","id":7}` + "\n")
	var out bytes.Buffer

	if err := NewStdio(in, &out, &scriptedHandler{}).Serve(context.Background()); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp); err != nil {
		t.Fatalf("response does not parse: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeInvalidRequest {
		t.Fatalf("error = %+v, want code %d", resp.Error, ErrCodeInvalidRequest)
	}
	if resp.ID != float64(7) {
		t.Errorf("id = %v, want 7", resp.ID)
	}
}

func TestStdioNotificationGetsNoReply(t *testing.T) {
	in := strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n")
	var out bytes.Buffer
	h := &scriptedHandler{}

	if err := NewStdio(in, &out, h).Serve(context.Background()); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	if out.Len() != 0 {
		t.Errorf("output = %q, want empty", out.String())
	}
	if got := h.seen(); len(got) != 1 || got[0] != "notifications/initialized" {
		t.Errorf("handled = %v, want the notification", got)
	}
}

func TestStdioSkipsBlankLines(t *testing.T) {
	in := strings.NewReader("\n\n" + `{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n\n")
	var out bytes.Buffer

	if err := NewStdio(in, &out, &scriptedHandler{}).Serve(context.Background()); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if got := len(responsesByID(t, &out)); got != 1 {
		t.Errorf("responses = %d, want 1", got)
	}
}

func TestNotifyWritesNotificationFrame(t *testing.T) {
	var out bytes.Buffer
	tr := NewStdio(strings.NewReader(""), &out, &scriptedHandler{})

	if err := tr.Notify("notifications/tools/list_changed", nil); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	var notif Notification
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &notif); err != nil {
		t.Fatalf("notification does not parse: %v", err)
	}
	if notif.JSONRPC != "2.0" {
		t.Errorf("jsonrpc = %q", notif.JSONRPC)
	}
	if notif.Method != "notifications/tools/list_changed" {
		t.Errorf("method = %q", notif.Method)
	}
}

func TestListChangedNotifierFiltersEvents(t *testing.T) {
	var out bytes.Buffer
	tr := NewStdio(strings.NewReader(""), &out, &scriptedHandler{})
	n := ListChangedNotifier{Transport: tr}

	n.Publish(models.NewEvent(models.EventSkillStarted, "x1", nil))
	if out.Len() != 0 {
		t.Fatalf("unrelated event produced output: %q", out.String())
	}

	n.Publish(models.NewEvent(models.EventToolsChanged, "", models.ToolsChangedData{Persona: "dev", ToolCount: 3}))
	if !strings.Contains(out.String(), "notifications/tools/list_changed") {
		t.Errorf("notification missing from output: %q", out.String())
	}
}

type recordingPublisher struct {
	events []models.Event
}

func (p *recordingPublisher) Publish(ev models.Event) {
	p.events = append(p.events, ev)
}

func TestFanoutPublishesToEverySink(t *testing.T) {
	a := &recordingPublisher{}
	b := &recordingPublisher{}

	Fanout{a, nil, b}.Publish(models.NewEvent(models.EventToolsChanged, "", nil))

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("fanout delivered %d/%d events, want 1/1", len(a.events), len(b.events))
	}
}
