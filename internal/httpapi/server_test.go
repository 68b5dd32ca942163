package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rbaliyan/bookmail"
	"github.com/rbaliyan/bookmail/permission"
	"github.com/rbaliyan/bookmail/store/memory"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t     *testing.T
	srv   *httptest.Server
	clock *fakeClock
}

func newHarness(t *testing.T, svcOpts []bookmail.Option, apiOpts ...Option) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	opts := append([]bookmail.Option{
		bookmail.WithStore(memory.New()),
		bookmail.WithClock(clock),
		bookmail.WithLogger(quiet),
	}, svcOpts...)
	svc, err := bookmail.NewService(opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()
	if err := svc.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close(ctx) })

	api := New(svc, append([]Option{WithLogger(quiet)}, apiOpts...)...)
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return &harness{t: t, srv: srv, clock: clock}
}

func (h *harness) do(method, path, userID string, body any) *http.Response {
	h.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, r)
	if err != nil {
		h.t.Fatalf("new request: %v", err)
	}
	if userID != "" {
		req.Header.Set(UserHeader, userID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	h.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) expect(resp *http.Response, status int) {
	h.t.Helper()
	if resp.StatusCode != status {
		b, _ := io.ReadAll(resp.Body)
		h.t.Fatalf("%s %s: status %d, want %d: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, status, b)
	}
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func (h *harness) send(from, to, body string) *bookmail.Message {
	h.t.Helper()
	resp := h.do(http.MethodPost, "/v1/messages", from, bookmail.SendRequest{RecipientID: to, Body: body})
	h.expect(resp, http.StatusCreated)
	return decode[*bookmail.Message](h.t, resp)
}

func (h *harness) inbox(userID string) []*bookmail.Entry {
	h.t.Helper()
	resp := h.do(http.MethodGet, "/v1/inbox", userID, nil)
	h.expect(resp, http.StatusOK)
	return decode[[]*bookmail.Entry](h.t, resp)
}

func TestSendAndList(t *testing.T) {
	h := newHarness(t, nil)

	msg := h.send("alice", "bob", "hello")
	if msg.SenderID != "alice" || msg.RecipientID != "bob" || msg.Body != "hello" {
		t.Errorf("unexpected message %+v", msg)
	}
	h.clock.Advance(time.Second)
	h.send("alice", "bob", "again")

	resp := h.do(http.MethodGet, "/v1/inbox?limit=1", "bob", nil)
	h.expect(resp, http.StatusOK)
	if resp.Header.Get("X-Total-Count") != "2" || resp.Header.Get("X-Has-More") != "true" {
		t.Errorf("paging headers: total=%q more=%q", resp.Header.Get("X-Total-Count"), resp.Header.Get("X-Has-More"))
	}
	page := decode[[]*bookmail.Entry](t, resp)
	if len(page) != 1 || page[0].Message.Body != "again" {
		t.Fatalf("expected newest entry first, got %+v", page)
	}
	if page[0].ReadAt != nil || page[0].StateID == "" {
		t.Errorf("expected unread entry with state id, got %+v", page[0])
	}

	if got := h.inbox("alice"); len(got) != 2 {
		t.Errorf("sender inbox holds %d entries, want 2", len(got))
	}
}

func TestTransitions(t *testing.T) {
	h := newHarness(t, nil)
	h.send("alice", "bob", "hello")
	stateID := h.inbox("bob")[0].StateID

	h.expect(h.do(http.MethodPost, "/v1/states/"+stateID+"/read", "bob", nil), http.StatusNoContent)
	if h.inbox("bob")[0].ReadAt == nil {
		t.Error("expected read_at after marking read")
	}

	h.expect(h.do(http.MethodPost, "/v1/states/"+stateID+"/archive", "bob", nil), http.StatusNoContent)
	if len(h.inbox("bob")) != 0 {
		t.Error("archived entry should leave the inbox")
	}
	resp := h.do(http.MethodGet, "/v1/archive", "bob", nil)
	h.expect(resp, http.StatusOK)
	if got := decode[[]*bookmail.Entry](t, resp); len(got) != 1 {
		t.Fatalf("archive holds %d entries, want 1", len(got))
	}

	h.expect(h.do(http.MethodPost, "/v1/states/"+stateID+"/undo", "bob", nil), http.StatusNoContent)
	if len(h.inbox("bob")) != 1 {
		t.Error("undo should restore the entry to the inbox")
	}

	h.expect(h.do(http.MethodPost, "/v1/states/"+stateID+"/delete", "bob", nil), http.StatusNoContent)
	h.clock.Advance(bookmail.DefaultUndoWindow + time.Second)
	h.expect(h.do(http.MethodPost, "/v1/states/"+stateID+"/undo", "bob", nil), http.StatusGone)
	h.expect(h.do(http.MethodPost, "/v1/states/"+stateID+"/archive", "bob", nil), http.StatusNotFound)
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t, []bookmail.Option{
		bookmail.WithPermissionChecker(permission.NewDirectory([]string{"alice", "bob"})),
	})
	msg := h.send("alice", "bob", "hello")
	aliceState := h.inbox("alice")[0].StateID

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   any
		want   int
	}{
		{"missing user", http.MethodGet, "/v1/inbox", "", nil, http.StatusUnauthorized},
		{"invalid user", http.MethodGet, "/v1/inbox", "a:b", nil, http.StatusBadRequest},
		{"empty body", http.MethodPost, "/v1/messages", "alice", bookmail.SendRequest{RecipientID: "bob", Body: "  "}, http.StatusBadRequest},
		{"self send", http.MethodPost, "/v1/messages", "alice", bookmail.SendRequest{RecipientID: "alice", Body: "hi"}, http.StatusBadRequest},
		{"unknown recipient", http.MethodPost, "/v1/messages", "alice", bookmail.SendRequest{RecipientID: "carol", Body: "hi"}, http.StatusForbidden},
		{"bad json", http.MethodPost, "/v1/messages", "alice", "not an object", http.StatusBadRequest},
		{"foreign state", http.MethodPost, "/v1/states/" + aliceState + "/read", "bob", nil, http.StatusForbidden},
		{"missing state", http.MethodPost, "/v1/states/nope/archive", "bob", nil, http.StatusNotFound},
		{"undo without action", http.MethodPost, "/v1/states/" + aliceState + "/undo", "alice", nil, http.StatusGone},
		{"foreign message", http.MethodGet, "/v1/messages/" + msg.ID, "mallory", nil, http.StatusForbidden},
		{"missing message", http.MethodGet, "/v1/messages/nope", "alice", nil, http.StatusNotFound},
		{"bad limit", http.MethodGet, "/v1/inbox?limit=-1", "bob", nil, http.StatusBadRequest},
		{"bad offset", http.MethodGet, "/v1/archive?offset=x", "bob", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.do(tt.method, tt.path, tt.user, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status %d, want %d", resp.StatusCode, tt.want)
			}
			if tt.want >= 400 {
				if body := decode[errorBody](t, resp); body.Error == "" {
					t.Error("expected error message in body")
				}
			}
		})
	}
}

func TestMessageAndReplies(t *testing.T) {
	h := newHarness(t, nil)
	parent := h.send("alice", "bob", "question")

	h.clock.Advance(time.Second)
	resp := h.do(http.MethodPost, "/v1/messages", "bob", bookmail.SendRequest{RecipientID: "alice", Body: "answer", ReplyToID: parent.ID})
	h.expect(resp, http.StatusCreated)
	reply := decode[*bookmail.Message](t, resp)
	if reply.ReplyToID != parent.ID {
		t.Errorf("reply_to_id = %q, want %q", reply.ReplyToID, parent.ID)
	}

	resp = h.do(http.MethodGet, "/v1/messages/"+parent.ID, "bob", nil)
	h.expect(resp, http.StatusOK)
	if got := decode[*bookmail.Message](t, resp); got.ID != parent.ID {
		t.Errorf("message id = %q", got.ID)
	}

	resp = h.do(http.MethodGet, "/v1/messages/"+parent.ID+"/replies", "alice", nil)
	h.expect(resp, http.StatusOK)
	replies := decode[[]*bookmail.Message](t, resp)
	if len(replies) != 1 || replies[0].ID != reply.ID {
		t.Errorf("replies = %+v", replies)
	}
}

func TestStatsHealthAndMetrics(t *testing.T) {
	h := newHarness(t, nil)
	h.send("alice", "bob", "one")
	h.send("alice", "bob", "two")

	resp := h.do(http.MethodGet, "/v1/stats", "bob", nil)
	h.expect(resp, http.StatusOK)
	stats := decode[bookmail.MailboxStats](t, resp)
	if stats.InboxCount != 2 || stats.UnreadCount != 2 || stats.ArchivedCount != 0 {
		t.Errorf("stats = %+v", stats)
	}

	h.expect(h.do(http.MethodGet, "/healthz", "", nil), http.StatusOK)

	resp = h.do(http.MethodGet, "/metrics", "", nil)
	h.expect(resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		"bookmail_messages_sent_total 2",
		`bookmail_http_requests_total{method="POST",path="/v1/messages",status="201"} 2`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestBlocks(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	blocklist := permission.NewBlocklist(client)

	h := newHarness(t, []bookmail.Option{bookmail.WithPermissionChecker(blocklist)}, WithBlocklist(blocklist))

	h.expect(h.do(http.MethodPut, "/v1/blocks/mallory", "bob", nil), http.StatusNoContent)
	resp := h.do(http.MethodGet, "/v1/blocks", "bob", nil)
	h.expect(resp, http.StatusOK)
	if got := decode[[]string](t, resp); len(got) != 1 || got[0] != "mallory" {
		t.Errorf("blocked = %v", got)
	}

	h.expect(h.do(http.MethodPost, "/v1/messages", "mallory", bookmail.SendRequest{RecipientID: "bob", Body: "hi"}), http.StatusForbidden)

	h.expect(h.do(http.MethodDelete, "/v1/blocks/mallory", "bob", nil), http.StatusNoContent)
	h.send("mallory", "bob", "hi")
}

func TestNotConnected(t *testing.T) {
	svc, err := bookmail.NewService(bookmail.WithStore(memory.New()))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	srv := httptest.NewServer(New(svc, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("healthz status %d, want 503", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/inbox", nil)
	req.Header.Set(UserHeader, "bob")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("inbox status %d, want 503", resp.StatusCode)
	}
}
