package history

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kabili207/chatsync-go/core"
	"github.com/kabili207/chatsync-go/transport"
	"github.com/kabili207/chatsync-go/transport/wire"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestFetchHistoryPaginates(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)
	rec := func(id string, offset time.Duration) wire.MessageRecord {
		return wire.MessageRecord{ID: id, Sender: "bob", Content: id, Timestamp: base.Add(offset).UnixMilli()}
	}

	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.URL.Path != "/api/v1/contexts/room/lobby/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		switch r.URL.Query().Get("cursor") {
		case "":
			writeJSON(w, map[string]any{
				"success": true,
				"data": map[string]any{
					"messages":    []wire.MessageRecord{rec("m4", 4*time.Second), rec("m3", 3*time.Second)},
					"next_cursor": "c1",
					"has_more":    true,
				},
			})
		case "c1":
			writeJSON(w, map[string]any{
				"success": true,
				"data": map[string]any{
					"messages": []wire.MessageRecord{rec("m2", 2*time.Second), rec("m1", time.Second)},
					"has_more": false,
				},
			})
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	}))
	defer srv.Close()

	cl, err := NewClient(ClientConfig{BaseURL: srv.URL, Token: func() string { return "tok" }, PageSize: 2})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	room := core.Room("lobby")
	msgs, err := cl.FetchHistory(context.Background(), room)
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}

	if requests != 2 {
		t.Errorf("requests = %d, want 2", requests)
	}
	want := []string{"m1", "m2", "m3", "m4"}
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(want))
	}
	for i, m := range msgs {
		if m.ServerID != want[i] {
			t.Errorf("msgs[%d] = %s, want %s", i, m.ServerID, want[i])
		}
		if m.Context != room || m.Status != core.StatusDelivered {
			t.Errorf("msgs[%d] context %v status %v", i, m.Context, m.Status)
		}
	}
}

func TestFetchHistoryMaxMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "3" {
			t.Errorf("limit = %s, want 3", got)
		}
		writeJSON(w, map[string]any{
			"success": true,
			"data": map[string]any{
				"messages":    []wire.MessageRecord{{ID: "a"}, {ID: "b"}, {ID: "c"}},
				"next_cursor": "more",
				"has_more":    true,
			},
		})
	}))
	defer srv.Close()

	cl, _ := NewClient(ClientConfig{BaseURL: srv.URL, PageSize: 10, MaxMessages: 3})
	msgs, err := cl.FetchHistory(context.Background(), core.Room("r"))
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}
	if len(msgs) != 3 {
		t.Errorf("got %d messages, want 3", len(msgs))
	}
}

func TestFetchHistoryErrors(t *testing.T) {
	status := http.StatusUnauthorized
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		writeJSON(w, map[string]any{"success": false, "error": "boom"})
	}))
	defer srv.Close()

	cl, _ := NewClient(ClientConfig{BaseURL: srv.URL})
	ctx := context.Background()

	if _, err := cl.FetchHistory(ctx, core.Room("r")); !errors.Is(err, ErrUnauthorized) || !transport.IsUnauthorized(err) {
		t.Errorf("401: err = %v, want ErrUnauthorized", err)
	}
	status = http.StatusInternalServerError
	if _, err := cl.FetchHistory(ctx, core.Room("r")); err == nil {
		t.Error("500: err = nil")
	}
	status = http.StatusOK
	if _, err := cl.FetchHistory(ctx, core.Room("r")); err == nil {
		t.Error("success=false: err = nil")
	}
}

func TestFetchBlockList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/blocks" {
			t.Errorf("path = %s", r.URL.Path)
		}
		writeJSON(w, map[string]any{"success": true, "data": map[string]any{"users": []string{"troll", "spam"}}})
	}))
	defer srv.Close()

	cl, _ := NewClient(ClientConfig{BaseURL: srv.URL})
	ids, err := cl.FetchBlockList(context.Background())
	if err != nil {
		t.Fatalf("FetchBlockList: %v", err)
	}
	if len(ids) != 2 || ids[0] != "troll" || ids[1] != "spam" {
		t.Errorf("ids = %v", ids)
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Error("NewClient without BaseURL succeeded")
	}
}
