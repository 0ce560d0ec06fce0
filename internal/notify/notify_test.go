package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilNotifierIsNoop(t *testing.T) {
	var n *Notifier
	// must not panic
	n.Send(context.Background(), "srv", "hello")
}

func TestNewEmptyURL(t *testing.T) {
	if New("") != nil {
		t.Fatalf("expected nil notifier for empty URL")
	}
}

func TestSendPostsContent(t *testing.T) {
	got := make(chan string, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p struct {
			Content string `json:"content"`
		}
		_ = json.NewDecoder(r.Body).Decode(&p)
		got <- p.Content
	}))
	defer ts.Close()

	n := New(ts.URL)
	n.Send(context.Background(), "alpha", "'Alice' joining (1/8)")

	select {
	case content := <-got:
		if !strings.HasPrefix(content, "[alpha] ") || !strings.Contains(content, "Alice") {
			t.Fatalf("unexpected webhook content: %q", content)
		}
	default:
		t.Fatalf("webhook was not called")
	}
}
