package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/veletrix/warden/internal/config"
	"github.com/veletrix/warden/internal/events"
)

func testNotifier(t *testing.T, handler http.HandlerFunc) (*Notifier, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	n := New(config.Pushover{UserKey: "user", AppToken: "token"})
	n.apiURL = srv.URL
	return n, srv
}

func TestSend(t *testing.T) {
	var gotForm map[string][]string
	n, _ := testNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotForm = r.PostForm
		w.Write([]byte(`{"status":1,"request":"abc"}`))
	})

	err := n.Send(Message{Title: "hi", Body: "body", Priority: PriorityHigh})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := gotForm["token"]; len(got) != 1 || got[0] != "token" {
		t.Errorf("token form value = %v", got)
	}
	if got := gotForm["priority"]; len(got) != 1 || got[0] != "1" {
		t.Errorf("priority form value = %v", got)
	}
}

func TestSendAPIError(t *testing.T) {
	n, _ := testNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":0,"errors":["user identifier is invalid"]}`))
	})

	err := n.Send(Message{Title: "t", Body: "b"})
	if err == nil || !strings.Contains(err.Error(), "user identifier is invalid") {
		t.Fatalf("expected API error, got %v", err)
	}
}

func TestSendUnconfigured(t *testing.T) {
	n := New(config.Pushover{})
	if err := n.Send(Message{Title: "t", Body: "b"}); err == nil {
		t.Fatal("expected error for unconfigured credentials")
	}
}

func TestSendTruncatesLongFields(t *testing.T) {
	var gotForm map[string][]string
	n, _ := testNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotForm = r.PostForm
		w.Write([]byte(`{"status":1}`))
	})

	long := strings.Repeat("x", MaxMessageLen+100)
	if err := n.Send(Message{Title: long, Body: long}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := len(gotForm["title"][0]); got != MaxTitleLen {
		t.Errorf("title length = %d, want %d", got, MaxTitleLen)
	}
	if got := len(gotForm["message"][0]); got != MaxMessageLen {
		t.Errorf("message length = %d, want %d", got, MaxMessageLen)
	}
}

func TestEventMessage(t *testing.T) {
	if _, ok := eventMessage(events.RateLimitMsg{WasAutoSwapped: true}); ok {
		t.Error("auto-swapped rate limit should not notify")
	}
	msg, ok := eventMessage(events.RateLimitMsg{
		TaskKey:          "proj/exec",
		Profile:          "work",
		LimitType:        "weekly",
		SuggestedProfile: "personal",
	})
	if !ok {
		t.Fatal("manual-prompt rate limit should notify")
	}
	for _, want := range []string{"work", "weekly", "proj/exec", "personal"} {
		if !strings.Contains(msg.Body, want) {
			t.Errorf("rate limit body missing %q: %s", want, msg.Body)
		}
	}

	msg, ok = eventMessage(events.AuthFailureMsg{
		TaskKey:     "proj/exec",
		Profile:     "work",
		FailureType: "expired",
		Remediation: "re-authenticate profile work",
	})
	if !ok {
		t.Fatal("auth failure should notify")
	}
	if !strings.Contains(msg.Body, "re-authenticate") {
		t.Errorf("auth body missing remediation: %s", msg.Body)
	}

	if _, ok := eventMessage(events.LogMsg{TaskKey: "k", Line: "x"}); ok {
		t.Error("log lines should not notify")
	}
}

func TestWatchSendsOnEvent(t *testing.T) {
	sent := make(chan struct{}, 1)
	n, _ := testNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":1}`))
		select {
		case sent <- struct{}{}:
		default:
		}
	})

	bus := events.NewBus()
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		n.Watch(ctx, bus)
		close(done)
	}()

	// Subscription races with Publish; retry until the watcher sees one.
	deadline := time.After(2 * time.Second)
	for {
		bus.Publish(events.AuthFailureMsg{TaskKey: "k", Profile: "p", FailureType: "invalid"})
		select {
		case <-sent:
			cancel()
			<-done
			return
		case <-deadline:
			t.Fatal("watcher never sent a notification")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
