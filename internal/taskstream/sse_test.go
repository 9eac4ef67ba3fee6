package taskstream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSSETransportParsesEventStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Path; got != "/api/v1/tasks/abc/stream" {
			t.Errorf("path = %q", got)
		}
		if got := r.URL.Query().Get("timeout"); got != "300" {
			t.Errorf("timeout = %q", got)
		}
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("accept = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "event: task_progress\n")
		fmt.Fprint(w, "data: {\"status\":\"processing\",\n")
		fmt.Fprint(w, "data: \"progress\":40}\n\n")
		fmt.Fprint(w, "data: {\"status\":\"processing\",\"progress\":80}\n\n")
		fmt.Fprint(w, "event: heartbeat\n")
		fmt.Fprint(w, "data: {\"timestamp\":1}\n\n")
		fl.Flush()
	}))
	defer srv.Close()

	tr := NewSSETransport(srv.URL, WithServerTimeout(300*time.Second))
	src, err := tr.Open(context.Background(), "abc")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()

	var got []Event
	for ev := range src.Events() {
		got = append(got, ev)
	}
	if err := src.Err(); err != nil {
		t.Fatalf("stream err: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("events = %d, want 3", len(got))
	}
	if got[0].Kind != EventTaskProgress {
		t.Fatalf("kind[0] = %q", got[0].Kind)
	}
	want := "{\"status\":\"processing\",\n\"progress\":40}"
	if string(got[0].Data) != want {
		t.Fatalf("data[0] = %q, want %q", got[0].Data, want)
	}
	// a bare data line defaults to a status event
	if got[1].Kind != EventTaskStatus {
		t.Fatalf("kind[1] = %q", got[1].Kind)
	}
	if got[2].Kind != EventHeartbeat {
		t.Fatalf("kind[2] = %q", got[2].Kind)
	}
}

func TestSSETransportRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such task", http.StatusNotFound)
	}))
	defer srv.Close()

	tr := NewSSETransport(srv.URL)
	if _, err := tr.Open(context.Background(), "missing"); err == nil {
		t.Fatalf("expected error for 404 response")
	}
}

func TestSSESourceCloseStopsStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"status\":\"processing\",\"progress\":1}\n\n")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	tr := NewSSETransport(srv.URL)
	src, err := tr.Open(context.Background(), "abc")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	<-src.Events() // first event arrived, stream is live
	src.Close()

	select {
	case _, ok := <-src.Events():
		if ok {
			// drain anything buffered before the close
			for range src.Events() {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("events channel never closed after Close")
	}
	if err := src.Err(); err != nil {
		t.Fatalf("close must not surface an error, got %v", err)
	}
}
