package sse

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// openStream connects to url and returns a channel of received frames
// (each frame is everything up to the blank separator line).
func openStream(t *testing.T, url string) (<-chan string, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("connect: %v", err)
	}

	frames := make(chan string, 8)
	go func() {
		defer resp.Body.Close()
		defer close(frames)
		br := bufio.NewReader(resp.Body)
		var cur strings.Builder
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			if line == "\n" {
				frames <- cur.String()
				cur.Reset()
				continue
			}
			cur.WriteString(line)
		}
	}()
	return frames, cancel
}

func recvFrame(t *testing.T, frames <-chan string) string {
	t.Helper()
	select {
	case f, ok := <-frames:
		if !ok {
			t.Fatal("stream closed before frame arrived")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return ""
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStreamOpensWithConnectedComment(t *testing.T) {
	b := NewBroadcaster(nil)
	srv := httptest.NewServer(b)
	defer srv.Close()

	frames, cancel := openStream(t, srv.URL)
	defer cancel()

	if got, want := recvFrame(t, frames), ": connected\n"; got != want {
		t.Errorf("first frame = %q, want %q", got, want)
	}
	waitFor(t, func() bool { return b.ConnectedCount() == 1 }, "client never registered")
}

func TestBroadcastFanOutAndTopicFilter(t *testing.T) {
	b := NewBroadcaster(nil)
	srv := httptest.NewServer(b)
	defer srv.Close()

	all, cancelAll := openStream(t, srv.URL)
	defer cancelAll()
	relayOnly, cancelRelay := openStream(t, srv.URL+"?subscribe=relay,audit")
	defer cancelRelay()

	recvFrame(t, all)
	recvFrame(t, relayOnly)
	waitFor(t, func() bool { return b.ConnectedCount() == 2 }, "clients never registered")

	b.Broadcast("toolResult", "hello\nworld", "other")
	want := "event: toolResult\ndata: hello\ndata: world\n"
	if got := recvFrame(t, all); got != want {
		t.Errorf("unsubscribed client frame = %q, want %q", got, want)
	}
	select {
	case f := <-relayOnly:
		t.Errorf("subscribed client received off-topic frame %q", f)
	case <-time.After(100 * time.Millisecond):
	}

	b.Broadcast("toolResult", "again", "relay")
	want = "event: toolResult\ndata: again\n"
	if got := recvFrame(t, all); got != want {
		t.Errorf("frame = %q, want %q", got, want)
	}
	if got := recvFrame(t, relayOnly); got != want {
		t.Errorf("frame = %q, want %q", got, want)
	}
}

func TestBroadcastEncodesNonStringData(t *testing.T) {
	b := NewBroadcaster(nil)
	srv := httptest.NewServer(b)
	defer srv.Close()

	frames, cancel := openStream(t, srv.URL)
	defer cancel()
	recvFrame(t, frames)
	waitFor(t, func() bool { return b.ConnectedCount() == 1 }, "client never registered")

	b.Broadcast("status", map[string]int{"calls": 3}, "")
	if got, want := recvFrame(t, frames), "event: status\ndata: {\"calls\":3}\n"; got != want {
		t.Errorf("frame = %q, want %q", got, want)
	}
}

func TestKeepAliveStartsAndStopsWithClients(t *testing.T) {
	b := NewBroadcaster(nil)
	srv := httptest.NewServer(b)
	defer srv.Close()

	if b.pingActive() {
		t.Fatal("keep-alive running with no clients")
	}

	first, cancelFirst := openStream(t, srv.URL)
	recvFrame(t, first)
	waitFor(t, func() bool { return b.ConnectedCount() == 1 }, "client never registered")
	if !b.pingActive() {
		t.Error("keep-alive not running after first connect")
	}

	second, cancelSecond := openStream(t, srv.URL)
	recvFrame(t, second)
	waitFor(t, func() bool { return b.ConnectedCount() == 2 }, "second client never registered")

	cancelFirst()
	waitFor(t, func() bool { return b.ConnectedCount() == 1 }, "first client never removed")
	if !b.pingActive() {
		t.Error("keep-alive stopped while a client remains")
	}

	cancelSecond()
	waitFor(t, func() bool { return b.ConnectedCount() == 0 }, "second client never removed")
	waitFor(t, func() bool { return !b.pingActive() }, "keep-alive still running after last disconnect")
}
