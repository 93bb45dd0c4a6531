package didapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type recorded struct {
	method string
	path   string
	auth   string
	body   map[string]any
}

func newTestServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, got recorded)) (*httptest.Server, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := recorded{method: r.Method, path: r.URL.EscapedPath(), auth: r.Header.Get("Authorization")}
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &got.body); err != nil {
				t.Errorf("request body is not JSON: %s", raw)
			}
		}
		calls = append(calls, got)
		handler(w, r, got)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func fastClient(url string) *Client {
	return New(url, "secret", WithRetry(3, time.Millisecond, 2*time.Millisecond))
}

func TestGetAgent(t *testing.T) {
	srv, calls := newTestServer(t, func(w http.ResponseWriter, _ *http.Request, _ recorded) {
		_, _ = io.WriteString(w, `{"id":"agt_1","preview_name":"Ava","presenter":{"thumbnail":"t.png","idle_video":"idle.mp4"}}`)
	})

	agent, err := fastClient(srv.URL+"/").GetAgent(context.Background(), "agt_1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if agent.PreviewName != "Ava" || agent.Presenter.IdleVideo != "idle.mp4" || agent.Presenter.Thumbnail != "t.png" {
		t.Errorf("Unexpected agent: %+v", agent)
	}

	got := (*calls)[0]
	if got.method != http.MethodGet || got.path != "/agents/agt_1" {
		t.Errorf("Unexpected request %s %s", got.method, got.path)
	}
	if got.auth != "Basic secret" {
		t.Errorf("Expected basic auth header, got %q", got.auth)
	}
}

func TestCreateChatSendsPersist(t *testing.T) {
	srv, calls := newTestServer(t, func(w http.ResponseWriter, _ *http.Request, _ recorded) {
		_, _ = io.WriteString(w, `{"id":"cht_1"}`)
	})

	chat, err := fastClient(srv.URL).CreateChat(context.Background(), "agt_1")
	if err != nil {
		t.Fatalf("CreateChat failed: %v", err)
	}
	if chat.ID != "cht_1" {
		t.Errorf("Expected cht_1, got %q", chat.ID)
	}
	got := (*calls)[0]
	if got.path != "/agents/agt_1/chat" || got.body["persist"] != true {
		t.Errorf("Unexpected request: %+v", got)
	}
}

func TestCreateStreamRetriesUntilSuccess(t *testing.T) {
	var n atomic.Int32
	srv, calls := newTestServer(t, func(w http.ResponseWriter, _ *http.Request, _ recorded) {
		if n.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"id":"strm_1","session_id":"sess_1","fluent":true,
			"offer":{"type":"offer","sdp":"v=0"},
			"ice_servers":[{"urls":"stun:stun.example.com"},{"urls":["turn:a","turn:b"],"username":"u","credential":"c"}]}`)
	})

	stream, err := fastClient(srv.URL).CreateStream(context.Background(), "agt_1", StreamOptions{CompatibilityMode: "on", Fluent: true})
	if err != nil {
		t.Fatalf("CreateStream failed: %v", err)
	}
	if len(*calls) != 3 {
		t.Fatalf("Expected 3 attempts, got %d", len(*calls))
	}
	if stream.ID != "strm_1" || stream.SessionID != "sess_1" || !stream.Fluent {
		t.Errorf("Unexpected stream: %+v", stream)
	}
	if stream.Offer.Type != "offer" || stream.Offer.SDP != "v=0" {
		t.Errorf("Unexpected offer: %+v", stream.Offer)
	}
	if len(stream.ICEServers) != 2 {
		t.Fatalf("Expected 2 ice servers, got %d", len(stream.ICEServers))
	}
	if got := stream.ICEServers[0].URLs; len(got) != 1 || got[0] != "stun:stun.example.com" {
		t.Errorf("Expected single url to be wrapped, got %v", got)
	}
	if got := stream.ICEServers[1].URLs; len(got) != 2 || stream.ICEServers[1].Username != "u" {
		t.Errorf("Unexpected turn server: %+v", stream.ICEServers[1])
	}

	body := (*calls)[2].body
	if body["compatibility_mode"] != "on" || body["fluent"] != true {
		t.Errorf("Unexpected stream options: %v", body)
	}
}

func TestCreateStreamSurfacesLastFailure(t *testing.T) {
	srv, calls := newTestServer(t, func(w http.ResponseWriter, _ *http.Request, _ recorded) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	})

	_, err := fastClient(srv.URL).CreateStream(context.Background(), "agt_1", StreamOptions{})
	if len(*calls) != 3 {
		t.Fatalf("Expected exactly 3 attempts, got %d", len(*calls))
	}
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusTooManyRequests || se.Body != "quota exceeded" || se.Op != "create stream" {
		t.Errorf("Unexpected status error: %+v", se)
	}
}

func TestNonRetriedCallFailsImmediately(t *testing.T) {
	srv, calls := newTestServer(t, func(w http.ResponseWriter, _ *http.Request, _ recorded) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := fastClient(srv.URL).SubmitAnswer(context.Background(), "agt_1", "strm_1", "sess_1", SessionDescription{Type: "answer", SDP: "v=0"})
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusInternalServerError {
		t.Fatalf("Expected 500 StatusError, got %v", err)
	}
	if len(*calls) != 1 {
		t.Errorf("Expected a single attempt, got %d", len(*calls))
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	srv, calls := newTestServer(t, func(w http.ResponseWriter, _ *http.Request, _ recorded) {
		w.WriteHeader(http.StatusBadGateway)
	})
	c := New(srv.URL, "secret", WithRetry(3, time.Hour, 2*time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.Speak(ctx, "agt_1", "strm_1", "sess_1", "hello")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
	if len(*calls) != 1 {
		t.Errorf("Expected one attempt before cancel, got %d", len(*calls))
	}
}

func TestSubmitICE(t *testing.T) {
	srv, calls := newTestServer(t, func(w http.ResponseWriter, _ *http.Request, _ recorded) {
		w.WriteHeader(http.StatusOK)
	})
	c := fastClient(srv.URL)
	ctx := context.Background()

	mid := "0"
	var idx uint16
	if err := c.SubmitICE(ctx, "agt_1", "strm_1", "sess_1", &ICECandidate{Candidate: "candidate:1", SDPMid: &mid, SDPMLineIndex: &idx}); err != nil {
		t.Fatalf("SubmitICE failed: %v", err)
	}
	if err := c.SubmitICE(ctx, "agt_1", "strm_1", "sess_1", nil); err != nil {
		t.Fatalf("SubmitICE end-of-candidates failed: %v", err)
	}

	first := (*calls)[0]
	if first.path != "/agents/agt_1/streams/strm_1/ice" {
		t.Errorf("Unexpected path %s", first.path)
	}
	if first.body["candidate"] != "candidate:1" || first.body["sdpMid"] != "0" || first.body["sdpMLineIndex"] != float64(0) || first.body["session_id"] != "sess_1" {
		t.Errorf("Unexpected candidate body: %v", first.body)
	}

	last := (*calls)[1].body
	if len(last) != 1 || last["session_id"] != "sess_1" {
		t.Errorf("Expected only session_id for end-of-candidates, got %v", last)
	}
}

func TestSendChatAndSpeakBodies(t *testing.T) {
	srv, calls := newTestServer(t, func(w http.ResponseWriter, _ *http.Request, _ recorded) {
		w.WriteHeader(http.StatusOK)
	})
	c := fastClient(srv.URL)
	ctx := context.Background()

	msg := ChatMessage{Role: "user", Content: "hi", CreatedAt: "2026-10-18T12:00:00Z"}
	if err := c.SendChat(ctx, "agt_1", "cht_1", "strm_1", "sess_1", msg); err != nil {
		t.Fatalf("SendChat failed: %v", err)
	}
	if err := c.Speak(ctx, "agt_1", "strm_1", "sess_1", "say this"); err != nil {
		t.Fatalf("Speak failed: %v", err)
	}
	if err := c.DeleteStream(ctx, "agt_1", "strm_1", "sess_1"); err != nil {
		t.Fatalf("DeleteStream failed: %v", err)
	}

	chat := (*calls)[0]
	if chat.path != "/agents/agt_1/chat/cht_1" || chat.body["streamId"] != "strm_1" || chat.body["sessionId"] != "sess_1" {
		t.Errorf("Unexpected chat request: %+v", chat)
	}
	msgs, _ := chat.body["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("Expected one message, got %v", chat.body["messages"])
	}
	if m := msgs[0].(map[string]any); m["role"] != "user" || m["content"] != "hi" {
		t.Errorf("Unexpected message: %v", m)
	}

	speak := (*calls)[1]
	scriptBody, _ := speak.body["script"].(map[string]any)
	if speak.path != "/agents/agt_1/streams/strm_1" || scriptBody["type"] != "text" || scriptBody["input"] != "say this" || speak.body["session_id"] != "sess_1" {
		t.Errorf("Unexpected speak request: %+v", speak)
	}

	del := (*calls)[2]
	if del.method != http.MethodDelete || del.path != "/agents/agt_1/streams/strm_1" {
		t.Errorf("Unexpected delete request: %+v", del)
	}
}

func TestTransportErrorIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := fastClient(url).CreateStream(context.Background(), "agt_1", StreamOptions{})
	if err == nil {
		t.Fatal("Expected transport error")
	}
	var se *StatusError
	if errors.As(err, &se) {
		t.Errorf("Expected transport error, got status error %v", se)
	}
}
