package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/friendsincode/bragi_sync/internal/session"
)

// wsFrame mirrors the outbound envelope. Epoch and seq are pointers so a
// missing field is distinguishable from zero.
type wsFrame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Epoch     *int64          `json:"epoch"`
	Seq       *int64          `json:"seq"`
	Timestamp int64           `json:"timestamp"`
}

func newWSServer(t *testing.T, h *harness) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(h.router)
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server, token, sessionID string) string {
	q := url.Values{}
	q.Set("token", token)
	q.Set("sessionId", sessionID)
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/?" + q.Encode()
}

func dialMember(t *testing.T, ctx context.Context, server *httptest.Server, token, sessionID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, wsURL(server, token, sessionID), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	})
	return conn
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) wsFrame {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame %q: %v", data, err)
	}
	return frame
}

// readUntil consumes frames in order until one of the wanted type arrives.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, msgType string) wsFrame {
	t.Helper()
	for {
		frame := readFrame(t, ctx, conn)
		if frame.Type == msgType {
			return frame
		}
	}
}

func sendFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, msgType, data string) {
	t.Helper()
	payload := fmt.Sprintf(`{"type":%q,"data":%s}`, msgType, data)
	if err := conn.Write(ctx, websocket.MessageText, []byte(payload)); err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

func TestWebSocketUpgradeRejections(t *testing.T) {
	h := newHarness(t)
	tok := h.authenticate(t, "alice", "Alice")
	id, _ := h.createSession(t, tok)

	rr := h.do(t, http.MethodGet, "/?sessionId="+id, "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status = %d, want 401", rr.Code)
	}

	rr = h.do(t, http.MethodGet, "/?token=bogus&sessionId="+id, "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d, want 401", rr.Code)
	}

	rr = h.do(t, http.MethodGet, "/?token="+url.QueryEscape(tok), "", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing sessionId: status = %d, want 400", rr.Code)
	}

	rr = h.do(t, http.MethodGet, "/?token="+url.QueryEscape(tok)+"&sessionId=nope", "", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown session: status = %d, want 404", rr.Code)
	}

	// The /ws alias mounts the same handler.
	rr = h.do(t, http.MethodGet, "/ws?token="+url.QueryEscape(tok)+"&sessionId=nope", "", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("alias unknown session: status = %d, want 404", rr.Code)
	}
}

func TestWebSocketSessionLifecycle(t *testing.T) {
	h := newHarness(t)
	server := newWSServer(t, h)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	aliceTok := h.authenticate(t, "alice", "Alice")
	bobTok := h.authenticate(t, "bob", "Bob")
	id, _ := h.createSession(t, aliceTok)

	alice := dialMember(t, ctx, server, aliceTok, id)

	syncFrame := readFrame(t, ctx, alice)
	if syncFrame.Type != session.MsgStateSync {
		t.Fatalf("first frame = %q, want stateSync", syncFrame.Type)
	}
	if syncFrame.Epoch == nil || syncFrame.Seq == nil {
		t.Fatal("stateSync missing epoch/seq")
	}
	if *syncFrame.Epoch != 0 || *syncFrame.Seq != 1 {
		t.Fatalf("epoch/seq = %d/%d, want 0/1", *syncFrame.Epoch, *syncFrame.Seq)
	}
	var snap struct {
		SessionID string `json:"sessionId"`
		DJUserID  string `json:"djUserId"`
		Members   []struct {
			UserID      string `json:"userId"`
			DisplayName string `json:"displayName"`
		} `json:"members"`
	}
	if err := json.Unmarshal(syncFrame.Data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.SessionID != id || snap.DJUserID != "alice" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if len(snap.Members) != 1 || snap.Members[0].DisplayName != "Alice" {
		t.Fatalf("members = %+v", snap.Members)
	}

	bob := dialMember(t, ctx, server, bobTok, id)
	readUntil(t, ctx, bob, session.MsgStateSync)

	joined := readUntil(t, ctx, alice, session.MsgMemberJoined)
	var joinedData struct {
		UserID      string `json:"userId"`
		MemberCount int    `json:"memberCount"`
	}
	if err := json.Unmarshal(joined.Data, &joinedData); err != nil {
		t.Fatalf("decode memberJoined: %v", err)
	}
	if joinedData.UserID != "bob" || joinedData.MemberCount != 2 {
		t.Fatalf("memberJoined = %+v", joinedData)
	}

	// DJ starts playback; both ends see the prepare/commit pair.
	sendFrame(t, ctx, alice, session.MsgPlayPrepare, `{"trackId":"t1","name":"Anthem","durationMs":300000}`)
	sendFrame(t, ctx, alice, session.MsgPlayCommit, `{"trackId":"t1","positionMs":0}`)

	commit := readUntil(t, ctx, bob, session.MsgPlayCommit)
	if commit.Epoch == nil || *commit.Epoch != 1 {
		t.Fatalf("commit epoch = %v, want 1", commit.Epoch)
	}
	var commitData struct {
		TrackID   string `json:"trackId"`
		IsPlaying bool   `json:"isPlaying"`
	}
	if err := json.Unmarshal(commit.Data, &commitData); err != nil {
		t.Fatalf("decode commit: %v", err)
	}
	if commitData.TrackID != "t1" || !commitData.IsPlaying {
		t.Fatalf("commit data = %+v", commitData)
	}
	readUntil(t, ctx, alice, session.MsgPlayCommit)

	// Liveness echo stays outside the epoch stream.
	sendFrame(t, ctx, bob, session.MsgPing, `{"clientSendTime":123}`)
	pong := readUntil(t, ctx, bob, session.MsgPong)
	if pong.Epoch != nil || pong.Seq != nil {
		t.Fatalf("pong carries epoch/seq: %+v", pong)
	}
	var pongData struct {
		ClientSendTime json.RawMessage `json:"clientSendTime"`
		ServerTime     int64           `json:"serverTime"`
	}
	if err := json.Unmarshal(pong.Data, &pongData); err != nil {
		t.Fatalf("decode pong: %v", err)
	}
	if string(pongData.ClientSendTime) != "123" || pongData.ServerTime == 0 {
		t.Fatalf("pong data = %+v", pongData)
	}
}

func TestWebSocketReplacesDuplicateConnection(t *testing.T) {
	h := newHarness(t)
	server := newWSServer(t, h)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tok := h.authenticate(t, "alice", "Alice")
	id, _ := h.createSession(t, tok)

	first := dialMember(t, ctx, server, tok, id)
	readUntil(t, ctx, first, session.MsgStateSync)

	second := dialMember(t, ctx, server, tok, id)
	readUntil(t, ctx, second, session.MsgStateSync)

	_, _, err := first.Read(ctx)
	if err == nil {
		t.Fatal("replaced connection still readable")
	}
	if status := websocket.CloseStatus(err); status != session.CloseReplaced {
		t.Fatalf("close status = %d, want %d", status, session.CloseReplaced)
	}
}

func TestWebSocketSessionFullCloseCode(t *testing.T) {
	h := newHarnessCfg(t, harnessConfig{
		capacity:    2,
		codeTTL:     time.Hour,
		createLimit: 5,
		joinLimit:   10,
	})
	server := newWSServer(t, h)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	aliceTok := h.authenticate(t, "alice", "Alice")
	bobTok := h.authenticate(t, "bob", "Bob")
	carolTok := h.authenticate(t, "carol", "Carol")
	id, _ := h.createSession(t, aliceTok)

	alice := dialMember(t, ctx, server, aliceTok, id)
	readUntil(t, ctx, alice, session.MsgStateSync)
	bob := dialMember(t, ctx, server, bobTok, id)
	readUntil(t, ctx, bob, session.MsgStateSync)

	// The upgrade succeeds; rejection arrives as a protocol close.
	carol := dialMember(t, ctx, server, carolTok, id)
	_, _, err := carol.Read(ctx)
	if err == nil {
		t.Fatal("expected close for over-capacity join")
	}
	if status := websocket.CloseStatus(err); status != session.CloseSessionFull {
		t.Fatalf("close status = %d, want %d", status, session.CloseSessionFull)
	}
}

func TestWebSocketMalformedFramesIgnored(t *testing.T) {
	h := newHarness(t)
	server := newWSServer(t, h)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tok := h.authenticate(t, "alice", "Alice")
	id, _ := h.createSession(t, tok)

	alice := dialMember(t, ctx, server, tok, id)
	readUntil(t, ctx, alice, session.MsgStateSync)

	if err := alice.Write(ctx, websocket.MessageText, []byte("not json at all")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if err := alice.Write(ctx, websocket.MessageText, []byte(`{"data":{"x":1}}`)); err != nil {
		t.Fatalf("write untyped frame: %v", err)
	}

	// The connection survives and keeps answering.
	sendFrame(t, ctx, alice, session.MsgPing, `{}`)
	pong := readUntil(t, ctx, alice, session.MsgPong)
	if pong.Type != session.MsgPong {
		t.Fatalf("frame = %+v", pong)
	}
}
