/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package e2e drives the assembled server through a complete listener
// journey: REST onboarding, WebSocket attach and synchronized playback.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/friendsincode/bragi_sync/internal/config"
	"github.com/friendsincode/bragi_sync/internal/logbuffer"
	"github.com/friendsincode/bragi_sync/internal/server"
	"github.com/friendsincode/bragi_sync/internal/session"
)

func e2eConfig() *config.Config {
	return &config.Config{
		Environment:        "test",
		HTTPBind:           "127.0.0.1",
		HTTPPort:           3000,
		JWTSecret:          "e2e-secret",
		TokenTTL:           time.Hour,
		SessionCapacity:    10,
		SessionIdleTTL:     30 * time.Minute,
		DestroyGrace:       5 * time.Minute,
		JoinCodeTTL:        time.Hour,
		CreateLimitPerHour: 5,
		JoinLimitPerMinute: 10,
	}
}

// startServer boots the full stack behind an httptest listener. WebSocket
// cleanups registered by callers run before the listener closes.
func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := server.New(e2eConfig(), logbuffer.New(256), zerolog.Nop())
	ts := httptest.NewServer(srv.HTTPServer().Handler)
	t.Cleanup(func() {
		ts.Close()
		if err := srv.Close(); err != nil {
			t.Errorf("server close: %v", err)
		}
	})
	return ts
}

func postJSON(t *testing.T, ts *httptest.Server, path, token string, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+path, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("build request %s: %v", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body %s: %v", path, err)
	}
	return resp.StatusCode, raw
}

func authToken(t *testing.T, ts *httptest.Server, userID, displayName string) string {
	t.Helper()
	status, raw := postJSON(t, ts, "/auth", "", `{"spotifyUserId":"`+userID+`","displayName":"`+displayName+`"}`)
	if status != http.StatusOK {
		t.Fatalf("auth %s = %d: %s", userID, status, raw)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.Token == "" {
		t.Fatalf("auth %s returned no token: %s", userID, raw)
	}
	return out.Token
}

// frame mirrors the outbound envelope. Epoch and seq are pointers so their
// absence on bare frames is observable.
type frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Epoch     *int64          `json:"epoch"`
	Seq       *int64          `json:"seq"`
	Timestamp int64           `json:"timestamp"`
}

func dial(t *testing.T, ctx context.Context, ts *httptest.Server, token, sessionID string) *websocket.Conn {
	t.Helper()
	q := url.Values{}
	q.Set("token", token)
	q.Set("sessionId", sessionID)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?" + q.Encode()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() {
		conn.Close(websocket.StatusNormalClosure, "")
	})
	return conn
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) frame {
	t.Helper()
	_, raw, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("decode frame %s: %v", raw, err)
	}
	return f
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string) frame {
	t.Helper()
	for {
		f := readFrame(t, ctx, conn)
		if f.Type == typ {
			return f
		}
	}
}

func sendFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, typ, data string) {
	t.Helper()
	env := map[string]any{"type": typ}
	if data != "" {
		env["data"] = json.RawMessage(data)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal %s frame: %v", typ, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		t.Fatalf("write %s frame: %v", typ, err)
	}
}

// TestSessionFlow walks two listeners through the whole product: sign in,
// create a session, join it by code, attach over WebSocket, start playback
// and leave.
func TestSessionFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e tests in short mode")
	}

	ts := startServer(t)

	aliceTok := authToken(t, ts, "alice-spotify", "Alice")
	bobTok := authToken(t, ts, "bob-spotify", "Bob")

	status, raw := postJSON(t, ts, "/sessions", aliceTok, `{}`)
	if status != http.StatusCreated {
		t.Fatalf("create session = %d: %s", status, raw)
	}
	var created struct {
		ID       string `json:"id"`
		JoinCode string `json:"joinCode"`
		DJUserID string `json:"djUserId"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if len(created.JoinCode) != 4 || created.DJUserID != "alice-spotify" {
		t.Fatalf("create response = %+v", created)
	}

	status, raw = postJSON(t, ts, "/sessions/join", bobTok, `{"code":"`+created.JoinCode+`"}`)
	if status != http.StatusOK {
		t.Fatalf("join by code = %d: %s", status, raw)
	}
	var joined struct {
		ID            string `json:"id"`
		DJDisplayName string `json:"djDisplayName"`
	}
	if err := json.Unmarshal(raw, &joined); err != nil {
		t.Fatalf("decode join response: %v", err)
	}
	if joined.ID != created.ID || joined.DJDisplayName != "Alice" {
		t.Fatalf("join response = %+v, want session %s hosted by Alice", joined, created.ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := dial(t, ctx, ts, aliceTok, created.ID)
	sync := readFrame(t, ctx, alice)
	if sync.Type != session.MsgStateSync {
		t.Fatalf("first frame = %s, want stateSync", sync.Type)
	}
	if sync.Epoch == nil || *sync.Epoch != 0 || sync.Seq == nil || *sync.Seq != 1 {
		t.Fatalf("initial sync epoch/seq = %v/%v, want 0/1", sync.Epoch, sync.Seq)
	}
	var aliceState struct {
		SessionID string `json:"sessionId"`
		DJUserID  string `json:"djUserId"`
		Members   []struct {
			UserID string `json:"userId"`
		} `json:"members"`
	}
	if err := json.Unmarshal(sync.Data, &aliceState); err != nil {
		t.Fatalf("decode sync data: %v", err)
	}
	if aliceState.SessionID != created.ID || aliceState.DJUserID != "alice-spotify" || len(aliceState.Members) != 1 {
		t.Fatalf("sync state = %+v", aliceState)
	}

	bob := dial(t, ctx, ts, bobTok, created.ID)
	readUntil(t, ctx, bob, session.MsgStateSync)

	memberJoined := readUntil(t, ctx, alice, session.MsgMemberJoined)
	var change struct {
		UserID      string `json:"userId"`
		MemberCount int    `json:"memberCount"`
	}
	if err := json.Unmarshal(memberJoined.Data, &change); err != nil {
		t.Fatalf("decode memberJoined: %v", err)
	}
	if change.UserID != "bob-spotify" || change.MemberCount != 2 {
		t.Fatalf("memberJoined = %+v, want bob-spotify with 2 members", change)
	}

	sendFrame(t, ctx, alice, session.MsgPlayPrepare, `{"trackId":"t1","name":"First","durationMs":180000,"positionMs":0}`)
	sendFrame(t, ctx, alice, session.MsgPlayCommit, `{"trackId":"t1","positionMs":0}`)

	commit := readUntil(t, ctx, bob, session.MsgPlayCommit)
	if commit.Epoch == nil || *commit.Epoch != 1 {
		t.Fatalf("commit epoch = %v, want 1 after prepare", commit.Epoch)
	}
	var playback struct {
		TrackID   string `json:"trackId"`
		IsPlaying bool   `json:"isPlaying"`
	}
	if err := json.Unmarshal(commit.Data, &playback); err != nil {
		t.Fatalf("decode playCommit: %v", err)
	}
	if playback.TrackID != "t1" || !playback.IsPlaying {
		t.Fatalf("playCommit data = %+v, want t1 playing", playback)
	}

	sendFrame(t, ctx, bob, session.MsgPing, `{"clientSendTime":42}`)
	pong := readUntil(t, ctx, bob, session.MsgPong)
	if pong.Epoch != nil || pong.Seq != nil {
		t.Fatalf("pong carries epoch/seq %v/%v, want neither", pong.Epoch, pong.Seq)
	}
	var pongData struct {
		ClientSendTime json.RawMessage `json:"clientSendTime"`
		ServerTime     int64           `json:"serverTime"`
	}
	if err := json.Unmarshal(pong.Data, &pongData); err != nil {
		t.Fatalf("decode pong: %v", err)
	}
	if string(pongData.ClientSendTime) != "42" || pongData.ServerTime == 0 {
		t.Fatalf("pong data = %+v", pongData)
	}

	// REST view reflects the live socket membership and playback state.
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/sessions/"+created.ID, nil)
	if err != nil {
		t.Fatalf("build describe request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+aliceTok)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("describe session: %v", err)
	}
	raw, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("describe session = %d: %s", resp.StatusCode, raw)
	}
	var desc struct {
		MemberCount  int  `json:"memberCount"`
		IsPlaying    bool `json:"isPlaying"`
		CurrentTrack *struct {
			ID string `json:"trackId"`
		} `json:"currentTrack"`
	}
	if err := json.Unmarshal(raw, &desc); err != nil {
		t.Fatalf("decode description: %v", err)
	}
	if desc.MemberCount != 2 || !desc.IsPlaying || desc.CurrentTrack == nil || desc.CurrentTrack.ID != "t1" {
		t.Fatalf("description = %+v, want 2 members playing t1", desc)
	}

	if err := bob.Close(websocket.StatusNormalClosure, ""); err != nil {
		t.Fatalf("close bob: %v", err)
	}
	memberLeft := readUntil(t, ctx, alice, session.MsgMemberLeft)
	if err := json.Unmarshal(memberLeft.Data, &change); err != nil {
		t.Fatalf("decode memberLeft: %v", err)
	}
	if change.UserID != "bob-spotify" || change.MemberCount != 1 {
		t.Fatalf("memberLeft = %+v, want bob-spotify with 1 member", change)
	}
}
