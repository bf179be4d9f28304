/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import "encoding/json"

// Client → server message types. Control messages (prepare through
// removeFromQueue) are accepted from the DJ only; the rest from any member.
const (
	MsgPlayPrepare     = "playPrepare"
	MsgPlayCommit      = "playCommit"
	MsgPause           = "pause"
	MsgResume          = "resume"
	MsgSeek            = "seek"
	MsgSkip            = "skip"
	MsgAddToQueue      = "addToQueue"
	MsgRemoveFromQueue = "removeFromQueue"
	MsgDriftReport     = "driftReport"
	MsgPing            = "ping"
	MsgRequestSync     = "requestSync"
)

// Server → client message types that have no inbound counterpart. Playback
// control broadcasts reuse the inbound type names.
const (
	MsgStateSync    = "stateSync"
	MsgQueueUpdate  = "queueUpdate"
	MsgMemberJoined = "memberJoined"
	MsgMemberLeft   = "memberLeft"
	MsgPong         = "pong"
)

// Envelope is the decoded shape of one inbound frame. Data stays raw until
// the handler for the concrete type picks it apart.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// stateEnvelope wraps state-bearing outbound frames. Epoch and seq let
// clients drop anything stale after a reconnect or DJ change.
type stateEnvelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Epoch     int64  `json:"epoch"`
	Seq       int64  `json:"seq"`
	Timestamp int64  `json:"timestamp"`
}

// bareEnvelope wraps outbound frames that carry no session state (pong,
// drift relays) and therefore no epoch/seq.
type bareEnvelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Track is one playable item. The same shape rides in playPrepare payloads,
// queue entries and snapshots.
type Track struct {
	ID         string `json:"trackId"`
	URI        string `json:"uri,omitempty"`
	Name       string `json:"name,omitempty"`
	Artist     string `json:"artist,omitempty"`
	Artwork    string `json:"artwork,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
	AddedBy    string `json:"addedBy,omitempty"`
	Nonce      string `json:"nonce,omitempty"`
}

// MemberInfo is the wire shape of one member inside snapshots.
type MemberInfo struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// snapshotData is the full session state carried by stateSync frames. Epoch
// and seq are repeated inside data so a client can restore its filter from
// the snapshot alone.
type snapshotData struct {
	SessionID         string       `json:"sessionId"`
	JoinCode          string       `json:"joinCode"`
	CreatorID         string       `json:"creatorId"`
	DJUserID          string       `json:"djUserId"`
	Members           []MemberInfo `json:"members"`
	CurrentTrack      *Track       `json:"currentTrack"`
	Queue             []Track      `json:"queue"`
	IsPlaying         bool         `json:"isPlaying"`
	PositionMs        int64        `json:"positionMs"`
	PositionTimestamp int64        `json:"positionTimestamp"`
	Epoch             int64        `json:"epoch"`
	Seq               int64        `json:"seq"`
}

// memberChangeData rides memberJoined and memberLeft broadcasts.
type memberChangeData struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	MemberCount int    `json:"memberCount"`
}

// playbackChangeData rides playCommit, pause, resume and seek broadcasts.
// The anchor fields are the server's authoritative values after the
// mutation; executionTime is relayed opaquely for clients that schedule
// against a shared clock.
type playbackChangeData struct {
	TrackID           string          `json:"trackId,omitempty"`
	IsPlaying         bool            `json:"isPlaying"`
	PositionMs        int64           `json:"positionMs"`
	PositionTimestamp int64           `json:"positionTimestamp"`
	ExecutionTime     json.RawMessage `json:"executionTime,omitempty"`
}

// queueUpdateData rides queueUpdate broadcasts.
type queueUpdateData struct {
	Queue []Track `json:"queue"`
}

// driftRelayData is a member's drift report as forwarded to the DJ. The
// measured values pass through untouched; only the reporter is added.
type driftRelayData struct {
	UserID       string          `json:"userId"`
	PositionMs   json.RawMessage `json:"positionMs"`
	NTPTimestamp json.RawMessage `json:"ntpTimestamp,omitempty"`
}

// pongData echoes the client's send time next to the server clock.
type pongData struct {
	ClientSendTime json.RawMessage `json:"clientSendTime,omitempty"`
	ServerTime     int64           `json:"serverTime"`
}
