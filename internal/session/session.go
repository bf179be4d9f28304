/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import (
	"sync"
	"time"
)

// Member is one connected participant. Insertion order into the session's
// member slice is join order, which decides DJ succession.
type Member struct {
	UserID      string
	DisplayName string
	JoinedAt    time.Time

	conn *Conn
}

// Session is one shared listening party. Playback position is stored as an
// anchor pair (positionMs at positionTs); the playhead is extrapolated from
// it on demand and never ticked. All mutable state is guarded by mu.
type Session struct {
	ID        string
	JoinCode  string
	CreatorID string
	CreatedAt time.Time

	mu           sync.Mutex
	djUserID     string
	members      []*Member
	lastActivity time.Time

	current    *Track
	queue      []Track
	isPlaying  bool
	positionMs int64
	positionTs int64 // unix millis, shared NTP timebase

	// epoch bumps on DJ change, track change and playPrepare; seq advances
	// on every state-bearing frame and resets with the epoch.
	epoch int64
	seq   int64

	seenNonces map[string]time.Time

	// advanceTimer fires when the current track runs out. advanceGen
	// invalidates callbacks from cancelled or superseded schedules; the
	// same scheme guards destroyTimer via graceGen.
	advanceTimer *time.Timer
	advanceGen   uint64
	destroyTimer *time.Timer
	graceGen     uint64

	destroyed bool
}

// member returns the entry for userID, or nil. Caller holds mu.
func (sess *Session) member(userID string) *Member {
	for _, m := range sess.members {
		if m.UserID == userID {
			return m
		}
	}
	return nil
}

// positionNow extrapolates the playhead at nowMs. While paused the anchor is
// frozen and returned as-is.
func (sess *Session) positionNow(nowMs int64) int64 {
	if !sess.isPlaying {
		return sess.positionMs
	}
	pos := sess.positionMs + (nowMs - sess.positionTs)
	if pos < 0 {
		pos = 0
	}
	return pos
}

// hasContent reports whether the session is worth keeping alive with no
// members in it.
func (sess *Session) hasContent() bool {
	return len(sess.queue) > 0 || sess.isPlaying
}

// snapshot copies the full wire-visible state. Caller holds mu.
func (sess *Session) snapshot() snapshotData {
	members := make([]MemberInfo, 0, len(sess.members))
	for _, m := range sess.members {
		members = append(members, MemberInfo{UserID: m.UserID, DisplayName: m.DisplayName})
	}
	queue := make([]Track, len(sess.queue))
	copy(queue, sess.queue)
	var current *Track
	if sess.current != nil {
		c := *sess.current
		current = &c
	}
	return snapshotData{
		SessionID:         sess.ID,
		JoinCode:          sess.JoinCode,
		CreatorID:         sess.CreatorID,
		DJUserID:          sess.djUserID,
		Members:           members,
		CurrentTrack:      current,
		Queue:             queue,
		IsPlaying:         sess.isPlaying,
		PositionMs:        sess.positionMs,
		PositionTimestamp: sess.positionTs,
		Epoch:             sess.epoch,
		Seq:               sess.seq,
	}
}

// Description is the REST-facing snapshot of a session.
type Description struct {
	ID                string       `json:"id"`
	JoinCode          string       `json:"joinCode"`
	CreatorID         string       `json:"creatorId"`
	DJUserID          string       `json:"djUserId"`
	MemberCount       int          `json:"memberCount"`
	Members           []MemberInfo `json:"members"`
	CurrentTrack      *Track       `json:"currentTrack"`
	Queue             []Track      `json:"queue"`
	IsPlaying         bool         `json:"isPlaying"`
	PositionMs        int64        `json:"positionMs"`
	PositionTimestamp int64        `json:"positionTimestamp"`
	Epoch             int64        `json:"epoch"`
	Seq               int64        `json:"seq"`
}

// StationInfo is one browsable entry for the stations listing. Identity
// enrichment (display name, frequency) happens at the API layer from the
// directory.
type StationInfo struct {
	SessionID    string
	DJUserID     string
	CurrentTrack *Track
	IsPlaying    bool
	QueueLen     int
}
