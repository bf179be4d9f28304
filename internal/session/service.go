/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package session holds the live state of every listening party: who is in
// the room, what is playing, what is queued, and the timers that advance or
// tear a session down. Nothing here persists; the process is the database.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/friendsincode/bragi_sync/internal/directory"
	"github.com/friendsincode/bragi_sync/internal/events"
	"github.com/friendsincode/bragi_sync/internal/telemetry"
)

var (
	// ErrSessionNotFound is returned when a session ID resolves to nothing.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionFull is returned when a join would exceed capacity.
	ErrSessionFull = errors.New("session full")
)

// nonceRetention is how long addToQueue nonces stay deduplicating after the
// track they carried has left the queue.
const nonceRetention = 10 * time.Minute

// advanceSlackMs tolerates timer firings slightly ahead of the playhead
// before the callback re-arms instead of advancing.
const advanceSlackMs = 50

// Config carries the session service tunables.
type Config struct {
	Capacity     int
	IdleTTL      time.Duration
	DestroyGrace time.Duration
}

// Service owns all live sessions. Map access is guarded by mu; per-session
// state by the session's own mutex, never both held in the map→session
// direction reversed.
type Service struct {
	cfg    Config
	codes  *directory.CodeIndex
	bus    *events.Bus
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	// now and afterFunc are swapped by tests so no test ever sleeps
	// against a real clock.
	now       func() time.Time
	afterFunc func(time.Duration, func()) *time.Timer
}

// NewService builds the session service. The code index is shared with the
// HTTP layer, which resolves join codes before the socket ever connects.
func NewService(cfg Config, codes *directory.CodeIndex, bus *events.Bus, logger zerolog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		codes:     codes,
		bus:       bus,
		logger:    logger.With().Str("component", "session").Logger(),
		sessions:  make(map[string]*Session),
		now:       time.Now,
		afterFunc: time.AfterFunc,
	}
}

func (s *Service) nowMs() int64 {
	return s.now().UnixMilli()
}

func (s *Service) session(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Create registers a new session with the caller as creator and first DJ.
// The caller becomes a member only once their socket connects.
func (s *Service) Create(creatorID string) (*Session, error) {
	id := uuid.NewString()
	code, err := s.codes.Issue(id)
	if err != nil {
		return nil, fmt.Errorf("issue join code: %w", err)
	}

	now := s.now()
	sess := &Session{
		ID:           id,
		JoinCode:     code,
		CreatorID:    creatorID,
		CreatedAt:    now,
		djUserID:     creatorID,
		lastActivity: now,
		seenNonces:   make(map[string]time.Time),
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	telemetry.SessionsActive.Inc()
	telemetry.SessionsCreatedTotal.Inc()
	s.bus.Publish(events.EventSessionCreated, events.Payload{
		"session_id": id,
		"creator_id": creatorID,
		"join_code":  code,
	})
	s.logger.Info().
		Str("session_id", id).
		Str("creator_id", creatorID).
		Str("join_code", code).
		Msg("session created")
	return sess, nil
}

// Count returns the number of live sessions.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Describe returns the REST snapshot for a session.
func (s *Service) Describe(id string) (Description, bool) {
	sess, ok := s.session(id)
	if !ok {
		return Description{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.destroyed {
		return Description{}, false
	}
	snap := sess.snapshot()
	return Description{
		ID:                snap.SessionID,
		JoinCode:          snap.JoinCode,
		CreatorID:         snap.CreatorID,
		DJUserID:          snap.DJUserID,
		MemberCount:       len(snap.Members),
		Members:           snap.Members,
		CurrentTrack:      snap.CurrentTrack,
		Queue:             snap.Queue,
		IsPlaying:         snap.IsPlaying,
		PositionMs:        snap.PositionMs,
		PositionTimestamp: snap.PositionTimestamp,
		Epoch:             snap.Epoch,
		Seq:               snap.Seq,
	}, true
}

// Stations lists sessions that are playing or have queued tracks. Idle
// stations with nothing queued are not browsable.
func (s *Service) Stations() []StationInfo {
	s.mu.RLock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.RUnlock()

	stations := make([]StationInfo, 0, len(all))
	for _, sess := range all {
		sess.mu.Lock()
		if !sess.destroyed && (sess.isPlaying || len(sess.queue) > 0) {
			info := StationInfo{
				SessionID: sess.ID,
				DJUserID:  sess.djUserID,
				IsPlaying: sess.isPlaying,
				QueueLen:  len(sess.queue),
			}
			if sess.current != nil {
				c := *sess.current
				info.CurrentTrack = &c
			}
			stations = append(stations, info)
		}
		sess.mu.Unlock()
	}
	return stations
}

// CheckCapacity reports whether userID could be admitted to sessionID
// right now. Existing members always pass; their rejoin replaces the old
// connection instead of adding a seat.
func (s *Service) CheckCapacity(sessionID, userID string) error {
	sess, ok := s.session(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.destroyed {
		return ErrSessionNotFound
	}
	if sess.member(userID) == nil && len(sess.members) >= s.cfg.Capacity {
		return ErrSessionFull
	}
	return nil
}

// Join admits a connected socket into a session. A duplicate user ID
// replaces the previous connection (closed with 4000 "replaced") without
// re-adding the member. The joiner gets a private stateSync; everyone else
// a memberJoined broadcast.
func (s *Service) Join(sessionID, userID, displayName string, conn *Conn) error {
	sess, ok := s.session(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	sess.mu.Lock()
	if sess.destroyed {
		sess.mu.Unlock()
		return ErrSessionNotFound
	}

	existing := sess.member(userID)
	if existing == nil && len(sess.members) >= s.cfg.Capacity {
		sess.mu.Unlock()
		return ErrSessionFull
	}

	var replaced *Conn
	if existing != nil {
		replaced = existing.conn
		existing.conn = conn
		if displayName != "" {
			existing.DisplayName = displayName
		}
	} else {
		sess.members = append(sess.members, &Member{
			UserID:      userID,
			DisplayName: displayName,
			JoinedAt:    s.now(),
			conn:        conn,
		})
	}
	s.cancelGraceLocked(sess)
	sess.lastActivity = s.now()

	s.unicast(conn, MsgStateSync, s.stateSyncFrameLocked(sess))
	joined := s.stateFrameLocked(sess, MsgMemberJoined, memberChangeData{
		UserID:      userID,
		DisplayName: displayName,
		MemberCount: len(sess.members),
	})
	s.broadcastLocked(sess, MsgMemberJoined, joined, userID)
	memberCount := len(sess.members)
	sess.mu.Unlock()

	if replaced != nil {
		replaced.Close(CloseReplaced, "replaced")
	} else {
		telemetry.MembersConnected.Inc()
	}
	s.bus.Publish(events.EventMemberJoined, events.Payload{
		"session_id": sessionID,
		"user_id":    userID,
	})
	s.logger.Info().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Int("member_count", memberCount).
		Bool("replaced", replaced != nil).
		Msg("member joined")
	return nil
}

// Leave removes a member when its socket goes away. The conn argument must
// match the registered connection; a read loop outliving a replacement must
// not evict the member that replaced it.
func (s *Service) Leave(sessionID, userID string, conn *Conn) {
	sess, ok := s.session(sessionID)
	if !ok {
		return
	}

	sess.mu.Lock()
	if sess.destroyed {
		sess.mu.Unlock()
		return
	}
	idx := -1
	for i, m := range sess.members {
		if m.UserID == userID {
			idx = i
			break
		}
	}
	if idx == -1 || sess.members[idx].conn != conn {
		sess.mu.Unlock()
		return
	}
	member := sess.members[idx]
	sess.members = append(sess.members[:idx], sess.members[idx+1:]...)
	remaining := len(sess.members)

	left := s.stateFrameLocked(sess, MsgMemberLeft, memberChangeData{
		UserID:      member.UserID,
		DisplayName: member.DisplayName,
		MemberCount: remaining,
	})
	s.broadcastLocked(sess, MsgMemberLeft, left, "")

	if sess.djUserID == userID && remaining > 0 {
		s.transferDJLocked(sess)
	}

	destroyNow := false
	if remaining == 0 {
		if sess.hasContent() {
			s.scheduleGraceLocked(sess)
		} else {
			destroyNow = true
		}
	}
	sess.mu.Unlock()

	telemetry.MembersConnected.Dec()
	s.bus.Publish(events.EventMemberLeft, events.Payload{
		"session_id": sessionID,
		"user_id":    userID,
	})
	s.logger.Info().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Int("member_count", remaining).
		Msg("member left")

	if destroyNow {
		s.destroy(sess, "emptied", websocket.StatusNormalClosure, "")
	}
}

// transferDJLocked hands authority to the creator if still present, else
// the earliest-joined member. Epoch bumps; the new regime is announced with
// a full snapshot.
func (s *Service) transferDJLocked(sess *Session) {
	next := sess.members[0]
	for _, m := range sess.members {
		if m.UserID == sess.CreatorID {
			next = m
			break
		}
	}
	sess.djUserID = next.UserID
	sess.epoch++
	sess.seq = 0

	s.bus.Publish(events.EventDJChanged, events.Payload{
		"session_id": sess.ID,
		"dj_user_id": next.UserID,
	})
	s.logger.Info().
		Str("session_id", sess.ID).
		Str("dj_user_id", next.UserID).
		Int64("epoch", sess.epoch).
		Msg("dj transferred")

	s.broadcastLocked(sess, MsgStateSync, s.stateSyncFrameLocked(sess), "")
}

// HandleMessage applies one decoded inbound frame. Invalid or unauthorized
// messages are dropped and logged; nothing a client sends can error the
// connection at this layer.
func (s *Service) HandleMessage(sessionID, userID string, env Envelope) {
	sess, ok := s.session(sessionID)
	if !ok {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.destroyed {
		return
	}
	sender := sess.member(userID)
	if sender == nil {
		return
	}
	sess.lastActivity = s.now()

	switch env.Type {
	case MsgPlayPrepare:
		if !s.fromDJLocked(sess, userID, env.Type) {
			return
		}
		s.handlePlayPrepare(sess, env.Data)
	case MsgPlayCommit:
		if !s.fromDJLocked(sess, userID, env.Type) {
			return
		}
		s.handlePlayCommit(sess, env.Data)
	case MsgPause:
		if !s.fromDJLocked(sess, userID, env.Type) {
			return
		}
		s.handlePause(sess)
	case MsgResume:
		if !s.fromDJLocked(sess, userID, env.Type) {
			return
		}
		s.handleResume(sess, env.Data)
	case MsgSeek:
		if !s.fromDJLocked(sess, userID, env.Type) {
			return
		}
		s.handleSeek(sess, env.Data)
	case MsgSkip:
		if !s.fromDJLocked(sess, userID, env.Type) {
			return
		}
		s.advanceLocked(sess, "skip")
	case MsgRemoveFromQueue:
		if !s.fromDJLocked(sess, userID, env.Type) {
			return
		}
		s.handleRemoveFromQueue(sess, env.Data)
	case MsgAddToQueue:
		s.handleAddToQueue(sess, sender, env.Data)
	case MsgDriftReport:
		s.handleDriftReport(sess, sender, env.Data)
	case MsgPing:
		s.handlePing(sess, sender, env.Data)
	case MsgRequestSync:
		s.unicast(sender.conn, MsgStateSync, s.stateSyncFrameLocked(sess))
	default:
		s.logger.Debug().
			Str("session_id", sess.ID).
			Str("type", env.Type).
			Msg("unknown message type ignored")
	}
}

// fromDJLocked gates control messages on DJ authority.
func (s *Service) fromDJLocked(sess *Session, userID, msgType string) bool {
	if sess.djUserID == userID {
		return true
	}
	s.logger.Debug().
		Str("session_id", sess.ID).
		Str("user_id", userID).
		Str("type", msgType).
		Msg("control message from non-dj ignored")
	return false
}

func (s *Service) handlePlayPrepare(sess *Session, raw json.RawMessage) {
	var data struct {
		Track
		PositionMs int64 `json:"positionMs"`
	}
	if err := json.Unmarshal(raw, &data); err != nil || data.Track.ID == "" {
		s.logger.Debug().Str("session_id", sess.ID).Msg("playPrepare without usable track dropped")
		return
	}

	track := data.Track
	sess.current = &track
	sess.isPlaying = false
	sess.positionMs = max(data.PositionMs, 0)
	sess.positionTs = s.nowMs()
	sess.epoch++
	sess.seq = 0
	s.cancelAdvanceLocked(sess)

	// The prepared track rides through verbatim; only the envelope is ours.
	frame := s.stateFrameLocked(sess, MsgPlayPrepare, raw)
	s.broadcastLocked(sess, MsgPlayPrepare, frame, "")
	s.logger.Info().
		Str("session_id", sess.ID).
		Str("track_id", track.ID).
		Int64("epoch", sess.epoch).
		Msg("play prepared")
}

func (s *Service) handlePlayCommit(sess *Session, raw json.RawMessage) {
	var data struct {
		Track
		PositionMs    *float64        `json:"positionMs"`
		NTPTimestamp  *float64        `json:"ntpTimestamp"`
		ExecutionTime json.RawMessage `json:"executionTime"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			s.logger.Debug().Str("session_id", sess.ID).Msg("malformed playCommit dropped")
			return
		}
	}

	if data.Track.ID != "" && (sess.current == nil || sess.current.ID != data.Track.ID) {
		track := data.Track
		sess.current = &track
	}
	if sess.current == nil {
		s.logger.Debug().Str("session_id", sess.ID).Msg("playCommit with no current track dropped")
		return
	}

	if data.PositionMs != nil {
		sess.positionMs = max(int64(*data.PositionMs), 0)
	}
	if data.NTPTimestamp != nil {
		// The anchor timestamp lives in the clients' shared NTP timebase,
		// not the server clock.
		sess.positionTs = int64(*data.NTPTimestamp)
	} else {
		sess.positionTs = s.nowMs()
	}
	sess.isPlaying = true

	frame := s.stateFrameLocked(sess, MsgPlayCommit, playbackChangeData{
		TrackID:           sess.current.ID,
		IsPlaying:         true,
		PositionMs:        sess.positionMs,
		PositionTimestamp: sess.positionTs,
		ExecutionTime:     data.ExecutionTime,
	})
	s.broadcastLocked(sess, MsgPlayCommit, frame, "")
	s.rescheduleAdvanceLocked(sess)
}

func (s *Service) handlePause(sess *Session) {
	nowMs := s.nowMs()
	if sess.isPlaying {
		sess.positionMs = sess.positionNow(nowMs)
	}
	sess.isPlaying = false
	sess.positionTs = nowMs
	s.cancelAdvanceLocked(sess)

	frame := s.stateFrameLocked(sess, MsgPause, playbackChangeData{
		TrackID:           currentTrackID(sess),
		IsPlaying:         false,
		PositionMs:        sess.positionMs,
		PositionTimestamp: sess.positionTs,
	})
	s.broadcastLocked(sess, MsgPause, frame, "")
}

func (s *Service) handleResume(sess *Session, raw json.RawMessage) {
	if sess.current == nil {
		s.logger.Debug().Str("session_id", sess.ID).Msg("resume with no current track dropped")
		return
	}
	var data struct {
		ExecutionTime json.RawMessage `json:"executionTime"`
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &data)
	}

	sess.isPlaying = true
	sess.positionTs = s.nowMs()

	frame := s.stateFrameLocked(sess, MsgResume, playbackChangeData{
		TrackID:           sess.current.ID,
		IsPlaying:         true,
		PositionMs:        sess.positionMs,
		PositionTimestamp: sess.positionTs,
		ExecutionTime:     data.ExecutionTime,
	})
	s.broadcastLocked(sess, MsgResume, frame, "")
	s.rescheduleAdvanceLocked(sess)
}

func (s *Service) handleSeek(sess *Session, raw json.RawMessage) {
	var data struct {
		PositionMs *float64 `json:"positionMs"`
	}
	if err := json.Unmarshal(raw, &data); err != nil || data.PositionMs == nil {
		s.logger.Debug().Str("session_id", sess.ID).Msg("malformed seek dropped")
		return
	}

	pos := max(int64(*data.PositionMs), 0)
	if sess.current != nil && sess.current.DurationMs > 0 && pos > sess.current.DurationMs {
		pos = sess.current.DurationMs
	}
	sess.positionMs = pos
	sess.positionTs = s.nowMs()

	frame := s.stateFrameLocked(sess, MsgSeek, playbackChangeData{
		TrackID:           currentTrackID(sess),
		IsPlaying:         sess.isPlaying,
		PositionMs:        sess.positionMs,
		PositionTimestamp: sess.positionTs,
	})
	s.broadcastLocked(sess, MsgSeek, frame, "")
	s.rescheduleAdvanceLocked(sess)
}

func (s *Service) handleAddToQueue(sess *Session, sender *Member, raw json.RawMessage) {
	var track Track
	if err := json.Unmarshal(raw, &track); err != nil || track.ID == "" {
		s.logger.Debug().Str("session_id", sess.ID).Msg("addToQueue without usable track dropped")
		return
	}

	if track.Nonce != "" {
		if _, seen := sess.seenNonces[track.Nonce]; seen {
			s.logger.Debug().
				Str("session_id", sess.ID).
				Str("nonce", track.Nonce).
				Msg("duplicate addToQueue nonce ignored")
			return
		}
		for _, t := range sess.queue {
			if t.Nonce == track.Nonce {
				return
			}
		}
		sess.seenNonces[track.Nonce] = s.now()
	}

	track.AddedBy = sender.UserID
	sess.queue = append(sess.queue, track)

	frame := s.stateFrameLocked(sess, MsgQueueUpdate, queueUpdateData{Queue: sess.queue})
	s.broadcastLocked(sess, MsgQueueUpdate, frame, "")
	s.logger.Info().
		Str("session_id", sess.ID).
		Str("track_id", track.ID).
		Str("user_id", sender.UserID).
		Int("queue_len", len(sess.queue)).
		Msg("track queued")
}

func (s *Service) handleRemoveFromQueue(sess *Session, raw json.RawMessage) {
	var data struct {
		TrackID string `json:"trackId"`
	}
	if err := json.Unmarshal(raw, &data); err != nil || data.TrackID == "" {
		s.logger.Debug().Str("session_id", sess.ID).Msg("malformed removeFromQueue dropped")
		return
	}

	kept := sess.queue[:0:0]
	for _, t := range sess.queue {
		if t.ID != data.TrackID {
			kept = append(kept, t)
		}
	}
	if len(kept) == len(sess.queue) {
		s.logger.Debug().
			Str("session_id", sess.ID).
			Str("track_id", data.TrackID).
			Msg("removeFromQueue for unknown track dropped")
		return
	}
	removed := len(sess.queue) - len(kept)
	sess.queue = kept

	frame := s.stateFrameLocked(sess, MsgQueueUpdate, queueUpdateData{Queue: sess.queue})
	s.broadcastLocked(sess, MsgQueueUpdate, frame, "")
	s.logger.Info().
		Str("session_id", sess.ID).
		Str("track_id", data.TrackID).
		Int("removed", removed).
		Msg("queue entries removed")
}

func (s *Service) handleDriftReport(sess *Session, sender *Member, raw json.RawMessage) {
	var data struct {
		PositionMs   json.RawMessage `json:"positionMs"`
		NTPTimestamp json.RawMessage `json:"ntpTimestamp"`
	}
	if err := json.Unmarshal(raw, &data); err != nil || len(data.PositionMs) == 0 {
		s.logger.Debug().Str("session_id", sess.ID).Msg("malformed driftReport dropped")
		return
	}

	dj := sess.member(sess.djUserID)
	if dj == nil || dj.UserID == sender.UserID {
		return
	}
	frame := s.bareFrame(MsgDriftReport, driftRelayData{
		UserID:       sender.UserID,
		PositionMs:   data.PositionMs,
		NTPTimestamp: data.NTPTimestamp,
	})
	s.unicast(dj.conn, MsgDriftReport, frame)
}

func (s *Service) handlePing(sess *Session, sender *Member, raw json.RawMessage) {
	var data struct {
		ClientSendTime json.RawMessage `json:"clientSendTime"`
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &data)
	}
	frame := s.bareFrame(MsgPong, pongData{
		ClientSendTime: data.ClientSendTime,
		ServerTime:     s.nowMs(),
	})
	s.unicast(sender.conn, MsgPong, frame)
}

// advanceLocked moves playback to the next queued track, or idles the
// station when the queue is dry. The shared code path for the autonomous
// timer and manual skip.
func (s *Service) advanceLocked(sess *Session, trigger string) {
	s.cancelAdvanceLocked(sess)
	nowMs := s.nowMs()
	sess.lastActivity = s.now()

	if len(sess.queue) == 0 {
		// Idle station: keep the last track as context, do not destroy.
		if sess.current != nil {
			if sess.current.DurationMs > 0 {
				sess.positionMs = sess.current.DurationMs
			} else {
				sess.positionMs = sess.positionNow(nowMs)
			}
		}
		sess.positionTs = nowMs
		sess.isPlaying = false
		s.broadcastLocked(sess, MsgStateSync, s.stateSyncFrameLocked(sess), "")
		s.logger.Info().
			Str("session_id", sess.ID).
			Str("trigger", trigger).
			Msg("queue empty, station idle")
		return
	}

	next := sess.queue[0]
	sess.queue = sess.queue[1:]
	sess.current = &next
	sess.isPlaying = true
	sess.positionMs = 0
	sess.positionTs = nowMs
	sess.epoch++
	sess.seq = 0

	telemetry.TrackAdvancesTotal.WithLabelValues(trigger).Inc()
	s.bus.Publish(events.EventTrackAdvanced, events.Payload{
		"session_id": sess.ID,
		"track_id":   next.ID,
		"trigger":    trigger,
	})
	s.logger.Info().
		Str("session_id", sess.ID).
		Str("track_id", next.ID).
		Str("trigger", trigger).
		Int64("epoch", sess.epoch).
		Int("queue_len", len(sess.queue)).
		Msg("advanced to next track")

	s.broadcastLocked(sess, MsgStateSync, s.stateSyncFrameLocked(sess), "")
	s.rescheduleAdvanceLocked(sess)
}

// rescheduleAdvanceLocked is the only place an advance timer is armed. Any
// existing timer is cancelled first; tracks without a positive duration get
// no timer at all and wait for the DJ.
func (s *Service) rescheduleAdvanceLocked(sess *Session) {
	s.cancelAdvanceLocked(sess)
	if !sess.isPlaying || sess.current == nil {
		return
	}
	if sess.current.DurationMs <= 0 {
		s.logger.Debug().
			Str("session_id", sess.ID).
			Str("track_id", sess.current.ID).
			Msg("track has no usable duration, advance timer not armed")
		return
	}

	remaining := sess.current.DurationMs - sess.positionNow(s.nowMs())
	if remaining < 0 {
		remaining = 0
	}
	sess.advanceGen++
	gen := sess.advanceGen
	id := sess.ID
	sess.advanceTimer = s.afterFunc(time.Duration(remaining)*time.Millisecond, func() {
		s.onAdvanceTimer(id, gen)
	})
}

func (s *Service) cancelAdvanceLocked(sess *Session) {
	sess.advanceGen++
	if sess.advanceTimer != nil {
		sess.advanceTimer.Stop()
		sess.advanceTimer = nil
	}
}

// onAdvanceTimer runs when an armed advance timer fires. The session is
// looked up by ID and the state re-validated; a timer from a cancelled
// schedule or destroyed session is a no-op.
func (s *Service) onAdvanceTimer(sessionID string, gen uint64) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("session_id", sessionID).
				Interface("panic", r).
				Msg("advance timer callback panicked")
		}
	}()

	sess, ok := s.session(sessionID)
	if !ok {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.destroyed || gen != sess.advanceGen {
		return
	}
	sess.advanceTimer = nil
	if !sess.isPlaying || sess.current == nil || sess.current.DurationMs <= 0 {
		return
	}
	if remaining := sess.current.DurationMs - sess.positionNow(s.nowMs()); remaining > advanceSlackMs {
		// Fired early relative to the playhead (seek raced the stop);
		// put the timer back instead of cutting the track short.
		s.rescheduleAdvanceLocked(sess)
		return
	}
	s.advanceLocked(sess, "timer")
}

// scheduleGraceLocked starts the destroy countdown for a memberless session
// that still has content. Re-joining cancels it.
func (s *Service) scheduleGraceLocked(sess *Session) {
	if sess.destroyTimer != nil {
		return
	}
	sess.graceGen++
	gen := sess.graceGen
	id := sess.ID
	sess.destroyTimer = s.afterFunc(s.cfg.DestroyGrace, func() {
		s.onGraceTimer(id, gen)
	})
	s.logger.Info().
		Str("session_id", id).
		Dur("grace", s.cfg.DestroyGrace).
		Msg("session empty, destroy grace started")
}

func (s *Service) cancelGraceLocked(sess *Session) {
	sess.graceGen++
	if sess.destroyTimer != nil {
		sess.destroyTimer.Stop()
		sess.destroyTimer = nil
		s.logger.Info().Str("session_id", sess.ID).Msg("destroy grace cancelled")
	}
}

func (s *Service) onGraceTimer(sessionID string, gen uint64) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("session_id", sessionID).
				Interface("panic", r).
				Msg("grace timer callback panicked")
		}
	}()

	sess, ok := s.session(sessionID)
	if !ok {
		return
	}
	sess.mu.Lock()
	if sess.destroyed || gen != sess.graceGen || len(sess.members) > 0 {
		sess.mu.Unlock()
		return
	}
	sess.destroyTimer = nil
	sess.mu.Unlock()

	s.logger.Info().Str("session_id", sessionID).Msg("destroy grace elapsed")
	s.destroy(sess, "graceperiod", websocket.StatusNormalClosure, "")
}

// destroy removes a session exactly once: timers cancelled, members closed,
// join code released. Callers must not hold the session mutex.
func (s *Service) destroy(sess *Session, reason string, code websocket.StatusCode, wsReason string) {
	sess.mu.Lock()
	if sess.destroyed {
		sess.mu.Unlock()
		return
	}
	sess.destroyed = true
	s.cancelAdvanceLocked(sess)
	s.cancelGraceLocked(sess)
	conns := make([]*Conn, 0, len(sess.members))
	for _, m := range sess.members {
		if m.conn != nil {
			conns = append(conns, m.conn)
		}
	}
	sess.members = nil
	sess.mu.Unlock()

	s.mu.Lock()
	delete(s.sessions, sess.ID)
	s.mu.Unlock()

	s.codes.Release(sess.ID)
	for _, c := range conns {
		// Close handshakes can stall on dead peers; never serially in the
		// caller (sweeps and timer callbacks land here).
		go c.Close(code, wsReason)
	}

	telemetry.SessionsActive.Dec()
	telemetry.SessionsDestroyedTotal.WithLabelValues(reason).Inc()
	if len(conns) > 0 {
		telemetry.MembersConnected.Sub(float64(len(conns)))
	}
	s.bus.Publish(events.EventSessionDestroyed, events.Payload{
		"session_id": sess.ID,
		"reason":     reason,
	})
	s.logger.Info().
		Str("session_id", sess.ID).
		Str("reason", reason).
		Int("members_closed", len(conns)).
		Msg("session destroyed")
}

// SweepIdle destroys sessions idle past the TTL and prunes expired
// addToQueue nonces. Returns the number of sessions destroyed.
func (s *Service) SweepIdle() int {
	now := s.now()
	cutoff := now.Add(-s.cfg.IdleTTL)

	s.mu.RLock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.RUnlock()

	var victims []*Session
	var lastSeen []time.Time
	for _, sess := range all {
		sess.mu.Lock()
		if !sess.destroyed {
			for nonce, seen := range sess.seenNonces {
				if now.Sub(seen) > nonceRetention {
					delete(sess.seenNonces, nonce)
				}
			}
			if sess.lastActivity.Before(cutoff) {
				victims = append(victims, sess)
				lastSeen = append(lastSeen, sess.lastActivity)
			}
		}
		sess.mu.Unlock()
	}

	for i, sess := range victims {
		s.logger.Info().
			Str("session_id", sess.ID).
			Time("last_activity", lastSeen[i]).
			Msg("session idle past ttl")
		s.destroy(sess, "idle", CloseIdleTimeout, "idle-timeout")
	}
	return len(victims)
}

// Shutdown tears down every session, cancelling timers and closing sockets.
func (s *Service) Shutdown() {
	s.mu.RLock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.RUnlock()

	for _, sess := range all {
		s.destroy(sess, "shutdown", websocket.StatusGoingAway, "server-shutdown")
	}
	s.logger.Info().Int("sessions", len(all)).Msg("session service shut down")
}

// stateSyncFrameLocked advances seq and marshals a full snapshot, so the
// epoch/seq inside data always match the envelope.
func (s *Service) stateSyncFrameLocked(sess *Session) []byte {
	sess.seq++
	frame, err := json.Marshal(stateEnvelope{
		Type:      MsgStateSync,
		Data:      sess.snapshot(),
		Epoch:     sess.epoch,
		Seq:       sess.seq,
		Timestamp: s.nowMs(),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sess.ID).Msg("marshal stateSync")
		return nil
	}
	return frame
}

// stateFrameLocked advances seq and marshals a state-bearing frame.
func (s *Service) stateFrameLocked(sess *Session, msgType string, data any) []byte {
	sess.seq++
	frame, err := json.Marshal(stateEnvelope{
		Type:      msgType,
		Data:      data,
		Epoch:     sess.epoch,
		Seq:       sess.seq,
		Timestamp: s.nowMs(),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("type", msgType).Msg("marshal outbound frame")
		return nil
	}
	return frame
}

// bareFrame marshals a stateless frame (no epoch/seq, no seq bump).
func (s *Service) bareFrame(msgType string, data any) []byte {
	frame, err := json.Marshal(bareEnvelope{
		Type:      msgType,
		Data:      data,
		Timestamp: s.nowMs(),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("type", msgType).Msg("marshal outbound frame")
		return nil
	}
	return frame
}

// broadcastLocked fans a frame out to every member except exclude.
func (s *Service) broadcastLocked(sess *Session, msgType string, frame []byte, exclude string) {
	if frame == nil {
		return
	}
	sent := 0
	for _, m := range sess.members {
		if m.UserID == exclude || m.conn == nil {
			continue
		}
		if m.conn.Enqueue(frame) {
			sent++
		}
	}
	if sent > 0 {
		telemetry.WSMessagesTotal.WithLabelValues("out", msgType).Add(float64(sent))
	}
}

// unicast sends a frame to a single member's connection.
func (s *Service) unicast(conn *Conn, msgType string, frame []byte) {
	if frame == nil || conn == nil {
		return
	}
	if conn.Enqueue(frame) {
		telemetry.WSMessagesTotal.WithLabelValues("out", msgType).Inc()
	}
}

func currentTrackID(sess *Session) string {
	if sess.current == nil {
		return ""
	}
	return sess.current.ID
}
