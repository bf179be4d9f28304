/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package directory tracks known listeners and session join codes.
// Everything lives in process memory and dies with it.
package directory

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// The browse dial spans the FM band in 0.2 MHz steps: 88.1, 88.3, ...
// 107.9. One hundred slots in total.
const (
	bandSlots = 100
)

// frequencyForSlot returns the dial frequency for a band slot. Computed
// in tenths of a MHz so repeated float addition never drifts.
func frequencyForSlot(slot int) float64 {
	return float64(881+2*slot) / 10.0
}

// User describes a registered listener.
type User struct {
	UserID       string    `json:"userId"`
	DisplayName  string    `json:"displayName"`
	Frequency    float64   `json:"frequency"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Registry stores users and hands out dial frequencies. A frequency is
// assigned once per user and stays stable for the process lifetime; it is
// cosmetic identity for the stations list, never used for addressing.
type Registry struct {
	mu        sync.RWMutex
	users     map[string]User
	usedSlots map[int]string // slot -> userID
	cursor    int            // next band slot to try
	logger    zerolog.Logger
	now       func() time.Time
}

// NewRegistry creates an empty user registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		users:     make(map[string]User),
		usedSlots: make(map[int]string),
		logger:    logger.With().Str("component", "directory").Logger(),
		now:       time.Now,
	}
}

// Register upserts a user. A returning user keeps their frequency; a
// non-empty display name refreshes the stored one.
func (r *Registry) Register(userID, displayName string) User {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.users[userID]; ok {
		if displayName != "" && displayName != existing.DisplayName {
			existing.DisplayName = displayName
			r.users[userID] = existing
		}
		return existing
	}

	user := User{
		UserID:       userID,
		DisplayName:  displayName,
		Frequency:    r.allocateFrequencyLocked(userID),
		RegisteredAt: r.now(),
	}
	r.users[userID] = user
	return user
}

// allocateFrequencyLocked finds the next free band slot, wrapping past
// 107.9 back to 88.1. When every slot is taken the cursor slot is reused;
// a duplicate dial position is accepted over refusing the user.
func (r *Registry) allocateFrequencyLocked(userID string) float64 {
	for i := 0; i < bandSlots; i++ {
		slot := (r.cursor + i) % bandSlots
		if _, taken := r.usedSlots[slot]; taken {
			continue
		}
		r.usedSlots[slot] = userID
		r.cursor = (slot + 1) % bandSlots
		return frequencyForSlot(slot)
	}

	slot := r.cursor % bandSlots
	r.cursor = (slot + 1) % bandSlots
	r.logger.Warn().
		Str("user_id", userID).
		Float64("frequency", frequencyForSlot(slot)).
		Msg("frequency band exhausted, assigning duplicate dial position")
	return frequencyForSlot(slot)
}

// Lookup returns the user registered under userID.
func (r *Registry) Lookup(userID string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[userID]
	return user, ok
}

// Count returns the number of registered users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
