/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package directory

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// codeSpace is the number of distinct 4-digit join codes.
const codeSpace = 10000

// issueAttempts bounds collision retries before giving up. With a
// 10k code space and sessions capped well below it, hitting this
// means the index is effectively full.
const issueAttempts = 50

// ErrNoFreeCodes is returned when a unique join code cannot be found.
var ErrNoFreeCodes = errors.New("join code space exhausted")

type codeEntry struct {
	sessionID string
	expiresAt time.Time
}

// CodeIndex maps short join codes to sessions. Codes expire after a
// fixed TTL but the session itself keeps running; an expired code is
// reported distinctly from an unknown one so callers can answer
// "gone" instead of "never existed".
type CodeIndex struct {
	mu        sync.Mutex
	codes     map[string]codeEntry
	bySession map[string]string
	ttl       time.Duration
	now       func() time.Time
}

// NewCodeIndex creates a code index whose codes live for ttl.
func NewCodeIndex(ttl time.Duration) *CodeIndex {
	return &CodeIndex{
		codes:     make(map[string]codeEntry),
		bySession: make(map[string]string),
		ttl:       ttl,
		now:       time.Now,
	}
}

// Issue generates a 4-digit code for sessionID, unique among codes that
// have not yet expired. Slots held by expired codes are reclaimed on
// collision.
func (c *CodeIndex) Issue(sessionID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for i := 0; i < issueAttempts; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(codeSpace))
		if err != nil {
			return "", fmt.Errorf("generating join code: %w", err)
		}
		code := fmt.Sprintf("%04d", n.Int64())

		if entry, taken := c.codes[code]; taken && now.Before(entry.expiresAt) {
			continue
		}
		c.codes[code] = codeEntry{sessionID: sessionID, expiresAt: now.Add(c.ttl)}
		c.bySession[sessionID] = code
		return code, nil
	}
	return "", ErrNoFreeCodes
}

// Resolve looks up a code. expired reports a code that existed but
// whose TTL has lapsed; the stale entry is dropped on the way out.
func (c *CodeIndex) Resolve(code string) (sessionID string, ok bool, expired bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, found := c.codes[code]
	if !found {
		return "", false, false
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.codes, code)
		delete(c.bySession, entry.sessionID)
		return "", false, true
	}
	return entry.sessionID, true, false
}

// Release frees the code held by sessionID, if any.
func (c *CodeIndex) Release(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	code, ok := c.bySession[sessionID]
	if !ok {
		return
	}
	delete(c.bySession, sessionID)
	delete(c.codes, code)
}

// Sweep drops expired entries and returns how many were removed.
func (c *CodeIndex) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for code, entry := range c.codes {
		if now.Before(entry.expiresAt) {
			continue
		}
		delete(c.codes, code)
		delete(c.bySession, entry.sessionID)
		removed++
	}
	return removed
}

// Len returns the number of live code entries.
func (c *CodeIndex) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.codes)
}
