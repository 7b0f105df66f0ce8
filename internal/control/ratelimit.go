package control

import (
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type limiterEntry struct {
	windowStart  time.Time
	commandCount int
	rekeyDenials int
	blockedUntil time.Time
	lastSeen     time.Time
}

// connLimiter throttles bridge commands per source IP and temporarily blocks
// peers that keep retrying unauthorized rekey requests. The entry map is
// bounded; stale entries are pruned opportunistically on access.
type connLimiter struct {
	mu           sync.Mutex
	commandLimit int
	denialLimit  int
	blockFor     time.Duration
	maxEntries   int
	staleTTL     time.Duration
	pruneEvery   uint64
	opCount      uint64
	entries      map[string]*limiterEntry
}

func newConnLimiter(commandLimit, denialLimit int, blockFor time.Duration) *connLimiter {
	return newConnLimiterWithBounds(commandLimit, denialLimit, blockFor, 4_096, 0, 256)
}

func newConnLimiterWithBounds(commandLimit, denialLimit int, blockFor time.Duration, maxEntries int, staleTTL time.Duration, pruneEvery uint64) *connLimiter {
	if commandLimit <= 0 {
		commandLimit = 120
	}
	if denialLimit <= 0 {
		denialLimit = 8
	}
	if blockFor <= 0 {
		blockFor = 5 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 4_096
	}
	if staleTTL <= 0 {
		staleTTL = 30 * time.Minute
		if d := blockFor * 3; d > staleTTL {
			staleTTL = d
		}
	}
	if pruneEvery == 0 {
		pruneEvery = 256
	}
	return &connLimiter{
		commandLimit: commandLimit,
		denialLimit:  denialLimit,
		blockFor:     blockFor,
		maxEntries:   maxEntries,
		staleTTL:     staleTTL,
		pruneEvery:   pruneEvery,
		entries:      make(map[string]*limiterEntry),
	}
}

// allow counts one command against ip's per-minute budget.
func (r *connLimiter) allow(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	e := r.getEntry(ip, now)
	if r.shouldPruneLocked() {
		r.pruneLocked(now)
	}
	if now.Before(e.blockedUntil) {
		return false
	}
	if now.Sub(e.windowStart) >= time.Minute {
		e.windowStart = now
		e.commandCount = 0
		e.rekeyDenials = 0
	}
	e.commandCount++
	return e.commandCount <= r.commandLimit
}

// addRekeyDenial records an unauthorized rekey attempt; once an IP crosses
// the denial limit it is blocked outright for blockFor.
func (r *connLimiter) addRekeyDenial(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	e := r.getEntry(ip, now)
	if r.shouldPruneLocked() {
		r.pruneLocked(now)
	}
	if now.Sub(e.windowStart) >= time.Minute {
		e.windowStart = now
		e.commandCount = 0
		e.rekeyDenials = 0
	}
	e.rekeyDenials++
	if e.rekeyDenials >= r.denialLimit {
		e.blockedUntil = now.Add(r.blockFor)
		return true
	}
	return false
}

func (r *connLimiter) getEntry(ip string, now time.Time) *limiterEntry {
	e, ok := r.entries[ip]
	if !ok {
		e = &limiterEntry{
			windowStart: now,
			lastSeen:    now,
		}
		r.entries[ip] = e
		return e
	}
	e.lastSeen = now
	return e
}

func (r *connLimiter) shouldPruneLocked() bool {
	r.opCount++
	if len(r.entries) > r.maxEntries {
		return true
	}
	return r.opCount%r.pruneEvery == 0
}

func (r *connLimiter) pruneLocked(now time.Time) {
	if len(r.entries) == 0 {
		return
	}

	cutoff := now.Add(-r.staleTTL)
	for ip, entry := range r.entries {
		if entry.lastSeen.Before(cutoff) && !now.Before(entry.blockedUntil) {
			delete(r.entries, ip)
		}
	}
	if len(r.entries) <= r.maxEntries {
		return
	}

	type evictCandidate struct {
		ip       string
		lastSeen time.Time
		blocked  bool
	}

	candidates := make([]evictCandidate, 0, len(r.entries))
	for ip, entry := range r.entries {
		candidates = append(candidates, evictCandidate{
			ip:       ip,
			lastSeen: entry.lastSeen,
			blocked:  now.Before(entry.blockedUntil),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].blocked != candidates[j].blocked {
			// Prefer evicting non-blocked entries first.
			return !candidates[i].blocked && candidates[j].blocked
		}
		if candidates[i].lastSeen.Equal(candidates[j].lastSeen) {
			return candidates[i].ip < candidates[j].ip
		}
		return candidates[i].lastSeen.Before(candidates[j].lastSeen)
	})

	over := len(r.entries) - r.maxEntries
	for i := 0; i < over && i < len(candidates); i++ {
		delete(r.entries, candidates[i].ip)
	}
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err == nil {
		return host
	}
	if strings.Contains(remoteAddr, ":") && strings.Count(remoteAddr, ":") == 1 {
		if _, pErr := strconv.Atoi(strings.Split(remoteAddr, ":")[1]); pErr == nil {
			return strings.Split(remoteAddr, ":")[0]
		}
	}
	return remoteAddr
}
