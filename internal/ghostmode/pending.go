package ghostmode

import (
	"sync"
	"time"
)

// PendingTTL is how long a sent message waits for its receipt before it is
// considered expired.
const PendingTTL = 300 * time.Second

// pendingEntry records who a message was sent to and when, so an overdue
// entry can be swept without ever having received its receipt.
type pendingEntry struct {
	target string
	sentAt time.Time
}

// PendingReceipts tracks in-flight ghost messages awaiting acknowledgment.
// Entries are removed either by Remove (an ACK arrived) or by Sweep (the
// TTL elapsed with no ACK).
type PendingReceipts struct {
	mu      sync.Mutex
	entries map[string]pendingEntry
}

// NewPendingReceipts returns an empty tracker.
func NewPendingReceipts() *PendingReceipts {
	return &PendingReceipts{entries: make(map[string]pendingEntry)}
}

// Add records that messageID was sent to target at now.
func (p *PendingReceipts) Add(messageID, target string, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[messageID] = pendingEntry{target: target, sentAt: now}
}

// Remove drops messageID from the tracker, returning the target it was
// sent to and whether it was still pending.
func (p *PendingReceipts) Remove(messageID string) (target string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[messageID]
	if !ok {
		return "", false
	}
	delete(p.entries, messageID)
	return entry.target, true
}

// Sweep removes every entry older than PendingTTL as of now, returning the
// message ids that expired.
func (p *PendingReceipts) Sweep(now time.Time) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var expired []string
	for id, entry := range p.entries {
		if now.Sub(entry.sentAt) >= PendingTTL {
			expired = append(expired, id)
			delete(p.entries, id)
		}
	}
	return expired
}

// Len reports how many messages are currently awaiting a receipt.
func (p *PendingReceipts) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
