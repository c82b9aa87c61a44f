// Package presence tracks which users currently have a channel's resource
// open for editing.
//
// A Tracker owns every roster it knows about. Callers only send commands
// (Enter, Heartbeat, Leave) and receive broadcasts through a Notifier; they
// never touch a roster directly. Entries expire once their last heartbeat is
// a full TTL old, which is how crashed or closed clients are cleaned up.
//
// Presence is keyed by identity, not by session: two tabs of the same user
// share one entry and whichever refreshed last wins. When one tab leaves,
// the user disappears until the remaining tab's next heartbeat re-enters.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"collab-realtime/internal/metrics"
	"collab-realtime/internal/models"
)

// Notifier receives every presence broadcast for a channel. It is called
// after the tracker has released its lock.
type Notifier interface {
	Deliver(channel string, env models.Envelope)
}

type NotifierFunc func(channel string, env models.Envelope)

func (f NotifierFunc) Deliver(channel string, env models.Envelope) { f(channel, env) }

type Option func(*Tracker)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

type Tracker struct {
	mu       sync.Mutex
	channels map[string]map[string]*models.PresenceEntry
	ttl      time.Duration
	now      func() time.Time
	notifier Notifier
	metrics  *metrics.Metrics
}

func NewTracker(ttl time.Duration, notifier Notifier, opts ...Option) *Tracker {
	t := &Tracker{
		channels: make(map[string]map[string]*models.PresenceEntry),
		ttl:      ttl,
		now:      time.Now,
		notifier: notifier,
		metrics:  metrics.Get(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetNotifier wires the broadcast target after construction, for callers
// whose notifier itself depends on the tracker.
func (t *Tracker) SetNotifier(n Notifier) {
	t.mu.Lock()
	t.notifier = n
	t.mu.Unlock()
}

func (t *Tracker) TTL() time.Duration { return t.ttl }

// pending is a broadcast computed under the lock and sent after it.
type pending struct {
	channel string
	kind    models.Kind
	payload any
	at      time.Time
}

// Enter upserts the user's entry with a fresh lastSeenAt. A join is
// broadcast only when the user was not already live; a roster snapshot is
// broadcast every time so late subscribers converge.
func (t *Tracker) Enter(channel string, user models.Identity) {
	t.mu.Lock()
	now := t.now()
	roster := t.channels[channel]
	if roster == nil {
		roster = make(map[string]*models.PresenceEntry)
		t.channels[channel] = roster
	}

	existing, ok := roster[user.UserID]
	joined := !ok || t.expired(existing, now)
	if !ok {
		t.metrics.PresenceEntries.Inc()
	}
	entry := &models.PresenceEntry{
		UserID:      user.UserID,
		DisplayName: user.DisplayName,
		AvatarURL:   user.AvatarURL,
		LastSeenAt:  now,
	}
	roster[user.UserID] = entry

	var out []pending
	if joined {
		out = append(out, pending{channel, models.KindPresenceJoin, models.PresenceJoin{PresenceEntry: *entry}, now})
	}
	out = append(out, t.rosterEvent(channel, now))
	notifier := t.notifier
	t.mu.Unlock()

	if joined {
		slog.Debug("[PRESENCE] Joined", "channel", channel, "user", user.UserID)
	}
	t.send(notifier, out)
}

// Heartbeat refreshes lastSeenAt. It returns false when the user has no
// live entry, in which case the caller should Enter again.
func (t *Tracker) Heartbeat(channel, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	entry, ok := t.channels[channel][userID]
	if !ok || t.expired(entry, now) {
		return false
	}
	entry.LastSeenAt = now
	return true
}

// Leave removes the entry immediately. Leaving twice is a no-op.
func (t *Tracker) Leave(channel, userID string) {
	t.mu.Lock()
	now := t.now()
	roster, ok := t.channels[channel]
	if !ok {
		t.mu.Unlock()
		return
	}
	if _, ok := roster[userID]; !ok {
		t.mu.Unlock()
		return
	}
	t.remove(channel, roster, userID)
	out := []pending{
		{channel, models.KindPresenceLeave, models.PresenceLeave{UserID: userID}, now},
		t.rosterEvent(channel, now),
	}
	notifier := t.notifier
	t.mu.Unlock()

	slog.Debug("[PRESENCE] Left", "channel", channel, "user", userID)
	t.send(notifier, out)
}

// Roster returns the live entries for channel sorted by user ID. Entries
// past their TTL are hidden even if the sweep has not removed them yet.
func (t *Tracker) Roster(channel string) []models.PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.liveEntries(channel, t.now())
}

// Sweep removes every expired entry and broadcasts its removal. It returns
// the number of entries removed.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	now := t.now()
	var out []pending
	removed := 0
	for channel, roster := range t.channels {
		changed := false
		for userID, entry := range roster {
			if !t.expired(entry, now) {
				continue
			}
			t.remove(channel, roster, userID)
			out = append(out, pending{channel, models.KindPresenceLeave, models.PresenceLeave{UserID: userID}, now})
			changed = true
			removed++
		}
		if changed {
			out = append(out, t.rosterEvent(channel, now))
		}
	}
	notifier := t.notifier
	t.mu.Unlock()

	if removed > 0 {
		t.metrics.PresenceExpired.Add(float64(removed))
		slog.Info("[PRESENCE] Swept expired entries", "removed", removed)
	}
	t.send(notifier, out)
	return removed
}

// Run sweeps on every tick until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	slog.Info("[PRESENCE] Starting expiry sweep", "interval", interval, "ttl", t.ttl)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("[PRESENCE] Expiry sweep stopped")
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

// expired reports whether a full TTL has elapsed since the last refresh.
func (t *Tracker) expired(entry *models.PresenceEntry, now time.Time) bool {
	return !now.Before(entry.LastSeenAt.Add(t.ttl))
}

// remove must be called with t.mu held.
func (t *Tracker) remove(channel string, roster map[string]*models.PresenceEntry, userID string) {
	delete(roster, userID)
	t.metrics.PresenceEntries.Dec()
	if len(roster) == 0 {
		delete(t.channels, channel)
	}
}

func (t *Tracker) liveEntries(channel string, now time.Time) []models.PresenceEntry {
	entries := make([]models.PresenceEntry, 0, len(t.channels[channel]))
	for _, entry := range t.channels[channel] {
		if t.expired(entry, now) {
			continue
		}
		entries = append(entries, *entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries
}

func (t *Tracker) rosterEvent(channel string, now time.Time) pending {
	return pending{channel, models.KindPresenceRoster, models.PresenceRoster{Editors: t.liveEntries(channel, now)}, now}
}

func (t *Tracker) send(notifier Notifier, out []pending) {
	if notifier == nil {
		return
	}
	for _, p := range out {
		ch, err := models.ParseChannel(p.channel)
		if err != nil {
			slog.Error("[PRESENCE] Refusing to broadcast on invalid channel", "channel", p.channel, "error", err)
			continue
		}
		env, err := models.NewEnvelope(ch, p.kind, p.payload, p.at)
		if err != nil {
			slog.Error("[PRESENCE] Failed to build event", "type", p.kind, "channel", p.channel, "error", err)
			continue
		}
		notifier.Deliver(p.channel, env)
	}
}
