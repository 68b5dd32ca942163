package bookmail

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rbaliyan/bookmail/store"
	"github.com/rbaliyan/event/v3"
)

// MailboxStats holds aggregate counts for one user's mailbox.
type MailboxStats struct {
	// InboxCount is the number of states in the inbox.
	InboxCount int64 `json:"inbox_count"`
	// UnreadCount is the number of unread states in the inbox.
	UnreadCount int64 `json:"unread_count"`
	// ArchivedCount is the number of archived states.
	ArchivedCount int64 `json:"archived_count"`
}

// StatsReader provides access to aggregate mailbox statistics.
type StatsReader interface {
	// Stats returns aggregate statistics for this user's mailbox.
	// With an event transport configured, results are cached and kept
	// current by events; otherwise every call reads the store.
	Stats(ctx context.Context) (*MailboxStats, error)
}

// statsEntry holds a cached stats snapshot for a single user. gen is
// bumped by every event handler; a recount that started under an older
// gen is returned to its caller but not cached.
type statsEntry struct {
	mu        sync.Mutex
	gen       uint64
	valid     bool
	stats     MailboxStats
	updatedAt time.Time
}

// Stats returns aggregate statistics for this user's mailbox.
func (m *userMailbox) Stats(ctx context.Context) (*MailboxStats, error) {
	if err := m.checkAccess(); err != nil {
		return nil, err
	}
	return m.service.getOrRefreshStats(ctx, m.userID)
}

// getOrRefreshStats returns cached stats if within TTL, otherwise refreshes from the store.
func (s *service) getOrRefreshStats(ctx context.Context, userID string) (*MailboxStats, error) {
	if !s.cacheEnabled {
		return s.countStats(ctx, userID)
	}

	entry := s.statsEntryFor(userID)
	now := time.Now()

	entry.mu.Lock()
	if entry.valid && now.Sub(entry.updatedAt) < s.opts.statsRefreshInterval {
		stats := entry.stats
		entry.mu.Unlock()
		return &stats, nil
	}
	gen := entry.gen
	entry.mu.Unlock()

	stats, err := s.countStats(ctx, userID)
	if err != nil {
		return nil, err
	}

	entry.mu.Lock()
	if entry.gen == gen {
		entry.stats = *stats
		entry.valid = true
		entry.updatedAt = now
	}
	entry.mu.Unlock()
	return stats, nil
}

func (s *service) statsEntryFor(userID string) *statsEntry {
	if val, ok := s.statsCache.Load(userID); ok {
		return val.(*statsEntry)
	}
	val, _ := s.statsCache.LoadOrStore(userID, &statsEntry{})
	return val.(*statsEntry)
}

// countStats computes stats from the store.
func (s *service) countStats(ctx context.Context, userID string) (*MailboxStats, error) {
	inbox, err := s.store.ListEntries(ctx, userID, store.VisibilityInbox, store.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("count inbox: %w", storeError(err))
	}
	archived, err := s.store.ListEntries(ctx, userID, store.VisibilityArchived, store.ListOptions{Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("count archive: %w", storeError(err))
	}

	stats := &MailboxStats{
		InboxCount:    inbox.Total,
		ArchivedCount: archived.Total,
	}
	for _, e := range inbox.Entries {
		if e.ReadAt == nil {
			stats.UnreadCount++
		}
	}
	return stats, nil
}

// invalidateStats marks the user's cached stats stale and discards any
// recount already in flight.
func (s *service) invalidateStats(userID string) {
	entry := s.statsEntryFor(userID)
	entry.mu.Lock()
	entry.gen++
	entry.valid = false
	entry.mu.Unlock()
}

// subscribeStats keeps the cache current from the service's own events.
func (s *service) subscribeStats(ctx context.Context) error {
	if err := s.events.MessageSent.Subscribe(ctx, s.onMessageSent); err != nil {
		return fmt.Errorf("subscribe MessageSent: %w", err)
	}
	if err := s.events.StateRead.Subscribe(ctx, s.onStateRead); err != nil {
		return fmt.Errorf("subscribe StateRead: %w", err)
	}
	if err := s.events.StateArchived.Subscribe(ctx, s.onStateChanged); err != nil {
		return fmt.Errorf("subscribe StateArchived: %w", err)
	}
	if err := s.events.StateDeleted.Subscribe(ctx, s.onStateChanged); err != nil {
		return fmt.Errorf("subscribe StateDeleted: %w", err)
	}
	if err := s.events.StateRestored.Subscribe(ctx, s.onStateRestored); err != nil {
		return fmt.Errorf("subscribe StateRestored: %w", err)
	}
	return nil
}

// onMessageSent invalidates both participants. An increment could land on
// a recount that already includes the message.
func (s *service) onMessageSent(_ context.Context, _ event.Event[MessageSentEvent], data MessageSentEvent) error {
	s.invalidateStats(data.SenderID)
	s.invalidateStats(data.RecipientID)
	return nil
}

// onStateRead invalidates: the event does not say which view the state was in.
func (s *service) onStateRead(_ context.Context, _ event.Event[StateReadEvent], data StateReadEvent) error {
	s.invalidateStats(data.UserID)
	return nil
}

func (s *service) onStateChanged(_ context.Context, _ event.Event[StateChangedEvent], data StateChangedEvent) error {
	s.invalidateStats(data.UserID)
	return nil
}

func (s *service) onStateRestored(_ context.Context, _ event.Event[StateRestoredEvent], data StateRestoredEvent) error {
	s.invalidateStats(data.UserID)
	return nil
}
