package notify

import (
	"context"
	"sync"

	"github.com/stepflow-io/stepflow/types"
)

// Collector is a Publisher that retains everything published to it. It backs
// tests and serves as an in-process notification inbox for observers that
// want read-state tracking instead of push delivery.
type Collector struct {
	mu            sync.RWMutex
	notifications []types.Notification
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Publish stores the notification. Never fails.
func (c *Collector) Publish(ctx context.Context, n types.Notification) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// newest first, matching inbox presentation
	c.notifications = append([]types.Notification{n}, c.notifications...)
	return nil
}

// All returns a copy of every retained notification, newest first.
func (c *Collector) All() []types.Notification {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.Notification, len(c.notifications))
	copy(out, c.notifications)
	return out
}

// ByRecipient returns retained notifications addressed to the given actor.
func (c *Collector) ByRecipient(actorID uint64) []types.Notification {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []types.Notification
	for _, n := range c.notifications {
		if n.RecipientID == actorID {
			out = append(out, n)
		}
	}
	return out
}

// ByKind returns retained notifications of the given kind.
func (c *Collector) ByKind(kind string) []types.Notification {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []types.Notification
	for _, n := range c.notifications {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// UnreadCount returns how many retained notifications are unread.
func (c *Collector) UnreadCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	count := 0
	for _, n := range c.notifications {
		if !n.Read {
			count++
		}
	}
	return count
}

// MarkRead flags a notification as read. Returns false when the ID is
// unknown.
func (c *Collector) MarkRead(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.notifications {
		if c.notifications[i].ID == id {
			c.notifications[i].Read = true
			return true
		}
	}
	return false
}

// MarkAllRead flags every retained notification as read.
func (c *Collector) MarkAllRead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.notifications {
		c.notifications[i].Read = true
	}
}

// Clear drops all retained notifications.
func (c *Collector) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifications = nil
}
