package http

import (
	"sync"

	"github.com/Mailria/mailria/internal/port/outbound"
)

// maxNotices bounds the flash queue; older notices are dropped first.
const maxNotices = 16

// PendingNavigator records the most recent navigation request until a page
// request consumes it.
type PendingNavigator struct {
	mu    sync.Mutex
	route string
}

// NewPendingNavigator creates an empty PendingNavigator.
func NewPendingNavigator() *PendingNavigator {
	return &PendingNavigator{}
}

// Navigate records route, replacing any earlier target.
func (n *PendingNavigator) Navigate(route string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.route = route
}

// Take returns the pending route and clears it.
func (n *PendingNavigator) Take() (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	route := n.route
	n.route = ""
	return route, route != ""
}

// Peek returns the pending route without clearing it.
func (n *PendingNavigator) Peek() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.route
}

// Notice is a transient message shown on the next page.
type Notice struct {
	Level   outbound.Level `json:"level"`
	Message string         `json:"message"`
}

// FlashNotifier queues notices until a page drains them.
type FlashNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

// NewFlashNotifier creates an empty FlashNotifier.
func NewFlashNotifier() *FlashNotifier {
	return &FlashNotifier{}
}

// Notify queues a notice.
func (f *FlashNotifier) Notify(level outbound.Level, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, Notice{Level: level, Message: message})
	if len(f.notices) > maxNotices {
		f.notices = f.notices[len(f.notices)-maxNotices:]
	}
}

// Drain returns and clears the queued notices.
func (f *FlashNotifier) Drain() []Notice {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.notices
	f.notices = nil
	return out
}

var (
	_ outbound.Navigator = (*PendingNavigator)(nil)
	_ outbound.Notifier  = (*FlashNotifier)(nil)
)
