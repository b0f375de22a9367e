package server

import (
	"sync"
	"time"
)

// Internal lifecycle notifications. These are deliberately separate from the
// user event table so internal signals can never fan out to channel
// subscribers.
const (
	NotifyConnection      = "connection"
	NotifyDisconnection   = "disconnection"
	NotifyAuthentication  = "authentication"
	NotifyLogout          = "logout"
	NotifyMethodExecution = "method:execution"
	NotifyReady           = "ready"
	NotifyClosed          = "closed"
)

// MethodExecution is the payload of the method:execution notification.
type MethodExecution struct {
	Name    string
	Elapsed time.Duration
	Params  any
	Result  any
	Err     error
}

// Notifier dispatches typed internal lifecycle signals to registered
// observers. Observers run synchronously on the emitting goroutine and must
// not block.
type Notifier struct {
	mu       sync.RWMutex
	handlers map[string][]func(payload any)
}

func newNotifier() *Notifier {
	return &Notifier{handlers: make(map[string][]func(any))}
}

// On registers an observer for the named notification.
func (n *Notifier) On(name string, fn func(payload any)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[name] = append(n.handlers[name], fn)
}

func (n *Notifier) emit(name string, payload any) {
	n.mu.RLock()
	handlers := append([]func(any){}, n.handlers[name]...)
	n.mu.RUnlock()

	for _, fn := range handlers {
		fn(payload)
	}
}
