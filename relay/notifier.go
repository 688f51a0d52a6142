package relay

import "sync"

// Notifier is the in-process pub/sub used by the seller heartbeat. Waiters
// are one-shot: the first notification resolves and unregisters every waiter
// for the pubkey. Notifications with no registered waiter are dropped; the
// heartbeat cursor makes missed events observable on the next poll.
type Notifier struct {
	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

// NewNotifier builds an empty waiter registry.
func NewNotifier() *Notifier {
	return &Notifier{waiters: make(map[string][]chan struct{})}
}

// Register adds a waiter for the seller pubkey and returns its channel.
func (n *Notifier) Register(pubKey string) chan struct{} {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.waiters[pubKey] = append(n.waiters[pubKey], ch)
	n.mu.Unlock()
	return ch
}

// Unregister removes a waiter. Safe to call after the waiter resolved.
func (n *Notifier) Unregister(pubKey string, ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	waiters := n.waiters[pubKey]
	for i, candidate := range waiters {
		if candidate == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(n.waiters, pubKey)
	} else {
		n.waiters[pubKey] = waiters
	}
}

// Notify wakes and drops every waiter registered for the seller pubkey.
func (n *Notifier) Notify(pubKey string) {
	n.mu.Lock()
	waiters := n.waiters[pubKey]
	delete(n.waiters, pubKey)
	n.mu.Unlock()
	for _, ch := range waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Online reports whether the seller currently has a heartbeat waiter.
func (n *Notifier) Online(pubKey string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.waiters[pubKey]) > 0
}

// OnlineSellers lists every seller with at least one registered waiter.
func (n *Notifier) OnlineSellers() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	sellers := make([]string, 0, len(n.waiters))
	for pubKey := range n.waiters {
		sellers = append(sellers, pubKey)
	}
	return sellers
}
