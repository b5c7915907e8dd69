package manager

import (
	"strconv"
	"sync"
	"time"
)

// EventName identifies a kind of event.
type EventName string

// Events emitted by a Manager.
const (
	EventStateChange   EventName = "stateChange"
	EventBootstrap     EventName = "bootstrap"
	EventConnected     EventName = "connected"
	EventDisconnected  EventName = "disconnected"
	EventNewIdentity   EventName = "newIdentity"
	EventOnionLocation EventName = "onionLocation"

	// EventAll subscribes a handler to every event.
	EventAll EventName = "*"
)

// Event is one notification. Only the fields of the named event are set.
type Event struct {
	Name EventName `json:"name"`
	Time time.Time `json:"time"`

	// stateChange
	State State `json:"state,omitempty"`
	From  State `json:"from,omitempty"`

	// bootstrap
	Progress int    `json:"progress,omitempty"`
	Phase    string `json:"phase,omitempty"`

	// connected
	Latency time.Duration `json:"latency,omitempty"`

	// disconnected
	Reason string `json:"reason,omitempty"`

	// newIdentity
	CircuitChangeCount int    `json:"circuitChangeCount,omitempty"`
	NewExitIP          string `json:"newExitIp,omitempty"`
	NewExitCountry     string `json:"newExitCountry,omitempty"`

	// onionLocation
	URL            string `json:"url,omitempty"`
	ShouldRedirect bool   `json:"shouldRedirect,omitempty"`
}

// Handler receives events.
type Handler func(Event)

// SubscriptionID identifies a registered handler.
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	name    EventName
	handler Handler
}

// Dispatcher is a synchronous publish/subscribe registry keyed by event name.
// Handlers run on the emitting goroutine in registration order and must not
// block for long.
type Dispatcher struct {
	mu   sync.RWMutex
	next SubscriptionID
	subs []subscription
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Subscribe registers h for name, or for every event when name is EventAll.
func (d *Dispatcher) Subscribe(name EventName, h Handler) SubscriptionID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	d.subs = append(d.subs, subscription{id: d.next, name: name, handler: h})
	return d.next
}

// Unsubscribe removes a handler. It reports whether id was registered.
func (d *Dispatcher) Unsubscribe(id SubscriptionID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.subs {
		if s.id == id {
			d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Clear removes every handler.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = nil
}

// Emit delivers ev to the matching handlers. The handler list is copied
// first, so handlers may subscribe or unsubscribe.
func (d *Dispatcher) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	d.mu.RLock()
	var targets []Handler
	for _, s := range d.subs {
		if s.name == ev.Name || s.name == EventAll {
			targets = append(targets, s.handler)
		}
	}
	d.mu.RUnlock()

	for _, h := range targets {
		h(ev)
	}
}

// Summary renders the event as one human-readable line without its time.
func (e Event) Summary() string {
	switch e.Name {
	case EventStateChange:
		if e.From == "" {
			return "state " + string(e.State)
		}
		return "state " + string(e.From) + " -> " + string(e.State)
	case EventBootstrap:
		s := "bootstrap " + strconv.Itoa(e.Progress) + "%"
		if e.Phase != "" {
			s += " (" + e.Phase + ")"
		}
		return s
	case EventConnected:
		if e.Latency > 0 {
			return "connected, SOCKS latency " + e.Latency.Round(time.Millisecond).String()
		}
		return "connected"
	case EventDisconnected:
		if e.Reason != "" {
			return "disconnected: " + e.Reason
		}
		return "disconnected"
	case EventNewIdentity:
		s := "new identity #" + strconv.Itoa(e.CircuitChangeCount)
		if e.NewExitIP != "" {
			s += ", exit " + e.NewExitIP
			if e.NewExitCountry != "" {
				s += " (" + e.NewExitCountry + ")"
			}
		}
		return s
	case EventOnionLocation:
		if e.ShouldRedirect {
			return "onion location accepted: " + e.URL
		}
		return "onion location rejected: " + e.URL
	default:
		return string(e.Name)
	}
}
