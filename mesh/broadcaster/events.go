package broadcaster

// Event is a connection lifecycle notification
type Event interface {
	PeerID() string
}

// Handler consumes broadcaster events synchronously, after the broadcaster lock
// has been released
type Handler func(Event)

// PeerConnected is emitted when a peer registers its first connection
type PeerConnected struct {
	Peer         string
	ConnectionID string
}

// PeerOffline is emitted when the last connection of a peer closes
type PeerOffline struct {
	Peer string
}

func (e PeerConnected) PeerID() string { return e.Peer }
func (e PeerOffline) PeerID() string   { return e.Peer }

type subscription struct {
	id      int
	handler Handler
}

// Subscribe registers handler and returns a function that unregisters it
func (b *Broadcaster) Subscribe(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return func() {}
	}
	b.nextSubID++
	id := b.nextSubID
	b.subs = append(b.subs, subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// unlockAndDispatch must be called with b.mu held
func (b *Broadcaster) unlockAndDispatch(events []Event) {
	if len(events) == 0 || b.stopped {
		b.mu.Unlock()
		return
	}
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, ev := range events {
		for _, s := range subs {
			if b.isStopped() {
				return
			}
			b.dispatch(s.handler, ev)
		}
	}
}

func (b *Broadcaster) isStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

func (b *Broadcaster) dispatch(handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("Event handler panicked on %T for peer %s: %v", ev, ev.PeerID(), r)
		}
	}()
	handler(ev)
}
