package events

// Event is a typed record of a balance, swap, reserve or lock change. The
// engines emit these; the state processor collects them per transaction and
// the node publishes them per committed block.
type Event interface {
	EventType() string
}

// Emitter receives engine events. The processor installs a collecting
// emitter; engines fall back to NoopEmitter when none was set.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards every event. It is the engines' default so emission
// never needs a nil check.
type NoopEmitter struct{}

// Emit implements Emitter.
func (NoopEmitter) Emit(Event) {}
