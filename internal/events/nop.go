package events

import "errors"

// NopEmitter is a no-op emitter that discards all events.
type NopEmitter struct{}

// Emit does nothing.
func (NopEmitter) Emit(EventType, interface{}) {}

// Close does nothing and returns nil.
func (NopEmitter) Close() error { return nil }

// Multi fans events out to several emitters.
type Multi []Emitter

// Emit forwards the event to every emitter in order.
func (m Multi) Emit(eventType EventType, data interface{}) {
	for _, e := range m {
		e.Emit(eventType, data)
	}
}

// Close closes every emitter and joins their errors.
func (m Multi) Close() error {
	var errs []error
	for _, e := range m {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
