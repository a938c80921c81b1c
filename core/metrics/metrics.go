// Package metrics holds the backend-neutral instrumentation types used by
// core packages. Backends such as adapters/prometheus implement them.
package metrics

// Timer measures one operation. Call ObserveDuration when it completes:
//
//	defer m.StoreAppendDuration("post-timeline").ObserveDuration()
type Timer interface {
	ObserveDuration()
}

// TimerFunc adapts a function to the Timer interface.
type TimerFunc func()

func (f TimerFunc) ObserveDuration() { f() }
