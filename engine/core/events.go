package core

import "sync"

// EventContext carries a small fixed payload alongside an event code, mirroring
// the fixed-size union the rest of the corpus uses instead of allocating a new
// struct per event type.
type EventContext struct {
	Data struct {
		I64 [2]int64
		U64 [2]uint64
		F64 [2]float64
		Str [4]string
	}
}

// SystemEventCode identifies a system-internal event. Application code should
// use codes beyond MaxSystemEventCode.
type SystemEventCode int

const (
	// Fired by Registry.Shutdown after the workers have been told to stop.
	EVENT_CODE_APPLICATION_QUIT SystemEventCode = 0x01

	// The hot-reloadable config file changed and was re-read successfully.
	EVENT_CODE_CONFIG_RELOADED SystemEventCode = 0x02

	// The current region changed; capability URLs must be refreshed.
	/* Context usage:
	 * modern_url := data.Data.Str[0]
	 */
	EVENT_CODE_REGION_CHANGED SystemEventCode = 0x03

	// A mesh LOD became unavailable. Fired once per (mesh, LOD) pair, so a
	// mesh confirmed unavailable (404) fires it for each of its four LODs.
	/* Context usage:
	 * mesh_id := data.Data.Str[0]
	 */
	EVENT_CODE_MESH_UNAVAILABLE SystemEventCode = 0x04

	MaxSystemEventCode SystemEventCode = 0xFF
)

const maxMessageCodes = 16384

// Should return true if the event was handled and should not propagate further.
type FnOnEvent func(code SystemEventCode, sender interface{}, listenerInst interface{}, data EventContext) bool

type registeredEvent struct {
	listener interface{}
	callback FnOnEvent
}

type eventCodeEntry struct {
	events []*registeredEvent
}

type eventSystemState struct {
	mu         sync.RWMutex
	registered [maxMessageCodes]eventCodeEntry
}

var onceEvent sync.Once
var eventState *eventSystemState

func EventSystemInitialize() bool {
	onceEvent.Do(func() {
		eventState = &eventSystemState{}
	})
	return true
}

func EventSystemShutdown() {
	if eventState == nil {
		return
	}
	eventState.mu.Lock()
	defer eventState.mu.Unlock()
	for i := range eventState.registered {
		eventState.registered[i].events = nil
	}
}

// EventRegister listens for events of the given code. A listener already
// registered for that code is rejected, whatever its callback.
func EventRegister(code SystemEventCode, listener interface{}, onEvent FnOnEvent) bool {
	if eventState == nil {
		return false
	}
	eventState.mu.Lock()
	defer eventState.mu.Unlock()

	entry := eventState.registered[code].events
	for _, e := range entry {
		if e.listener == listener {
			return false
		}
	}
	eventState.registered[code].events = append(entry, &registeredEvent{
		listener: listener,
		callback: onEvent,
	})
	return true
}

// EventUnregister stops listening for the given code/listener pair.
func EventUnregister(code SystemEventCode, listener interface{}) bool {
	if eventState == nil {
		return false
	}
	eventState.mu.Lock()
	defer eventState.mu.Unlock()

	entry := eventState.registered[code].events
	for i, e := range entry {
		if e.listener == listener {
			eventState.registered[code].events = append(entry[:i], entry[i+1:]...)
			return true
		}
	}
	return false
}

// EventFire dispatches an event to every registered listener in registration
// order until one returns true.
func EventFire(code SystemEventCode, sender interface{}, data EventContext) bool {
	if eventState == nil {
		return false
	}
	eventState.mu.RLock()
	entry := append([]*registeredEvent(nil), eventState.registered[code].events...)
	eventState.mu.RUnlock()

	for _, e := range entry {
		if e.callback(code, sender, e.listener, data) {
			return true
		}
	}
	return false
}
