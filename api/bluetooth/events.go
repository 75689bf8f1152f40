package bluetooth

import (
	"github.com/darkhz/bluestream/api/errorkinds"
	"github.com/darkhz/bluestream/api/eventbus"
)

// EventID represents a unique event ID.
type EventID byte

// The different types of event IDs.
const (
	EventNone EventID = iota // The zero value for this type.
	EventError
	EventAdapter
	EventDevice
	EventStream
)

// EventAction describes an action that is associated with an event.
type EventAction string

// The different types of event actions.
const (
	EventActionNone    EventAction = "none"
	EventActionUpdated EventAction = "updated"
	EventActionAdded   EventAction = "added"
	EventActionRemoved EventAction = "removed"
)

// eventNames holds names of different events.
var (
	eventNames = map[EventID]string{
		EventNone:    "",
		EventError:   "error_event",
		EventAdapter: "adapter_event",
		EventDevice:  "device_event",
		EventStream:  "stream_event",
	}
)

// String returns the name of the event ID.
func (e EventID) String() string {
	return eventNames[e]
}

// String returns the name of the event action.
func (e EventAction) String() string {
	return string(e)
}

// Value returns the event ID.
func (e EventID) Value() uint {
	return uint(e)
}

// Events defines a set of possible event data types.
type Events interface {
	NewDataEvents | UpdatedDataEvents
}

// NewDataEvents represents a set of events that contain complete information about an instance or event.
// These types of events are usually published with the [EventActionAdded] event action.
type NewDataEvents interface {
	errorkinds.GenericError | AdapterData | DeviceEventData | StreamEventData
}

type emptyUpdatedDataEvent struct{}

// UpdatedDataEvents represents a set of events that contain a limited amount of data.
// These types of events are usually published with the [EventActionUpdated] or [EventActionRemoved]
// event actions.
type UpdatedDataEvents interface {
	emptyUpdatedDataEvent | AdapterEventData | DeviceEventData | StreamEventData
}

// Event represents a general event.
type Event[T Events] struct {
	// ID holds the event ID.
	ID EventID `json:"event_id,omitempty" doc:"The event ID."`

	// Action holds the corresponding action associated
	// with this event.
	Action EventAction `json:"event_action,omitempty" enum:"updated,added,removed" doc:"The corresponding action associated with this event"`

	// Data holds the actual event data.
	Data T `json:"event_data,omitempty" doc:"The actual event data."`
}

// EventGroup holds a set of events that can be added ([NewDataEvents]) or updated ([UpdatedDataEvents])
// for a particular event ID ([EventID]) on one bus.
type EventGroup[N NewDataEvents, U UpdatedDataEvents] struct {
	// ID holds the event ID.
	ID EventID

	bus *eventbus.Bus
}

// Subscriber describes a subscription to an event group.
type Subscriber[N NewDataEvents, U UpdatedDataEvents] struct {
	AddedEvents                  chan N
	UpdatedEvents, RemovedEvents chan U
	Done                         chan struct{}

	Unsubscribe eventbus.UnsubFunc
}

// PublishAdded publishes an event with the 'added' action, which is to indicate that a particular object was added to
// a particular instance or domain.
func (e EventGroup[N, U]) PublishAdded(data N) {
	e.bus.Publish(e.ID, Event[N]{e.ID, EventActionAdded, data})
}

// PublishUpdated publishes an event with the 'updated' action, which is to indicate that a particular object was updated within
// a particular instance or domain.
func (e EventGroup[N, U]) PublishUpdated(data U) {
	e.bus.Publish(e.ID, Event[U]{e.ID, EventActionUpdated, data})
}

// PublishRemoved publishes an event with the 'removed' action, which is to indicate that a particular object was removed from
// a particular instance or domain.
func (e EventGroup[N, U]) PublishRemoved(data U) {
	e.bus.Publish(e.ID, Event[U]{e.ID, EventActionRemoved, data})
}

// Subscribe subscribes to an event group, and returns a subscriber which can be used
// to receive and unsubscribe from the events.
func (e EventGroup[N, U]) Subscribe() (*Subscriber[N, U], bool) {
	id := e.bus.Subscribe(e.ID)

	sub := Subscriber[N, U]{
		AddedEvents:   make(chan N, 1),
		RemovedEvents: make(chan U, 1),
		UpdatedEvents: make(chan U, 1),
		Done:          make(chan struct{}, 1),
		Unsubscribe:   id.Unsubscribe,
	}

	if !id.IsActive() {
		close(sub.AddedEvents)
		close(sub.RemovedEvents)
		close(sub.UpdatedEvents)

		return &sub, false
	}

	go func() {
		for data := range id.C {
			switch v := data.(type) {
			case Event[N]:
				if v.Action != EventActionAdded {
					// N and U may be the same type.
					if h, ok := any(v).(Event[U]); ok {
						forward(sub, h)
					}

					continue
				}

				select {
				case sub.AddedEvents <- v.Data:
				default:
				}

			case Event[U]:
				forward(sub, v)
			}
		}

		select {
		case sub.Done <- struct{}{}:
		default:
		}

		close(sub.AddedEvents)
		close(sub.RemovedEvents)
		close(sub.UpdatedEvents)
	}()

	return &sub, true
}

func forward[N NewDataEvents, U UpdatedDataEvents](sub Subscriber[N, U], v Event[U]) {
	var ch chan U

	switch v.Action {
	case EventActionUpdated:
		ch = sub.UpdatedEvents

	case EventActionRemoved:
		ch = sub.RemovedEvents

	default:
		return
	}

	select {
	case ch <- v.Data:
	default:
	}
}

// AdapterEvents returns an event interface to subscribe to adapter events.
func AdapterEvents(bus *eventbus.Bus) EventGroup[AdapterData, AdapterEventData] {
	return EventGroup[AdapterData, AdapterEventData]{ID: EventAdapter, bus: bus}
}

// DeviceEvents returns an event interface to subscribe to device events.
func DeviceEvents(bus *eventbus.Bus) EventGroup[DeviceEventData, DeviceEventData] {
	return EventGroup[DeviceEventData, DeviceEventData]{ID: EventDevice, bus: bus}
}

// StreamEvents returns an event interface to subscribe to media stream state events.
func StreamEvents(bus *eventbus.Bus) EventGroup[StreamEventData, StreamEventData] {
	return EventGroup[StreamEventData, StreamEventData]{ID: EventStream, bus: bus}
}

// ErrorEvents returns an event interface to subscribe to error events.
func ErrorEvents(bus *eventbus.Bus) EventGroup[errorkinds.GenericError, emptyUpdatedDataEvent] {
	return EventGroup[errorkinds.GenericError, emptyUpdatedDataEvent]{ID: EventError, bus: bus}
}
