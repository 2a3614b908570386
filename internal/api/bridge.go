package api

import (
	"stealthcompany.com/clinicalsync/internal/events"
	"stealthcompany.com/clinicalsync/internal/fhir"
	"stealthcompany.com/clinicalsync/internal/realtime"
)

// Sources are the in-process topics forwarded to websocket clients. Nil
// topics are skipped.
type Sources struct {
	Connection  *events.Topic[bool]
	Collections *events.Topic[realtime.CollectionSnapshot]
	Contexts    *events.Topic[*fhir.AggregatedContext]
}

type connectionEvent struct {
	Connected bool `json:"connected"`
}

// Attach forwards every event published on sources to the hub. The returned
// func detaches all subscriptions.
func (h *Hub) Attach(sources Sources) (detach func()) {
	var unsubscribers []func()

	if sources.Connection != nil {
		unsubscribers = append(unsubscribers, sources.Connection.Subscribe(func(connected bool) {
			h.Broadcast(TopicConnection, "connection-changed", connectionEvent{Connected: connected})
		}))
	}
	if sources.Collections != nil {
		unsubscribers = append(unsubscribers, sources.Collections.Subscribe(func(snapshot realtime.CollectionSnapshot) {
			h.Broadcast(TopicCollections, "collection-updated", snapshot)
		}))
	}
	if sources.Contexts != nil {
		unsubscribers = append(unsubscribers, sources.Contexts.Subscribe(func(ac *fhir.AggregatedContext) {
			h.Broadcast(TopicAggregation, "context-aggregated", ac)
		}))
	}

	return func() {
		for _, unsubscribe := range unsubscribers {
			unsubscribe()
		}
	}
}
