package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"stealthcompany.com/clinicalsync/internal/events"
	"stealthcompany.com/clinicalsync/internal/fhir"
	"stealthcompany.com/clinicalsync/internal/realtime"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func waitForClients(t *testing.T, hub *Hub, topic string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount(topic) != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients on %s, got %d", n, topic, hub.TopicCount(topic))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, ws *websocket.Conn) Event {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := ws.ReadJSON(&ev); err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	return ev
}

func TestHubTopicRouting(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(NewServer(Dependencies{Hub: hub}).SetupRoutes())
	defer srv.Close()

	everything := dial(t, srv, "")
	connectionOnly := dial(t, srv, "?topics="+TopicConnection)
	waitForClients(t, hub, TopicConnection, 2)
	waitForClients(t, hub, TopicCollections, 1)

	hub.Broadcast(TopicCollections, "collection-updated", map[string]string{"collection": "agents"})
	hub.Broadcast(TopicConnection, "connection-changed", connectionEvent{Connected: true})

	first := readEvent(t, everything)
	if first.Topic != TopicCollections || first.Type != "collection-updated" {
		t.Errorf("Unexpected first event %+v", first)
	}
	second := readEvent(t, everything)
	if second.Topic != TopicConnection {
		t.Errorf("Unexpected second event %+v", second)
	}

	only := readEvent(t, connectionOnly)
	if only.Topic != TopicConnection {
		t.Errorf("Expected only the connection event, got %+v", only)
	}
	var payload connectionEvent
	if err := json.Unmarshal(only.Data, &payload); err != nil || !payload.Connected {
		t.Errorf("Unexpected payload %s: %v", only.Data, err)
	}
}

func TestHubSubscriptionMessages(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	ws := dial(t, srv, "?topics="+TopicConnection)
	waitForClients(t, hub, TopicConnection, 1)

	if err := ws.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{TopicAggregation}}); err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	waitForClients(t, hub, TopicAggregation, 1)

	if err := ws.WriteJSON(ClientMessage{Action: "unsubscribe", Topics: []string{TopicConnection}}); err != nil {
		t.Fatalf("Failed to unsubscribe: %v", err)
	}
	waitForClients(t, hub, TopicConnection, 0)

	ws.Close()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected client to be unregistered, %d remain", hub.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if hub.TopicCount(TopicAggregation) != 0 {
		t.Error("Expected disconnected client to leave every topic")
	}
}

func TestHubAttach(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	ws := dial(t, srv, "")
	waitForClients(t, hub, TopicAggregation, 1)

	connection := events.NewTopic[bool]("connection-state")
	collections := events.NewTopic[realtime.CollectionSnapshot]("collection-updated")
	contexts := events.NewTopic[*fhir.AggregatedContext]("aggregation")

	detach := hub.Attach(Sources{Connection: connection, Collections: collections, Contexts: contexts})

	contexts.Publish(&fhir.AggregatedContext{Patient: *fhir.NewResource(fhir.ResourcePatient, "P1", nil)})
	ev := readEvent(t, ws)
	if ev.Topic != TopicAggregation || ev.Type != "context-aggregated" {
		t.Errorf("Unexpected event %+v", ev)
	}

	collections.Publish(realtime.CollectionSnapshot{Collection: "logs"})
	if ev := readEvent(t, ws); ev.Topic != TopicCollections {
		t.Errorf("Unexpected event %+v", ev)
	}

	detach()
	if n := connection.SubscriberCount() + collections.SubscriberCount() + contexts.SubscriberCount(); n != 0 {
		t.Errorf("Expected detach to remove every subscription, %d remain", n)
	}
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(NewServer(Dependencies{Hub: hub}).SetupRoutes())
	defer srv.Close()

	ws := dial(t, srv, "?topics="+TopicConnection)
	waitForClients(t, hub, TopicConnection, 1)

	hub.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("Expected going-away close, got %v", err)
	}
	if hub.ClientCount() != 0 {
		t.Errorf("Expected no clients after close, got %d", hub.ClientCount())
	}

	late := dial(t, srv, "")
	late.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := late.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("Expected connection after close to be refused, got %v", err)
	}
}
