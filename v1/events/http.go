package events

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// streamKeepalive is how often an idle stream emits a keepalive so
// intermediaries do not drop the connection.
const streamKeepalive = 30 * time.Second

// streamTopic extracts the "topic" query parameter and rejects topics
// outside the quay namespace.
func streamTopic(r *http.Request) (topic, kind string, err error) {
	topic = r.URL.Query().Get("topic")
	if topic == "" {
		return "", "", fmt.Errorf("missing topic")
	}
	kind = TopicKind(topic)
	if kind == "" {
		return "", "", fmt.Errorf("unknown topic %q", topic)
	}
	return topic, kind, nil
}

// SSEHandler streams Bus payloads over Server-Sent Events. Payloads are
// written as typed events, "job" or "progress" depending on the topic, and
// idle streams carry periodic keepalive comments.
func SSEHandler(bus Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topic, kind, err := streamTopic(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		ch, err := bus.Watch(ctx, topic)
		if err != nil {
			cancel()
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer func() {
			cancel()
			_ = bus.Unwatch(context.Background(), topic, ch)
		}()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		keepalive := time.NewTicker(streamKeepalive)
		defer keepalive.Stop()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", kind, msg); err != nil {
					return
				}
				flusher.Flush()
			case <-keepalive.C:
				if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams Bus payloads over WebSocket, pinging idle
// connections to keep them open.
func WebSocketHandler(bus Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topic, _, err := streamTopic(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		ch, err := bus.Watch(ctx, topic)
		if err != nil {
			cancel()
			return
		}
		defer func() {
			cancel()
			_ = bus.Unwatch(context.Background(), topic, ch)
		}()
		ping := time.NewTicker(streamKeepalive)
		defer ping.Stop()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
