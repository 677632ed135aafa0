// SPDX-FileCopyrightText: 2025 Paulo Almeida <almeidapaulopt@gmail.com>
// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yichenchong/proxyfleet/internal/model"
)

const (
	clientQueueSize = 64
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = pongWait * 9 / 10
)

// streamClient is one websocket connection. An empty project receives
// the events of every project.
type streamClient struct {
	project string
	channel chan model.ProxyEvent
}

// streamHandler serves /api/events?projectId=...
func (a *API) streamHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.Log.Error().Err(err).Msg("Failed to upgrade websocket")
		return
	}
	defer conn.Close()

	client := &streamClient{
		project: r.URL.Query().Get("projectId"),
		channel: make(chan model.ProxyEvent, clientQueueSize),
	}

	a.mtx.Lock()
	a.clients[client] = struct{}{}
	a.mtx.Unlock()

	a.Log.Info().Str("remote", conn.RemoteAddr().String()).Msg("New Client connected")
	defer a.removeStreamClient(client)

	// read pump: detects the peer closing the connection
	closed := make(chan struct{})
	go func() {
		defer close(closed)

		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					a.Log.Warn().Err(err).Msg("Unexpected websocket close error")
				}
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		var err error

		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err = conn.WriteMessage(websocket.PingMessage, nil)
		case event := <-client.channel:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err = conn.WriteJSON(event)
		}

		if err != nil {
			a.Log.Error().Err(err).Msg("Error sending message to client")
			return
		}
	}
}

func (a *API) removeStreamClient(client *streamClient) {
	a.mtx.Lock()
	delete(a.clients, client)
	a.mtx.Unlock()

	a.Log.Info().Msg("Client disconnected")
}

// streamProxyEvents fans pool events out to the websocket clients. Slow
// clients miss events.
func (a *API) streamProxyEvents(ctx context.Context) {
	events := a.events.SubscribeStatusEvents()
	defer a.events.UnsubscribeStatusEvents(events)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			a.broadcast(event)
		}
	}
}

func (a *API) broadcast(event model.ProxyEvent) {
	a.mtx.RLock()
	defer a.mtx.RUnlock()

	for client := range a.clients {
		if client.project != "" && client.project != event.ProjectID {
			continue
		}

		select {
		case client.channel <- event:
		default:
		}
	}
}
