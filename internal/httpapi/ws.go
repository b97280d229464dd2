package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"nhooyr.io/websocket"

	"github.com/ionicresearchlabs/ionic/internal/bus"
)

// outboxSize bounds messages queued for a slow websocket client.
const outboxSize = 64

// bridge joins the requested channel for the life of the connection.
// Bus messages are written to the client as their JSON payload, and each
// text frame the client sends is broadcast to the other participants.
func (s *Server) bridge(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]
	if channel != bus.ChannelFeeds && channel != bus.ChannelMap {
		writeError(w, http.StatusNotFound, errors.New("unknown channel "+channel))
		return
	}
	if s.d.Transport == nil {
		writeError(w, http.StatusServiceUnavailable, errUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"localhost:*", "127.0.0.1:*"}})
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "bridge closed")

	b, err := bus.New(channel, s.d.Transport, bus.WithLogger(s.log))
	if err != nil {
		conn.Close(websocket.StatusInternalError, err.Error())
		return
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbox := make(chan json.RawMessage, outboxSize)
	stop := b.OnMessage(func(m bus.Message) {
		select {
		case outbox <- m.Data:
		default:
			s.log.Warn("websocket client lagging, message dropped", "channel", channel, "id", m.ID)
		}
	})
	defer stop()

	go func() {
		defer cancel()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ != websocket.MessageText || !json.Valid(data) {
				s.log.Debug("websocket frame ignored", "channel", channel)
				continue
			}
			if err := b.Broadcast(ctx, json.RawMessage(data), false); err != nil {
				s.log.Warn("websocket relay failed", "channel", channel, "err", err)
			}
		}
	}()

	s.log.Debug("websocket bridge open", "channel", channel, "remote", r.RemoteAddr)
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case data := <-outbox:
			wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(wctx, websocket.MessageText, data)
			wcancel()
			if err != nil {
				return
			}
		}
	}
}
