package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The topic id is the secret, same trust model as the REST keys
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (r *RestServer) registerWebsocketRoutes() {
	r.Router.GET("/api/v1/ws/:itemId", r.websocketHandler())
}

// websocketHandler streams bus events for one topic to the client. Knowing
// the topic id (a wallet key or a payment hash) is what grants access.
func (r *RestServer) websocketHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		itemID := c.Param("itemId")

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.WithError(err).Debug("Could not upgrade websocket")
			return
		}

		sub := r.bus.Subscribe(itemID)
		log.WithField("topic", itemID).Debug("Websocket subscribed")

		done := make(chan struct{})

		// Readers only consume pings, but the read loop is what detects a
		// dropped peer.
		go func() {
			defer close(done)
			conn.SetReadLimit(512)
			_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(wsPongWait))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(wsPingPeriod)
		defer func() {
			ticker.Stop()
			r.bus.Unsubscribe(sub)
			_ = conn.Close()
			log.WithField("topic", itemID).Debug("Websocket closed")
		}()

		for {
			select {
			case payload, ok := <-sub.C:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}
}
