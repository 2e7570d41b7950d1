package feed

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Subscribe upgrades the request to a websocket, delivers the initial
// snapshots, and keeps the connection registered until it drops. The caller
// must have authenticated userID already. loadInitial runs inside the hub
// loop, which keeps the initial snapshots ordered against concurrent
// broadcasts; see registration.
func (h *Hub) Subscribe(w http.ResponseWriter, r *http.Request, userID string, loadInitial func() ([]Snapshot, error)) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("feed: websocket upgrade: %v", err)
		return
	}

	sendChan := make(chan []byte, 256)
	c := &client{hub: h, conn: conn, send: sendChan}

	done := make(chan error, 1)
	h.register <- registration{
		conn:        conn,
		userID:      userID,
		send:        sendChan,
		loadInitial: loadInitial,
		done:        done,
	}
	if err := <-done; err != nil {
		log.Printf("feed: initial snapshots for %s: %v", userID, err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, ""),
			time.Now().Add(10*time.Second))
		conn.Close()
		return
	}
	log.Printf("feed: client %s connected", userID)

	go c.readPump()
	go c.writePump()
}

// readPump discards inbound frames; the feed is one-way. Its job is to
// notice the connection closing.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c.conn
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("feed: websocket error: %v", err)
			}
			break
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
