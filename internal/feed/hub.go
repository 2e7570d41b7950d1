// Package feed fans full-collection snapshots out to connected clients.
// Whenever a document in a collection changes, every subscriber receives the
// entire current contents of that collection; nothing is delivered as a
// diff.
package feed

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// Collection names one of the three synchronized document sets.
type Collection string

const (
	CollectionBooks    Collection = "books"
	CollectionProgress Collection = "progress"
	CollectionMessages Collection = "messages"
)

// Snapshot is one feed message: the full current contents of a collection.
type Snapshot struct {
	Collection Collection `json:"collection"`
	Docs       any        `json:"docs"`
}

// Hub maintains the set of subscribed connections and broadcasts snapshots
// to all of them.
type Hub struct {
	mu         sync.Mutex
	clients    map[*websocket.Conn]string
	sendChans  map[*websocket.Conn]chan []byte
	broadcast  chan Snapshot
	register   chan registration
	unregister chan *websocket.Conn
}

// registration carries a new connection into the hub loop. loadInitial runs
// inside Run so the initial snapshots are ordered against broadcasts: every
// broadcast fanned out before registration is covered by the load, and every
// one fanned out after it lands behind the initial payload in the send
// channel.
type registration struct {
	conn        *websocket.Conn
	userID      string
	send        chan []byte
	loadInitial func() ([]Snapshot, error)
	done        chan error
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]string),
		sendChans:  make(map[*websocket.Conn]chan []byte),
		broadcast:  make(chan Snapshot, 16),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
	}
}

// Run handles connects, disconnects and snapshot broadcasting until the
// process exits.
func (h *Hub) Run() {
	for {
		select {
		case reg := <-h.register:
			initial, err := reg.loadInitial()
			if err != nil {
				reg.done <- err
				continue
			}
			h.mu.Lock()
			h.clients[reg.conn] = reg.userID
			h.sendChans[reg.conn] = reg.send
			h.mu.Unlock()
			for _, snapshot := range initial {
				data, err := json.Marshal(snapshot)
				if err != nil {
					log.Printf("feed: marshal snapshot: %v", err)
					continue
				}
				reg.send <- data
			}
			reg.done <- nil

		case conn := <-h.unregister:
			h.mu.Lock()
			if userID, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				if sendChan, ok := h.sendChans[conn]; ok {
					close(sendChan)
					delete(h.sendChans, conn)
				}
				conn.Close()
				log.Printf("feed: client %s disconnected", userID)
			}
			h.mu.Unlock()

		case snapshot := <-h.broadcast:
			data, err := json.Marshal(snapshot)
			if err != nil {
				log.Printf("feed: marshal snapshot: %v", err)
				continue
			}

			h.mu.Lock()
			for conn, sendChan := range h.sendChans {
				select {
				case sendChan <- data:
				default:
					// Slow consumer: drop the connection rather than block
					// every other subscriber.
					if userID, ok := h.clients[conn]; ok {
						log.Printf("feed: client %s send channel full, removing", userID)
					}
					delete(h.clients, conn)
					delete(h.sendChans, conn)
					close(sendChan)
					conn.Close()
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a snapshot for delivery to every subscriber.
func (h *Hub) Broadcast(snapshot Snapshot) {
	h.broadcast <- snapshot
}

// SubscriberCount reports the number of live connections.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
