package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/codepair/codepair/commons"
)

// Upgrader instance to upgrade all HTTP connections to a WebSocket.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// relayEnvelope wraps a message published to Redis with the originating
// node, so a node can skip its own fanout coming back around.
type relayEnvelope struct {
	Node    string          `json:"node"`
	Message commons.Message `json:"message"`
}

// hub tracks one channelHub per live session and bridges them to Redis when
// a client is configured, so peers connected to other nodes stay in sync.
type hub struct {
	log    *logrus.Logger
	rdb    *redis.Client
	nodeID string

	mu       sync.Mutex
	sessions map[string]*channelHub
}

func newHub(log *logrus.Logger, rdb *redis.Client) *hub {
	return &hub{
		log:      log,
		rdb:      rdb,
		nodeID:   uuid.New().String(),
		sessions: make(map[string]*channelHub),
	}
}

// channelHub fans messages out to the clients of one session.
type channelHub struct {
	id  string
	hub *hub

	mu       sync.Mutex
	clients  map[*client]struct{}
	presence map[string]commons.PresenceRecord
	pubsub   *redis.PubSub
}

// client is one WebSocket connection. Writes are serialized through mu since
// both the session fanout and the Redis forwarder write to it.
type client struct {
	conn *websocket.Conn

	mu     sync.Mutex
	userID string
}

func (c *client) write(msg commons.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (c *client) user() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *client) setUser(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = id
}

// serveWS upgrades the connection and pumps messages for one client.
func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session"]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Errorf("upgrading connection failed: %v", err)
		return
	}
	defer conn.Close()

	ch := h.session(sessionID)
	cl := &client{conn: conn, userID: uuid.New().String()}
	ch.add(cl)
	defer ch.remove(cl)

	for {
		var msg commons.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warnf("closing connection with %s: %v", cl.user(), err)
			}
			return
		}
		msg.SessionID = sessionID
		ch.handle(cl, msg)
	}
}

// session returns the channelHub for id, creating it and its Redis bridge on
// first use.
func (h *hub) session(id string) *channelHub {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.sessions[id]; ok {
		return ch
	}

	ch := &channelHub{
		id:       id,
		hub:      h,
		clients:  make(map[*client]struct{}),
		presence: make(map[string]commons.PresenceRecord),
	}
	if h.rdb != nil {
		ch.pubsub = h.rdb.Subscribe(context.Background(), "session:"+id)
		go ch.forwardFromRedis()
	}
	h.sessions[id] = ch
	return ch
}

func (h *hub) drop(ch *channelHub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch.pubsub != nil {
		ch.pubsub.Close()
	}
	delete(h.sessions, ch.id)
}

func (ch *channelHub) add(cl *client) {
	ch.mu.Lock()
	ch.clients[cl] = struct{}{}
	ch.mu.Unlock()

	color.Green("%s >> client connected to session %s", time.Now().Format(time.ANSIC), ch.id)
}

func (ch *channelHub) remove(cl *client) {
	userID := cl.user()

	ch.mu.Lock()
	delete(ch.clients, cl)
	_, tracked := ch.presence[userID]
	delete(ch.presence, userID)
	empty := len(ch.clients) == 0
	ch.mu.Unlock()

	if tracked {
		leave := commons.Message{
			Type:      commons.PresenceLeaveMessage,
			SessionID: ch.id,
			UserID:    userID,
		}
		ch.broadcast(nil, leave)
		ch.publishToRedis(leave)
		color.Yellow("%s >> %s left session %s", time.Now().Format(time.ANSIC), userID, ch.id)
	}

	if empty {
		ch.hub.drop(ch)
	}
}

func (ch *channelHub) handle(cl *client, msg commons.Message) {
	switch msg.Type {
	case commons.SubscribeMessage:
		// Membership is implicit in the connection.

	case commons.TrackPresenceMessage:
		if msg.Presence == nil {
			return
		}
		cl.setUser(msg.Presence.UserID)

		ch.mu.Lock()
		ch.presence[msg.Presence.UserID] = *msg.Presence
		state := ch.presenceStateLocked()
		ch.mu.Unlock()

		syncMsg := commons.Message{
			Type:          commons.PresenceSyncMessage,
			SessionID:     ch.id,
			PresenceState: state,
		}
		ch.broadcast(nil, syncMsg)
		ch.publishToRedis(syncMsg)
		color.Green("%s >> %s joined session %s", time.Now().Format(time.ANSIC), msg.Presence.Username, ch.id)

	case commons.DocChangeMessage, commons.CursorChangeMessage, commons.OperationMessage:
		ch.broadcast(cl, msg)
		ch.publishToRedis(msg)

	default:
		ch.hub.log.Warnf("dropping message with unknown type %q", msg.Type)
	}
}

func (ch *channelHub) presenceStateLocked() []commons.PresenceRecord {
	state := make([]commons.PresenceRecord, 0, len(ch.presence))
	for _, rec := range ch.presence {
		state = append(state, rec)
	}
	return state
}

// broadcast writes msg to every client in the session except from. A client
// whose write fails is dropped, same as on a read error.
func (ch *channelHub) broadcast(from *client, msg commons.Message) {
	ch.mu.Lock()
	clients := make([]*client, 0, len(ch.clients))
	for cl := range ch.clients {
		if cl != from {
			clients = append(clients, cl)
		}
	}
	ch.mu.Unlock()

	for _, cl := range clients {
		if err := cl.write(msg); err != nil {
			ch.hub.log.Warnf("write to %s failed, dropping client: %v", cl.user(), err)
			cl.conn.Close()
			ch.remove(cl)
		}
	}
}

func (ch *channelHub) publishToRedis(msg commons.Message) {
	if ch.hub.rdb == nil {
		return
	}
	payload, err := json.Marshal(relayEnvelope{Node: ch.hub.nodeID, Message: msg})
	if err != nil {
		ch.hub.log.Errorf("marshaling relay envelope failed: %v", err)
		return
	}
	if err := ch.hub.rdb.Publish(context.Background(), "session:"+ch.id, payload).Err(); err != nil {
		ch.hub.log.Warnf("publishing to redis failed: %v", err)
	}
}

// forwardFromRedis delivers messages published by other nodes to the local
// clients of this session.
func (ch *channelHub) forwardFromRedis() {
	for m := range ch.pubsub.Channel() {
		var env relayEnvelope
		if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
			ch.hub.log.Warnf("discarding malformed relay payload: %v", err)
			continue
		}
		if env.Node == ch.hub.nodeID {
			continue
		}
		ch.broadcast(nil, env.Message)
	}
}
