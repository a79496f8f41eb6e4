package sync

import (
	"context"
	gosync "sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/codepair/codepair/commons"
)

// Relay is one subscription to the real-time relay. Delivery is at-least-once
// to currently-subscribed peers; no ordering is guaranteed across different
// source peers beyond arrival order.
type Relay interface {
	// Publish sends a message to the relay.
	Publish(msg commons.Message) error

	// Events returns the inbound message stream. The channel closes when the
	// relay connection drops or Close is called.
	Events() <-chan commons.Message

	// Close tears the subscription down.
	Close() error
}

// Dialer opens a fresh Relay. The channel redials through it on every
// subscribe, which is what makes re-subscription after a reconnect work.
type Dialer func(ctx context.Context) (Relay, error)

// WSRelay is a Relay over a WebSocket connection to the relay server.
type WSRelay struct {
	conn   *websocket.Conn
	events chan commons.Message
	log    *logrus.Logger

	writeMu gosync.Mutex
	once    gosync.Once
}

// DialWS connects to the relay server and starts the read loop.
func DialWS(ctx context.Context, url string, log *logrus.Logger) (*WSRelay, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	r := &WSRelay{
		conn:   conn,
		events: make(chan commons.Message, 64),
		log:    log,
	}
	go r.readLoop()
	return r, nil
}

func (r *WSRelay) readLoop() {
	defer close(r.events)
	for {
		var msg commons.Message

		// Read message.
		err := r.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				r.log.Errorf("websocket error: %v", err)
			}
			return
		}

		r.events <- msg
	}
}

func (r *WSRelay) Publish(msg commons.Message) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.WriteJSON(&msg)
}

func (r *WSRelay) Events() <-chan commons.Message {
	return r.events
}

func (r *WSRelay) Close() error {
	var err error
	r.once.Do(func() {
		err = r.conn.Close()
	})
	return err
}
