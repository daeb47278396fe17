// Package messaging provides a NATS client wrapper for fanning chat events
// out across BuzzTalk server instances. When a client's sessions are spread
// over multiple servers, each server publishes the events it originates and
// replays events from its peers to the local sessions.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across BuzzTalk server instances.
const (
	SubjectConversation = "conv" // + .<conversation_id>
	SubjectUser         = "user" // + .<user_id>
)

// Event is the cross-server envelope. Origin identifies the publishing
// server so subscribers can skip events they produced themselves.
type Event struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn     *nats.Conn
	serverID string
	mu       sync.Mutex
	subs     map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string // nats://localhost:4222
	ServerID      string // unique per server instance, used as event origin
	ReconnectWait time.Duration
	MaxReconnects int // -1 for infinite
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name("buzztalk-" + config.ServerID),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn:     nc,
		serverID: config.ServerID,
		subs:     make(map[string]*nats.Subscription),
	}, nil
}

// PublishConversation publishes an event payload to the conv.<conversationID>
// subject, tagged with this server's origin.
func (c *NATSClient) PublishConversation(conversationID string, payload []byte) error {
	return c.publish(SubjectConversation+"."+conversationID, payload)
}

// PublishUser publishes an event payload to the user.<userID> subject, tagged
// with this server's origin.
func (c *NATSClient) PublishUser(userID string, payload []byte) error {
	return c.publish(SubjectUser+"."+userID, payload)
}

func (c *NATSClient) publish(subject string, payload []byte) error {
	data, err := json.Marshal(Event{Origin: c.serverID, Payload: payload})
	if err != nil {
		return fmt.Errorf("nats marshal event: %w", err)
	}
	return c.conn.Publish(subject, data)
}

// SubscribeConversations subscribes to all conversation subjects. The handler
// receives the conversation ID and the raw payload; events originating from
// this server are filtered out.
func (c *NATSClient) SubscribeConversations(handler func(conversationID string, payload []byte)) error {
	return c.subscribe(SubjectConversation+".>", func(msg *nats.Msg) {
		id := msg.Subject[len(SubjectConversation)+1:]
		if payload, ok := c.decode(msg); ok {
			handler(id, payload)
		}
	})
}

// SubscribeUsers subscribes to all user subjects. The handler receives the
// user ID and the raw payload; events originating from this server are
// filtered out.
func (c *NATSClient) SubscribeUsers(handler func(userID string, payload []byte)) error {
	return c.subscribe(SubjectUser+".>", func(msg *nats.Msg) {
		id := msg.Subject[len(SubjectUser)+1:]
		if payload, ok := c.decode(msg); ok {
			handler(id, payload)
		}
	})
}

// decode unwraps the cross-server envelope and reports whether the event
// should be handled locally.
func (c *NATSClient) decode(msg *nats.Msg) ([]byte, bool) {
	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		log.Printf("[nats] bad event on %s: %v", msg.Subject, err)
		return nil, false
	}
	if ev.Origin == c.serverID {
		return nil, false
	}
	return ev.Payload, true
}

func (c *NATSClient) subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
