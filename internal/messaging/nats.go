// Package messaging publishes relay events to NATS: moderation verdicts for
// audit consumers and online-count changes for dashboards. Publishing is
// fire-and-forget; no relay path waits on NATS.
package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/strangers/relay/internal/moderation"
)

// NATS subjects published by the relay.
const (
	SubjectModerationVerdict = "moderation.verdict"
	SubjectPresenceCount     = "presence.count"
)

// PresenceCount is the payload published on SubjectPresenceCount.
type PresenceCount struct {
	Server string `json:"server"`
	Count  int    `json:"count"`
	Ts     int64  `json:"ts"`
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn   *nats.Conn
	name   string
	log    *zap.Logger
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
	closed bool
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, log *zap.Logger) (*NATSClient, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "nats"))

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect: %w", err)
	}

	log.Info("connected", zap.String("url", nc.ConnectedUrl()))

	return &NATSClient{
		conn: nc,
		name: config.Name,
		log:  log,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for subject. The subscription is drained on
// Close.
func (c *NATSClient) Subscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// PublishVerdict publishes a moderation result. Failures are logged.
func (c *NATSClient) PublishVerdict(res moderation.Result) {
	c.publishJSON(SubjectModerationVerdict, res)
}

// PublishOnlineCount publishes the current online count. Failures are logged.
func (c *NATSClient) PublishOnlineCount(count int) {
	c.publishJSON(SubjectPresenceCount, PresenceCount{
		Server: c.name,
		Count:  count,
		Ts:     time.Now().Unix(),
	})
}

func (c *NATSClient) publishJSON(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("marshal failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := c.Publish(subject, data); err != nil {
		c.log.Warn("publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// Close drains all active subscriptions and the connection. It is safe to
// call more than once.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn("subscription drain failed", zap.String("subject", subject), zap.Error(err))
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn("connection drain failed", zap.Error(err))
	}
}
