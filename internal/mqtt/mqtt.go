package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"forestwatch-server/internal/config"
	"forestwatch-server/internal/modules/monitoring/types"
)

const (
	EventSensorUpdate = "sensorUpdate"
	EventAlertUpdate  = "alertUpdate"
)

var errStopped = errors.New("event connection stopped")

// EventRecorder receives per-event counts; *metrics.Metrics satisfies it.
type EventRecorder interface {
	EventReceived(event string)
	EventRejected(event string)
}

// Conn is the push-event connection. One Conn is opened per process and
// handed to every live view; each view registers and removes its own
// listeners.
type Conn struct {
	client    mqtt.Client
	cfg       config.Config
	logger    *slog.Logger
	recorder  EventRecorder
	mu        sync.RWMutex
	connected bool

	// topic -> event name
	topics map[string]string

	listenersMu      sync.RWMutex
	nextID           uint64
	readingListeners map[uint64]func(types.Reading)
	alertListeners   map[uint64]func(types.Alert)

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewConn(cfg config.Config, logger *slog.Logger, recorder EventRecorder) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		cfg:      cfg,
		logger:   logger,
		recorder: recorder,
		topics: map[string]string{
			Topic(cfg.EventsTopicPrefix, EventSensorUpdate): EventSensorUpdate,
			Topic(cfg.EventsTopicPrefix, EventAlertUpdate):  EventAlertUpdate,
		},
		readingListeners: make(map[uint64]func(types.Reading)),
		alertListeners:   make(map[uint64]func(types.Alert)),
		stopCh:           make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.EventsURL)
	opts.SetClientID(cfg.EventsClientID)

	// Session settings
	opts.SetCleanSession(true)

	// Reconnects after a lost connection are left to the client; the initial
	// connect is retried by Connect.
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)

	// Keepalive / timeouts
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// Clean sessions drop subscriptions, so subscribe on every (re)connect.
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.setConnected(true)
		logger.Info("event connection up", "broker", cfg.EventsURL)
		if err := c.subscribe(client); err != nil {
			logger.Error("event subscribe failed", "error", err)
		}
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setConnected(false)
		logger.Warn("event connection lost", "error", err)
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// Topic returns the broker topic carrying the named event.
func Topic(prefix, event string) string {
	return strings.Trim(prefix, "/") + "/" + event
}

// Connect connects to the broker, retrying with exponential backoff up to
// EventsConnectRetries times.
func (c *Conn) Connect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 0
	return c.connectWith(ctx, backoff.WithMaxRetries(bo, uint64(c.cfg.EventsConnectRetries)))
}

// KeepConnecting retries until connected, stopped or ctx is done.
func (c *Conn) KeepConnecting(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0
	return c.connectWith(ctx, bo)
}

func (c *Conn) connectWith(ctx context.Context, b backoff.BackOff) error {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := c.connectOnce(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, errStopped) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		c.logger.Warn("event connect attempt failed", "attempt", attempt, "error", err)
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return fmt.Errorf("event connect: %w", err)
	}
	return nil
}

func (c *Conn) connectOnce(ctx context.Context) error {
	// Fail fast if already stopped.
	select {
	case <-c.stopCh:
		return errStopped
	default:
	}

	// Fast path.
	if c.IsConnected() {
		return nil
	}

	token := c.client.Connect()

	// Wait in a ctx/stop-aware loop.
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			// OnConnectHandler sets connected=true and subscribes.
			return nil
		}

		select {
		case <-ctx.Done():
			c.client.Disconnect(0)
			return ctx.Err()
		case <-c.stopCh:
			c.client.Disconnect(0)
			return errStopped
		default:
		}
	}
}

func (c *Conn) subscribe(client mqtt.Client) error {
	filters := make(map[string]byte, len(c.topics))
	for topic := range c.topics {
		filters[topic] = 1 // At least once delivery
	}

	token := client.SubscribeMultiple(filters, func(_ mqtt.Client, msg mqtt.Message) {
		c.handleMessage(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout for topics %v", c.topicList())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %v: %w", c.topicList(), err)
	}

	c.logger.Info("subscribed to event topics", "topics", c.topicList(), "qos", 1)
	return nil
}

func (c *Conn) topicList() []string {
	out := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		out = append(out, topic)
	}
	return out
}

// SubscribeReadings registers fn for validated sensorUpdate payloads. The
// returned func removes this listener only.
func (c *Conn) SubscribeReadings(fn func(types.Reading)) (unsubscribe func()) {
	c.listenersMu.Lock()
	c.nextID++
	id := c.nextID
	c.readingListeners[id] = fn
	c.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.listenersMu.Lock()
			delete(c.readingListeners, id)
			c.listenersMu.Unlock()
		})
	}
}

// SubscribeAlerts registers fn for validated alertUpdate payloads. The
// returned func removes this listener only.
func (c *Conn) SubscribeAlerts(fn func(types.Alert)) (unsubscribe func()) {
	c.listenersMu.Lock()
	c.nextID++
	id := c.nextID
	c.alertListeners[id] = fn
	c.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.listenersMu.Lock()
			delete(c.alertListeners, id)
			c.listenersMu.Unlock()
		})
	}
}

// ListenerCount reports registered reading and alert listeners.
func (c *Conn) ListenerCount() (readings, alerts int) {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	return len(c.readingListeners), len(c.alertListeners)
}

func (c *Conn) handleMessage(topic string, payload []byte) {
	event, ok := c.topics[topic]
	if !ok {
		c.logger.Debug("ignoring message on unknown topic", "topic", topic)
		return
	}
	c.logger.Debug("received event", "event", event, "size", len(payload))
	if c.recorder != nil {
		c.recorder.EventReceived(event)
	}

	switch event {
	case EventSensorUpdate:
		reading, err := types.ParseReading(payload)
		if err != nil {
			c.reject(event, err)
			return
		}
		for _, fn := range c.readingSnapshot() {
			fn(reading)
		}
	case EventAlertUpdate:
		alert, err := types.ParseAlert(payload)
		if err != nil {
			c.reject(event, err)
			return
		}
		for _, fn := range c.alertSnapshot() {
			fn(alert)
		}
	}
}

func (c *Conn) reject(event string, err error) {
	c.logger.Warn("dropping invalid event payload", "event", event, "error", err)
	if c.recorder != nil {
		c.recorder.EventRejected(event)
	}
}

func (c *Conn) readingSnapshot() []func(types.Reading) {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	out := make([]func(types.Reading), 0, len(c.readingListeners))
	for _, fn := range c.readingListeners {
		out = append(out, fn)
	}
	return out
}

func (c *Conn) alertSnapshot() []func(types.Alert) {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	out := make([]func(types.Alert), 0, len(c.alertListeners))
	for _, fn := range c.alertListeners {
		out = append(out, fn)
	}
	return out
}

// IsConnected returns whether the client is connected.
func (c *Conn) IsConnected() bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	return connected && c.client.IsConnected()
}

// Disconnect stops the connection and closes the MQTT session.
// Idempotent and safe to call multiple times.
func (c *Conn) Disconnect() {
	// Signal shutdown once (unblocks any Connect loops).
	c.stopOnce.Do(func() { close(c.stopCh) })

	if c.IsConnected() {
		token := c.client.Unsubscribe(c.topicList()...)
		token.WaitTimeout(2 * time.Second)
	}

	// Disconnect without holding c.mu to avoid lock contention/deadlocks.
	c.client.Disconnect(250)

	c.setConnected(false)
	c.logger.Info("event connection closed")
}

func (c *Conn) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
