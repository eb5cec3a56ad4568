package broker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/opchat/opchat/pkg/config"
)

// Client is an explicitly constructed RabbitMQ handle with an open/close
// lifecycle. Each process builds its own instance; there is no package-level
// singleton, so tests can substitute fakes and independent instances can
// coexist in-process.
type Client struct {
	connection      *amqp.Connection
	channelPool     chan *pooledChannel
	mu              sync.Mutex
	settings        *config.BrokerSettings
	logger          *zap.Logger
	reconnectTicker *time.Ticker
	stopReconnect   chan struct{}

	// Best-effort, per-process dedup of pending publishes. Not a
	// correctness guarantee; the persistence-layer idempotency key is.
	seenMu  sync.Mutex
	seenIDs map[string]struct{}
}

type pooledChannel struct {
	channel     *amqp.Channel
	notifyClose chan *amqp.Error
}

// Open connects to RabbitMQ, declares the pipeline topology, and fills the
// channel pool. A recovery goroutine re-establishes the connection and
// topology after a broker outage.
func Open(settings *config.BrokerSettings, logger *zap.Logger) (*Client, error) {
	if settings.PoolSize <= 0 {
		return nil, errors.New("poolSize must be greater than 0")
	}

	client := &Client{
		channelPool:     make(chan *pooledChannel, settings.PoolSize),
		settings:        settings,
		logger:          logger,
		reconnectTicker: time.NewTicker(5 * time.Second), // Retry every 5 seconds
		stopReconnect:   make(chan struct{}),
		seenIDs:         make(map[string]struct{}),
	}

	if err := client.connectAndInitialize(); err != nil {
		return nil, err
	}

	// Start connection recovery in a separate goroutine
	go client.recoverConnection()

	return client, nil
}

func (c *Client) newConnection() (*amqp.Connection, error) {
	conn, err := amqp.Dial(c.settings.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	// Set up a channel to handle connection close notifications
	notifyClose := make(chan *amqp.Error)
	conn.NotifyClose(notifyClose)
	go func() {
		for err := range notifyClose {
			c.logger.Warn("RabbitMQ connection closed", zap.Error(err))
		}
	}()

	return conn, nil
}

func (c *Client) connectAndInitialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Close existing connection if it exists
	if c.connection != nil && !c.connection.IsClosed() {
		c.connection.Close()
	}

	// Establish a new connection
	connection, err := c.newConnection()
	if err != nil {
		return err
	}
	c.connection = connection

	// Swap in a fresh channel pool
	c.resetChannelPoolLocked()

	// Declare the pipeline topology before handing out channels
	channel, err := connection.Channel()
	if err != nil {
		return err
	}
	if err := DeclareTopology(channel); err != nil {
		channel.Close()
		return err
	}
	channel.Close()

	// Reinitialize the channel pool
	for i := 0; i < c.settings.PoolSize; i++ {
		channel, err := connection.Channel()
		if err != nil {
			return err
		}
		c.channelPool <- &pooledChannel{
			channel:     channel,
			notifyClose: channel.NotifyClose(make(chan *amqp.Error)),
		}
	}

	c.logger.Info("RabbitMQ connection, topology, and channel pool initialized")
	return nil
}

func (c *Client) recoverConnection() {
	for {
		select {
		case <-c.reconnectTicker.C:
			if c.connection == nil || c.connection.IsClosed() {
				c.logger.Info("Attempting to reconnect to RabbitMQ...")
				if err := c.connectAndInitialize(); err != nil {
					c.logger.Error("Failed to reconnect to RabbitMQ", zap.Error(err))
				} else {
					c.logger.Info("Reconnected to RabbitMQ successfully")
				}
			}
		case <-c.stopReconnect:
			c.logger.Info("Stopping RabbitMQ connection recovery")
			return
		}
	}
}

// resetChannelPoolLocked drains the current pool and replaces it with a
// fresh one. The old pool is never closed: a publisher still holding the
// old reference must be able to send and receive on it without panicking,
// and any channels it hands out belong to the dead connection, which the
// recycling check in getChannel discards.
func (c *Client) resetChannelPoolLocked() {
	for {
		select {
		case pooledChan := <-c.channelPool:
			pooledChan.channel.Close()
		default:
			c.channelPool = make(chan *pooledChannel, c.settings.PoolSize)
			return
		}
	}
}

// pool snapshots the current channel pool; a reconnect may swap it at any
// moment.
func (c *Client) pool() chan *pooledChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelPool
}

func (c *Client) getChannel() (*pooledChannel, error) {
	for {
		select {
		case pooledChan := <-c.pool():
			select {
			case err := <-pooledChan.notifyClose:
				// Channel is closed, discard it
				c.logger.Debug("Discarding closed channel", zap.Error(err))
				continue
			default:
				// Channel is valid
				return pooledChan, nil
			}
		default:
			// Create a new channel if none are available
			c.mu.Lock()
			connection := c.connection
			c.mu.Unlock()
			channel, err := connection.Channel()
			if err != nil {
				return nil, err
			}
			return &pooledChannel{
				channel:     channel,
				notifyClose: channel.NotifyClose(make(chan *amqp.Error)),
			}, nil
		}
	}
}

func (c *Client) releaseChannel(pooledChan *pooledChannel) {
	select {
	case err := <-pooledChan.notifyClose:
		// Channel is closed, discard it
		c.logger.Debug("Discarding closed channel", zap.Error(err))
		return
	default:
		// Channel is valid, return it to the pool
		select {
		case c.pool() <- pooledChan:
		default:
			// Pool is full, close the channel
			pooledChan.channel.Close()
		}
	}
}

// IsConnected reports broker reachability for health signaling.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connection != nil && !c.connection.IsClosed()
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Stop the connection recovery goroutine
	close(c.stopReconnect)
	c.reconnectTicker.Stop()

	// Drain the pool and close its channels. The pool chan itself stays
	// open so a late releaseChannel cannot panic on send.
	for {
		select {
		case pooledChan := <-c.channelPool:
			pooledChan.channel.Close()
			continue
		default:
		}
		break
	}

	// Close the connection
	if c.connection != nil {
		return c.connection.Close()
	}
	return nil
}
