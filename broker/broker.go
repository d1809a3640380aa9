// Package broker is an in-process, single node Kafka broker. It speaks the
// non-flexible versions of the Kafka wire protocol that kafka-go clients
// use: topic metadata and creation, produce, fetch, offsets, and consumer
// groups. Data lives in memory for the lifetime of the Broker.
package broker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go/protocol"

	"embeddedtest/logger"
	"embeddedtest/metrics"
)

// Config controls a Broker. Zero values fall back to the defaults noted on
// each field.
type Config struct {
	// Addr is the listen address, "localhost:9092" by default. Use port 0
	// to pick a free port and read it back with Broker.Addr.
	Addr string
	// AdvertisedHost is the host handed to clients in metadata. Defaults
	// to the listener's host, or "localhost" when it listens on all
	// interfaces.
	AdvertisedHost string
	NodeID         int32
	// ClusterID defaults to "embedded-cluster".
	ClusterID string

	// Topics are created on Start with DefaultPartitions partitions.
	Topics            []string
	DefaultPartitions int
	AutoCreateTopics  bool

	// MaxMessageBytes caps a produced record batch, 1MiB by default.
	MaxMessageBytes int

	// GroupInitialRebalanceDelay holds the first rebalance of an empty
	// group open for more members. Zero completes it as soon as every
	// known member joined.
	GroupInitialRebalanceDelay time.Duration
	// SessionCheckInterval is how often silent group members are expired,
	// one second by default.
	SessionCheckInterval time.Duration
}

// DefaultConfig mirrors a stock single node broker on localhost:9092.
func DefaultConfig() Config {
	return Config{
		Addr:                 "localhost:9092",
		ClusterID:            "embedded-cluster",
		DefaultPartitions:    1,
		AutoCreateTopics:     true,
		MaxMessageBytes:      1 << 20,
		SessionCheckInterval: time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.ClusterID == "" {
		c.ClusterID = d.ClusterID
	}
	if c.DefaultPartitions < 1 {
		c.DefaultPartitions = d.DefaultPartitions
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.SessionCheckInterval <= 0 {
		c.SessionCheckInterval = d.SessionCheckInterval
	}
	return c
}

type Broker struct {
	cfg Config

	mu       sync.RWMutex
	topics   map[string]*topic
	appended chan struct{}

	groups *coordinator

	ln      net.Listener
	connMu  sync.Mutex
	conns   map[net.Conn]struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	once    sync.Once
	wg      sync.WaitGroup
}

func New(cfg Config) *Broker {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		cfg:      cfg,
		topics:   make(map[string]*topic),
		appended: make(chan struct{}),
		groups:   newCoordinator(cfg.GroupInitialRebalanceDelay),
		conns:    make(map[net.Conn]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start listens on the configured address, creates the configured topics
// and serves clients in the background until ctx ends or Close is called.
func (b *Broker) Start(ctx context.Context) error {
	b.connMu.Lock()
	if b.started {
		b.connMu.Unlock()
		return errors.New("broker already started")
	}
	if b.ctx.Err() != nil {
		b.connMu.Unlock()
		return ErrClosed
	}
	b.started = true
	b.connMu.Unlock()

	ln, err := net.Listen("tcp", b.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", b.cfg.Addr, err)
	}
	b.ln = ln

	for _, name := range b.cfg.Topics {
		if err := b.CreateTopic(name, b.cfg.DefaultPartitions); err != nil && !errors.Is(err, ErrTopicExists) {
			ln.Close()
			return fmt.Errorf("create topic %s: %w", name, err)
		}
	}

	b.wg.Add(2)
	go b.acceptLoop()
	go b.expireLoop()
	go func() {
		select {
		case <-ctx.Done():
			b.Close()
		case <-b.ctx.Done():
		}
	}()

	logger.Info("embedded broker listening",
		logger.FieldKV("addr", b.Addr()),
		logger.FieldKV("node_id", b.cfg.NodeID),
		logger.FieldKV("cluster_id", b.cfg.ClusterID))
	return nil
}

// Addr is the host:port clients should bootstrap from.
func (b *Broker) Addr() string {
	host, port := b.advertised()
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

func (b *Broker) advertised() (string, int32) {
	addr := b.cfg.Addr
	if b.ln != nil {
		addr = b.ln.Addr().String()
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.Atoi(portStr)
	if b.cfg.AdvertisedHost != "" {
		host = b.cfg.AdvertisedHost
	} else if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "localhost"
	}
	return host, int32(port)
}

// Close stops the listener, drops every client connection and wakes
// requests that are waiting on data or on a group rebalance.
func (b *Broker) Close() error {
	b.once.Do(func() {
		b.cancel()
		if b.ln != nil {
			b.ln.Close()
		}
		b.connMu.Lock()
		for c := range b.conns {
			c.Close()
		}
		b.connMu.Unlock()
		b.wg.Wait()
		logger.Info("embedded broker stopped", logger.FieldKV("addr", b.Addr()))
	})
	return nil
}

func (b *Broker) acceptLoop() {
	defer b.wg.Done()
	for {
		c, err := b.ln.Accept()
		if err != nil {
			if b.ctx.Err() == nil {
				logger.Error("accept failed", err)
			}
			return
		}
		if !b.track(c) {
			c.Close()
			return
		}
		b.wg.Add(1)
		go b.serveConn(c)
	}
}

func (b *Broker) track(c net.Conn) bool {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.ctx.Err() != nil {
		return false
	}
	b.conns[c] = struct{}{}
	metrics.BrokerConnections.Inc()
	return true
}

func (b *Broker) untrack(c net.Conn) {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if _, ok := b.conns[c]; ok {
		delete(b.conns, c)
		metrics.BrokerConnections.Dec()
	}
}

// serveConn answers requests in the order they arrive on c.
func (b *Broker) serveConn(c net.Conn) {
	defer b.wg.Done()
	defer b.untrack(c)
	defer c.Close()

	remote := c.RemoteAddr().String()
	r := bufio.NewReader(c)
	w := bufio.NewWriter(c)

	for {
		version, correlationID, clientID, msg, err := protocol.ReadRequest(r)
		if err != nil {
			switch {
			case b.ctx.Err() != nil:
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
				logger.Debug("client disconnected", logger.FieldKV("remote", remote))
			default:
				logger.Error("read request failed", err, logger.FieldKV("remote", remote))
			}
			return
		}

		key := msg.ApiKey()
		metrics.RecordBrokerRequest(key.String())
		logger.Debug("request",
			logger.FieldKV("api", key.String()),
			logger.FieldKV("version", version),
			logger.FieldKV("client_id", clientID),
			logger.FieldKV("correlation_id", correlationID))

		if !supported(key, version) {
			logger.Warn("unsupported api version, closing connection",
				logger.FieldKV("api", key.String()),
				logger.FieldKV("version", version),
				logger.FieldKV("remote", remote))
			return
		}

		res, err := b.handle(b.ctx, version, clientID, msg)
		if err != nil {
			if b.ctx.Err() == nil {
				logger.Error("handle request failed", err, logger.FieldKV("api", key.String()))
			}
			return
		}
		if res == nil {
			continue
		}
		if err := res.writeTo(w, version, correlationID); err != nil {
			logger.Error("write response failed", err, logger.FieldKV("api", key.String()))
			return
		}
		if err := w.Flush(); err != nil {
			if b.ctx.Err() == nil {
				logger.Debug("flush failed", logger.FieldKV("remote", remote), logger.FieldKV("error", err.Error()))
			}
			return
		}
	}
}

// expireLoop drops group members whose session timed out.
func (b *Broker) expireLoop() {
	defer b.wg.Done()
	t := time.NewTicker(b.cfg.SessionCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case now := <-t.C:
			b.groups.expire(now)
		}
	}
}

// appendSignal returns a channel closed by the next append to any partition.
func (b *Broker) appendSignal() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.appended
}

func (b *Broker) notifyAppend() {
	b.mu.Lock()
	close(b.appended)
	b.appended = make(chan struct{})
	b.mu.Unlock()
}
