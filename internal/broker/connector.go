// Package broker maintains the persistent WebSocket link to the message
// broker: mutually-authenticated dial, envelope framing, keepalive, and
// the response messages the agent emits.
package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fabricmesh/warden/internal/logging"
	"github.com/fabricmesh/warden/internal/protocol"
)

const component = "Broker"

const (
	// DefaultSendTimeout bounds every outbound write.
	DefaultSendTimeout = 2 * time.Second

	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
)

// ErrConnection wraps any failure to write on the broker link. Sends are
// best-effort: the caller logs and abandons the transaction, never retries.
var ErrConnection = errors.New("broker: connection error")

// Options configures the broker link.
type Options struct {
	// BrokerWSURI is the broker's WebSocket endpoint.
	BrokerWSURI string
	// Identity is the endpoint identifier this agent presents as sender.
	Identity string
	// CACert, Cert, and Key are PEM file paths for mutual TLS. All three
	// empty disables TLS configuration (plain ws://, tests only).
	CACert string
	Cert   string
	Key    string
	// ConnectionTimeout bounds the dial handshake.
	ConnectionTimeout time.Duration
	// SendTimeout bounds each outbound write; DefaultSendTimeout if zero.
	SendTimeout time.Duration
}

// RequestHandler consumes one parsed inbound envelope.
type RequestHandler func(chunks protocol.ParsedChunks)

// Connector is a connected broker link. The read loop runs in Run; writes
// are serialised through a mutex so responses from concurrent workers
// interleave cleanly.
type Connector struct {
	opts    Options
	conn    *websocket.Conn
	writeMu sync.Mutex

	handlerMu sync.RWMutex
	handler   RequestHandler
}

// Connect dials the broker and returns a live connector.
func Connect(opts Options) (*Connector, error) {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: opts.ConnectionTimeout,
	}
	if opts.Cert != "" || opts.Key != "" || opts.CACert != "" {
		tlsConfig, err := newTLSConfig(opts.CACert, opts.Cert, opts.Key)
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsConfig
	}

	conn, _, err := dialer.Dial(opts.BrokerWSURI, nil)
	if err != nil {
		return nil, fmt.Errorf("broker: dial %s: %w", opts.BrokerWSURI, err)
	}

	logging.Infof(component, "Connected to broker %s as %s", opts.BrokerWSURI, opts.Identity)
	return &Connector{opts: opts, conn: conn}, nil
}

func newTLSConfig(caCert, cert, key string) (*tls.Config, error) {
	keyPair, err := tls.LoadX509KeyPair(cert, key)
	if err != nil {
		return nil, fmt.Errorf("broker: load client certificate: %w", err)
	}

	caPEM, err := os.ReadFile(caCert)
	if err != nil {
		return nil, fmt.Errorf("broker: read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("broker: no certificates found in %s", caCert)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{keyPair},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// SetRequestHandler installs the consumer for inbound envelopes.
func (c *Connector) SetRequestHandler(fn RequestHandler) {
	c.handlerMu.Lock()
	c.handler = fn
	c.handlerMu.Unlock()
}

// Run reads frames until the connection drops or ctx is cancelled. Each
// parsed envelope is dispatched to the request handler on its own
// goroutine so a slow action never stalls the reader.
func (c *Connector) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go c.keepalive(ctx, done)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return fmt.Errorf("%w: read: %v", ErrConnection, err)
		}
		if messageType != websocket.TextMessage {
			continue
		}

		chunks, err := protocol.ParseFrame(payload)
		if err != nil {
			logging.Errorf(component, "Dropping unparseable frame: %v", err)
			continue
		}

		c.handlerMu.RLock()
		handler := c.handler
		c.handlerMu.RUnlock()
		if handler == nil {
			logging.Warnf(component, "No request handler installed; dropping message %s", chunks.Envelope.ID)
			continue
		}
		go handler(chunks)
	}
}

func (c *Connector) keepalive(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.SendTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			c.conn.Close()
			return
		}
	}
}

// Close tears down the link.
func (c *Connector) Close() error {
	return c.conn.Close()
}

// Send emits one envelope to the given targets. The write is bounded by
// the connector's send timeout; a failure is reported as ErrConnection and
// must not be retried.
func (c *Connector) Send(targets []string, messageType string, data any, debug []json.RawMessage) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("broker: marshal %s data: %w", messageType, err)
	}

	envelope := protocol.Envelope{
		ID:          uuid.NewString(),
		MessageType: messageType,
		Sender:      c.opts.Identity,
		Targets:     targets,
		Data:        payload,
		Debug:       debug,
	}
	frame, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("broker: marshal envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.opts.SendTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%w: send %s: %v", ErrConnection, messageType, err)
	}
	return nil
}
