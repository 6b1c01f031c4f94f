// Package stream listens to the broker's order postback websocket. Postbacks
// are hints only: each one triggers a reconcile, the order book itself is
// always read through the gateway.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sayujks0071/antidhan-sub001/internal/backoff"
	"github.com/sayujks0071/antidhan-sub001/internal/logger"
	"github.com/sirupsen/logrus"
)

type EventType string

const (
	EventOrder     EventType = "order"
	EventReconnect EventType = "reconnect"
)

type OrderUpdate struct {
	OrderID string `json:"order_id"`
	Tag     string `json:"tag"`
	Status  string `json:"status"`
}

type Event struct {
	Type  EventType
	Order *OrderUpdate
}

type message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type TokenSource interface {
	Token() string
}

type Client struct {
	url          string
	tokens       TokenSource
	handle       func(Event)
	log          *logger.Logger
	dialer       *websocket.Dialer
	reconnectMin time.Duration
	reconnectMax time.Duration
}

func New(url string, tokens TokenSource, handle func(Event), log *logger.Logger) *Client {
	return &Client{
		url:          url,
		tokens:       tokens,
		handle:       handle,
		log:          log,
		dialer:       websocket.DefaultDialer,
		reconnectMin: time.Second,
		reconnectMax: 30 * time.Second,
	}
}

// Run keeps a connection open until ctx ends, reconnecting with backoff. Every
// successful connection is reported as EventReconnect so the caller can catch
// up on postbacks it missed while disconnected.
func (c *Client) Run(ctx context.Context) error {
	wait := c.reconnectMin
	for {
		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logEntry().WithError(err).WithField("retry_in", wait).Warn("order stream connect failed")
			if backoff.Sleep(ctx, wait) != nil {
				return nil
			}
			wait = backoff.Next(wait, c.reconnectMax)
			continue
		}

		wait = c.reconnectMin
		c.logEntry().Info("order stream connected")
		c.handle(Event{Type: EventReconnect})

		err = c.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		if IsClosed(err) {
			c.logEntry().Info("order stream closed by broker, reconnecting")
		} else {
			c.logEntry().WithError(err).Warn("order stream dropped, reconnecting")
		}
		if backoff.Sleep(ctx, wait) != nil {
			return nil
		}
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if token := c.tokens.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(2 << 20)
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
			conn.Close()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logEntry().WithError(err).Debug("unparseable stream message")
			continue
		}
		switch EventType(msg.Type) {
		case EventOrder:
			var upd OrderUpdate
			if err := json.Unmarshal(msg.Data, &upd); err != nil {
				c.logEntry().WithError(err).Debug("unparseable order update")
				continue
			}
			c.logEntry().WithFields(logrus.Fields{
				"broker_order_id": upd.OrderID,
				"client_order_id": upd.Tag,
				"status":          upd.Status,
			}).Debug("order postback")
			c.handle(Event{Type: EventOrder, Order: &upd})
		default:
		}
	}
}

func (c *Client) logEntry() *logrus.Entry {
	return c.log.WithComponent("order_stream")
}

// IsClosed reports whether err is a normal websocket close.
func IsClosed(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure
}
