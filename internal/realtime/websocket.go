package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 25 * time.Second
	defaultJoinTimeout       = 10 * time.Second
	writeTimeout             = 10 * time.Second
	channelBuffer            = 64
	protocolVersion          = "1.0.0"
)

// TokenSource returns the access token sent when joining a channel.
type TokenSource func(ctx context.Context) (string, error)

// WebsocketConfig configures a WebsocketTransport.
type WebsocketConfig struct {
	URL               string
	APIKey            string
	Tokens            TokenSource
	HeartbeatInterval time.Duration
	JoinTimeout       time.Duration
	Dialer            *websocket.Dialer
	Clock             clock.Clock
	Logger            *zap.Logger
}

// WebsocketTransport speaks the Phoenix channel protocol over gorilla/websocket.
// Every Open dials its own connection so a failed channel never affects others.
type WebsocketTransport struct {
	endpoint  string
	tokens    TokenSource
	heartbeat time.Duration
	joinWait  time.Duration
	dialer    *websocket.Dialer
	clock     clock.Clock
	logger    *zap.Logger
}

// NewWebsocketTransport validates cfg and constructs the transport.
func NewWebsocketTransport(cfg WebsocketConfig) (*WebsocketTransport, error) {
	parsed, err := url.Parse(cfg.URL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("realtime: invalid websocket url %q", cfg.URL)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("realtime: unsupported scheme %q", parsed.Scheme)
	}
	query := parsed.Query()
	if cfg.APIKey != "" {
		query.Set("apikey", cfg.APIKey)
	}
	query.Set("vsn", protocolVersion)
	parsed.RawQuery = query.Encode()

	transport := &WebsocketTransport{
		endpoint:  parsed.String(),
		tokens:    cfg.Tokens,
		heartbeat: cfg.HeartbeatInterval,
		joinWait:  cfg.JoinTimeout,
		dialer:    cfg.Dialer,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}
	if transport.heartbeat <= 0 {
		transport.heartbeat = defaultHeartbeatInterval
	}
	if transport.joinWait <= 0 {
		transport.joinWait = defaultJoinTimeout
	}
	if transport.dialer == nil {
		transport.dialer = websocket.DefaultDialer
	}
	if transport.clock == nil {
		transport.clock = clock.New()
	}
	if transport.logger == nil {
		transport.logger = zap.NewNop()
	}
	return transport, nil
}

// Open dials, joins topic and starts pumping frames.
func (t *WebsocketTransport) Open(ctx context.Context, topic Topic, kinds []string) (Channel, error) {
	if err := topic.validate(); err != nil {
		return nil, err
	}
	var token string
	if t.tokens != nil {
		var err error
		token, err = t.tokens(ctx)
		if err != nil {
			return nil, fmt.Errorf("realtime: access token: %w", err)
		}
	}
	conn, response, err := t.dialer.DialContext(ctx, t.endpoint, http.Header{})
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("realtime: dial: %w (status %d)", err, response.StatusCode)
		}
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}

	channel := &websocketChannel{
		conn:     conn,
		topic:    topic.Name(),
		messages: make(chan Message, channelBuffer),
		done:     make(chan struct{}),
		joined:   make(chan struct{}),
		logger:   t.logger.With(zap.String("topic", topic.Name())),
	}
	joinRef := channel.nextRef()
	join, err := EncodeFrame(channel.topic, EventJoin, joinRef, NewJoinPayload(topic, kinds, token))
	if err == nil {
		err = channel.write(join)
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("realtime: join: %w", err)
	}
	channel.joinRef = joinRef

	go channel.readLoop()
	go channel.keepAlive(t.clock, t.heartbeat, t.joinWait)
	return channel, nil
}

type websocketChannel struct {
	conn     *websocket.Conn
	topic    string
	joinRef  string
	messages chan Message
	done     chan struct{}
	joined   chan struct{}
	logger   *zap.Logger

	writeMu    sync.Mutex
	ref        atomic.Int64
	closeOnce  sync.Once
	joinedOnce sync.Once
}

func (c *websocketChannel) Messages() <-chan Message {
	return c.messages
}

func (c *websocketChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if leave, encodeErr := EncodeFrame(c.topic, EventLeave, c.nextRef(), struct{}{}); encodeErr == nil {
			_ = c.write(leave)
		}
		err = c.conn.Close()
	})
	return err
}

func (c *websocketChannel) nextRef() string {
	return strconv.FormatInt(c.ref.Add(1), 10)
}

func (c *websocketChannel) write(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(frame)
}

func (c *websocketChannel) emit(message Message) bool {
	select {
	case c.messages <- message:
		return true
	case <-c.done:
		return false
	}
}

// readLoop never closes messages; keepAlive may still emit a timeout.
func (c *websocketChannel) readLoop() {
	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			select {
			case <-c.done:
			default:
				c.emit(Message{Status: StatusChannelError, Err: err})
			}
			return
		}
		if !c.handle(frame) {
			return
		}
	}
}

// handle translates one frame; it returns false once the channel is finished.
func (c *websocketChannel) handle(frame Frame) bool {
	switch frame.Event {
	case EventReply:
		if frame.Ref != c.joinRef {
			return true
		}
		var reply ReplyPayload
		if err := json.Unmarshal(frame.Payload, &reply); err != nil || reply.Status != "ok" {
			c.emit(Message{Status: StatusChannelError, Err: fmt.Errorf("join rejected: %s", frame.Payload)})
			return false
		}
		c.joinedOnce.Do(func() { close(c.joined) })
		return c.emit(Message{Status: StatusSubscribed})
	case EventPostgresChanges:
		var envelope ChangeEnvelope
		if err := json.Unmarshal(frame.Payload, &envelope); err != nil {
			c.logger.Warn("dropping malformed change frame", zap.Error(err))
			return true
		}
		change := envelope.Data.RawChange()
		return c.emit(Message{Change: &change})
	case EventError:
		c.emit(Message{Status: StatusChannelError, Err: errors.New("server reported channel error")})
		return false
	case EventClose:
		c.emit(Message{Status: StatusClosed})
		return false
	default:
		return true
	}
}

func (c *websocketChannel) keepAlive(clk clock.Clock, interval time.Duration, joinWait time.Duration) {
	joinTimer := clk.Timer(joinWait)
	defer joinTimer.Stop()
	ticker := clk.Ticker(interval)
	defer ticker.Stop()
	joined := c.joined
	for {
		select {
		case <-c.done:
			return
		case <-joined:
			joinTimer.Stop()
			joined = nil
		case <-joinTimer.C:
			if joined != nil {
				c.emit(Message{Status: StatusTimedOut})
				return
			}
		case <-ticker.C:
			heartbeat, err := EncodeFrame(HeartbeatTopic, EventHeartbeat, c.nextRef(), struct{}{})
			if err == nil {
				err = c.write(heartbeat)
			}
			if err != nil {
				c.logger.Debug("heartbeat write failed", zap.Error(err))
				return
			}
		}
	}
}
