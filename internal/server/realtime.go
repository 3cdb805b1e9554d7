package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lastbench/feedsync/internal/realtime"
)

const (
	realtimeWriteTimeout = 10 * time.Second
	replyStatusOK        = "ok"
	replyStatusError     = "error"
	notificationsTable   = "notifications"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleRealtime serves the Phoenix channel protocol. Each joined topic is a
// hub channel whose changes are forwarded as postgres_changes frames.
func (h *httpHandler) handleRealtime(c *gin.Context) {
	if h.apiKey != "" && c.Query("apikey") != h.apiKey {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithCancel(c.Request.Context())
	connection := &realtimeConnection{
		handler:  h,
		conn:     conn,
		ctx:      ctx,
		channels: make(map[string]*joinedTopic),
		logger:   h.logger.With(zap.String("remote", c.ClientIP())),
	}
	defer func() {
		cancel()
		connection.closeAll()
		_ = conn.Close()
	}()
	connection.serve()
}

type realtimeConnection struct {
	handler *httpHandler
	conn    *websocket.Conn
	ctx     context.Context
	logger  *zap.Logger

	writeMu  sync.Mutex
	mu       sync.Mutex
	channels map[string]*joinedTopic
}

type joinedTopic struct {
	channel realtime.Channel
	done    chan struct{}
}

func (r *realtimeConnection) serve() {
	for {
		var frame realtime.Frame
		if err := r.conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Event {
		case realtime.EventHeartbeat:
			r.reply(frame, replyStatusOK, nil)
		case realtime.EventJoin:
			r.join(frame)
		case realtime.EventLeave:
			r.leave(frame.Topic)
			r.reply(frame, replyStatusOK, nil)
		default:
			r.logger.Debug("ignoring realtime frame", zap.String("event", frame.Event))
		}
	}
}

func (r *realtimeConnection) join(frame realtime.Frame) {
	var payload realtime.JoinPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		r.reply(frame, replyStatusError, gin.H{"reason": "malformed join"})
		return
	}
	topic, kinds, ok := realtime.TopicFromJoin(payload)
	if !ok {
		r.reply(frame, replyStatusError, gin.H{"reason": "invalid topic"})
		return
	}
	if topic.Table == notificationsTable && !r.mayWatchNotifications(topic, payload.AccessToken) {
		r.reply(frame, replyStatusError, gin.H{"reason": "unauthorized"})
		return
	}

	r.leave(frame.Topic)
	channel, err := r.handler.hub.Open(r.ctx, topic, kinds)
	if err != nil {
		r.reply(frame, replyStatusError, gin.H{"reason": err.Error()})
		return
	}
	joined := &joinedTopic{channel: channel, done: make(chan struct{})}
	r.mu.Lock()
	r.channels[frame.Topic] = joined
	r.mu.Unlock()

	r.reply(frame, replyStatusOK, nil)
	go r.forward(frame.Topic, joined)
}

// mayWatchNotifications restricts a notifications topic to the token holder's own rows.
func (r *realtimeConnection) mayWatchNotifications(topic realtime.Topic, token string) bool {
	if token == "" || token == r.handler.apiKey {
		return false
	}
	userID, ok := r.handler.validateToken(token)
	if !ok {
		return false
	}
	column, value, ok := realtime.ParseFilter(topic.Filter)
	return ok && column == "user_id" && value == userID
}

func (r *realtimeConnection) forward(topicName string, joined *joinedTopic) {
	for {
		select {
		case <-joined.done:
			return
		case <-r.ctx.Done():
			return
		case message := <-joined.channel.Messages():
			if message.Change != nil {
				frame, err := realtime.EncodeFrame(topicName, realtime.EventPostgresChanges, "", realtime.ChangeEnvelope{
					Data: realtime.NewChangeData(*message.Change),
				})
				if err != nil {
					r.logger.Warn("failed to encode change", zap.Error(err))
					continue
				}
				if err := r.write(frame); err != nil {
					return
				}
				continue
			}
			if message.Status == realtime.StatusChannelError || message.Status == realtime.StatusClosed {
				if frame, err := realtime.EncodeFrame(topicName, realtime.EventError, "", struct{}{}); err == nil {
					_ = r.write(frame)
				}
				return
			}
		}
	}
}

func (r *realtimeConnection) leave(topicName string) {
	r.mu.Lock()
	joined, ok := r.channels[topicName]
	delete(r.channels, topicName)
	r.mu.Unlock()
	if ok {
		close(joined.done)
		_ = joined.channel.Close()
	}
}

func (r *realtimeConnection) closeAll() {
	r.mu.Lock()
	topics := make([]string, 0, len(r.channels))
	for name := range r.channels {
		topics = append(topics, name)
	}
	r.mu.Unlock()
	for _, name := range topics {
		r.leave(name)
	}
}

func (r *realtimeConnection) reply(frame realtime.Frame, status string, response any) {
	payload := realtime.ReplyPayload{Status: status}
	if response != nil {
		encoded, err := json.Marshal(response)
		if err == nil {
			payload.Response = encoded
		}
	}
	encoded, err := realtime.EncodeFrame(frame.Topic, realtime.EventReply, frame.Ref, payload)
	if err != nil {
		return
	}
	_ = r.write(encoded)
}

func (r *realtimeConnection) write(frame realtime.Frame) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.conn.SetWriteDeadline(time.Now().Add(realtimeWriteTimeout)); err != nil {
		return err
	}
	return r.conn.WriteJSON(frame)
}
