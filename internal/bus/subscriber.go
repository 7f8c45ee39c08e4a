package bus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/squirehq/squire/pkg/models"
)

// subscriber is one connected WebSocket client. Outbound frames go through a
// buffered send channel serviced by writeLoop; readLoop handles subscribe and
// confirmation_answer frames.
type subscriber struct {
	bus  *Bus
	conn *websocket.Conn
	addr string
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once

	topicsMu sync.RWMutex
	topics   map[models.Topic]struct{}
}

// inboundFrame is the client→server envelope.
type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type subscribeData struct {
	Topics []string `json:"topics"`
}

func (s *subscriber) wants(topic models.Topic) bool {
	s.topicsMu.RLock()
	defer s.topicsMu.RUnlock()
	if _, all := s.topics[models.TopicAll]; all {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

func (s *subscriber) setTopics(names []string) {
	topics := make(map[models.Topic]struct{}, len(names))
	for _, name := range names {
		switch t := models.Topic(name); t {
		case models.TopicAll, models.TopicSkills, models.TopicSteps,
			models.TopicConfirmations, models.TopicStatus:
			topics[t] = struct{}{}
		default:
			s.bus.logger.Debug("ignoring unknown topic", "topic", name)
		}
	}
	// An empty selection falls back to everything.
	if len(topics) == 0 {
		topics[models.TopicAll] = struct{}{}
	}
	s.topicsMu.Lock()
	s.topics = topics
	s.topicsMu.Unlock()
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *subscriber) readLoop() {
	defer s.close()

	s.conn.SetReadLimit(maxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.bus.logger.Debug("unreadable frame", "error", err)
			continue
		}

		switch frame.Type {
		case "subscribe":
			var sub subscribeData
			if err := json.Unmarshal(frame.Data, &sub); err != nil {
				s.bus.logger.Debug("bad subscribe frame", "error", err)
				continue
			}
			s.setTopics(sub.Topics)
		case "confirmation_answer":
			var answer models.ConfirmationAnswerData
			if err := json.Unmarshal(frame.Data, &answer); err != nil {
				s.bus.logger.Debug("bad confirmation_answer frame", "error", err)
				continue
			}
			// Answers with no pending confirmation are ignored.
			s.bus.Resolve(answer.ConfirmationID, answer.Answer)
		default:
			s.bus.logger.Debug("ignoring frame", "type", frame.Type)
		}
	}
}

func (s *subscriber) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.close()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
