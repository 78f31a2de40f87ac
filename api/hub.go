package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"lena-shard-supervisor/types"
)

const (
	sendBuffer   = 16
	writeTimeout = 10 * time.Second
	historySpan  = 24 * time.Hour
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// hub owns the set of websocket clients. Only run touches the map; handlers
// talk to it through the register and unregister channels.
type hub struct {
	broadcast  <-chan types.Broadcast
	register   chan *client
	unregister chan *client
	clients    map[*client]struct{}
	logger     *zerolog.Logger
}

func newHub(broadcast <-chan types.Broadcast, logger *zerolog.Logger) *hub {
	return &hub{
		broadcast:  broadcast,
		register:   make(chan *client),
		unregister: make(chan *client),
		clients:    make(map[*client]struct{}),
		logger:     logger,
	}
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
		case broadcast, ok := <-h.broadcast:
			if !ok {
				h.broadcast = nil
				continue
			}
			jsonData, err := json.Marshal(broadcast)
			if err != nil {
				h.logger.Error().Err(err).Msg("Error marshaling Broadcast")
				continue
			}
			for c := range h.clients {
				select {
				case c.send <- jsonData:
				default:
					h.logger.Warn().Msgf("Dropping slow client: %s", c.conn.RemoteAddr())
					h.drop(c)
				}
			}
		}
	}
}

func (h *hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboards are served from other origins
	},
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Error upgrading connection")
		return
	}
	s.logger.Info().Msgf("Client connected: %s", conn.RemoteAddr())

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	for _, broadcast := range s.initialBroadcasts(r.Context()) {
		jsonData, err := json.Marshal(broadcast)
		if err != nil {
			s.logger.Error().Err(err).Str("Type", broadcast.MessageType).Msg("Error marshaling initial broadcast")
			continue
		}
		c.send <- jsonData
	}

	go s.writeClient(c)

	select {
	case s.hub.register <- c:
	case <-r.Context().Done():
		close(c.send)
		return
	}
	go s.readClient(c)
}

// initialBroadcasts is what a client receives right after connecting: the
// current status and, when an archive is configured, the last day of cycles.
func (s *Server) initialBroadcasts(ctx context.Context) []types.Broadcast {
	var broadcasts []types.Broadcast

	status, err := s.status(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to build status for new client")
	} else {
		broadcasts = append(broadcasts, types.Broadcast{MessageType: "status", Data: status})
	}

	if s.opts.History != nil {
		end := s.now()
		items, err := s.opts.History.GetRange(ctx, end.Add(-historySpan), end)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to get snapshot history")
		} else {
			broadcasts = append(broadcasts, types.Broadcast{MessageType: "snapshots", Data: items})
		}
	}
	return broadcasts
}

func (s *Server) writeClient(c *client) {
	defer c.conn.Close()
	for jsonData := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, jsonData); err != nil {
			s.logger.Error().Err(err).Msg("Failed to write message")
			s.unregister(c)
			// Drain until the hub closes send.
			for range c.send {
			}
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *Server) readClient(c *client) {
	defer s.unregister(c)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Error().Err(err).Msg("Error reading WebSocket message")
			}
			return
		}
		s.handleMessage(message)
	}
}

// unregister must not block once the hub has stopped.
func (s *Server) unregister(c *client) {
	select {
	case s.hub.unregister <- c:
	case <-time.After(time.Second):
	}
}

func (s *Server) handleMessage(message []byte) {
	var received struct {
		MessageType string `json:"type"`
	}
	if err := json.Unmarshal(message, &received); err != nil {
		s.logger.Error().Err(err).Msg("Error unmarshalling WebSocket message")
		return
	}
	s.logger.Warn().Str("Type", received.MessageType).Msg("Received an unsupported message type")
}
