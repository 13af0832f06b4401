// Package bridge relays audio between the meeting-hosting service and the
// local speech pipeline over WebSockets. The meeting side speaks raw PCM
// bytes; the pipeline side speaks length-delimited protobuf frames. The
// bridge converts between the two per client id and never interprets the
// audio itself.
package bridge

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/meetkit/bot-gateway/internal/frames"
	"github.com/meetkit/bot-gateway/internal/observability"
	"github.com/rs/zerolog"
)

// Role tags which side of the bridge a connection is on.
type Role string

const (
	RoleMeeting  Role = "meeting"
	RolePipeline Role = "pipeline"
)

// Connection is one WebSocket attached to the bridge. Writes go through a
// buffered queue drained by a single writer goroutine, so concurrent senders
// never interleave on the socket.
type Connection struct {
	ClientID string
	Role     Role

	ws     *websocket.Conn
	send   chan outbound
	logger zerolog.Logger

	closeOnce sync.Once
	closed    chan struct{}

	mu         sync.Mutex
	firstAudio bool
}

type outbound struct {
	messageType int
	data        []byte
}

// enqueue hands a message to the writer goroutine. Full queues drop the
// message rather than stall the reader feeding them.
func (c *Connection) enqueue(messageType int, data []byte) {
	select {
	case <-c.closed:
		return
	default:
	}

	select {
	case c.send <- outbound{messageType, data}:
	default:
		observability.RecordDroppedMessage(string(c.Role))
		c.logger.Warn().Msg("Send queue full, dropping message")
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.ws.WriteMessage(msg.messageType, msg.data); err != nil {
				c.logger.Debug().Err(err).Msg("Write failed, closing connection")
				c.close()
				return
			}
		}
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

// noteFirstAudio returns true exactly once per connection.
func (c *Connection) noteFirstAudio() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.firstAudio {
		return false
	}
	c.firstAudio = true
	return true
}

// speakerEvent is the JSON the meeting service sends on speaker changes.
type speakerEvent struct {
	Name       string `json:"name"`
	ID         int    `json:"id"`
	IsSpeaking bool   `json:"isSpeaking"`
}

// Bridge pairs meeting-facing and pipeline-facing connections by client id.
type Bridge struct {
	sampleRate    uint32
	numChannels   uint32
	sendQueueSize int

	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu       sync.Mutex
	meeting  map[string]*Connection
	pipeline map[string]*Connection
}

// New creates a bridge that stamps outbound pipeline frames with the given
// audio format.
func New(sampleRate, numChannels, sendQueueSize int) *Bridge {
	return &Bridge{
		sampleRate:    uint32(sampleRate),
		numChannels:   uint32(numChannels),
		sendQueueSize: sendQueueSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:   observability.GetLogger().With().Str("component", "bridge").Logger(),
		meeting:  make(map[string]*Connection),
		pipeline: make(map[string]*Connection),
	}
}

// table returns the connection map for a role. Callers hold b.mu.
func (b *Bridge) table(role Role) map[string]*Connection {
	if role == RoleMeeting {
		return b.meeting
	}
	return b.pipeline
}

// attach registers a connection, closing any previous one with the same
// client id and role. Last accept wins.
func (b *Bridge) attach(c *Connection) {
	b.mu.Lock()
	prev := b.table(c.Role)[c.ClientID]
	b.table(c.Role)[c.ClientID] = c
	b.mu.Unlock()

	if prev != nil {
		prev.logger.Info().Msg("Replaced by a newer connection, closing")
		prev.close()
	}
}

// detach removes the connection from the table if it is still the current
// one. Detaching never touches the session; sockets come and go while the
// session keeps running.
func (b *Bridge) detach(c *Connection) {
	b.mu.Lock()
	if b.table(c.Role)[c.ClientID] == c {
		delete(b.table(c.Role), c.ClientID)
	}
	b.mu.Unlock()
	c.close()
}

func (b *Bridge) peer(role Role, clientID string) *Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.table(role)[clientID]
}

// MeetingHandler accepts the meeting-facing WebSocket for one client id.
// Binary input is raw audio headed for the pipeline; text input is either a
// speaker-activity event or a chat-style message relayed to every
// meeting-facing connection.
func (b *Bridge) MeetingHandler(clientID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.logger.Warn().Err(err).Str("client_id", clientID).Msg("Meeting upgrade failed")
			return
		}

		c := b.newConnection(clientID, RoleMeeting, ws)
		b.attach(c)
		go c.writeLoop()
		defer b.detach(c)

		c.logger.Info().Msg("Meeting connection established")

		for {
			messageType, data, err := ws.ReadMessage()
			if err != nil {
				c.logger.Info().Msg("Meeting connection closed")
				return
			}

			switch messageType {
			case websocket.BinaryMessage:
				b.relayToPipeline(c, data)
			case websocket.TextMessage:
				b.handleMeetingText(c, data)
			}
		}
	}
}

// PipelineHandler accepts the pipeline-facing WebSocket for one client id.
// Binary input is a protobuf frame whose audio payload is forwarded raw to
// the meeting side; undecodable frames are dropped.
func (b *Bridge) PipelineHandler(clientID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.logger.Warn().Err(err).Str("client_id", clientID).Msg("Pipeline upgrade failed")
			return
		}

		c := b.newConnection(clientID, RolePipeline, ws)
		b.attach(c)
		go c.writeLoop()
		defer b.detach(c)

		c.logger.Info().Msg("Pipeline connection established")

		for {
			messageType, data, err := ws.ReadMessage()
			if err != nil {
				c.logger.Info().Msg("Pipeline connection closed")
				return
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			b.relayToMeeting(c, data)
		}
	}
}

func (b *Bridge) newConnection(clientID string, role Role, ws *websocket.Conn) *Connection {
	return &Connection{
		ClientID: clientID,
		Role:     role,
		ws:       ws,
		send:     make(chan outbound, b.sendQueueSize),
		closed:   make(chan struct{}),
		logger: b.logger.With().
			Str("client_id", clientID).
			Str("role", string(role)).
			Logger(),
	}
}

// relayToPipeline wraps raw meeting audio in a frame and forwards it.
func (b *Bridge) relayToPipeline(from *Connection, data []byte) {
	if from.noteFirstAudio() {
		from.logger.Info().Int("bytes", len(data)).Msg("First audio received from meeting")
	} else {
		from.logger.Debug().Int("bytes", len(data)).Msg("Audio chunk from meeting")
	}

	peer := b.peer(RolePipeline, from.ClientID)
	if peer == nil {
		return
	}

	frame := frames.Marshal(frames.AudioFrame{
		Payload:     data,
		SampleRate:  b.sampleRate,
		NumChannels: b.numChannels,
	})
	peer.enqueue(websocket.BinaryMessage, frame)
	observability.RecordRelayBytes("to_pipeline", int64(len(data)))
}

// relayToMeeting unwraps a pipeline frame and forwards the raw payload.
func (b *Bridge) relayToMeeting(from *Connection, data []byte) {
	frame, err := frames.Unmarshal(data)
	if err != nil {
		observability.RecordFrameDecodeError()
		from.logger.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping undecodable frame")
		return
	}

	if from.noteFirstAudio() {
		from.logger.Info().
			Int("bytes", len(frame.Payload)).
			Uint32("sample_rate", frame.SampleRate).
			Uint32("channels", frame.NumChannels).
			Msg("First audio received from pipeline")
	} else {
		from.logger.Debug().Int("bytes", len(frame.Payload)).Msg("Audio frame from pipeline")
	}

	peer := b.peer(RoleMeeting, from.ClientID)
	if peer == nil {
		return
	}
	peer.enqueue(websocket.BinaryMessage, frame.Payload)
	observability.RecordRelayBytes("to_meeting", int64(len(frame.Payload)))
}

// handleMeetingText logs speaker-activity events and relays anything else to
// every meeting-facing connection, the sender included.
func (b *Bridge) handleMeetingText(from *Connection, data []byte) {
	var events []speakerEvent
	if err := json.Unmarshal(data, &events); err == nil && len(events) > 0 && events[0].Name != "" {
		for _, ev := range events {
			from.logger.Info().
				Str("speaker", ev.Name).
				Int("speaker_id", ev.ID).
				Bool("is_speaking", ev.IsSpeaking).
				Msg("Speaker activity")
		}
		return
	}

	b.broadcastToMeeting(data)
}

func (b *Bridge) broadcastToMeeting(data []byte) {
	b.mu.Lock()
	targets := make([]*Connection, 0, len(b.meeting))
	for _, c := range b.meeting {
		targets = append(targets, c)
	}
	b.mu.Unlock()

	for _, c := range targets {
		c.enqueue(websocket.TextMessage, data)
	}
}

// ConnectionCounts reports how many sockets are attached per side.
func (b *Bridge) ConnectionCounts() (meeting, pipeline int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.meeting), len(b.pipeline)
}
