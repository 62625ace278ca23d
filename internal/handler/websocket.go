package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/coderunr/runbox/internal/job"
	"github.com/coderunr/runbox/internal/types"
)

const (
	initTimeout  = 5 * time.Second
	writeTimeout = 10 * time.Second
)

// Close codes sent to WebSocket clients
const (
	closeInvalidRequest = 4000
	closeInitTimeout    = 4001
	closeNotInitialized = 4003
	closeNoInput        = 4004
	closeJobCompleted   = 4999
)

var errSessionClosed = errors.New("websocket session closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsSession is one WebSocket client running one job. It is the job's sink:
// every output chunk becomes a data message and the outcome an exit message.
type wsSession struct {
	conn   *websocket.Conn
	jobID  string
	logger *logrus.Entry
	mutex  sync.Mutex
	closed bool
}

// HandleWebSocket runs one job over a WebSocket. The client sends an init
// message carrying the job request and receives runtime, data and exit
// messages. Closing the socket kills the sandbox.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("WebSocket upgrade failed")
		return
	}

	s := &wsSession{
		conn:   conn,
		logger: h.logger.WithField("component", "websocket"),
	}

	request, ok := s.readInit()
	if !ok {
		return
	}

	j, err := h.jobManager.NewJob(request)
	if err != nil {
		s.sendError(err.Error())
		s.close(closeInvalidRequest, "Invalid Request")
		return
	}
	s.jobID = j.ID
	s.logger = s.logger.WithField("job_id", j.ID)

	version := ""
	if j.Profile.Version != nil {
		version = j.Profile.Version.String()
	}
	if err := s.send(types.WebSocketMessage{
		Type:     "runtime",
		Language: j.Language,
		Version:  version,
		JobID:    j.ID,
	}); err != nil {
		s.close(websocket.CloseNormalClosure, "Connection closed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.watch(cancel)

	if _, err := j.Execute(ctx, s); err != nil && !errors.Is(err, job.ErrStreamFailure) {
		s.logger.WithError(err).Error("Job execution failed")
		s.sendError("Execution failed: " + err.Error())
	}

	s.close(closeJobCompleted, "Job Completed")
}

// readInit waits for the init message
func (s *wsSession) readInit() (*types.JobRequest, bool) {
	_ = s.conn.SetReadDeadline(time.Now().Add(initTimeout))

	var msg types.WebSocketMessage
	if err := s.conn.ReadJSON(&msg); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			s.sendError("Initialization timeout")
			s.close(closeInitTimeout, "Initialization Timeout")
			return nil, false
		}
		s.logger.WithError(err).Debug("WebSocket closed before init")
		s.close(websocket.CloseNormalClosure, "Connection closed")
		return nil, false
	}
	_ = s.conn.SetReadDeadline(time.Time{})

	if msg.Type != "init" {
		s.close(closeNotInitialized, "Not yet initialized")
		return nil, false
	}

	// Parse job request from message payload
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		s.sendError("Invalid request payload")
		s.close(closeInvalidRequest, "Invalid Request")
		return nil, false
	}

	var request types.JobRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		s.sendError("Invalid job request")
		s.close(closeInvalidRequest, "Invalid Request")
		return nil, false
	}

	return &request, true
}

// watch reads until the client goes away, then cancels the job. Input after
// init is refused: stdin is fixed at submission.
func (s *wsSession) watch(cancel context.CancelFunc) {
	defer cancel()
	for {
		var msg types.WebSocketMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.WithError(err).Debug("WebSocket read error")
			}
			return
		}

		if msg.Type == "data" {
			s.sendError("Interactive input is not supported")
			s.close(closeNoInput, "Can only send stdin with init")
			return
		}
		s.sendError("Unknown message type: " + msg.Type)
	}
}

// WriteChunk sends one output chunk as a data message
func (s *wsSession) WriteChunk(stream types.Stream, p []byte) error {
	return s.send(types.WebSocketMessage{
		Type:   "data",
		Stream: string(stream),
		Data:   string(p),
	})
}

// Finish sends the exit message
func (s *wsSession) Finish(outcome *types.ExecutionOutcome) error {
	return s.send(types.WebSocketMessage{
		Type:    "exit",
		JobID:   outcome.JobID,
		Reason:  outcome.Reason.String(),
		Code:    outcome.ExitCode,
		Message: outcome.Trailer,
	})
}

func (s *wsSession) send(msg types.WebSocketMessage) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return errSessionClosed
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(msg)
}

func (s *wsSession) sendError(message string) {
	if err := s.send(types.WebSocketMessage{Type: "error", Error: message}); err != nil {
		s.logger.WithError(err).Debug("Failed to send error message")
	}
}

// close sends a close frame and closes the connection. Later calls are no-ops.
func (s *wsSession) close(code int, message string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, message),
		time.Now().Add(time.Second))
	_ = s.conn.Close()
}
