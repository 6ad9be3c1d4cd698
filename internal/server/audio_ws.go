package server

import (
	"context"
	"io"
	"log"
	"math"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/echobooth/echobooth/internal/audioio"
	"github.com/echobooth/echobooth/internal/capture"
	"github.com/echobooth/echobooth/internal/invite"
	"github.com/echobooth/echobooth/internal/sanitize"
)

// Application close codes sent when a connection is refused before capture
// starts. Codes 4000-4999 are reserved for application use by RFC 6455.
const (
	CloseInvalidToken = 4001
	CloseAlreadyUsed  = 4002
	CloseExpired      = 4003
)

// ackInterval controls how often chunk acknowledgements go back to the
// client. Acks are best effort; a slow client never stalls ingestion.
const ackInterval = 10

const websocketWriteTimeout = 10 * time.Second

var audioUpgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 4 * 1024,
	// The token in the path is the credential; browser origin adds nothing.
	CheckOrigin: func(*http.Request) bool { return true },
}

type chunkAck struct {
	Type   string `json:"type"`
	Chunks uint64 `json:"chunks"`
}

// artifactWriter is the slice of audioio.Writer the capture path depends on.
type artifactWriter interface {
	io.Writer
	io.Closer
	TotalSize() int64
	Duration() time.Duration
}

func newWAVArtifact(path string, format audioio.Format) (artifactWriter, error) {
	w, err := audioio.Create(path, format)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// captureOutcome records why a capture session ended.
type captureOutcome int

const (
	outcomeClientClosed captureOutcome = iota
	outcomeTransportError
	outcomeWriteError
)

func (o captureOutcome) String() string {
	switch o {
	case outcomeClientClosed:
		return "client closed"
	case outcomeTransportError:
		return "transport error"
	case outcomeWriteError:
		return "write error"
	default:
		return "unknown"
	}
}

// handleAudioWS admits a capture connection. The token must still be
// pending; admission consumes it, so a disconnect mid-stream does not allow
// a retry under the same token.
func (s *APIServer) handleAudioWS(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.URL.Path, "/ws/audio/")
	if token == "" || strings.Contains(token, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	inv, err := s.invites.ValidateForRecording(r.Context(), token)
	if err != nil {
		s.rejectWS(w, r, token, err)
		return
	}

	if err := s.invites.BeginRecording(r.Context(), token); err != nil {
		s.rejectWS(w, r, token, err)
		return
	}

	conn, err := audioUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error; the token is burned, which
		// is the documented single-use contract.
		log.Printf("[AudioWS] upgrade failed for %s: %v", maskToken(token), err)
		return
	}

	s.runCapture(conn, inv.Token, inv.DisplayName, inv.Email, inv.SessionName)
}

// rejectWS completes the WebSocket handshake and then immediately closes
// with an application close code, so browser clients can read the reason.
// Plain HTTP clients that never upgrade get a JSON error instead.
func (s *APIServer) rejectWS(w http.ResponseWriter, r *http.Request, token string, cause error) {
	reason, ok := invite.ReasonOf(cause)
	if !ok {
		log.Printf("[AudioWS] admission check for %s: %v", maskToken(token), cause)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var code int
	var msg string
	switch reason {
	case invite.ReasonExpired:
		code, msg = CloseExpired, "token expired"
	case invite.ReasonAlreadyUsed:
		code, msg = CloseAlreadyUsed, "token already used"
	default:
		code, msg = CloseInvalidToken, "invalid token"
	}
	s.metrics.RecordRejection(string(reason))
	log.Printf("[AudioWS] rejected %s: %s", maskToken(token), msg)

	if !websocket.IsWebSocketUpgrade(r) {
		writeError(w, http.StatusForbidden, msg)
		return
	}
	conn, err := audioUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	deadline := time.Now().Add(websocketWriteTimeout)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, msg), deadline)
}

// runCapture owns the connection for its whole life: it is the only reader,
// and the deferred finalizer is the single place the token gets completed,
// so completion happens exactly once regardless of how the stream ends.
func (s *APIServer) runCapture(conn *websocket.Conn, token, displayName, email, sessionName string) {
	defer conn.Close()

	started := time.Now().UTC()
	filename := artifactFilename(sessionName, displayName, started)

	writer, err := s.createArtifact(filepath.Join(s.uploadsDir, filename), s.captureFormat())
	if err != nil {
		log.Printf("[AudioWS] create artifact for %s: %v", maskToken(token), err)
		// The token is already in recording state; park it as completed with
		// no artifact rather than stranding it.
		if cerr := s.invites.Complete(context.Background(), token, "", 0, 0); cerr != nil {
			log.Printf("[AudioWS] finalize artifact-less token %s: %v", maskToken(token), cerr)
		}
		deadline := time.Now().Add(websocketWriteTimeout)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "storage error"), deadline)
		return
	}

	session := capture.NewSession(token, displayName, email, sessionName, filename, started)
	s.registry.Add(session)
	s.metrics.SessionsStarted.Add(1)
	log.Printf("[AudioWS] capture started: %s -> %s", maskToken(token), filename)

	outcome := outcomeClientClosed
	defer func() {
		if err := writer.Close(); err != nil {
			log.Printf("[AudioWS] close artifact %s: %v", filename, err)
		}
		s.registry.Remove(token)

		// Finalization must not depend on the request context; the client
		// disconnecting is the normal way a capture ends.
		duration := math.Round(writer.Duration().Seconds()*100) / 100
		if err := s.invites.Complete(context.Background(), token, filename, writer.TotalSize(), duration); err != nil {
			log.Printf("[AudioWS] complete token %s: %v", maskToken(token), err)
		}
		s.metrics.SessionsCompleted.Add(1)
		log.Printf("[AudioWS] capture finished (%s): %s, %d chunks, %d bytes, %.2fs",
			outcome, filename, session.Chunks(), writer.TotalSize(), duration)
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				outcome = outcomeClientClosed
			} else {
				outcome = outcomeTransportError
				log.Printf("[AudioWS] read from %s: %v", maskToken(token), err)
			}
			return
		}
		if msgType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}

		if _, err := writer.Write(data); err != nil {
			outcome = outcomeWriteError
			log.Printf("[AudioWS] write chunk for %s: %v", maskToken(token), err)
			deadline := time.Now().Add(websocketWriteTimeout)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "storage error"), deadline)
			return
		}

		chunks := session.AddChunk()
		s.metrics.ChunksReceived.Add(1)
		s.metrics.AudioBytes.Add(uint64(len(data)))

		if chunks%ackInterval == 0 {
			conn.SetWriteDeadline(time.Now().Add(websocketWriteTimeout))
			if err := conn.WriteJSON(chunkAck{Type: "ack", Chunks: chunks}); err != nil {
				log.Printf("[AudioWS] ack to %s: %v", maskToken(token), err)
			}
		}
	}
}

// artifactFilename builds the on-disk name for a capture: sanitized session
// and participant components plus a UTC timestamp, always .wav.
func artifactFilename(sessionName, displayName string, ts time.Time) string {
	return sanitize.FileComponent(sessionName) + "_" +
		sanitize.FileComponent(displayName) + "_" +
		ts.Format("20060102_150405") + ".wav"
}
