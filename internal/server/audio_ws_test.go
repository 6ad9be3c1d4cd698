package server

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/echobooth/echobooth/internal/audioio"
	"github.com/echobooth/echobooth/internal/store"
)

func (e *testEnv) dialAudio(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws/audio/" + token
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitForStatus polls until the token reaches the wanted state; finalization
// runs after the client side observes the close, so a direct read can race.
func (e *testEnv) waitForStatus(t *testing.T, token string, want store.Status) *store.Invite {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		inv, err := e.store.GetInvite(context.Background(), token)
		if err != nil {
			t.Fatalf("get invite: %v", err)
		}
		if inv.Status == want {
			return inv
		}
		if time.Now().After(deadline) {
			t.Fatalf("token %s stuck in %s, want %s", token, inv.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func expectCloseCode(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected close with code %d, got a message", code)
	}
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != code {
		t.Fatalf("expected close code %d, got %d (%s)", code, closeErr.Code, closeErr.Text)
	}
}

// waitForChunks polls until the open session for token has consumed at
// least want chunks.
func (e *testEnv) waitForChunks(t *testing.T, token string, want uint64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if sess := e.api.registry.Get(token); sess != nil && sess.Chunks() >= want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session for %s never reached %d chunks", token, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAudioCaptureEndToEnd(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	inv, err := env.invites.CreateInvite(ctx, "harry@example.com", "Harry", "Podcast Ep 4")
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}

	conn := env.dialAudio(t, inv.Token)

	// 100ms of 48kHz mono 16-bit PCM per chunk.
	chunk := bytes.Repeat([]byte{0x01, 0x02}, 4800)
	for i := 0; i < 3; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			t.Fatalf("write chunk %d: %v", i, err)
		}
	}
	if err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second)); err != nil {
		t.Fatalf("send close: %v", err)
	}

	done := env.waitForStatus(t, inv.Token, store.StatusCompleted)

	if done.RecordingFile == "" {
		t.Fatalf("completed token has no artifact")
	}
	if !strings.HasPrefix(done.RecordingFile, "Podcast_Ep_4_Harry_") || !strings.HasSuffix(done.RecordingFile, ".wav") {
		t.Errorf("unexpected artifact name: %q", done.RecordingFile)
	}
	if done.RecordingDurationSec != 0.3 {
		t.Errorf("unexpected duration: %v", done.RecordingDurationSec)
	}

	path := filepath.Join(env.uploads, done.RecordingFile)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat artifact: %v", err)
	}
	if info.Size() != 44+3*9600 {
		t.Errorf("unexpected artifact size: %d", info.Size())
	}
	if done.RecordingSize != info.Size() {
		t.Errorf("store size %d disagrees with file size %d", done.RecordingSize, info.Size())
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open artifact: %v", err)
	}
	defer f.Close()
	reader, err := audioio.NewReader(f)
	if err != nil {
		t.Fatalf("parse artifact: %v", err)
	}
	if got := reader.Format(); got.SampleRate != 48000 || got.Channels != 1 || got.BitDepth != 16 {
		t.Errorf("unexpected format: %+v", got)
	}
	if reader.DataSize() != 3*9600 {
		t.Errorf("unexpected data size: %d", reader.DataSize())
	}
}

func TestAudioWSSingleUse(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	inv, err := env.invites.CreateInvite(ctx, "iris@example.com", "Iris", "")
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}

	first := env.dialAudio(t, inv.Token)
	env.waitForStatus(t, inv.Token, store.StatusRecording)

	// Second connection while the first is live: refused, not queued.
	second := env.dialAudio(t, inv.Token)
	expectCloseCode(t, second, CloseAlreadyUsed)

	first.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	env.waitForStatus(t, inv.Token, store.StatusCompleted)

	// And refused again after completion.
	third := env.dialAudio(t, inv.Token)
	expectCloseCode(t, third, CloseAlreadyUsed)
}

func TestAudioWSAbruptDisconnectFinalizes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	inv, err := env.invites.CreateInvite(ctx, "max@example.com", "Max", "Retro")
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}

	conn := env.dialAudio(t, inv.Token)
	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 9600)); err != nil {
		t.Fatalf("write chunk: %v", err)
	}
	env.waitForChunks(t, inv.Token, 1)

	// Kill the TCP connection without a close handshake.
	if err := conn.UnderlyingConn().Close(); err != nil {
		t.Fatalf("kill connection: %v", err)
	}

	done := env.waitForStatus(t, inv.Token, store.StatusCompleted)
	if done.RecordingFile == "" {
		t.Fatalf("completed token has no artifact")
	}
	if done.RecordingSize != 44+9600 {
		t.Errorf("unexpected artifact size: %d", done.RecordingSize)
	}
	if _, err := os.Stat(filepath.Join(env.uploads, done.RecordingFile)); err != nil {
		t.Errorf("artifact missing: %v", err)
	}
	// Finalization removes the session before the token flips, so the
	// registry must already be drained here.
	if got := env.api.registry.Len(); got != 0 {
		t.Errorf("registry not drained, %d sessions left", got)
	}
}

type brokenArtifact struct {
	closed atomic.Bool
}

func (b *brokenArtifact) Write(p []byte) (int, error) {
	return 0, errors.New("no space left on device")
}

func (b *brokenArtifact) Close() error {
	b.closed.Store(true)
	return nil
}

func (b *brokenArtifact) TotalSize() int64        { return 44 }
func (b *brokenArtifact) Duration() time.Duration { return 0 }

func TestAudioWSWriteFailureFinalizes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	artifact := &brokenArtifact{}
	env.api.createArtifact = func(string, audioio.Format) (artifactWriter, error) {
		return artifact, nil
	}

	inv, err := env.invites.CreateInvite(ctx, "nina@example.com", "Nina", "Retro")
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}

	conn := env.dialAudio(t, inv.Token)
	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 9600)); err != nil {
		t.Fatalf("write chunk: %v", err)
	}
	expectCloseCode(t, conn, websocket.CloseInternalServerErr)

	done := env.waitForStatus(t, inv.Token, store.StatusCompleted)
	if done.RecordingSize != 44 {
		t.Errorf("unexpected recorded size: %d", done.RecordingSize)
	}
	if !artifact.closed.Load() {
		t.Errorf("artifact writer was not closed")
	}
	if got := env.api.registry.Len(); got != 0 {
		t.Errorf("registry not drained, %d sessions left", got)
	}
}

func TestAudioWSUnknownToken(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	conn := env.dialAudio(t, strings.Repeat("0", 32))
	expectCloseCode(t, conn, CloseInvalidToken)
}

func TestAudioWSExpiredToken(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	inv, err := env.invites.CreateInvite(ctx, "jan@example.com", "", "")
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}
	if _, err := env.store.TransitionStatus(ctx, inv.Token, store.StatusPending, store.StatusExpired); err != nil {
		t.Fatalf("force expire: %v", err)
	}

	conn := env.dialAudio(t, inv.Token)
	expectCloseCode(t, conn, CloseExpired)
}

func TestAudioWSAcks(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	inv, err := env.invites.CreateInvite(ctx, "kim@example.com", "Kim", "")
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}

	conn := env.dialAudio(t, inv.Token)
	chunk := make([]byte, 960)
	for i := 0; i < ackInterval; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			t.Fatalf("write chunk %d: %v", i, err)
		}
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack chunkAck
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Type != "ack" || ack.Chunks != ackInterval {
		t.Errorf("unexpected ack: %+v", ack)
	}
}

func TestAudioWSIgnoresTextFrames(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	inv, err := env.invites.CreateInvite(ctx, "leo@example.com", "Leo", "")
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}

	conn := env.dialAudio(t, inv.Token)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("write text: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 9600)); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))

	done := env.waitForStatus(t, inv.Token, store.StatusCompleted)
	if done.RecordingSize != 44+9600 {
		t.Errorf("text frame should not reach the artifact, size %d", done.RecordingSize)
	}
	if done.RecordingDurationSec != 0.1 {
		t.Errorf("unexpected duration: %v", done.RecordingDurationSec)
	}
}
