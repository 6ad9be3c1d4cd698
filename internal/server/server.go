package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/echobooth/echobooth/internal/audioio"
	"github.com/echobooth/echobooth/internal/capture"
	"github.com/echobooth/echobooth/internal/config"
	"github.com/echobooth/echobooth/internal/invite"
	"github.com/echobooth/echobooth/internal/notification"
	"github.com/echobooth/echobooth/internal/observability"
	"github.com/echobooth/echobooth/internal/store"
)

// Options carries the collaborators an APIServer needs. Store, Invites and
// UploadsDir are required; Registry, Metrics and Mailer get working defaults.
type Options struct {
	Config     config.Config
	Store      *store.Store
	Invites    *invite.Manager
	Registry   *capture.Registry
	Mailer     *notification.InviteMailer
	Metrics    *observability.Metrics
	UploadsDir string
}

// APIServer serves the invite API, admin projections and the audio
// ingestion WebSocket endpoint.
type APIServer struct {
	cfg        config.Config
	store      *store.Store
	invites    *invite.Manager
	registry   *capture.Registry
	mailer     *notification.InviteMailer
	metrics    *observability.Metrics
	uploadsDir string

	httpServer *http.Server
	startTime  time.Time

	createArtifact func(path string, format audioio.Format) (artifactWriter, error) // test seam
}

// New creates an APIServer from the given options.
func New(opts Options) (*APIServer, error) {
	if opts.Store == nil {
		return nil, errors.New("server: store required")
	}
	if opts.Invites == nil {
		return nil, errors.New("server: invite manager required")
	}
	if strings.TrimSpace(opts.UploadsDir) == "" {
		return nil, errors.New("server: uploads directory required")
	}
	if opts.Registry == nil {
		opts.Registry = capture.NewRegistry()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics()
	}
	if opts.Mailer == nil {
		opts.Mailer = notification.NewInviteMailer(
			notification.NewResendClient(opts.Config.ResendAPIKey, opts.Config.ResendFrom))
	}

	return &APIServer{
		cfg:            opts.Config,
		store:          opts.Store,
		invites:        opts.Invites,
		registry:       opts.Registry,
		mailer:         opts.Mailer,
		metrics:        opts.Metrics,
		uploadsDir:     opts.UploadsDir,
		startTime:      time.Now(),
		createArtifact: newWAVArtifact,
	}, nil
}

// Handler builds the route table.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions", s.handleSessionsCreate)
	mux.HandleFunc("/api/invite", s.handleQuickInvite)
	mux.HandleFunc("/api/tokens", s.handleTokensList)
	mux.HandleFunc("/api/record/", s.handleRecordInfo)
	mux.HandleFunc("/api/recordings", s.handleRecordingsList)
	mux.HandleFunc("/api/recordings/", s.handleRecordingDownload)
	mux.HandleFunc("/api/active", s.handleActiveSessions)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/ws/audio/", s.handleAudioWS)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return mux
}

// Start begins serving on the configured bind address and blocks until the
// listener stops.
func (s *APIServer) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.Bind,
		Handler: s.Handler(),
	}
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen on %s: %w", s.cfg.Bind, err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *APIServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// captureFormat returns the PCM format recordings are written with.
func (s *APIServer) captureFormat() audioio.Format {
	return audioio.Format{
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
		BitDepth:   s.cfg.SampleWidthBytes * 8,
	}
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:4] + strings.Repeat("*", len(token)-8) + token[len(token)-4:]
}
