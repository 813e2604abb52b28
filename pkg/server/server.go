package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"
)

const defaultShutdownTimeout = 20 * time.Second

type Server struct {
	*http.Server
	// Listener is used instead of listening on Addr when set.
	Listener net.Listener
	Logger   *slog.Logger
	// CertFile and KeyFile switch the server to TLS when both are set.
	CertFile string
	KeyFile  string
	// ShutdownTimeout bounds the graceful shutdown.
	ShutdownTimeout time.Duration
	// CleanUpFuncs is a list of functions that will be called when the server has successfully shutdown.
	CleanUpFuncs []func(ctx context.Context)
}

// Start serves until ctx is cancelled, then shuts down gracefully and runs the
// clean up functions.
func (s *Server) Start(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	timeout := s.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}

	s.Server.BaseContext = func(_ net.Listener) context.Context {
		return ctx
	}

	done := make(chan error, 1)

	go func() {
		<-ctx.Done()

		logger.Info("server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		err := s.Server.Shutdown(shutdownCtx)
		if err != nil {
			logger.Error("graceful shutdown failed", slog.Any("error", err))
		}

		for _, cf := range s.CleanUpFuncs {
			cf(shutdownCtx)
		}

		done <- err
	}()

	useTLS := s.CertFile != "" && s.KeyFile != ""

	var err error
	switch {
	case s.Listener != nil && useTLS:
		logger.Info("server started", slog.String("addr", s.Listener.Addr().String()), slog.Bool("tls", true))
		err = s.ServeTLS(s.Listener, s.CertFile, s.KeyFile)
	case s.Listener != nil:
		logger.Info("server started", slog.String("addr", s.Listener.Addr().String()))
		err = s.Serve(s.Listener)
	case useTLS:
		logger.Info("server started", slog.String("addr", s.Server.Addr), slog.Bool("tls", true))
		err = s.ListenAndServeTLS(s.CertFile, s.KeyFile)
	default:
		logger.Info("server started", slog.String("addr", s.Server.Addr))
		err = s.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server exit: %w", err)
	}

	return <-done
}
