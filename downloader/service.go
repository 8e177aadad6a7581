package downloader

import (
	"context"
	"io"
	"sync"
	"time"
)

// Connector opens the byte stream an update image is received from. It
// fails while no host is connected.
type Connector interface {
	Connect(ctx context.Context) (io.ReadCloser, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context) (io.ReadCloser, error)

func (f ConnectorFunc) Connect(ctx context.Context) (io.ReadCloser, error) {
	return f(ctx)
}

// Service runs receptions on a dedicated goroutine, one connection at a
// time, until it is stopped. While it runs it is the only user of the
// flash.
type Service struct {
	downloader *Downloader
	connector  Connector

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a stopped Service.
func NewService(d *Downloader, c Connector) *Service {
	return &Service{
		downloader: d,
		connector:  c,
	}
}

// Start starts the reception loop. It returns ErrRunning if the Service is
// already started.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return ErrRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx, s.done)
	return nil
}

// Stop stops the reception loop and waits for it to exit. A reception in
// progress is abandoned between two pages.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if done == nil {
		return
	}
	cancel()
	<-done
}

// Wait blocks until the reception loop exits, either because Stop was
// called or because the context passed to Start was cancelled.
func (s *Service) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (s *Service) run(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		if s.done == done {
			s.cancel()
			s.cancel, s.done = nil, nil
		}
		s.mu.Unlock()
		close(done)
	}()

	cfg := s.downloader.config
	log := cfg.Logger
	log.Debug("downloader started")
	defer log.Debug("downloader stopped")

	for {
		log.Debug("waiting for connection")
		conn, err := s.connector.Connect(ctx)
		if err == nil {
			log.Info("updater connected")
			result, err := s.downloader.Receive(ctx, conn)
			if cerr := conn.Close(); cerr != nil {
				log.WithError(cerr).Warn("cannot close connection")
			}
			if err != nil && ctx.Err() == nil {
				log.WithError(err).Error("reception failed")
			}
			if cfg.OnResult != nil && ctx.Err() == nil {
				cfg.OnResult(result, err)
			}
		} else if ctx.Err() == nil {
			log.WithError(err).Debug("no connection")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.PollInterval):
		}
	}
}
