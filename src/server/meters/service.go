package meters

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mbus-master-utils/src/server/discovery"
	"mbus-master-utils/src/server/master"
	"mbus-master-utils/src/server/publish"
)

const defaultCloseRetry = 500 * time.Millisecond

// Service is the blocking front of a Master shared by the HTTP API, the TCP
// server and the CLI. It keeps the meter registry current and forwards
// results to the publisher.
type Service struct {
	master     *master.Master
	registry   *discovery.Registry
	publisher  publish.Publisher
	log        zerolog.Logger
	closeRetry time.Duration

	autoMu   sync.Mutex
	autoLink *master.Link
}

func NewService(m *master.Master, registry *discovery.Registry, pub publish.Publisher, logger zerolog.Logger) *Service {
	if registry == nil {
		registry = discovery.NewRegistry()
	}
	if pub == nil {
		pub = publish.NoopPublisher{}
	}
	return &Service{
		master:     m,
		registry:   registry,
		publisher:  pub,
		log:        logger.With().Str("component", "meters").Logger(),
		closeRetry: defaultCloseRetry,
	}
}

func (s *Service) Open(link master.Link) error {
	return s.master.Open(link)
}

// SetAutoOpen makes every operation open link first when the master is
// closed. A nil link turns it off.
func (s *Service) SetAutoOpen(link *master.Link) {
	s.autoMu.Lock()
	defer s.autoMu.Unlock()
	s.autoLink = link
}

func (s *Service) ensureOpen() {
	s.autoMu.Lock()
	defer s.autoMu.Unlock()
	if s.autoLink == nil || s.master.Connected() {
		return
	}
	err := s.master.Open(*s.autoLink)
	if err != nil && !errors.Is(err, master.ErrAlreadyConnected) {
		// the operation reports NotConnected
		s.log.Warn().Err(err).Stringer("link", *s.autoLink).Msg("auto open failed")
		return
	}
	s.log.Info().Stringer("link", *s.autoLink).Msg("auto opened")
}

// Close closes the link, waiting for a running operation to finish until
// ctx ends.
func (s *Service) Close(ctx context.Context) error {
	for {
		err := s.master.Close()
		if !errors.Is(err, master.ErrBusy) {
			return err
		}
		s.log.Debug().Dur("retry", s.closeRetry).Msg("close deferred, communication in progress")
		select {
		case <-ctx.Done():
			return err
		case <-time.After(s.closeRetry):
		}
	}
}

func (s *Service) Status() master.Status {
	return s.master.Status()
}

func (s *Service) Meters() []discovery.Meter {
	return s.registry.List()
}

// Get reads one meter and returns its XML document.
func (s *Service) Get(ctx context.Context, address string) (string, error) {
	return s.GetFrames(ctx, address, master.MaxFrames)
}

// GetFrames is Get with a limit on the reply chain.
func (s *Service) GetFrames(ctx context.Context, address string, maxFrames int) (string, error) {
	s.ensureOpen()
	doc, err := s.master.GetFrames(address, maxFrames).Wait(ctx)
	if err != nil {
		return "", err
	}
	key := address
	if a, perr := master.ParseAddress(address); perr == nil {
		key = a.String()
	}
	s.registry.RecordReading(key, len(doc))
	if err := s.publisher.PublishReading(key, doc); err != nil {
		s.log.Warn().Err(err).Str("address", key).Msg("publish reading")
	}
	return doc, nil
}

// Scan runs a full secondary scan.
func (s *Service) Scan(ctx context.Context, progress func(master.ScanProgress)) ([]string, error) {
	return s.ScanRange(ctx, master.FullMask, progress)
}

func (s *Service) ScanRange(ctx context.Context, mask string, progress func(master.ScanProgress)) ([]string, error) {
	s.ensureOpen()
	found, err := s.master.ScanRange(mask, progress).Wait(ctx)
	if err != nil {
		return nil, err
	}
	s.registry.RecordScan(found)
	if err := s.publisher.PublishScan(found); err != nil {
		s.log.Warn().Err(err).Msg("publish scan")
	}
	return found, nil
}

func (s *Service) SetPrimaryID(ctx context.Context, oldAddress string, newAddress int) error {
	s.ensureOpen()
	if _, err := s.master.SetPrimaryID(oldAddress, newAddress).Wait(ctx); err != nil {
		return err
	}
	if a, err := master.ParseAddress(oldAddress); err == nil && !a.IsSecondary() {
		s.registry.Rename(a.String(), strconv.Itoa(newAddress))
	}
	return nil
}
