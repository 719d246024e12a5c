package master

import (
	"strings"

	"github.com/rs/zerolog"

	"mbus-master-utils/src/server/mbus"
)

// FullMask matches every device on the segment.
const FullMask = "FFFFFFFFFFFFFFFF"

// ScanProgress is reported before each probe of a wildcard position.
type ScanProgress struct {
	Position int    `json:"position"`
	Mask     string `json:"mask"`
}

// Scan discovers the secondary addresses of every device on the segment.
// progress, if set, is called on the worker goroutine.
func (m *Master) Scan(progress func(ScanProgress)) *Future[[]string] {
	return m.ScanRange(FullMask, progress)
}

// ScanRange discovers the devices matching mask. Fixed positions of mask
// are kept; wildcard positions are enumerated.
func (m *Master) ScanRange(mask string, progress func(ScanProgress)) *Future[[]string] {
	return submit(m, "scan", func(bus Bus) ([]string, error) {
		if !mbus.IsSecondaryAddress(mask) {
			return nil, newError(KindInvalidAddress, "invalid scan mask %q", mask)
		}
		if err := initSlaves(bus); err != nil {
			return nil, err
		}
		s := &scanner{bus: bus, progress: progress, log: m.log}
		found, err := s.narrow(0, strings.ToUpper(mask), nil)
		if err != nil {
			// partial results are dropped
			return nil, err
		}
		m.log.Info().Int("devices", len(found)).Msg("scan complete")
		return found, nil
	})
}

type scanner struct {
	bus      Bus
	progress func(ScanProgress)
	log      zerolog.Logger
}

// narrow resolves mask from pos onwards. Every branch gets its own mask
// value; found is threaded through and returned.
func (s *scanner) narrow(pos int, mask string, found []string) ([]string, error) {
	if pos >= mbus.SecondaryAddressLen {
		return found, nil
	}

	if !mbus.IsWildcard(mask[pos]) {
		if pos < mbus.SecondaryAddressLen-1 {
			return s.narrow(pos+1, mask, found)
		}
		if s.progress != nil {
			s.progress(ScanProgress{Position: pos, Mask: mask})
		}
		return s.probe(pos, mask, found)
	}

	var err error
	for d := byte('0'); d <= '9'; d++ {
		candidate := mask[:pos] + string(d) + mask[pos+1:]
		if s.progress != nil {
			s.progress(ScanProgress{Position: pos, Mask: candidate})
		}
		found, err = s.probe(pos, candidate, found)
		if err != nil {
			return found, err
		}
	}
	return found, nil
}

func (s *scanner) probe(pos int, mask string, found []string) ([]string, error) {
	res, addr, err := s.bus.ProbeSecondary(mask)
	switch res {
	case mbus.ProbeSingle:
		s.log.Debug().Str("mask", mask).Str("address", addr).Msg("device found")
		return appendUnique(found, addr), nil
	case mbus.ProbeCollision:
		return s.narrow(pos+1, mask, found)
	case mbus.ProbeNothing:
		return found, nil
	}
	return found, wrapError(KindProbeFailed, err, "failed to probe secondary address %s", mask)
}

func appendUnique(list []string, addr string) []string {
	for _, a := range list {
		if a == addr {
			return list
		}
	}
	return append(list, addr)
}
