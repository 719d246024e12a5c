package master

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"mbus-master-utils/src/server/master/mastertest"
)

// factory hands out the given buses in order and remembers the links.
type factory struct {
	mu    sync.Mutex
	buses []*mastertest.Bus
	links []Link
}

func (f *factory) build(link Link, _ zerolog.Logger) Bus {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links = append(f.links, link)
	b := f.buses[0]
	if len(f.buses) > 1 {
		f.buses = f.buses[1:]
	}
	return b
}

func newTestMaster(buses ...*mastertest.Bus) (*Master, *factory) {
	f := &factory{buses: buses}
	return New(WithBusFactory(f.build)), f
}

func openedMaster(t *testing.T, bus *mastertest.Bus) *Master {
	t.Helper()
	m, _ := newTestMaster(bus)
	require.NoError(t, m.OpenSerial("/dev/ttyS1", 2400))
	return m
}
