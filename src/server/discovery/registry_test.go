package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(r *Registry, start time.Time) *time.Time {
	now := start
	r.now = func() time.Time { return now }
	return &now
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	now := fixedClock(r, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	r.RecordScan([]string{"223456782D2C0107", "123456782D2C0104"})
	*now = now.Add(time.Minute)
	r.RecordReading("123456782D2C0104", 812)
	r.RecordReading("123456782D2C0104", 820)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "123456782D2C0104", list[0].Address)
	assert.Equal(t, 820, list[0].ReadingSize)
	assert.Equal(t, 2, list[0].Readings)
	assert.Equal(t, *now, list[0].LastReading)
	assert.True(t, list[1].LastReading.IsZero())
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), list[1].LastSeen)
}

func TestRegistryRename(t *testing.T) {
	r := NewRegistry()
	r.RecordReading("5", 100)
	r.Rename("5", "9")
	r.Rename("77", "78")

	_, ok := r.Get("5")
	assert.False(t, ok)
	m, ok := r.Get("9")
	require.True(t, ok)
	assert.Equal(t, "9", m.Address)
	assert.Equal(t, 1, m.Readings)
	assert.Len(t, r.List(), 1)
}

func TestRegistryListIsCopy(t *testing.T) {
	r := NewRegistry()
	r.RecordScan([]string{"1234567800000000"})
	list := r.List()
	list[0].Readings = 42

	m, _ := r.Get("1234567800000000")
	assert.Zero(t, m.Readings)
	assert.NotNil(t, NewRegistry().List())
}
