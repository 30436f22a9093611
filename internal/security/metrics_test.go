package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetricsSnapshotTracksCounts(t *testing.T) {
	m := NewMetrics(nil)
	m.AuthFailure()
	m.AuthFailure()
	m.AuthBlocked()
	m.RateLimited()
	m.RequestServed()

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.AuthFailures)
	assert.Equal(t, uint64(1), snap.AuthBlocked)
	assert.Equal(t, uint64(1), snap.RateLimited)
	assert.Equal(t, uint64(1), snap.RequestsServed)
	assert.Equal(t, uint64(0), snap.RequestsBusy)
}
