package progress

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusy(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		state *State
		want  bool
	}{
		{"no record", nil, false},
		{"fresh and running", &State{Percentage: 40, Timestamp: now.Add(-10 * time.Minute).Unix()}, true},
		{"fresh at zero", &State{Percentage: 0, Timestamp: now.Add(-time.Minute).Unix()}, true},
		{"stale", &State{Percentage: 40, Timestamp: now.Add(-61 * time.Minute).Unix()}, false},
		{"completed", &State{Percentage: 100, Timestamp: now.Unix()}, false},
		{"failed", &State{Percentage: Failed, Timestamp: now.Unix()}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Busy(tt.state, now, time.Hour))
		})
	}
}

func TestBusy_DeadProcessIsStale(t *testing.T) {
	orig := processAlive
	t.Cleanup(func() { processAlive = orig })
	processAlive = func(pid int) bool { return pid != 4242 }

	now := time.Now()
	fresh := now.Add(-time.Minute).Unix()

	dead := &State{Percentage: 10, Timestamp: fresh, PID: 4242, Host: hostname()}
	assert.False(t, Busy(dead, now, time.Hour))

	alive := &State{Percentage: 10, Timestamp: fresh, PID: 7, Host: hostname()}
	assert.True(t, Busy(alive, now, time.Hour))

	otherHost := &State{Percentage: 10, Timestamp: fresh, PID: 4242, Host: "elsewhere"}
	assert.True(t, Busy(otherHost, now, time.Hour))
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", Filename)
	eta := int64(12)
	in := State{Percentage: 12.5, Message: "m", Timestamp: 100, Step: 2, TotalSteps: 5, ETA: &eta, ETAFormatted: "12s"}

	require.NoError(t, Write(path, in))
	out, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, in, *out)
}
