package location

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestThrottle(interval time.Duration) (*Throttle, *time.Time) {
	t := NewThrottle(interval)
	now := time.Unix(1700000000, 0)
	t.now = func() time.Time { return now }
	return t, &now
}

func TestThrottle_AbsorbsInsideWindow(t *testing.T) {
	th, now := newTestThrottle(5 * time.Second)

	assert.True(t, th.Allow("d1"))
	*now = now.Add(2 * time.Second)
	assert.False(t, th.Allow("d1"), "second update within 5s is absorbed")
}

func TestThrottle_ReopensAfterWindow(t *testing.T) {
	th, now := newTestThrottle(5 * time.Second)

	assert.True(t, th.Allow("d1"))
	*now = now.Add(6 * time.Second)
	assert.True(t, th.Allow("d1"), "updates 6s apart both pass")
}

func TestThrottle_PerDriverWindows(t *testing.T) {
	th, _ := newTestThrottle(5 * time.Second)

	assert.True(t, th.Allow("d1"))
	assert.True(t, th.Allow("d2"), "one driver's window does not block another")
	assert.False(t, th.Allow("d2"))
}

func TestThrottle_ForgetResets(t *testing.T) {
	th, _ := newTestThrottle(5 * time.Second)

	assert.True(t, th.Allow("d1"))
	th.Forget("d1")
	assert.True(t, th.Allow("d1"), "reconnect starts a fresh window")
}

func TestThrottle_DefaultInterval(t *testing.T) {
	th := NewThrottle(0)
	assert.Equal(t, DefaultInterval, th.interval)
}
