package aconf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPreCheckDefaults(t *testing.T) {
	var a Alarm
	a.PreCheck()

	assert.Equal(t, int64(5), a.Builder.RequeueDelay)
	assert.Equal(t, 10, a.Builder.MaxRequeue)
	assert.Equal(t, int64(10), a.Builder.QosThreshold)
	assert.Equal(t, int64(3600), a.Builder.QosWindow)
	assert.Equal(t, int64(60), a.Manager.Interval)
	assert.Equal(t, int64(30*86400), a.Manager.SnapshotTTL)
	assert.Equal(t, 5, a.Retry.Attempts)
	assert.Equal(t, int64(20), a.Retry.Backoff)
}

func TestPreCheckKeepsValues(t *testing.T) {
	a := Alarm{Builder: BuilderConfig{MaxRequeue: 3}, Shield: ShieldConfig{Timezone: "UTC"}}
	a.PreCheck()
	assert.Equal(t, 3, a.Builder.MaxRequeue)
	assert.Equal(t, "UTC", a.Shield.Timezone)
}
