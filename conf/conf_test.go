package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ccfos/alarmflow/pkg/secu"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
[Global]
RunMode = "debug"

[HTTP]
Port = 18080

[DB]
DBType = "sqlite"
DSN = "%s"

[Redis]
Address = "127.0.0.1:6379"
KeyPrefix = "bkmonitor"

[Alarm.Heartbeat]
IP = "10.0.0.1"

[Alarm.Builder]
QosThreshold = 20

[[Alarm.Builder.CircuitBreaking]]
StrategyIds = [1, 2]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "alarm.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestInitConfig(t *testing.T) {
	key := "0123456789abcdef"
	dsn, err := secu.DealWithEncrypt("file::memory:", key)
	require.NoError(t, err)

	c, err := InitConfig(writeConfig(t, fmt.Sprintf(testConfig, dsn)), key)
	require.NoError(t, err)

	assert.Equal(t, "debug", c.Global.RunMode)
	assert.Equal(t, 100000, c.Global.MemoryQueueSize)
	assert.Equal(t, "file::memory:", c.DB.DSN)
	assert.Equal(t, "bkmonitor", c.Alarm.KeyPrefix)
	assert.Equal(t, "10.0.0.1:18080", c.Alarm.Heartbeat.Endpoint)
	assert.Equal(t, int64(20), c.Alarm.Builder.QosThreshold)
	assert.Equal(t, int64(3600), c.Alarm.Builder.QosWindow)
	assert.Equal(t, int64(60), c.Alarm.Manager.Interval)
	require.Len(t, c.Alarm.Builder.CircuitBreaking, 1)
	assert.Equal(t, []int64{1, 2}, c.Alarm.Builder.CircuitBreaking[0].StrategyIds)
	assert.Equal(t, "alarmflow", c.Kafka.GroupId)
}

func TestInitConfigEnvironment(t *testing.T) {
	t.Setenv("ALARM_HTTP_PORT", "19090")

	c, err := InitConfig(writeConfig(t, fmt.Sprintf(testConfig, "file::memory:")), "")
	require.NoError(t, err)
	assert.Equal(t, 19090, c.HTTP.Port)
	assert.Equal(t, "10.0.0.1:19090", c.Alarm.Heartbeat.Endpoint)
}

func TestInitConfigBadExt(t *testing.T) {
	_, err := InitConfig("alarm.yaml", "")
	assert.Error(t, err)
}
