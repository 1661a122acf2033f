package logx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreCheck(t *testing.T) {
	var c Config
	c.PreCheck()
	assert.Equal(t, Config{Level: "INFO", Output: "stdout"}, c)

	c = Config{Output: "file"}
	c.PreCheck()
	assert.Equal(t, "logs", c.Dir)
	assert.Equal(t, uint(24), c.KeepHours)

	c = Config{Output: "file", RotateNum: 3}
	c.PreCheck()
	assert.Equal(t, uint(0), c.KeepHours)
	assert.Equal(t, uint64(256), c.RotateSize)
}

func TestInitOutputs(t *testing.T) {
	_, err := Init(Config{Output: "syslog"})
	assert.ErrorContains(t, err, `log output "syslog" invalid`)

	dir := filepath.Join(t.TempDir(), "logs")
	clean, err := Init(Config{Output: "file", Dir: dir, Level: "DEBUG"})
	require.NoError(t, err)
	defer clean()

	_, err = os.Stat(filepath.Join(dir, "INFO.log"))
	assert.NoError(t, err)
}
