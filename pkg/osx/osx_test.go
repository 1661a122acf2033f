package osx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("ALARM_TEST_CONFIG", "etc/prod.toml")
	assert.Equal(t, "etc/prod.toml", GetEnv("ALARM_TEST_CONFIG", "etc/alarm.toml"))

	t.Setenv("ALARM_TEST_CONFIG", "")
	assert.Equal(t, "etc/alarm.toml", GetEnv("ALARM_TEST_CONFIG", "etc/alarm.toml"))
}
