package external

import (
	"time"

	"github.com/ccfos/alarmflow/pkg/poster"
)

type APIConfig struct {
	Addrs      []string
	AuthHeader string
	Token      string
	Timeout    int64
}

func (c APIConfig) auth() poster.Auth {
	header := c.AuthHeader
	if header == "" {
		header = "X-Bkapi-Authorization"
	}
	return poster.Auth{Header: header, Token: c.Token}
}

func (c APIConfig) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Timeout) * time.Millisecond
}

type PrometheusConfig struct {
	Addr      string
	Timeout   int64
	BasicUser string
	BasicPass string
}

type Config struct {
	CMDB       APIConfig
	Calendar   APIConfig
	Roles      APIConfig
	Notice     APIConfig
	Dispatcher APIConfig
	Prometheus PrometheusConfig
}

func (c PrometheusConfig) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Timeout) * time.Millisecond
}
