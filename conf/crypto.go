package conf

import (
	"fmt"

	"github.com/ccfos/alarmflow/pkg/secu"
)

func decryptConfig(config *ConfigType, cryptoKey string) error {
	if cryptoKey == "" {
		return nil
	}

	secrets := []struct {
		name  string
		value *string
	}{
		{"db dsn", &config.DB.DSN},
		{"redis password", &config.Redis.Password},
		{"redis sentinel password", &config.Redis.SentinelPassword},
		{"elastic password", &config.Elastic.Password},
		{"cmdb token", &config.External.CMDB.Token},
		{"calendar token", &config.External.Calendar.Token},
		{"roles token", &config.External.Roles.Token},
		{"notice token", &config.External.Notice.Token},
		{"dispatcher token", &config.External.Dispatcher.Token},
		{"prometheus password", &config.External.Prometheus.BasicPass},
	}

	for _, s := range secrets {
		plain, err := secu.DealWithDecrypt(*s.value, cryptoKey)
		if err != nil {
			return fmt.Errorf("failed to decrypt the %s: %s", s.name, err)
		}
		*s.value = plain
	}

	for k := range config.HTTP.APIForService.BasicAuth {
		plain, err := secu.DealWithDecrypt(config.HTTP.APIForService.BasicAuth[k], cryptoKey)
		if err != nil {
			return fmt.Errorf("failed to decrypt http basic auth password: %s", err)
		}
		config.HTTP.APIForService.BasicAuth[k] = plain
	}

	return nil
}
