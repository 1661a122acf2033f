package conf

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/ccfos/alarmflow/alarm/aconf"
	"github.com/ccfos/alarmflow/alarm/external"
	"github.com/ccfos/alarmflow/alarm/queue"
	"github.com/ccfos/alarmflow/pkg/httpx"
	"github.com/ccfos/alarmflow/pkg/logx"
	"github.com/ccfos/alarmflow/pkg/ormx"
	"github.com/ccfos/alarmflow/storage"

	"github.com/koding/multiconfig"
)

type ConfigType struct {
	Global   GlobalConfig
	Log      logx.Config
	HTTP     httpx.Config
	DB       ormx.DBConfig
	Redis    storage.RedisConfig
	Elastic  storage.ElasticConfig
	Kafka    queue.KafkaConfig
	Alarm    aconf.Alarm
	External external.Config
}

type GlobalConfig struct {
	RunMode string `default:"release"`
	// size of each in-process queue when kafka is disabled
	MemoryQueueSize int `default:"100000"`
}

// InitConfig loads the toml or json file, then the ALARM_ prefixed environment overrides it.
func InitConfig(configFile, cryptoKey string) (*ConfigType, error) {
	loaders := []multiconfig.Loader{
		&multiconfig.TagLoader{},
	}

	switch {
	case strings.HasSuffix(configFile, ".toml"), strings.HasSuffix(configFile, ".conf"):
		loaders = append(loaders, &multiconfig.TOMLLoader{Path: configFile})
	case strings.HasSuffix(configFile, ".json"):
		loaders = append(loaders, &multiconfig.JSONLoader{Path: configFile})
	default:
		return nil, fmt.Errorf("config file %s invalid, valid file exts: .conf,.toml,.json", configFile)
	}

	loaders = append(loaders, &multiconfig.EnvironmentLoader{Prefix: "ALARM", CamelCase: true})

	m := multiconfig.DefaultLoader{
		Loader:    multiconfig.MultiLoader(loaders...),
		Validator: multiconfig.MultiValidator(&multiconfig.RequiredValidator{}),
	}

	var config = new(ConfigType)
	if err := m.Load(config); err != nil {
		return nil, fmt.Errorf("failed to load config %s: %v", configFile, err)
	}

	if err := decryptConfig(config, cryptoKey); err != nil {
		return nil, err
	}

	config.PreCheck()

	if config.Alarm.Heartbeat.IP == "" {
		// auto detect
		config.Alarm.Heartbeat.IP = fmt.Sprint(GetOutboundIP())
		if config.Alarm.Heartbeat.IP == "" {
			hostname, err := os.Hostname()
			if err != nil {
				return nil, fmt.Errorf("failed to get hostname: %v", err)
			}

			if strings.Contains(hostname, "localhost") {
				fmt.Println("Warning! hostname contains substring localhost, setting a more unique hostname is recommended")
			}

			config.Alarm.Heartbeat.IP = hostname
		}
	}

	config.Alarm.Heartbeat.Endpoint = fmt.Sprintf("%s:%d", config.Alarm.Heartbeat.IP, config.HTTP.Port)

	return config, nil
}

func (c *ConfigType) PreCheck() {
	c.HTTP.PreCheck()
	c.Kafka.PreCheck()
	c.Alarm.PreCheck()

	if c.Alarm.KeyPrefix == "" {
		c.Alarm.KeyPrefix = c.Redis.KeyPrefix
	}

	if c.Global.MemoryQueueSize <= 0 {
		c.Global.MemoryQueueSize = 100000
	}
}

func GetOutboundIP() net.IP {
	conn, err := net.Dial("udp", "223.5.5.5:80")
	if err != nil {
		fmt.Println("auto get outbound ip fail:", err)
		return []byte{}
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	return localAddr.IP
}
