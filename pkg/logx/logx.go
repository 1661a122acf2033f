package logx

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/toolkits/pkg/logger"
)

type Config struct {
	Dir        string
	Level      string
	Output     string
	KeepHours  uint
	RotateNum  int
	RotateSize uint64
}

// PreCheck fills the defaults of the alarm process: INFO to stdout, file output
// rotated hourly and kept for a day unless a size rotation is configured.
func (c *Config) PreCheck() {
	if c.Level == "" {
		c.Level = "INFO"
	}
	if c.Output == "" {
		c.Output = "stdout"
	}
	if c.Output != "file" {
		return
	}
	if c.Dir == "" {
		c.Dir = "logs"
	}
	if c.KeepHours == 0 && c.RotateNum == 0 {
		c.KeepHours = 24
	}
	if c.RotateNum != 0 && c.RotateSize == 0 {
		c.RotateSize = 256
	}
}

func Init(c Config) (func(), error) {
	c.PreCheck()
	logger.SetSeverity(c.Level)

	switch c.Output {
	case "stdout":
	case "stderr":
		logger.LogToStderr()
	case "file":
		lb, err := logger.NewFileBackend(c.Dir)
		if err != nil {
			return nil, errors.WithMessage(err, "NewFileBackend failed")
		}

		if c.KeepHours != 0 {
			lb.SetRotateByHour(true)
			lb.SetKeepHours(c.KeepHours)
		} else {
			lb.Rotate(c.RotateNum, c.RotateSize*1024*1024)
		}

		logger.SetLogging(c.Level, lb)
	default:
		return nil, errors.Errorf("log output %q invalid, valid outputs: stdout, stderr, file", c.Output)
	}

	return func() {
		fmt.Println("logger exiting")
		logger.Close()
	}, nil
}
