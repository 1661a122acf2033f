package ormx

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	tklog "github.com/toolkits/pkg/logger"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// DBConfig GORM DBConfig
type DBConfig struct {
	Debug        bool
	DBType       string
	DSN          string
	MaxLifetime  int
	MaxOpenConns int
	MaxIdleConns int
	TablePrefix  string
	AutoMigrate  bool
}

var gormLogger = logger.New(
	&TKitLogger{tklog.GetLogger()},
	logger.Config{
		SlowThreshold:             2 * time.Second,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	},
)
var logLevelMap map[string]logger.LogLevel

func init() {
	logLevelMap = make(map[string]logger.LogLevel, 8)
	v := reflect.ValueOf(gormLogger).Elem()
	logLevelMap[v.FieldByName("infoStr").String()] = logger.Info
	logLevelMap[v.FieldByName("warnStr").String()] = logger.Warn
	logLevelMap[v.FieldByName("errStr").String()] = logger.Error
	logLevelMap[v.FieldByName("traceStr").String()] = logger.Info
	logLevelMap[v.FieldByName("traceWarnStr").String()] = logger.Warn
	logLevelMap[v.FieldByName("traceErrStr").String()] = logger.Error
}

// TKitLogger routes gorm logs to the toolkits logger.
type TKitLogger struct {
	writer *tklog.Logger
}

func (l *TKitLogger) Printf(s string, i ...interface{}) {
	level, ok := logLevelMap[s]
	if !ok {
		l.writer.Debugf(s, i...)
		return
	}
	switch level {
	case logger.Info:
		l.writer.Infof(s, i...)
	case logger.Warn:
		l.writer.Warningf(s, i...)
	case logger.Error:
		l.writer.Errorf(s, i...)
	default:
		l.writer.Debugf(s, i...)
	}
}

func dialectorOf(c DBConfig) (gorm.Dialector, error) {
	switch strings.ToLower(c.DBType) {
	case "mysql":
		return mysql.Open(c.DSN), nil
	case "postgres":
		return postgres.Open(c.DSN), nil
	case "sqlite":
		return sqlite.Open(c.DSN), nil
	default:
		return nil, fmt.Errorf("dialector(%s) not supported", c.DBType)
	}
}

// New Create gorm.DB instance, tables are migrated when AutoMigrate is on
func New(c DBConfig, tables ...interface{}) (*gorm.DB, error) {
	dialector, err := dialectorOf(c)
	if err != nil {
		return nil, err
	}

	gconfig := &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			TablePrefix:   c.TablePrefix,
			SingularTable: true,
		},
		Logger: gormLogger,
	}

	db, err := gorm.Open(dialector, gconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if c.Debug {
		db = db.Debug()
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	if strings.ToLower(c.DBType) != "sqlite" {
		sqlDB.SetMaxIdleConns(c.MaxIdleConns)
		sqlDB.SetMaxOpenConns(c.MaxOpenConns)
		sqlDB.SetConnMaxLifetime(time.Duration(c.MaxLifetime) * time.Second)
	}

	if c.AutoMigrate && len(tables) > 0 {
		if err := db.AutoMigrate(tables...); err != nil {
			return nil, fmt.Errorf("failed to migrate tables: %v", err)
		}
	}

	return db, nil
}
