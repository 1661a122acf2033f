package storage

import (
	"github.com/ccfos/alarmflow/models"
	"github.com/ccfos/alarmflow/pkg/ormx"

	"gorm.io/gorm"
)

func New(cfg ormx.DBConfig) (*gorm.DB, error) {
	db, err := ormx.New(cfg, models.Tables()...)
	if err != nil {
		return nil, err
	}

	return db, nil
}
