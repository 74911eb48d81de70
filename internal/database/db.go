package database

import (
	"autoqual/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func Open(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&models.Account{},
		&models.Proxy{},
		&models.Card{},
		&models.Setting{},
		&models.OperationLog{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
