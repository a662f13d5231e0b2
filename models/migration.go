package models

import (
	"gorm.io/gorm"
)

func MigrateModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Product{},
		&ParameterCategory{},
		&Parameter{},
		&Unit{},
		&Methodology{},
		&StandardDefinition{},
		&Batch{},
		&ParameterValue{},
		&History{},
		&Notification{},
	)
}
