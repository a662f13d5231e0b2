package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/qms_backend/config"
	"bitbucket.org/mmdatafocus/qms_backend/utils"
)

type Unit struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Symbol    string    `gorm:"size:20;not null" json:"symbol" binding:"required"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewUnit struct {
	Name   string `json:"name" binding:"required" validate:"required"`
	Symbol string `json:"symbol" binding:"required" validate:"required"`
}

func CreateUnit(ctx context.Context, input *NewUnit) (*Unit, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}

	db := config.GetDB()
	unit := Unit{Name: input.Name, Symbol: input.Symbol}
	if err := db.WithContext(ctx).Create(&unit).Error; err != nil {
		return nil, err
	}
	return &unit, nil
}

func GetUnits(ctx context.Context) ([]*Unit, error) {
	return utils.FetchAllModels[Unit](ctx)
}

// GetUnitsByIds returns units keyed by id (certificate rendering).
func GetUnitsByIds(ctx context.Context, ids []int) (map[int]*Unit, error) {
	db := config.GetDB()
	var units []*Unit
	if err := db.WithContext(ctx).Where("id IN ?", utils.UniqueSlice(ids)).Find(&units).Error; err != nil {
		return nil, err
	}
	result := make(map[int]*Unit, len(units))
	for _, u := range units {
		result[u.ID] = u
	}
	return result, nil
}
