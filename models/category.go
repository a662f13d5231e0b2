package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/qms_backend/config"
	"bitbucket.org/mmdatafocus/qms_backend/utils"
)

// ParameterCategory groups parameters for certificate reporting
// (e.g. "Physical", "Chemical", "Microbiological").
type ParameterCategory struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:100;not null;uniqueIndex" json:"name" binding:"required"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewParameterCategory struct {
	Name string `json:"name" binding:"required" validate:"required"`
}

func CreateParameterCategory(ctx context.Context, input *NewParameterCategory) (*ParameterCategory, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if err := utils.ValidateUnique[ParameterCategory](ctx, "name", input.Name, 0); err != nil {
		return nil, err
	}

	db := config.GetDB()
	category := ParameterCategory{Name: input.Name}
	if err := db.WithContext(ctx).Create(&category).Error; err != nil {
		return nil, err
	}
	return &category, nil
}

func GetParameterCategories(ctx context.Context) ([]*ParameterCategory, error) {
	return utils.FetchAllModels[ParameterCategory](ctx)
}
