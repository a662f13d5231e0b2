package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/qms_backend/config"
	"bitbucket.org/mmdatafocus/qms_backend/utils"
)

// Methodology is a named test method (e.g. "ISO 4833-1", "AOAC 925.10").
type Methodology struct {
	ID          int       `gorm:"primary_key" json:"id"`
	Name        string    `gorm:"size:255;not null" json:"name" binding:"required"`
	Description string    `gorm:"type:text" json:"description"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewMethodology struct {
	Name        string `json:"name" binding:"required" validate:"required"`
	Description string `json:"description"`
}

func CreateMethodology(ctx context.Context, input *NewMethodology) (*Methodology, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}

	db := config.GetDB()
	methodology := Methodology{Name: input.Name, Description: input.Description}
	if err := db.WithContext(ctx).Create(&methodology).Error; err != nil {
		return nil, err
	}
	return &methodology, nil
}

func GetMethodologies(ctx context.Context) ([]*Methodology, error) {
	return utils.FetchAllModels[Methodology](ctx)
}

// GetMethodologiesByIds returns methodologies keyed by id.
func GetMethodologiesByIds(ctx context.Context, ids []int) (map[int]*Methodology, error) {
	db := config.GetDB()
	var methodologies []*Methodology
	if err := db.WithContext(ctx).Where("id IN ?", utils.UniqueSlice(ids)).Find(&methodologies).Error; err != nil {
		return nil, err
	}
	result := make(map[int]*Methodology, len(methodologies))
	for _, m := range methodologies {
		result[m.ID] = m
	}
	return result, nil
}
