package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/qms_backend/config"
	"bitbucket.org/mmdatafocus/qms_backend/utils"
)

// Parameter is a named measurable quality attribute (e.g. pH, moisture).
// DataType decides how the rule evaluator compares measured values.
type Parameter struct {
	ID         int                `gorm:"primary_key" json:"id"`
	CategoryId int                `gorm:"index;not null" json:"category_id" binding:"required"`
	Category   *ParameterCategory `gorm:"foreignKey:CategoryId" json:"category,omitempty"`
	Name       string             `gorm:"size:255;not null" json:"name" binding:"required"`
	DataType   ParameterDataType  `gorm:"type:enum('FLOAT','INTEGER','PERCENTAGE','TEXT');not null;default:'TEXT'" json:"data_type"`
	CreatedAt  time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewParameter struct {
	CategoryId int               `json:"category_id" binding:"required" validate:"required"`
	Name       string            `json:"name" binding:"required" validate:"required"`
	DataType   ParameterDataType `json:"data_type" binding:"required" validate:"required"`
}

func CreateParameter(ctx context.Context, input *NewParameter) (*Parameter, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if err := utils.ValidateResourceId[ParameterCategory](ctx, input.CategoryId); err != nil {
		return nil, errors.New("parameter category not found")
	}

	db := config.GetDB()
	parameter := Parameter{
		CategoryId: input.CategoryId,
		Name:       input.Name,
		DataType:   input.DataType,
	}
	if err := db.WithContext(ctx).Create(&parameter).Error; err != nil {
		return nil, err
	}
	return &parameter, nil
}

func GetParameter(ctx context.Context, id int) (*Parameter, error) {
	return utils.FetchSingleModel[Parameter](ctx, id, "Category")
}

// GetParametersByIds loads parameters with their categories, keyed by id.
func GetParametersByIds(ctx context.Context, ids []int) (map[int]*Parameter, error) {
	db := config.GetDB()
	var parameters []*Parameter
	if err := db.WithContext(ctx).Preload("Category").Where("id IN ?", utils.UniqueSlice(ids)).Find(&parameters).Error; err != nil {
		return nil, err
	}
	result := make(map[int]*Parameter, len(parameters))
	for _, p := range parameters {
		result[p.ID] = p
	}
	return result, nil
}

func GetParameters(ctx context.Context) ([]*Parameter, error) {
	return utils.FetchAllModels[Parameter](ctx, "Category")
}
