package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/qms_backend/config"
	"bitbucket.org/mmdatafocus/qms_backend/utils"
	"gorm.io/gorm"
)

type Product struct {
	ID          int       `gorm:"primary_key" json:"id"`
	Name        string    `gorm:"size:255;not null" json:"name" binding:"required"`
	Code        string    `gorm:"size:100;uniqueIndex" json:"code"`
	Description string    `gorm:"type:text" json:"description"`
	IsActive    *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProduct struct {
	Name        string `json:"name" binding:"required" validate:"required"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

func CreateProduct(ctx context.Context, input *NewProduct) (*Product, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if input.Code != "" {
		if err := utils.ValidateUnique[Product](ctx, "code", input.Code, 0); err != nil {
			return nil, err
		}
	}

	db := config.GetDB()
	product := Product{
		Name:        input.Name,
		Code:        input.Code,
		Description: input.Description,
		IsActive:    utils.NewTrue(),
	}
	if err := db.WithContext(ctx).Create(&product).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

// CreateProductTx persists a product inside the caller's transaction, for
// batches that declare their product inline.
func CreateProductTx(tx *gorm.DB, input *NewProduct) (*Product, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if input.Code != "" {
		var count int64
		if err := tx.Model(&Product{}).Where("code = ?", input.Code).Count(&count).Error; err != nil {
			return nil, err
		}
		if count > 0 {
			return nil, utils.NewConflictError("product code already exists")
		}
	}

	product := Product{
		Name:        input.Name,
		Code:        input.Code,
		Description: input.Description,
		IsActive:    utils.NewTrue(),
	}
	if err := tx.Create(&product).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

func GetProduct(ctx context.Context, id int) (*Product, error) {
	return utils.FetchSingleModel[Product](ctx, id)
}

func GetProducts(ctx context.Context) ([]*Product, error) {
	return utils.FetchAllModels[Product](ctx)
}
