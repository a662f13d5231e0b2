package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/qms_backend/config"
	"bitbucket.org/mmdatafocus/qms_backend/utils"
)

// StandardDefinition is the specification a parameter should meet.
// TargetValue is free text; the rule evaluator interprets it against the
// parameter's data type (range, bound, labeled min/max, exact).
type StandardDefinition struct {
	ID            int          `gorm:"primary_key" json:"id"`
	ParameterId   int          `gorm:"index;not null" json:"parameter_id" binding:"required"`
	Parameter     *Parameter   `gorm:"foreignKey:ParameterId" json:"parameter,omitempty"`
	TargetValue   string       `gorm:"size:255;not null" json:"target_value" binding:"required"`
	UnitId        int          `gorm:"default:null" json:"unit_id"`
	Unit          *Unit        `gorm:"foreignKey:UnitId" json:"unit,omitempty"`
	MethodologyId int          `gorm:"default:null" json:"methodology_id"`
	Methodology   *Methodology `gorm:"foreignKey:MethodologyId" json:"methodology,omitempty"`
	IsActive      *bool        `gorm:"not null;default:true" json:"is_active"`
	CreatedAt     time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewStandardDefinition struct {
	ParameterId   int    `json:"parameter_id" binding:"required" validate:"required"`
	TargetValue   string `json:"target_value" binding:"required" validate:"required"`
	UnitId        int    `json:"unit_id"`
	MethodologyId int    `json:"methodology_id"`
}

/*
caches:
	AuthoritativeStandard:$parameterId
*/

func authoritativeStandardCacheKey(parameterId int) string {
	return "AuthoritativeStandard:" + fmt.Sprint(parameterId)
}

func CreateStandardDefinition(ctx context.Context, input *NewStandardDefinition) (*StandardDefinition, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if err := utils.ValidateResourceId[Parameter](ctx, input.ParameterId); err != nil {
		return nil, errors.New("parameter not found")
	}
	if input.UnitId > 0 {
		if err := utils.ValidateResourceId[Unit](ctx, input.UnitId); err != nil {
			return nil, errors.New("unit not found")
		}
	}
	if input.MethodologyId > 0 {
		if err := utils.ValidateResourceId[Methodology](ctx, input.MethodologyId); err != nil {
			return nil, errors.New("methodology not found")
		}
	}

	db := config.GetDB()
	standard := StandardDefinition{
		ParameterId:   input.ParameterId,
		TargetValue:   input.TargetValue,
		UnitId:        input.UnitId,
		MethodologyId: input.MethodologyId,
		IsActive:      utils.NewTrue(),
	}
	if err := db.WithContext(ctx).Create(&standard).Error; err != nil {
		return nil, err
	}

	// New definition supersedes the cached authoritative one.
	if err := config.RemoveRedisKey(authoritativeStandardCacheKey(input.ParameterId)); err != nil {
		config.LogError(config.GetLogger(), "standard.go", "CreateStandardDefinition", "invalidate cache", input.ParameterId, err)
	}
	return &standard, nil
}

func DeactivateStandardDefinition(ctx context.Context, id int) (*StandardDefinition, error) {
	db := config.GetDB()
	var standard StandardDefinition
	if err := db.WithContext(ctx).First(&standard, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	if err := db.WithContext(ctx).Model(&standard).Update("IsActive", false).Error; err != nil {
		return nil, err
	}
	if err := config.RemoveRedisKey(authoritativeStandardCacheKey(standard.ParameterId)); err != nil {
		config.LogError(config.GetLogger(), "standard.go", "DeactivateStandardDefinition", "invalidate cache", standard.ParameterId, err)
	}
	return &standard, nil
}

// GetAuthoritativeStandard resolves the single standard that governs a
// parameter: the most recently updated ACTIVE definition. Returns nil (no
// error) when the parameter has no active standard. Redis read-through.
func GetAuthoritativeStandard(ctx context.Context, parameterId int) (*StandardDefinition, error) {
	var cached StandardDefinition
	exists, err := config.GetRedisObject(authoritativeStandardCacheKey(parameterId), &cached)
	if err == nil && exists {
		return &cached, nil
	}

	db := config.GetDB()
	var standards []*StandardDefinition
	err = db.WithContext(ctx).
		Where("parameter_id = ? AND is_active = ?", parameterId, true).
		Order("updated_at DESC").
		Limit(1).
		Find(&standards).Error
	if err != nil {
		return nil, err
	}
	if len(standards) == 0 {
		return nil, nil
	}

	if err := config.SetRedisObject(authoritativeStandardCacheKey(parameterId), standards[0], time.Hour); err != nil {
		config.LogError(config.GetLogger(), "standard.go", "GetAuthoritativeStandard", "cache set", parameterId, err)
	}
	return standards[0], nil
}

// GetAuthoritativeStandards resolves authoritative standards for many
// parameters in one query, keyed by parameter id. Parameters with no active
// standard are absent from the map.
func GetAuthoritativeStandards(ctx context.Context, parameterIds []int) (map[int]*StandardDefinition, error) {
	db := config.GetDB()
	var standards []*StandardDefinition
	err := db.WithContext(ctx).
		Preload("Unit").Preload("Methodology").
		Where("parameter_id IN ? AND is_active = ?", utils.UniqueSlice(parameterIds), true).
		Order("updated_at DESC, id DESC").
		Find(&standards).Error
	if err != nil {
		return nil, err
	}

	// Rows arrive most-recent first; first row per parameter wins.
	result := make(map[int]*StandardDefinition, len(parameterIds))
	for _, s := range standards {
		if _, ok := result[s.ParameterId]; !ok {
			result[s.ParameterId] = s
		}
	}
	return result, nil
}

func GetStandardDefinitions(ctx context.Context, parameterId *int) ([]*StandardDefinition, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Preload("Parameter").Preload("Unit").Preload("Methodology")
	if parameterId != nil && *parameterId > 0 {
		dbCtx = dbCtx.Where("parameter_id = ?", *parameterId)
	}
	var results []*StandardDefinition
	if err := dbCtx.Order("updated_at DESC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
