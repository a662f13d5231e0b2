package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/qms_backend/config"
	"bitbucket.org/mmdatafocus/qms_backend/utils"
	"gorm.io/gorm"
)

// History is the append-only audit log. One row per state-changing
// operation, written inside the operation's transaction. Never read back by
// the workflow itself.
type History struct {
	ID            int       `gorm:"primary_key" json:"id"`
	ActionType    string    `gorm:"size:30;not null" json:"action_type" binding:"required"`
	Details       string    `gorm:"type:text" json:"details"`
	ReferenceID   int       `gorm:"index" json:"reference_id"`
	ReferenceType string    `gorm:"size:255" json:"reference_type"`
	UserId        int       `gorm:"index;not null" json:"user_id"`
	UserName      string    `gorm:"size:100" json:"user_name"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// SaveHistory appends one audit row using the acting transaction. Actor
// identity comes from the context the transaction carries.
func SaveHistory(tx *gorm.DB, actionType string, referenceId int, referenceType string, details string) error {
	ctx := tx.Statement.Context

	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok {
		return errors.New("user id is required")
	}
	userName, ok := utils.GetUserNameFromContext(ctx)
	if !ok {
		return errors.New("user name is required")
	}

	history := History{
		ActionType:    actionType,
		Details:       details,
		ReferenceID:   referenceId,
		ReferenceType: referenceType,
		UserId:        userId,
		UserName:      userName,
	}
	return tx.Create(&history).Error
}

func GetHistories(ctx context.Context, referenceId *int, referenceType *string, userId *int) ([]*History, error) {
	db := config.GetDB()
	var results []*History

	dbCtx := db.WithContext(ctx)
	if referenceId != nil && *referenceId > 0 {
		dbCtx = dbCtx.Where("reference_id = ?", referenceId)
	}
	if referenceType != nil && len(*referenceType) > 0 {
		dbCtx = dbCtx.Where("reference_type = ?", referenceType)
	}
	if userId != nil && *userId > 0 {
		dbCtx = dbCtx.Where("user_id = ?", userId)
	}
	if err := dbCtx.Order("created_at DESC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
