package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/qms_backend/config"
	"gorm.io/gorm"
)

// Notification is the durable in-app record of a lifecycle event addressed
// to one user. A copy is published to Pub/Sub post-commit, best-effort.
type Notification struct {
	ID        int              `gorm:"primary_key" json:"id"`
	UserId    int              `gorm:"index;not null" json:"user_id"`
	BatchId   int              `gorm:"index;not null" json:"batch_id"`
	Type      NotificationType `gorm:"size:30;not null" json:"type"`
	Message   string           `gorm:"type:text;not null" json:"message"`
	IsRead    *bool            `gorm:"not null;default:false" json:"is_read"`
	CreatedAt time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

// CreateNotificationTx writes one notification row inside the caller's
// transaction.
func CreateNotificationTx(tx *gorm.DB, n *Notification) error {
	return tx.Create(n).Error
}

func GetNotifications(ctx context.Context, userId int, unreadOnly bool) ([]*Notification, error) {
	db := config.GetDB()
	var results []*Notification
	dbCtx := db.WithContext(ctx).Where("user_id = ?", userId)
	if unreadOnly {
		dbCtx = dbCtx.Where("is_read = ?", false)
	}
	if err := dbCtx.Order("created_at DESC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func MarkNotificationRead(ctx context.Context, userId int, id int) error {
	db := config.GetDB()
	return db.WithContext(ctx).
		Model(&Notification{}).
		Where("id = ? AND user_id = ?", id, userId).
		Update("IsRead", true).Error
}
