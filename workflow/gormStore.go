package workflow

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/qms_backend/config"
	"bitbucket.org/mmdatafocus/qms_backend/models"
	"bitbucket.org/mmdatafocus/qms_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is the production Store, backed by the shared database handle.
type GormStore struct{}

func NewGormStore() *GormStore {
	return &GormStore{}
}

func (s *GormStore) InTransaction(ctx context.Context, fn func(tx Tx) error) error {
	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
}

func (s *GormStore) GetBatch(ctx context.Context, id int) (*models.Batch, error) {
	db := config.GetDB()
	var batch models.Batch
	err := db.WithContext(ctx).
		Preload("Product").
		Preload("Maker").
		Preload("Checker").
		Preload("ParameterValues", func(db *gorm.DB) *gorm.DB {
			return db.Order("parameter_values.id")
		}).
		Preload("ParameterValues.Parameter.Category").
		Preload("ParameterValues.Unit").
		Preload("ParameterValues.Methodology").
		Preload("Standards").
		Preload("Methodologies").
		Preload("Units").
		First(&batch, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if batch.Maker != nil {
		batch.Maker.PrepareGive()
	}
	if batch.Checker != nil {
		batch.Checker.PrepareGive()
	}
	return &batch, nil
}

func (s *GormStore) ProductExists(ctx context.Context, id int) (bool, error) {
	count, err := utils.ResourceCountWhere[models.Product](ctx, "id = ?", id)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *GormStore) MissingRefIds(ctx context.Context, kind RefKind, ids []int) ([]int, error) {
	switch kind {
	case RefParameter:
		return utils.MissingResourceIds[models.Parameter](ctx, ids, "")
	case RefUnit:
		return utils.MissingResourceIds[models.Unit](ctx, ids, "")
	case RefMethodology:
		return utils.MissingResourceIds[models.Methodology](ctx, ids, "")
	case RefStandard:
		// Only ACTIVE standards can be referenced from a batch.
		return utils.MissingResourceIds[models.StandardDefinition](ctx, ids, "is_active = ?", true)
	}
	return nil, errors.New("unknown reference kind: " + string(kind))
}

func (s *GormStore) GetParametersByIds(ctx context.Context, ids []int) (map[int]*models.Parameter, error) {
	if len(ids) == 0 {
		return map[int]*models.Parameter{}, nil
	}
	return models.GetParametersByIds(ctx, ids)
}

func (s *GormStore) GetAuthoritativeStandards(ctx context.Context, parameterIds []int) (map[int]*models.StandardDefinition, error) {
	return models.GetAuthoritativeStandards(ctx, parameterIds)
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) GetBatchForUpdate(id int) (*models.Batch, error) {
	var batch models.Batch
	// The row lock is on the batch row; values load in a follow-up query
	// inside the same transaction.
	err := t.db.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&batch, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	err = t.db.
		Where("batch_id = ?", batch.ID).
		Order("id").
		Find(&batch.ParameterValues).Error
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func (t *gormTx) BatchNumberExists(number string, exceptId int) (bool, error) {
	var count int64
	dbCtx := t.db.Model(&models.Batch{}).Where("batch_number = ?", number)
	if exceptId > 0 {
		dbCtx = dbCtx.Where("NOT id = ?", exceptId)
	}
	if err := dbCtx.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (t *gormTx) CreateBatch(batch *models.Batch) error {
	return t.db.Omit(clause.Associations).Create(batch).Error
}

func (t *gormTx) SaveBatch(batch *models.Batch) error {
	return t.db.Omit(clause.Associations).Save(batch).Error
}

func (t *gormTx) CreateProduct(input *models.NewProduct) (*models.Product, error) {
	return models.CreateProductTx(t.db, input)
}

func (t *gormTx) UpsertParameterValues(batchId int, values []models.ParameterValue) error {
	if len(values) == 0 {
		return nil
	}
	for i := range values {
		values[i].BatchId = batchId
	}

	// Replacing a measured value resets whatever verification it carried.
	assignments := clause.AssignmentColumns([]string{"value", "unit_id", "methodology_id"})
	for _, column := range []string{"verification_result", "verification_remark", "verified_by", "verified_at"} {
		assignments = append(assignments, clause.Assignment{Column: clause.Column{Name: column}, Value: nil})
	}
	return t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "batch_id"}, {Name: "parameter_id"}},
		DoUpdates: assignments,
	}).Create(&values).Error
}

func (t *gormTx) DeleteParameterValuesExcept(batchId int, keepParameterIds []int) error {
	dbCtx := t.db.Where("batch_id = ?", batchId)
	if len(keepParameterIds) > 0 {
		dbCtx = dbCtx.Where("parameter_id NOT IN ?", keepParameterIds)
	}
	return dbCtx.Delete(&models.ParameterValue{}).Error
}

func (t *gormTx) SaveParameterValue(value *models.ParameterValue) error {
	return t.db.Omit(clause.Associations).Save(value).Error
}

func (t *gormTx) ReplaceStandards(batch *models.Batch, standardIds []int) error {
	items := make([]*models.StandardDefinition, 0, len(standardIds))
	for _, id := range standardIds {
		items = append(items, &models.StandardDefinition{ID: id})
	}
	return t.db.Model(batch).Association("Standards").Replace(items)
}

func (t *gormTx) ReplaceMethodologies(batch *models.Batch, methodologyIds []int) error {
	items := make([]*models.Methodology, 0, len(methodologyIds))
	for _, id := range methodologyIds {
		items = append(items, &models.Methodology{ID: id})
	}
	return t.db.Model(batch).Association("Methodologies").Replace(items)
}

func (t *gormTx) ReplaceUnits(batch *models.Batch, unitIds []int) error {
	items := make([]*models.Unit, 0, len(unitIds))
	for _, id := range unitIds {
		items = append(items, &models.Unit{ID: id})
	}
	return t.db.Model(batch).Association("Units").Replace(items)
}

func (t *gormTx) SaveHistory(actionType string, referenceId int, details string) error {
	return models.SaveHistory(t.db, actionType, referenceId, "Batch", details)
}

func (t *gormTx) CreateNotification(notification *models.Notification) error {
	return models.CreateNotificationTx(t.db, notification)
}

// DBDirectory resolves users straight from the database.
type DBDirectory struct{}

func (DBDirectory) GetUsersByRole(ctx context.Context, role models.UserRole) ([]*models.User, error) {
	return models.GetUsersByRole(ctx, role)
}

// PubSubSink forwards committed lifecycle events to the notification topic,
// one message per in-app notification row.
type PubSubSink struct{}

func (PubSubSink) PublishBatchEvent(ctx context.Context, event *BatchEvent) error {
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	for _, n := range event.Notifications {
		msg := config.NotificationMessage{
			NotificationId: n.ID,
			UserId:         n.UserId,
			BatchId:        n.BatchId,
			Type:           string(n.Type),
			Message:        n.Message,
			CreatedAt:      n.CreatedAt,
			CorrelationId:  correlationId,
		}
		if err := config.PublishNotification(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}
