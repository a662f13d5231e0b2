package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/qms_backend/models"
)

// Store is the persistence surface the batch engine runs on. The production
// implementation lives in models; tests run the engine against an in-memory
// store.
type Store interface {
	// InTransaction runs fn atomically: every write fn makes through tx is
	// committed together or not at all.
	InTransaction(ctx context.Context, fn func(tx Tx) error) error

	// GetBatch loads a batch with its parameter values and tag relations.
	// Returns utils.ErrorRecordNotFound when absent.
	GetBatch(ctx context.Context, id int) (*models.Batch, error)

	ProductExists(ctx context.Context, id int) (bool, error)

	// MissingRefIds returns the subset of ids with no matching row for the
	// given reference kind, so validation errors can name the invalid set.
	// For RefStandard only ACTIVE definitions count as present.
	MissingRefIds(ctx context.Context, kind RefKind, ids []int) ([]int, error)

	// GetParametersByIds resolves parameters (with categories) keyed by id.
	GetParametersByIds(ctx context.Context, ids []int) (map[int]*models.Parameter, error)

	// GetAuthoritativeStandards resolves the governing standard per
	// parameter; parameters with no active standard are absent from the map.
	GetAuthoritativeStandards(ctx context.Context, parameterIds []int) (map[int]*models.StandardDefinition, error)
}

// Tx is the write surface available inside one transaction. Row locks taken
// through it are held until the transaction ends.
type Tx interface {
	// GetBatchForUpdate loads the batch with its parameter values under a
	// row lock. Returns utils.ErrorRecordNotFound when absent.
	GetBatchForUpdate(id int) (*models.Batch, error)

	BatchNumberExists(number string, exceptId int) (bool, error)
	CreateBatch(batch *models.Batch) error
	SaveBatch(batch *models.Batch) error

	// CreateProduct persists an inline new product; it commits or rolls
	// back together with the batch referencing it.
	CreateProduct(input *models.NewProduct) (*models.Product, error)

	// UpsertParameterValues writes measured values keyed by
	// (batch, parameter): existing rows are replaced, never duplicated.
	// Replacing a value clears any recorded verification on it.
	UpsertParameterValues(batchId int, values []models.ParameterValue) error

	// DeleteParameterValuesExcept removes the batch's values whose parameter
	// id is not in keep.
	DeleteParameterValuesExcept(batchId int, keepParameterIds []int) error

	SaveParameterValue(value *models.ParameterValue) error

	ReplaceStandards(batch *models.Batch, standardIds []int) error
	ReplaceMethodologies(batch *models.Batch, methodologyIds []int) error
	ReplaceUnits(batch *models.Batch, unitIds []int) error

	SaveHistory(actionType string, referenceId int, details string) error
	CreateNotification(notification *models.Notification) error
}

type RefKind string

const (
	RefParameter   RefKind = "parameter"
	RefUnit        RefKind = "unit"
	RefMethodology RefKind = "methodology"
	RefStandard    RefKind = "standard definition"
)

// Directory resolves users for the reviewer fan-out on submission.
type Directory interface {
	GetUsersByRole(ctx context.Context, role models.UserRole) ([]*models.User, error)
}

// BatchEvent describes one committed lifecycle transition, handed to
// notification sinks after the transaction is durable.
type BatchEvent struct {
	Type          models.NotificationType
	BatchId       int
	BatchNumber   string
	Message       string
	Notifications []*models.Notification
}

// NotificationSink receives committed lifecycle events. Sink failures are
// logged and never surfaced to the caller; the in-app notification rows
// written inside the transaction are the durable record.
type NotificationSink interface {
	PublishBatchEvent(ctx context.Context, event *BatchEvent) error
}
