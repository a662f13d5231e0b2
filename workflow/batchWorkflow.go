package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/qms_backend/config"
	"bitbucket.org/mmdatafocus/qms_backend/models"
	"bitbucket.org/mmdatafocus/qms_backend/utils"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// Engine drives the batch lifecycle: Draft -> Submitted -> {Approved,
// Rejected}. Every transition runs check-then-act inside one transaction
// with the batch row locked, writes its audit row in the same transaction,
// and fans out notifications post-commit.
type Engine struct {
	store  Store
	users  Directory
	sinks  []NotificationSink
	logger *logrus.Logger
	locker *redislock.Client
	tracer trace.Tracer
	now    func() time.Time
}

func NewEngine(store Store, users Directory, logger *logrus.Logger) *Engine {
	return &Engine{
		store:  store,
		users:  users,
		logger: logger,
		now:    time.Now,
	}
}

// AddNotificationSink registers a post-commit event receiver. Sink failures
// are logged, never surfaced.
func (e *Engine) AddNotificationSink(sink NotificationSink) {
	e.sinks = append(e.sinks, sink)
}

// SetReviewLocker enables the best-effort distributed review lock. The
// engine stays correct without it; the row lock is what serializes
// transitions.
func (e *Engine) SetReviewLocker(locker *redislock.Client) {
	e.locker = locker
}

// SetTracer instruments lifecycle operations with spans.
func (e *Engine) SetTracer(tracer trace.Tracer) {
	e.tracer = tracer
}

func (e *Engine) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if e.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return e.tracer.Start(ctx, name)
}

type actor struct {
	id   int
	name string
	role models.UserRole
}

func actorFromContext(ctx context.Context) (actor, error) {
	id, ok := utils.GetUserIdFromContext(ctx)
	if !ok {
		return actor{}, utils.NewForbiddenError("authentication required")
	}
	name, _ := utils.GetUserNameFromContext(ctx)
	roleStr, ok := utils.GetUserRoleFromContext(ctx)
	if !ok {
		return actor{}, utils.NewForbiddenError("authentication required")
	}
	role, err := models.UserRoleFromString(roleStr)
	if err != nil {
		return actor{}, utils.NewForbiddenError("unknown role")
	}
	return actor{id: id, name: name, role: role}, nil
}

func (a actor) canEdit() bool {
	return a.role == models.UserRoleMaker || a.role == models.UserRoleAdmin
}

func (a actor) canReview() bool {
	return a.role == models.UserRoleChecker || a.role == models.UserRoleAdmin
}

func (e *Engine) GetBatch(ctx context.Context, id int) (*models.Batch, error) {
	return e.store.GetBatch(ctx, id)
}

// Create records a new batch in the explicitly requested initial status,
// Draft or Submitted. Creating straight into Submitted behaves exactly like
// create-then-submit: reviewers are notified in the same way.
func (e *Engine) Create(ctx context.Context, input *models.NewBatch) (*models.Batch, error) {
	ctx, span := e.startSpan(ctx, "CreateBatch")
	defer span.End()

	who, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if !who.canEdit() {
		return nil, utils.NewForbiddenError("only makers can create batches")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if input.InitialStatus != models.BatchStatusDraft && input.InitialStatus != models.BatchStatusSubmitted {
		return nil, utils.NewValidationError("initial status must be Draft or Submitted")
	}
	if !input.BestBeforeDate.After(input.ProductionDate) {
		return nil, utils.NewValidationError("best before date must be after production date")
	}

	if err := e.validateProductRef(ctx, input.ProductId, input.NewProduct); err != nil {
		return nil, err
	}
	if err := e.validateValueRefs(ctx, input.ParameterValues); err != nil {
		return nil, err
	}
	if err := e.validateTagRefs(ctx, input.StandardIds, input.MethodologyIds, input.UnitIds); err != nil {
		return nil, err
	}

	var checkers []*models.User
	if input.InitialStatus == models.BatchStatusSubmitted {
		if checkers, err = e.users.GetUsersByRole(ctx, models.UserRoleChecker); err != nil {
			return nil, err
		}
	}

	batch := &models.Batch{
		BatchNumber:          input.BatchNumber,
		ProductId:            input.ProductId,
		ProductionDate:       input.ProductionDate,
		BestBeforeDate:       input.BestBeforeDate,
		SampleAnalysisStatus: models.SampleAnalysisStatusPending,
		CurrentStatus:        input.InitialStatus,
		MakerId:              who.id,
	}

	var event *BatchEvent
	err = e.store.InTransaction(ctx, func(tx Tx) error {
		exists, err := tx.BatchNumberExists(input.BatchNumber, 0)
		if err != nil {
			return err
		}
		if exists {
			return utils.NewConflictError("batch number already exists")
		}
		// An inline product commits or rolls back with the batch that
		// declared it.
		if batch.ProductId == 0 {
			product, err := tx.CreateProduct(input.NewProduct)
			if err != nil {
				return err
			}
			batch.ProductId = product.ID
		}
		if err := tx.CreateBatch(batch); err != nil {
			return err
		}
		if len(input.ParameterValues) > 0 {
			if err := tx.UpsertParameterValues(batch.ID, toParameterValues(batch.ID, input.ParameterValues)); err != nil {
				return err
			}
		}
		if err := e.replaceTags(tx, batch, input.StandardIds, input.MethodologyIds, input.UnitIds); err != nil {
			return err
		}
		if err := tx.SaveHistory(models.ActionCreateBatch, batch.ID, "batch "+batch.BatchNumber+" created as "+string(batch.CurrentStatus)); err != nil {
			return err
		}
		if batch.CurrentStatus == models.BatchStatusSubmitted {
			if event, err = e.notifySubmission(tx, batch, checkers); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.publish(ctx, event)
	return e.store.GetBatch(ctx, batch.ID)
}

// Update applies an explicit partial update to a Draft batch. Nil fields are
// untouched; parameter values upsert by parameter id, and rows not mentioned
// are removed only when DeleteOtherParameters is set.
func (e *Engine) Update(ctx context.Context, batchId int, input *models.UpdateBatch) (*models.Batch, error) {
	who, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if !who.canEdit() {
		return nil, utils.NewForbiddenError("only makers can update batches")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if err := e.validateValueRefs(ctx, input.ParameterValues); err != nil {
		return nil, err
	}
	if err := e.validateTagRefs(ctx, input.StandardIds, input.MethodologyIds, input.UnitIds); err != nil {
		return nil, err
	}
	if input.ProductId != nil {
		exists, err := e.store.ProductExists(ctx, *input.ProductId)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, utils.NewValidationError("product not found")
		}
	}

	err = e.store.InTransaction(ctx, func(tx Tx) error {
		batch, err := tx.GetBatchForUpdate(batchId)
		if err != nil {
			return err
		}
		if batch.CurrentStatus != models.BatchStatusDraft {
			return utils.NewInvalidStateError("only Draft batches can be updated")
		}
		if batch.MakerId != who.id {
			return utils.NewForbiddenError("batch belongs to another maker")
		}

		if input.BatchNumber != nil && *input.BatchNumber != batch.BatchNumber {
			exists, err := tx.BatchNumberExists(*input.BatchNumber, batch.ID)
			if err != nil {
				return err
			}
			if exists {
				return utils.NewConflictError("batch number already exists")
			}
			batch.BatchNumber = *input.BatchNumber
		}
		if input.ProductId != nil {
			batch.ProductId = *input.ProductId
		}
		if input.ProductionDate != nil {
			batch.ProductionDate = *input.ProductionDate
		}
		if input.BestBeforeDate != nil {
			batch.BestBeforeDate = *input.BestBeforeDate
		}
		if !batch.BestBeforeDate.After(batch.ProductionDate) {
			return utils.NewValidationError("best before date must be after production date")
		}

		if len(input.ParameterValues) > 0 {
			if err := tx.UpsertParameterValues(batch.ID, toParameterValues(batch.ID, input.ParameterValues)); err != nil {
				return err
			}
		}
		if input.DeleteOtherParameters {
			keep := make([]int, 0, len(input.ParameterValues))
			for _, v := range input.ParameterValues {
				keep = append(keep, v.ParameterId)
			}
			if err := tx.DeleteParameterValuesExcept(batch.ID, keep); err != nil {
				return err
			}
		}
		if err := e.replaceTags(tx, batch, input.StandardIds, input.MethodologyIds, input.UnitIds); err != nil {
			return err
		}
		if err := tx.SaveBatch(batch); err != nil {
			return err
		}
		return tx.SaveHistory(models.ActionUpdateBatch, batch.ID, "batch "+batch.BatchNumber+" updated")
	})
	if err != nil {
		return nil, err
	}
	return e.store.GetBatch(ctx, batchId)
}

// Submit moves a Draft batch to Submitted and notifies every active checker.
func (e *Engine) Submit(ctx context.Context, batchId int) (*models.Batch, error) {
	who, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if !who.canEdit() {
		return nil, utils.NewForbiddenError("only makers can submit batches")
	}

	checkers, err := e.users.GetUsersByRole(ctx, models.UserRoleChecker)
	if err != nil {
		return nil, err
	}

	var event *BatchEvent
	err = e.store.InTransaction(ctx, func(tx Tx) error {
		batch, err := tx.GetBatchForUpdate(batchId)
		if err != nil {
			return err
		}
		if batch.CurrentStatus != models.BatchStatusDraft {
			return utils.NewInvalidStateError("only Draft batches can be submitted")
		}
		if batch.MakerId != who.id {
			return utils.NewForbiddenError("batch belongs to another maker")
		}

		batch.CurrentStatus = models.BatchStatusSubmitted
		if err := tx.SaveBatch(batch); err != nil {
			return err
		}
		if err := tx.SaveHistory(models.ActionSubmitBatch, batch.ID, "batch "+batch.BatchNumber+" submitted for review"); err != nil {
			return err
		}
		event, err = e.notifySubmission(tx, batch, checkers)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.publish(ctx, event)
	return e.store.GetBatch(ctx, batchId)
}

// Approve closes a Submitted batch as Approved. The winner of a concurrent
// review is whoever commits first; the loser finds the batch no longer
// Submitted and gets INVALID_STATE.
func (e *Engine) Approve(ctx context.Context, batchId int) (*models.Batch, error) {
	return e.review(ctx, batchId, models.BatchStatusApproved, "")
}

// Reject closes a Submitted batch as Rejected. Remarks are mandatory; they
// are the maker's only signal of what to fix.
func (e *Engine) Reject(ctx context.Context, batchId int, remarks string) (*models.Batch, error) {
	if strings.TrimSpace(remarks) == "" {
		return nil, utils.NewValidationError("rejection remarks are required")
	}
	return e.review(ctx, batchId, models.BatchStatusRejected, strings.TrimSpace(remarks))
}

func (e *Engine) review(ctx context.Context, batchId int, verdict models.BatchStatus, remarks string) (*models.Batch, error) {
	ctx, span := e.startSpan(ctx, "ReviewBatch")
	defer span.End()

	who, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if !who.canReview() {
		return nil, utils.NewForbiddenError("only checkers can review batches")
	}

	if release := e.acquireReviewLock(ctx, batchId); release != nil {
		defer release()
	}

	var event *BatchEvent
	err = e.store.InTransaction(ctx, func(tx Tx) error {
		batch, err := tx.GetBatchForUpdate(batchId)
		if err != nil {
			return err
		}
		if batch.CurrentStatus != models.BatchStatusSubmitted {
			return utils.NewInvalidStateError("only Submitted batches can be reviewed")
		}

		batch.CurrentStatus = verdict
		batch.CheckerId = &who.id
		if verdict == models.BatchStatusRejected {
			batch.RejectionRemarks = &remarks
		} else {
			batch.RejectionRemarks = nil
		}
		if err := tx.SaveBatch(batch); err != nil {
			return err
		}

		action := models.ActionApproveBatch
		notifType := models.NotificationTypeBatchApproved
		message := "batch " + batch.BatchNumber + " approved"
		if verdict == models.BatchStatusRejected {
			action = models.ActionRejectBatch
			notifType = models.NotificationTypeBatchRejected
			message = "batch " + batch.BatchNumber + " rejected: " + remarks
		}
		if err := tx.SaveHistory(action, batch.ID, message); err != nil {
			return err
		}

		notification := &models.Notification{
			UserId:  batch.MakerId,
			BatchId: batch.ID,
			Type:    notifType,
			Message: message,
			IsRead:  utils.NewFalse(),
		}
		if err := tx.CreateNotification(notification); err != nil {
			return err
		}
		event = &BatchEvent{
			Type:          notifType,
			BatchId:       batch.ID,
			BatchNumber:   batch.BatchNumber,
			Message:       message,
			Notifications: []*models.Notification{notification},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.publish(ctx, event)
	return e.store.GetBatch(ctx, batchId)
}

// RecordParameterVerification records checker verdicts on a Submitted
// batch's values, all-or-nothing: one bad entry and none are written. The
// first recorded verification moves sample analysis to In Progress.
func (e *Engine) RecordParameterVerification(ctx context.Context, batchId int, entries []models.NewVerification) (*models.Batch, error) {
	who, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if !who.canReview() {
		return nil, utils.NewForbiddenError("only checkers can verify parameters")
	}
	if len(entries) == 0 {
		return nil, utils.NewValidationError("at least one verification entry is required")
	}
	seen := make(map[int]struct{}, len(entries))
	for _, entry := range entries {
		if _, dup := seen[entry.ParameterValueId]; dup {
			return nil, utils.NewValidationError(fmt.Sprintf("duplicate verification for parameter value %d", entry.ParameterValueId))
		}
		seen[entry.ParameterValueId] = struct{}{}
	}

	err = e.store.InTransaction(ctx, func(tx Tx) error {
		batch, err := tx.GetBatchForUpdate(batchId)
		if err != nil {
			return err
		}
		if batch.CurrentStatus != models.BatchStatusSubmitted {
			return utils.NewInvalidStateError("parameters can only be verified on Submitted batches")
		}

		valuesById := make(map[int]*models.ParameterValue, len(batch.ParameterValues))
		for i := range batch.ParameterValues {
			valuesById[batch.ParameterValues[i].ID] = &batch.ParameterValues[i]
		}

		verifiedAt := e.now()
		for _, entry := range entries {
			value, ok := valuesById[entry.ParameterValueId]
			if !ok {
				return utils.NewValidationError(fmt.Sprintf("parameter value %d does not belong to batch %d", entry.ParameterValueId, batchId))
			}
			result := entry.VerificationResult
			value.VerificationResult = &result
			value.VerificationRemark = entry.VerificationRemark
			value.VerifiedBy = &who.id
			value.VerifiedAt = &verifiedAt
			if err := tx.SaveParameterValue(value); err != nil {
				return err
			}
		}

		if batch.SampleAnalysisStatus == models.SampleAnalysisStatusPending {
			batch.SampleAnalysisStatus = models.SampleAnalysisStatusInProgress
			batch.AnalysisStartedAt = &verifiedAt
			if err := tx.SaveBatch(batch); err != nil {
				return err
			}
		}
		return tx.SaveHistory(models.ActionVerifyParameters, batch.ID, fmt.Sprintf("%d parameter(s) verified on batch %s", len(entries), batch.BatchNumber))
	})
	if err != nil {
		return nil, err
	}
	return e.store.GetBatch(ctx, batchId)
}

// CompleteVerification closes out a review in one call: approve, or reject
// with remarks. Shorthand for the corresponding single operation after
// per-parameter verification.
func (e *Engine) CompleteVerification(ctx context.Context, batchId int, action models.BatchStatus, remarks string) (*models.Batch, error) {
	switch action {
	case models.BatchStatusApproved:
		return e.Approve(ctx, batchId)
	case models.BatchStatusRejected:
		return e.Reject(ctx, batchId, remarks)
	}
	return nil, utils.NewValidationError("action must be Approved or Rejected")
}

func (e *Engine) validateProductRef(ctx context.Context, productId int, newProduct *models.NewProduct) error {
	if productId > 0 {
		exists, err := e.store.ProductExists(ctx, productId)
		if err != nil {
			return err
		}
		if !exists {
			return utils.NewValidationError("product not found")
		}
		return nil
	}
	if newProduct == nil {
		return utils.NewValidationError("either product_id or new_product is required")
	}
	return utils.ValidateStruct(newProduct)
}

func (e *Engine) validateValueRefs(ctx context.Context, values []models.NewParameterValue) error {
	if len(values) == 0 {
		return nil
	}
	parameterIds := make([]int, 0, len(values))
	unitIds := make([]int, 0, len(values))
	methodologyIds := make([]int, 0, len(values))
	seen := make(map[int]struct{}, len(values))
	for _, v := range values {
		if _, dup := seen[v.ParameterId]; dup {
			return utils.NewValidationError(fmt.Sprintf("duplicate value for parameter %d", v.ParameterId))
		}
		seen[v.ParameterId] = struct{}{}
		parameterIds = append(parameterIds, v.ParameterId)
		if v.UnitId > 0 {
			unitIds = append(unitIds, v.UnitId)
		}
		if v.MethodologyId > 0 {
			methodologyIds = append(methodologyIds, v.MethodologyId)
		}
	}
	if err := e.checkRefIds(ctx, RefParameter, parameterIds); err != nil {
		return err
	}
	if err := e.checkRefIds(ctx, RefUnit, unitIds); err != nil {
		return err
	}
	return e.checkRefIds(ctx, RefMethodology, methodologyIds)
}

func (e *Engine) validateTagRefs(ctx context.Context, standardIds, methodologyIds, unitIds []int) error {
	if err := e.checkRefIds(ctx, RefStandard, standardIds); err != nil {
		return err
	}
	if err := e.checkRefIds(ctx, RefMethodology, methodologyIds); err != nil {
		return err
	}
	return e.checkRefIds(ctx, RefUnit, unitIds)
}

func (e *Engine) checkRefIds(ctx context.Context, kind RefKind, ids []int) error {
	if len(ids) == 0 {
		return nil
	}
	missing, err := e.store.MissingRefIds(ctx, kind, ids)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return utils.NewValidationError(fmt.Sprintf("unknown %s id(s): %v", kind, missing))
	}
	return nil
}

func (e *Engine) replaceTags(tx Tx, batch *models.Batch, standardIds, methodologyIds, unitIds []int) error {
	if standardIds != nil {
		if err := tx.ReplaceStandards(batch, utils.UniqueSlice(standardIds)); err != nil {
			return err
		}
	}
	if methodologyIds != nil {
		if err := tx.ReplaceMethodologies(batch, utils.UniqueSlice(methodologyIds)); err != nil {
			return err
		}
	}
	if unitIds != nil {
		if err := tx.ReplaceUnits(batch, utils.UniqueSlice(unitIds)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) notifySubmission(tx Tx, batch *models.Batch, checkers []*models.User) (*BatchEvent, error) {
	message := "batch " + batch.BatchNumber + " submitted for review"
	event := &BatchEvent{
		Type:        models.NotificationTypeBatchSubmitted,
		BatchId:     batch.ID,
		BatchNumber: batch.BatchNumber,
		Message:     message,
	}
	for _, checker := range checkers {
		if checker.ID == batch.MakerId {
			continue
		}
		notification := &models.Notification{
			UserId:  checker.ID,
			BatchId: batch.ID,
			Type:    models.NotificationTypeBatchSubmitted,
			Message: message,
			IsRead:  utils.NewFalse(),
		}
		if err := tx.CreateNotification(notification); err != nil {
			return nil, err
		}
		event.Notifications = append(event.Notifications, notification)
	}
	return event, nil
}

// acquireReviewLock takes the best-effort distributed review lock.
// Contention and infrastructure failures alike fall through to the row
// lock, which is what actually serializes transitions.
func (e *Engine) acquireReviewLock(ctx context.Context, batchId int) func() {
	if e.locker == nil {
		return nil
	}
	lock, err := e.locker.Obtain(ctx, fmt.Sprintf("BatchReview:%d", batchId), 30*time.Second, nil)
	if err != nil {
		if e.logger != nil && err != redislock.ErrNotObtained {
			config.LogError(e.logger, "batchWorkflow.go", "acquireReviewLock", "obtain", batchId, err)
		}
		return nil
	}
	return func() {
		if err := lock.Release(ctx); err != nil && e.logger != nil {
			config.LogError(e.logger, "batchWorkflow.go", "acquireReviewLock", "release", batchId, err)
		}
	}
}

func (e *Engine) publish(ctx context.Context, event *BatchEvent) {
	if event == nil {
		return
	}
	for _, sink := range e.sinks {
		if err := sink.PublishBatchEvent(ctx, event); err != nil && e.logger != nil {
			config.LogError(e.logger, "batchWorkflow.go", "publish", string(event.Type), event.BatchId, err)
		}
	}
}

func toParameterValues(batchId int, inputs []models.NewParameterValue) []models.ParameterValue {
	values := make([]models.ParameterValue, 0, len(inputs))
	for _, in := range inputs {
		values = append(values, models.ParameterValue{
			BatchId:       batchId,
			ParameterId:   in.ParameterId,
			Value:         in.Value,
			UnitId:        in.UnitId,
			MethodologyId: in.MethodologyId,
		})
	}
	return values
}
