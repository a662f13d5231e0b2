package workflow

import (
	"context"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/qms_backend/models"
	"bitbucket.org/mmdatafocus/qms_backend/utils"
)

// memoryStore is a Store and Directory for engine tests: same transaction
// contract as the database-backed store, nothing touches disk. The mutex
// serializes transactions the way row locks do in production.
type memoryStore struct {
	mu            sync.Mutex
	nextId        int
	users         map[int]*models.User
	products      map[int]*models.Product
	categories    map[int]*models.ParameterCategory
	parameters    map[int]*models.Parameter
	units         map[int]*models.Unit
	methodologies map[int]*models.Methodology
	standards     map[int]*models.StandardDefinition
	batches       map[int]*models.Batch
	notifications []*models.Notification
	histories     []memoryHistory
}

type memoryHistory struct {
	ActionType  string
	ReferenceId int
	Details     string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		users:         map[int]*models.User{},
		products:      map[int]*models.Product{},
		categories:    map[int]*models.ParameterCategory{},
		parameters:    map[int]*models.Parameter{},
		units:         map[int]*models.Unit{},
		methodologies: map[int]*models.Methodology{},
		standards:     map[int]*models.StandardDefinition{},
		batches:       map[int]*models.Batch{},
	}
}

func (s *memoryStore) id() int {
	s.nextId++
	return s.nextId
}

func copyBatch(b *models.Batch) *models.Batch {
	c := *b
	c.ParameterValues = append([]models.ParameterValue(nil), b.ParameterValues...)
	c.Standards = append([]*models.StandardDefinition(nil), b.Standards...)
	c.Methodologies = append([]*models.Methodology(nil), b.Methodologies...)
	c.Units = append([]*models.Unit(nil), b.Units...)
	return &c
}

func (s *memoryStore) InTransaction(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{store: s, staged: map[int]*models.Batch{}}
	if err := fn(tx); err != nil {
		return err
	}

	for id, batch := range tx.staged {
		s.batches[id] = batch
	}
	for _, product := range tx.products {
		s.products[product.ID] = product
	}
	s.notifications = append(s.notifications, tx.notifications...)
	s.histories = append(s.histories, tx.histories...)
	return nil
}

func (s *memoryStore) GetBatch(ctx context.Context, id int) (*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.batches[id]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	batch := copyBatch(stored)
	batch.Product = s.products[batch.ProductId]
	batch.Maker = s.users[batch.MakerId]
	if batch.CheckerId != nil {
		batch.Checker = s.users[*batch.CheckerId]
	}
	for i := range batch.ParameterValues {
		value := &batch.ParameterValues[i]
		value.Parameter = s.parameters[value.ParameterId]
		if value.UnitId > 0 {
			value.Unit = s.units[value.UnitId]
		}
		if value.MethodologyId > 0 {
			value.Methodology = s.methodologies[value.MethodologyId]
		}
	}
	return batch, nil
}

func (s *memoryStore) ProductExists(ctx context.Context, id int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.products[id]
	return ok, nil
}

func (s *memoryStore) MissingRefIds(ctx context.Context, kind RefKind, ids []int) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exists := func(id int) bool {
		switch kind {
		case RefParameter:
			_, ok := s.parameters[id]
			return ok
		case RefUnit:
			_, ok := s.units[id]
			return ok
		case RefMethodology:
			_, ok := s.methodologies[id]
			return ok
		case RefStandard:
			standard, ok := s.standards[id]
			return ok && standard.IsActive != nil && *standard.IsActive
		}
		return false
	}

	var missing []int
	for _, id := range utils.UniqueSlice(ids) {
		if !exists(id) {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (s *memoryStore) GetParametersByIds(ctx context.Context, ids []int) (map[int]*models.Parameter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[int]*models.Parameter, len(ids))
	for _, id := range utils.UniqueSlice(ids) {
		if p, ok := s.parameters[id]; ok {
			result[id] = p
		}
	}
	return result, nil
}

func (s *memoryStore) GetAuthoritativeStandards(ctx context.Context, parameterIds []int) (map[int]*models.StandardDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[int]*models.StandardDefinition)
	for _, parameterId := range utils.UniqueSlice(parameterIds) {
		for _, standard := range s.standards {
			if standard.ParameterId != parameterId || standard.IsActive == nil || !*standard.IsActive {
				continue
			}
			current, ok := result[parameterId]
			if !ok || standard.UpdatedAt.After(current.UpdatedAt) {
				result[parameterId] = standard
			}
		}
	}
	return result, nil
}

func (s *memoryStore) GetUsersByRole(ctx context.Context, role models.UserRole) ([]*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var users []*models.User
	for id := 1; id <= s.nextId; id++ {
		user, ok := s.users[id]
		if ok && user.Role == role && user.IsActive != nil && *user.IsActive {
			users = append(users, user)
		}
	}
	return users, nil
}

func (s *memoryStore) addUser(name string, role models.UserRole) *models.User {
	user := &models.User{ID: s.id(), Username: name, Name: name, Role: role, IsActive: utils.NewTrue()}
	s.users[user.ID] = user
	return user
}

func (s *memoryStore) addProduct(name string) *models.Product {
	product := &models.Product{ID: s.id(), Name: name, IsActive: utils.NewTrue()}
	s.products[product.ID] = product
	return product
}

func (s *memoryStore) addCategory(name string) *models.ParameterCategory {
	category := &models.ParameterCategory{ID: s.id(), Name: name}
	s.categories[category.ID] = category
	return category
}

func (s *memoryStore) addParameter(categoryId int, name string, dataType models.ParameterDataType) *models.Parameter {
	parameter := &models.Parameter{ID: s.id(), CategoryId: categoryId, Category: s.categories[categoryId], Name: name, DataType: dataType}
	s.parameters[parameter.ID] = parameter
	return parameter
}

func (s *memoryStore) addUnit(name, symbol string) *models.Unit {
	unit := &models.Unit{ID: s.id(), Name: name, Symbol: symbol}
	s.units[unit.ID] = unit
	return unit
}

func (s *memoryStore) addMethodology(name string) *models.Methodology {
	methodology := &models.Methodology{ID: s.id(), Name: name}
	s.methodologies[methodology.ID] = methodology
	return methodology
}

func (s *memoryStore) addStandard(parameterId int, target string, unitId, methodologyId int) *models.StandardDefinition {
	standard := &models.StandardDefinition{
		ID:            s.id(),
		ParameterId:   parameterId,
		TargetValue:   target,
		UnitId:        unitId,
		MethodologyId: methodologyId,
		IsActive:      utils.NewTrue(),
		UpdatedAt:     time.Now().Add(time.Duration(s.nextId) * time.Second),
	}
	if unitId > 0 {
		standard.Unit = s.units[unitId]
	}
	if methodologyId > 0 {
		standard.Methodology = s.methodologies[methodologyId]
	}
	s.standards[standard.ID] = standard
	return standard
}

// memoryTx stages writes on batch copies; nothing is visible until the
// transaction commits.
type memoryTx struct {
	store         *memoryStore
	staged        map[int]*models.Batch
	products      []*models.Product
	notifications []*models.Notification
	histories     []memoryHistory
}

func (t *memoryTx) GetBatchForUpdate(id int) (*models.Batch, error) {
	if batch, ok := t.staged[id]; ok {
		return batch, nil
	}
	stored, ok := t.store.batches[id]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	batch := copyBatch(stored)
	t.staged[id] = batch
	return batch, nil
}

func (t *memoryTx) BatchNumberExists(number string, exceptId int) (bool, error) {
	for _, batch := range t.store.batches {
		if batch.BatchNumber == number && batch.ID != exceptId {
			return true, nil
		}
	}
	for _, batch := range t.staged {
		if batch.BatchNumber == number && batch.ID != exceptId {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) CreateBatch(batch *models.Batch) error {
	batch.ID = t.store.id()
	batch.CreatedAt = time.Now()
	t.staged[batch.ID] = batch
	return nil
}

func (t *memoryTx) SaveBatch(batch *models.Batch) error {
	t.staged[batch.ID] = batch
	return nil
}

func (t *memoryTx) CreateProduct(input *models.NewProduct) (*models.Product, error) {
	product := &models.Product{
		ID:       t.store.id(),
		Name:     input.Name,
		Code:     input.Code,
		IsActive: utils.NewTrue(),
	}
	t.products = append(t.products, product)
	return product, nil
}

func (t *memoryTx) UpsertParameterValues(batchId int, values []models.ParameterValue) error {
	batch, err := t.GetBatchForUpdate(batchId)
	if err != nil {
		return err
	}
	for _, incoming := range values {
		replaced := false
		for i := range batch.ParameterValues {
			existing := &batch.ParameterValues[i]
			if existing.ParameterId != incoming.ParameterId {
				continue
			}
			existing.Value = incoming.Value
			existing.UnitId = incoming.UnitId
			existing.MethodologyId = incoming.MethodologyId
			existing.VerificationResult = nil
			existing.VerificationRemark = nil
			existing.VerifiedBy = nil
			existing.VerifiedAt = nil
			replaced = true
			break
		}
		if !replaced {
			incoming.ID = t.store.id()
			incoming.BatchId = batchId
			batch.ParameterValues = append(batch.ParameterValues, incoming)
		}
	}
	return nil
}

func (t *memoryTx) DeleteParameterValuesExcept(batchId int, keepParameterIds []int) error {
	batch, err := t.GetBatchForUpdate(batchId)
	if err != nil {
		return err
	}
	keep := make(map[int]struct{}, len(keepParameterIds))
	for _, id := range keepParameterIds {
		keep[id] = struct{}{}
	}
	kept := batch.ParameterValues[:0:0]
	for _, value := range batch.ParameterValues {
		if _, ok := keep[value.ParameterId]; ok {
			kept = append(kept, value)
		}
	}
	batch.ParameterValues = kept
	return nil
}

func (t *memoryTx) SaveParameterValue(value *models.ParameterValue) error {
	batch, err := t.GetBatchForUpdate(value.BatchId)
	if err != nil {
		return err
	}
	for i := range batch.ParameterValues {
		if batch.ParameterValues[i].ID == value.ID {
			batch.ParameterValues[i] = *value
			return nil
		}
	}
	return utils.ErrorRecordNotFound
}

func (t *memoryTx) ReplaceStandards(batch *models.Batch, standardIds []int) error {
	batch.Standards = nil
	for _, id := range standardIds {
		batch.Standards = append(batch.Standards, t.store.standards[id])
	}
	return nil
}

func (t *memoryTx) ReplaceMethodologies(batch *models.Batch, methodologyIds []int) error {
	batch.Methodologies = nil
	for _, id := range methodologyIds {
		batch.Methodologies = append(batch.Methodologies, t.store.methodologies[id])
	}
	return nil
}

func (t *memoryTx) ReplaceUnits(batch *models.Batch, unitIds []int) error {
	batch.Units = nil
	for _, id := range unitIds {
		batch.Units = append(batch.Units, t.store.units[id])
	}
	return nil
}

func (t *memoryTx) SaveHistory(actionType string, referenceId int, details string) error {
	t.histories = append(t.histories, memoryHistory{ActionType: actionType, ReferenceId: referenceId, Details: details})
	return nil
}

func (t *memoryTx) CreateNotification(notification *models.Notification) error {
	notification.ID = t.store.id()
	notification.CreatedAt = time.Now()
	t.notifications = append(t.notifications, notification)
	return nil
}

// captureSink records published events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []*BatchEvent
}

func (c *captureSink) PublishBatchEvent(ctx context.Context, event *BatchEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}
