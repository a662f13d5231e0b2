package utils

import (
	"context"
	"reflect"

	"bitbucket.org/mmdatafocus/qms_backend/config"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateStruct runs the shared validator instance against an input struct
// (`validate` tags). Returns a VALIDATION_ERROR kind on failure.
func ValidateStruct(input interface{}) error {
	if err := validate.Struct(input); err != nil {
		return NewValidationError(err.Error())
	}
	return nil
}

// check if id exists, return RecordNotFound error
func ValidateResourceId[T any](ctx context.Context, id interface{}) error {
	count, err := ResourceCountWhere[T](ctx, "id = ?", id)
	if err != nil {
		return err
	}
	if count <= 0 {
		return ErrorRecordNotFound
	}
	return nil
}

// check if ALL ids exist, return RecordNotFound error
func ValidateResourcesId[M any, ID comparable](ctx context.Context, ids []ID) error {
	unqIds := UniqueSlice(ids)

	count, err := ResourceCountWhere[M](ctx, "id IN ?", unqIds)
	if err != nil {
		return err
	}
	if count != int64(len(unqIds)) {
		return ErrorRecordNotFound
	}
	return nil
}

// MissingResourceIds returns the subset of ids with no matching row, so
// validation errors can name the invalid set.
func MissingResourceIds[M any, ID comparable](ctx context.Context, ids []ID, extraCond string, extraVals ...interface{}) ([]ID, error) {
	unqIds := UniqueSlice(ids)
	if len(unqIds) == 0 {
		return nil, nil
	}

	var model M
	db := config.GetDB()
	var found []ID
	dbCtx := db.WithContext(ctx).Model(&model).Where("id IN ?", unqIds)
	if extraCond != "" {
		dbCtx = dbCtx.Where(extraCond, extraVals...)
	}
	if err := dbCtx.Pluck("id", &found).Error; err != nil {
		return nil, err
	}

	foundSet := make(map[ID]struct{}, len(found))
	for _, id := range found {
		foundSet[id] = struct{}{}
	}
	var missing []ID
	for _, id := range unqIds {
		if _, ok := foundSet[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func ValidateUnique[T any](ctx context.Context, column string, value interface{}, exceptId interface{}) error {
	var count int64
	var err error
	if reflect.ValueOf(exceptId).IsZero() {
		count, err = ResourceCountWhere[T](ctx, column+" = ?", value)
	} else {
		count, err = ResourceCountWhere[T](ctx, column+" = ? AND NOT id = ?", value, exceptId)
	}
	if err != nil {
		return err
	}
	if count > 0 {
		return NewConflictError("duplicate " + column)
	}
	return nil
}

// count records matching condition
func ResourceCountWhere[T any](ctx context.Context, condition string, value ...interface{}) (int64, error) {
	var model T

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&model).Where(condition, value...)
	var count int64
	if err := dbCtx.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
