package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/qms_backend/config"
)

// Batch is one production lot under quality review.
//
// Lifecycle: Draft -> Submitted -> {Approved, Rejected}. The maker owns the
// batch while Draft; a checker reviews it once Submitted. CheckerId and
// RejectionRemarks stay unset until review; RejectionRemarks is non-empty
// exactly when the batch is Rejected.
type Batch struct {
	ID                   int                  `gorm:"primary_key" json:"id"`
	BatchNumber          string               `gorm:"size:100;not null;uniqueIndex" json:"batch_number" binding:"required"`
	ProductId            int                  `gorm:"index;not null" json:"product_id" binding:"required"`
	Product              *Product             `gorm:"foreignKey:ProductId" json:"product,omitempty"`
	ProductionDate       time.Time            `gorm:"not null" json:"production_date" binding:"required"`
	BestBeforeDate       time.Time            `gorm:"not null" json:"best_before_date" binding:"required"`
	AnalysisStartedAt    *time.Time           `gorm:"default:null" json:"analysis_started_at"`
	AnalysisCompletedAt  *time.Time           `gorm:"default:null" json:"analysis_completed_at"`
	SampleAnalysisStatus SampleAnalysisStatus `gorm:"type:enum('Pending','In Progress','Completed');not null;default:'Pending'" json:"sample_analysis_status"`
	CurrentStatus        BatchStatus          `gorm:"type:enum('Draft','Submitted','Approved','Rejected');not null;index" json:"current_status"`
	MakerId              int                  `gorm:"index;not null" json:"maker_id"`
	Maker                *User                `gorm:"foreignKey:MakerId" json:"maker,omitempty"`
	CheckerId            *int                 `gorm:"index;default:null" json:"checker_id"`
	Checker              *User                `gorm:"foreignKey:CheckerId" json:"checker,omitempty"`
	RejectionRemarks     *string              `gorm:"type:text;default:null" json:"rejection_remarks"`
	ParameterValues      []ParameterValue     `gorm:"foreignKey:BatchId" json:"parameter_values"`
	Standards            []*StandardDefinition `gorm:"many2many:batch_standards" json:"standards,omitempty"`
	Methodologies        []*Methodology       `gorm:"many2many:batch_methodologies" json:"methodologies,omitempty"`
	Units                []*Unit              `gorm:"many2many:batch_units" json:"units,omitempty"`
	CreatedAt            time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

// ParameterValue is one measured result. Exactly one row per
// (batch, parameter) pair; updates replace, never duplicate. The raw value
// is string-encoded regardless of the parameter's data type; only the rule
// evaluator interprets it.
type ParameterValue struct {
	ID                 int                 `gorm:"primary_key" json:"id"`
	BatchId            int                 `gorm:"not null;uniqueIndex:idx_batch_parameter" json:"batch_id"`
	ParameterId        int                 `gorm:"not null;uniqueIndex:idx_batch_parameter" json:"parameter_id" binding:"required"`
	Parameter          *Parameter          `gorm:"foreignKey:ParameterId" json:"parameter,omitempty"`
	Value              string              `gorm:"size:255;not null" json:"value" binding:"required"`
	UnitId             int                 `gorm:"default:null" json:"unit_id"`
	Unit               *Unit               `gorm:"foreignKey:UnitId" json:"unit,omitempty"`
	MethodologyId      int                 `gorm:"default:null" json:"methodology_id"`
	Methodology        *Methodology        `gorm:"foreignKey:MethodologyId" json:"methodology,omitempty"`
	VerificationResult *VerificationResult `gorm:"type:enum('Compliant','Non Compliant','Not Applicable');default:null" json:"verification_result"`
	VerificationRemark *string             `gorm:"type:text;default:null" json:"verification_remark"`
	VerifiedBy         *int                `gorm:"default:null" json:"verified_by"`
	VerifiedAt         *time.Time          `gorm:"default:null" json:"verified_at"`
	CreatedAt          time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewParameterValue struct {
	ParameterId   int    `json:"parameter_id" binding:"required" validate:"required"`
	Value         string `json:"value" binding:"required" validate:"required"`
	UnitId        int    `json:"unit_id"`
	MethodologyId int    `json:"methodology_id"`
}

// NewBatch is the create payload. InitialStatus is required and explicit
// (Draft or Submitted); there is no inferred default. Either ProductId or
// NewProduct must be given.
type NewBatch struct {
	BatchNumber     string              `json:"batch_number" binding:"required" validate:"required"`
	ProductId       int                 `json:"product_id"`
	NewProduct      *NewProduct         `json:"new_product"`
	ProductionDate  time.Time           `json:"production_date" binding:"required" validate:"required"`
	BestBeforeDate  time.Time           `json:"best_before_date" binding:"required" validate:"required"`
	InitialStatus   BatchStatus         `json:"initial_status" binding:"required" validate:"required,oneof=Draft Submitted"`
	ParameterValues []NewParameterValue `json:"parameter_values" validate:"dive"`
	StandardIds     []int               `json:"standard_ids"`
	MethodologyIds  []int               `json:"methodology_ids"`
	UnitIds         []int               `json:"unit_ids"`
}

// UpdateBatch is an explicit partial-update payload: nil pointer means
// "leave untouched". Parameter values upsert by parameter id; rows not
// mentioned are removed only when DeleteOtherParameters is set. Tag id
// slices replace the relation when non-nil.
type UpdateBatch struct {
	BatchNumber           *string             `json:"batch_number"`
	ProductId             *int                `json:"product_id"`
	ProductionDate        *time.Time          `json:"production_date"`
	BestBeforeDate        *time.Time          `json:"best_before_date"`
	ParameterValues       []NewParameterValue `json:"parameter_values" validate:"dive"`
	DeleteOtherParameters bool                `json:"delete_other_parameters"`
	StandardIds           []int               `json:"standard_ids"`
	MethodologyIds        []int               `json:"methodology_ids"`
	UnitIds               []int               `json:"unit_ids"`
}

// GetBatches lists batches newest first, optionally filtered by lifecycle
// status, product, or maker.
func GetBatches(ctx context.Context, status *BatchStatus, productId *int, makerId *int) ([]*Batch, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Preload("Product").Preload("Maker").Preload("Checker")
	if status != nil && *status != "" {
		dbCtx = dbCtx.Where("current_status = ?", *status)
	}
	if productId != nil && *productId > 0 {
		dbCtx = dbCtx.Where("product_id = ?", *productId)
	}
	if makerId != nil && *makerId > 0 {
		dbCtx = dbCtx.Where("maker_id = ?", *makerId)
	}
	var results []*Batch
	if err := dbCtx.Order("created_at DESC, id DESC").Find(&results).Error; err != nil {
		return nil, err
	}
	for _, b := range results {
		if b.Maker != nil {
			b.Maker.PrepareGive()
		}
		if b.Checker != nil {
			b.Checker.PrepareGive()
		}
	}
	return results, nil
}

// NewVerification is one per-parameter verification entry recorded by a
// checker while the batch is Submitted.
type NewVerification struct {
	ParameterValueId   int                `json:"parameter_value_id" binding:"required" validate:"required"`
	VerificationResult VerificationResult `json:"verification_result" binding:"required" validate:"required"`
	VerificationRemark *string            `json:"verification_remark"`
}
