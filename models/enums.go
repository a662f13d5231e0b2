package models

import (
	"encoding/json"
	"errors"
)

type BatchStatus string

const (
	BatchStatusDraft     BatchStatus = "Draft"
	BatchStatusSubmitted BatchStatus = "Submitted"
	BatchStatusApproved  BatchStatus = "Approved"
	BatchStatusRejected  BatchStatus = "Rejected"
)

// Terminal reports whether no further lifecycle transition is allowed.
func (s BatchStatus) Terminal() bool {
	return s == BatchStatusApproved || s == BatchStatusRejected
}

func (s *BatchStatus) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("batch status must be string")
	}

	batchStatus := map[string]BatchStatus{
		"Draft":     BatchStatusDraft,
		"Submitted": BatchStatusSubmitted,
		"Approved":  BatchStatusApproved,
		"Rejected":  BatchStatusRejected,
	}

	var ok bool
	*s, ok = batchStatus[str]
	if !ok {
		return errors.New("invalid batch status")
	}
	return nil
}

type SampleAnalysisStatus string

const (
	SampleAnalysisStatusPending    SampleAnalysisStatus = "Pending"
	SampleAnalysisStatusInProgress SampleAnalysisStatus = "In Progress"
	SampleAnalysisStatusCompleted  SampleAnalysisStatus = "Completed"
)

func (s *SampleAnalysisStatus) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("sample analysis status must be string")
	}
	switch str {
	case "Pending":
		*s = SampleAnalysisStatusPending
	case "In Progress":
		*s = SampleAnalysisStatusInProgress
	case "Completed":
		*s = SampleAnalysisStatusCompleted
	default:
		return errors.New("invalid sample analysis status")
	}
	return nil
}

// VerificationResult is the compliance verdict for one parameter value,
// either recorded manually by a checker or produced by the rule evaluator.
type VerificationResult string

const (
	VerificationResultCompliant     VerificationResult = "Compliant"
	VerificationResultNonCompliant  VerificationResult = "Non Compliant"
	VerificationResultNotApplicable VerificationResult = "Not Applicable"
)

func (r *VerificationResult) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("verification result must be string")
	}
	switch str {
	case "Compliant":
		*r = VerificationResultCompliant
	case "Non Compliant":
		*r = VerificationResultNonCompliant
	case "Not Applicable":
		*r = VerificationResultNotApplicable
	default:
		return errors.New("invalid verification result")
	}
	return nil
}

type ParameterDataType string

const (
	ParameterDataTypeFloat      ParameterDataType = "FLOAT"
	ParameterDataTypeInteger    ParameterDataType = "INTEGER"
	ParameterDataTypePercentage ParameterDataType = "PERCENTAGE"
	ParameterDataTypeText       ParameterDataType = "TEXT"
)

// Numeric reports whether values of this type are compared numerically.
func (t ParameterDataType) Numeric() bool {
	switch t {
	case ParameterDataTypeFloat, ParameterDataTypeInteger, ParameterDataTypePercentage:
		return true
	}
	return false
}

func (t *ParameterDataType) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("parameter data type must be string")
	}
	switch str {
	case "FLOAT":
		*t = ParameterDataTypeFloat
	case "INTEGER":
		*t = ParameterDataTypeInteger
	case "PERCENTAGE":
		*t = ParameterDataTypePercentage
	case "TEXT":
		*t = ParameterDataTypeText
	default:
		return errors.New("invalid parameter data type")
	}
	return nil
}

type UserRole string

const (
	UserRoleAdmin   UserRole = "A"
	UserRoleMaker   UserRole = "M"
	UserRoleChecker UserRole = "C"
)

func (r UserRole) DisplayName() string {
	switch r {
	case UserRoleAdmin:
		return "Admin"
	case UserRoleMaker:
		return "Maker"
	case UserRoleChecker:
		return "Checker"
	}
	return string(r)
}

func UserRoleFromString(s string) (UserRole, error) {
	switch s {
	case "A", "Admin":
		return UserRoleAdmin, nil
	case "M", "Maker":
		return UserRoleMaker, nil
	case "C", "Checker":
		return UserRoleChecker, nil
	}
	return "", errors.New("invalid user role")
}

type NotificationType string

const (
	NotificationTypeBatchSubmitted NotificationType = "BATCH_SUBMITTED"
	NotificationTypeBatchApproved  NotificationType = "BATCH_APPROVED"
	NotificationTypeBatchRejected  NotificationType = "BATCH_REJECTED"
)

// Audit log action types, one per state-changing operation.
const (
	ActionCreateBatch         = "CREATE_BATCH"
	ActionUpdateBatch         = "UPDATE_BATCH"
	ActionSubmitBatch         = "SUBMIT_BATCH"
	ActionApproveBatch        = "APPROVE_BATCH"
	ActionRejectBatch         = "REJECT_BATCH"
	ActionVerifyParameters    = "VERIFY_PARAMETERS"
	ActionGenerateCertificate = "GENERATE_CERTIFICATE"
)
