package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/qms_backend/models"
	"bitbucket.org/mmdatafocus/qms_backend/utils"
)

// Sentinels rendered on the certificate in place of missing data.
const (
	SpecificationNotDefined = "Not defined"
	CheckerPendingApproval  = "Pending Approval"
)

// CertificateDocument is a Certificate of Analysis: the batch's measured
// results grouped by parameter category, each judged against its
// authoritative standard, plus the roll-up. Building one never mutates the
// batch; the only write is the audit row.
type CertificateDocument struct {
	CertificateNumber string               `json:"certificate_number"`
	BatchNumber       string               `json:"batch_number"`
	ProductName       string               `json:"product_name"`
	ProductionDate    time.Time            `json:"production_date"`
	BestBeforeDate    time.Time            `json:"best_before_date"`
	BatchStatus       models.BatchStatus   `json:"batch_status"`
	MakerName         string               `json:"maker_name"`
	CheckerName       string               `json:"checker_name"`
	GeneratedAt       time.Time            `json:"generated_at"`
	Sections          []CertificateSection `json:"sections"`
	ComplianceSummary ComplianceSummary    `json:"compliance_summary"`
}

// CertificateSection groups rows under one parameter category. Sections
// appear in the order their category is first seen walking the batch's
// values, so a batch renders identically every time.
type CertificateSection struct {
	Category string           `json:"category"`
	Rows     []CertificateRow `json:"rows"`
}

type CertificateRow struct {
	ParameterName     string                    `json:"parameter_name"`
	Specification     string                    `json:"specification"`
	SpecificationUnit string                    `json:"specification_unit,omitempty"`
	Result            string                    `json:"result"`
	ResultUnit        string                    `json:"result_unit,omitempty"`
	Methodology       string                    `json:"methodology,omitempty"`
	Verdict           models.VerificationResult `json:"verdict"`
}

// ComplianceSummary is derived from the same verdicts the rows carry; the
// table and the roll-up can never disagree.
type ComplianceSummary struct {
	Total            int  `json:"total"`
	NotDefined       int  `json:"not_defined"`
	Compliant        int  `json:"compliant"`
	NonCompliant     int  `json:"non_compliant"`
	OverallCompliant bool `json:"overall_compliant"`
}

// BuildCertificate assembles the Certificate of Analysis for a batch at any
// status past Draft. Verdicts come from one rule-evaluator pass per value
// against the parameter's authoritative standard; values whose parameter has
// no active standard render with the Not defined sentinel and count
// separately in the summary.
func (e *Engine) BuildCertificate(ctx context.Context, batchId int) (*CertificateDocument, error) {
	ctx, span := e.startSpan(ctx, "BuildCertificate")
	defer span.End()

	batch, err := e.store.GetBatch(ctx, batchId)
	if err != nil {
		return nil, err
	}
	if batch.CurrentStatus == models.BatchStatusDraft {
		return nil, utils.NewInvalidStateError("certificates are only available once a batch is submitted")
	}

	parameterIds := make([]int, 0, len(batch.ParameterValues))
	for _, value := range batch.ParameterValues {
		parameterIds = append(parameterIds, value.ParameterId)
	}

	var standards map[int]*models.StandardDefinition
	if len(parameterIds) > 0 {
		if standards, err = e.store.GetAuthoritativeStandards(ctx, parameterIds); err != nil {
			return nil, err
		}
	}
	parameters, err := e.store.GetParametersByIds(ctx, parameterIds)
	if err != nil {
		return nil, err
	}

	generatedAt := e.now()
	doc := &CertificateDocument{
		CertificateNumber: fmt.Sprintf("COA/%s/%d", batch.BatchNumber, generatedAt.Year()),
		BatchNumber:       batch.BatchNumber,
		ProductionDate:    batch.ProductionDate,
		BestBeforeDate:    batch.BestBeforeDate,
		BatchStatus:       batch.CurrentStatus,
		CheckerName:       CheckerPendingApproval,
		GeneratedAt:       generatedAt,
	}
	if batch.Product != nil {
		doc.ProductName = batch.Product.Name
	}
	if batch.Maker != nil {
		doc.MakerName = batch.Maker.Name
	}
	if batch.Checker != nil {
		doc.CheckerName = batch.Checker.Name
	}

	sectionIndex := make(map[string]int)
	for _, value := range batch.ParameterValues {
		parameter := parameters[value.ParameterId]
		if parameter == nil {
			continue
		}

		row := CertificateRow{
			ParameterName: parameter.Name,
			Specification: SpecificationNotDefined,
			Result:        value.Value,
		}
		if value.Unit != nil {
			row.ResultUnit = value.Unit.Symbol
		}
		if value.Methodology != nil {
			row.Methodology = value.Methodology.Name
		}

		standard := standards[value.ParameterId]
		if standard != nil {
			row.Specification = standard.TargetValue
			if standard.Unit != nil {
				row.SpecificationUnit = standard.Unit.Symbol
			}
			if row.Methodology == "" && standard.Methodology != nil {
				row.Methodology = standard.Methodology.Name
			}
		}

		// One evaluation per value, shared by the row and the summary.
		if standard != nil {
			row.Verdict = Evaluate(parameter.DataType, standard.TargetValue, value.Value)
		} else {
			row.Verdict = models.VerificationResultNotApplicable
		}

		// Category grouping is by exact display name, first appearance
		// fixes section order.
		category := ""
		if parameter.Category != nil {
			category = parameter.Category.Name
		}
		idx, ok := sectionIndex[category]
		if !ok {
			idx = len(doc.Sections)
			sectionIndex[category] = idx
			doc.Sections = append(doc.Sections, CertificateSection{Category: category})
		}
		doc.Sections[idx].Rows = append(doc.Sections[idx].Rows, row)

		doc.ComplianceSummary.Total++
		if standard == nil {
			doc.ComplianceSummary.NotDefined++
			continue
		}
		switch row.Verdict {
		case models.VerificationResultCompliant:
			doc.ComplianceSummary.Compliant++
		case models.VerificationResultNonCompliant:
			doc.ComplianceSummary.NonCompliant++
		}
	}
	doc.ComplianceSummary.OverallCompliant = doc.ComplianceSummary.NonCompliant == 0

	err = e.store.InTransaction(ctx, func(tx Tx) error {
		return tx.SaveHistory(models.ActionGenerateCertificate, batch.ID, "certificate "+doc.CertificateNumber+" generated")
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}
