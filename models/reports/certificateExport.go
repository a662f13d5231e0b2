package reports

import (
	"fmt"
	"io"

	"bitbucket.org/mmdatafocus/qms_backend/workflow"
	"github.com/xuri/excelize/v2"
)

const certificateSheet = "Sheet1"

// WriteCertificateExcel renders a Certificate of Analysis as an xlsx
// workbook: header block, one table per category section, compliance
// summary at the bottom.
func WriteCertificateExcel(w io.Writer, doc *workflow.CertificateDocument) error {
	f := excelize.NewFile()
	if _, err := f.NewSheet(certificateSheet); err != nil {
		return err
	}

	rowNo := 1
	setRow := func(values ...interface{}) {
		col := 'A'
		for _, v := range values {
			f.SetCellValue(certificateSheet, string(col)+fmt.Sprint(rowNo), v)
			col++
		}
		rowNo++
	}

	setRow("Certificate of Analysis")
	setRow("Certificate No", doc.CertificateNumber)
	setRow("Batch No", doc.BatchNumber)
	setRow("Product", doc.ProductName)
	setRow("Production Date", doc.ProductionDate.Format("2006-01-02"))
	setRow("Best Before", doc.BestBeforeDate.Format("2006-01-02"))
	setRow("Batch Status", string(doc.BatchStatus))
	setRow("Prepared By", doc.MakerName)
	setRow("Checked By", doc.CheckerName)
	setRow("Generated At", doc.GeneratedAt.Format("2006-01-02 15:04:05"))
	rowNo++

	for _, section := range doc.Sections {
		setRow(section.Category)
		setRow("Parameter", "Specification", "Spec Unit", "Result", "Result Unit", "Methodology", "Verdict")
		for _, row := range section.Rows {
			setRow(row.ParameterName, row.Specification, row.SpecificationUnit, row.Result, row.ResultUnit, row.Methodology, string(row.Verdict))
		}
		rowNo++
	}

	summary := doc.ComplianceSummary
	setRow("Total Parameters", summary.Total)
	setRow("No Standard Defined", summary.NotDefined)
	setRow("Compliant", summary.Compliant)
	setRow("Non Compliant", summary.NonCompliant)
	overall := "NON COMPLIANT"
	if summary.OverallCompliant {
		overall = "COMPLIANT"
	}
	setRow("Overall", overall)

	return f.Write(w)
}
