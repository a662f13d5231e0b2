package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/qms_backend/config"
	"bitbucket.org/mmdatafocus/qms_backend/models"
	"gorm.io/gorm"
)

// Reconciles sample_analysis_status with the batch lifecycle for rows written
// before the status transitions were enforced in the workflow:
//   - Approved/Rejected batches stuck below Completed get Completed, with
//     analysis_completed_at backfilled from the batch's last update.
//   - Submitted batches still Pending despite holding verified values get
//     In Progress, with analysis_started_at backfilled from the earliest
//     verification timestamp.
func main() {
	dryRun := flag.Bool("dry-run", true, "List affected batches only (no writes)")
	confirm := flag.String("confirm", "", "Type APPLY to proceed when dry-run=false")
	flag.Parse()

	if !*dryRun && strings.TrimSpace(*confirm) != "APPLY" {
		fmt.Fprintln(os.Stderr, "set --confirm=APPLY to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	var finished []models.Batch
	if err := db.
		Where("current_status IN ? AND sample_analysis_status <> ?",
			[]models.BatchStatus{models.BatchStatusApproved, models.BatchStatusRejected},
			models.SampleAnalysisStatusCompleted).
		Find(&finished).Error; err != nil {
		fmt.Fprintf(os.Stderr, "lookup finished batches: %v\n", err)
		os.Exit(1)
	}

	var stalled []models.Batch
	if err := db.
		Where("current_status = ? AND sample_analysis_status = ?",
			models.BatchStatusSubmitted, models.SampleAnalysisStatusPending).
		Where("EXISTS (SELECT 1 FROM parameter_values pv WHERE pv.batch_id = batches.id AND pv.verified_at IS NOT NULL)").
		Find(&stalled).Error; err != nil {
		fmt.Fprintf(os.Stderr, "lookup stalled batches: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("finished batches missing Completed: %d\n", len(finished))
	for _, b := range finished {
		fmt.Printf("  id=%d number=%s status=%s analysis=%s\n", b.ID, b.BatchNumber, b.CurrentStatus, b.SampleAnalysisStatus)
	}
	fmt.Printf("submitted batches with verifications still Pending: %d\n", len(stalled))
	for _, b := range stalled {
		fmt.Printf("  id=%d number=%s\n", b.ID, b.BatchNumber)
	}

	if *dryRun {
		fmt.Println("dry run; no changes written")
		return
	}

	if err := db.Transaction(func(tx *gorm.DB) error {
		for _, b := range finished {
			completedAt := b.UpdatedAt
			if b.AnalysisCompletedAt != nil {
				completedAt = *b.AnalysisCompletedAt
			}
			if err := tx.Model(&models.Batch{}).Where("id = ?", b.ID).Updates(map[string]any{
				"sample_analysis_status": models.SampleAnalysisStatusCompleted,
				"analysis_completed_at":  completedAt,
			}).Error; err != nil {
				return fmt.Errorf("batch %d: %w", b.ID, err)
			}
		}
		for _, b := range stalled {
			var startedAt time.Time
			err := tx.Model(&models.ParameterValue{}).
				Where("batch_id = ? AND verified_at IS NOT NULL", b.ID).
				Select("MIN(verified_at)").
				Scan(&startedAt).Error
			if err != nil {
				return fmt.Errorf("batch %d earliest verification: %w", b.ID, err)
			}
			if err := tx.Model(&models.Batch{}).Where("id = ?", b.ID).Updates(map[string]any{
				"sample_analysis_status": models.SampleAnalysisStatusInProgress,
				"analysis_started_at":    startedAt,
			}).Error; err != nil {
				return fmt.Errorf("batch %d: %w", b.ID, err)
			}
		}
		return nil
	}); err != nil {
		fmt.Fprintf(os.Stderr, "housekeeping failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ updated %d finished and %d stalled batches\n", len(finished), len(stalled))
}
