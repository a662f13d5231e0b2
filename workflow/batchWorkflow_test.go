package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/qms_backend/models"
	"bitbucket.org/mmdatafocus/qms_backend/utils"
)

type fixture struct {
	engine     *Engine
	store      *memoryStore
	sink       *captureSink
	maker      *models.User
	checker    *models.User
	checker2   *models.User
	product    *models.Product
	pH         *models.Parameter
	moisture   *models.Parameter
	appearance *models.Parameter
	unitPH     *models.Unit
	method     *models.Methodology
}

func newFixture() *fixture {
	store := newMemoryStore()
	f := &fixture{store: store, sink: &captureSink{}}

	f.maker = store.addUser("Thandar Win", models.UserRoleMaker)
	f.checker = store.addUser("Aung Kyaw", models.UserRoleChecker)
	f.checker2 = store.addUser("Su Su Hlaing", models.UserRoleChecker)
	f.product = store.addProduct("Purified Drinking Water")

	physical := store.addCategory("Physical")
	chemical := store.addCategory("Chemical")
	f.unitPH = store.addUnit("pH unit", "pH")
	f.method = store.addMethodology("ISO 10523")

	f.pH = store.addParameter(chemical.ID, "pH", models.ParameterDataTypeFloat)
	f.moisture = store.addParameter(chemical.ID, "Moisture", models.ParameterDataTypePercentage)
	f.appearance = store.addParameter(physical.ID, "Appearance", models.ParameterDataTypeText)

	store.addStandard(f.pH.ID, "5.5-7.5", f.unitPH.ID, f.method.ID)
	store.addStandard(f.moisture.ID, "max: 12", 0, 0)
	store.addStandard(f.appearance.ID, "Clear", 0, 0)

	f.engine = NewEngine(store, store, nil)
	f.engine.AddNotificationSink(f.sink)
	return f
}

func (f *fixture) as(user *models.User) context.Context {
	ctx := utils.SetUserIdInContext(context.Background(), user.ID)
	ctx = utils.SetUserNameInContext(ctx, user.Name)
	return utils.SetUserRoleInContext(ctx, string(user.Role))
}

func (f *fixture) newBatchInput(number string, status models.BatchStatus, values ...models.NewParameterValue) *models.NewBatch {
	return &models.NewBatch{
		BatchNumber:     number,
		ProductId:       f.product.ID,
		ProductionDate:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		BestBeforeDate:  time.Date(2027, 3, 1, 0, 0, 0, 0, time.UTC),
		InitialStatus:   status,
		ParameterValues: values,
	}
}

func (f *fixture) phValue(v string) models.NewParameterValue {
	return models.NewParameterValue{ParameterId: f.pH.ID, Value: v, UnitId: f.unitPH.ID, MethodologyId: f.method.ID}
}

func (f *fixture) lastHistory(t *testing.T) memoryHistory {
	t.Helper()
	if len(f.store.histories) == 0 {
		t.Fatal("no history entries recorded")
	}
	return f.store.histories[len(f.store.histories)-1]
}

func assertKind(t *testing.T, err error, kind utils.ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := utils.KindOf(err); got != kind {
		t.Fatalf("error kind = %s, want %s (err: %v)", got, kind, err)
	}
}

func TestCreateDraftBatch(t *testing.T) {
	f := newFixture()

	batch, err := f.engine.Create(f.as(f.maker), f.newBatchInput("B-001", models.BatchStatusDraft, f.phValue("6.8")))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if batch.CurrentStatus != models.BatchStatusDraft {
		t.Fatalf("status = %s, want Draft", batch.CurrentStatus)
	}
	if batch.MakerId != f.maker.ID {
		t.Fatalf("maker id = %d, want %d", batch.MakerId, f.maker.ID)
	}
	if batch.CheckerId != nil || batch.RejectionRemarks != nil {
		t.Fatal("checker and rejection remarks must be unset on a Draft batch")
	}
	if len(batch.ParameterValues) != 1 || batch.ParameterValues[0].Value != "6.8" {
		t.Fatalf("parameter values = %+v", batch.ParameterValues)
	}
	if h := f.lastHistory(t); h.ActionType != models.ActionCreateBatch || h.ReferenceId != batch.ID {
		t.Fatalf("history = %+v", h)
	}
	if len(f.store.notifications) != 0 {
		t.Fatalf("draft creation must not notify anyone, got %d", len(f.store.notifications))
	}
}

func TestCreateDuplicateBatchNumber(t *testing.T) {
	f := newFixture()
	ctx := f.as(f.maker)

	first, err := f.engine.Create(ctx, f.newBatchInput("B-001", models.BatchStatusDraft))
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err = f.engine.Create(ctx, f.newBatchInput("B-001", models.BatchStatusDraft))
	assertKind(t, err, utils.ErrorKindConflict)

	reread, err := f.engine.GetBatch(ctx, first.ID)
	if err != nil {
		t.Fatalf("re-read: %v", err)
	}
	if reread.BatchNumber != "B-001" || reread.CurrentStatus != models.BatchStatusDraft {
		t.Fatalf("first batch changed: %+v", reread)
	}
}

func TestCreateDirectlySubmittedNotifiesCheckers(t *testing.T) {
	f := newFixture()

	batch, err := f.engine.Create(f.as(f.maker), f.newBatchInput("B-002", models.BatchStatusSubmitted, f.phValue("6.8")))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if batch.CurrentStatus != models.BatchStatusSubmitted {
		t.Fatalf("status = %s, want Submitted", batch.CurrentStatus)
	}
	if len(f.store.notifications) != 2 {
		t.Fatalf("notifications = %d, want one per checker", len(f.store.notifications))
	}
	for _, n := range f.store.notifications {
		if n.Type != models.NotificationTypeBatchSubmitted || n.BatchId != batch.ID {
			t.Fatalf("notification = %+v", n)
		}
	}
	if len(f.sink.events) != 1 || f.sink.events[0].Type != models.NotificationTypeBatchSubmitted {
		t.Fatalf("sink events = %+v", f.sink.events)
	}
}

func TestCreateUnknownReferenceIds(t *testing.T) {
	f := newFixture()
	ctx := f.as(f.maker)

	input := f.newBatchInput("B-003", models.BatchStatusDraft, models.NewParameterValue{ParameterId: 999, Value: "1"})
	_, err := f.engine.Create(ctx, input)
	assertKind(t, err, utils.ErrorKindValidation)

	input = f.newBatchInput("B-003", models.BatchStatusDraft)
	input.MethodologyIds = []int{998}
	_, err = f.engine.Create(ctx, input)
	assertKind(t, err, utils.ErrorKindValidation)
}

func TestCreateRejectsInactiveStandard(t *testing.T) {
	f := newFixture()
	inactive := f.store.addStandard(f.pH.ID, "1-2", 0, 0)
	inactive.IsActive = utils.NewFalse()

	input := f.newBatchInput("B-004", models.BatchStatusDraft)
	input.StandardIds = []int{inactive.ID}
	_, err := f.engine.Create(f.as(f.maker), input)
	assertKind(t, err, utils.ErrorKindValidation)
}

func TestCreateWithInlineProduct(t *testing.T) {
	f := newFixture()

	input := f.newBatchInput("B-006", models.BatchStatusDraft, f.phValue("6.8"))
	input.ProductId = 0
	input.NewProduct = &models.NewProduct{Name: "Sparkling Water", Code: "SW-01"}

	batch, err := f.engine.Create(f.as(f.maker), input)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if batch.Product == nil || batch.Product.Name != "Sparkling Water" {
		t.Fatalf("product = %+v", batch.Product)
	}
	if _, ok := f.store.products[batch.ProductId]; !ok {
		t.Fatal("inline product must be persisted with the batch")
	}
}

func TestCreateInlineProductRollsBackOnConflict(t *testing.T) {
	f := newFixture()
	ctx := f.as(f.maker)

	if _, err := f.engine.Create(ctx, f.newBatchInput("B-007", models.BatchStatusDraft)); err != nil {
		t.Fatalf("first create: %v", err)
	}
	before := len(f.store.products)

	input := f.newBatchInput("B-007", models.BatchStatusDraft)
	input.ProductId = 0
	input.NewProduct = &models.NewProduct{Name: "Mineral Water"}
	_, err := f.engine.Create(ctx, input)
	assertKind(t, err, utils.ErrorKindConflict)

	if got := len(f.store.products); got != before {
		t.Fatalf("product count = %d, want %d: failed create must not leave a product behind", got, before)
	}
}

func TestCreateRequiresMakerRole(t *testing.T) {
	f := newFixture()
	_, err := f.engine.Create(f.as(f.checker), f.newBatchInput("B-005", models.BatchStatusDraft))
	assertKind(t, err, utils.ErrorKindForbidden)
}

func TestUpdatePartialFields(t *testing.T) {
	f := newFixture()
	ctx := f.as(f.maker)

	batch, err := f.engine.Create(ctx, f.newBatchInput("B-010", models.BatchStatusDraft, f.phValue("6.8")))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	number := "B-010-R1"
	updated, err := f.engine.Update(ctx, batch.ID, &models.UpdateBatch{BatchNumber: &number})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.BatchNumber != "B-010-R1" {
		t.Fatalf("batch number = %s", updated.BatchNumber)
	}
	if !updated.ProductionDate.Equal(batch.ProductionDate) || updated.ProductId != batch.ProductId {
		t.Fatal("fields not mentioned in the payload must be untouched")
	}
	if len(updated.ParameterValues) != 1 || updated.ParameterValues[0].Value != "6.8" {
		t.Fatalf("parameter values must be untouched, got %+v", updated.ParameterValues)
	}
}

func TestUpdateUpsertsByParameter(t *testing.T) {
	f := newFixture()
	ctx := f.as(f.maker)

	batch, err := f.engine.Create(ctx, f.newBatchInput("B-011", models.BatchStatusDraft,
		f.phValue("6.8"),
		models.NewParameterValue{ParameterId: f.moisture.ID, Value: "11.5"},
	))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Same parameter mentioned again replaces, never duplicates.
	updated, err := f.engine.Update(ctx, batch.ID, &models.UpdateBatch{
		ParameterValues: []models.NewParameterValue{f.phValue("7.1")},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(updated.ParameterValues) != 2 {
		t.Fatalf("value count = %d, want 2", len(updated.ParameterValues))
	}
	for _, v := range updated.ParameterValues {
		if v.ParameterId == f.pH.ID && v.Value != "7.1" {
			t.Fatalf("pH value = %s, want 7.1", v.Value)
		}
	}

	// Explicit prune removes everything not mentioned.
	updated, err = f.engine.Update(ctx, batch.ID, &models.UpdateBatch{
		ParameterValues:       []models.NewParameterValue{f.phValue("7.2")},
		DeleteOtherParameters: true,
	})
	if err != nil {
		t.Fatalf("update with prune: %v", err)
	}
	if len(updated.ParameterValues) != 1 || updated.ParameterValues[0].ParameterId != f.pH.ID {
		t.Fatalf("values after prune = %+v", updated.ParameterValues)
	}
}

func TestUpdateNonDraftFails(t *testing.T) {
	f := newFixture()
	ctx := f.as(f.maker)

	batch, err := f.engine.Create(ctx, f.newBatchInput("B-012", models.BatchStatusSubmitted, f.phValue("6.8")))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	number := "B-012-X"
	_, err = f.engine.Update(ctx, batch.ID, &models.UpdateBatch{BatchNumber: &number})
	assertKind(t, err, utils.ErrorKindInvalidState)

	reread, _ := f.engine.GetBatch(ctx, batch.ID)
	if reread.BatchNumber != "B-012" {
		t.Fatalf("batch mutated by failed update: %s", reread.BatchNumber)
	}
}

func TestUpdateByAnotherMakerForbidden(t *testing.T) {
	f := newFixture()
	other := f.store.addUser("Min Thu", models.UserRoleMaker)

	batch, err := f.engine.Create(f.as(f.maker), f.newBatchInput("B-013", models.BatchStatusDraft))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	number := "B-013-X"
	_, err = f.engine.Update(f.as(other), batch.ID, &models.UpdateBatch{BatchNumber: &number})
	assertKind(t, err, utils.ErrorKindForbidden)
}

func TestUpdateMissingBatch(t *testing.T) {
	f := newFixture()
	number := "B-404"
	_, err := f.engine.Update(f.as(f.maker), 12345, &models.UpdateBatch{BatchNumber: &number})
	assertKind(t, err, utils.ErrorKindNotFound)
}

func TestSubmitNotifiesEveryChecker(t *testing.T) {
	f := newFixture()
	ctx := f.as(f.maker)

	batch, err := f.engine.Create(ctx, f.newBatchInput("B-020", models.BatchStatusDraft, f.phValue("6.8")))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	submitted, err := f.engine.Submit(ctx, batch.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if submitted.CurrentStatus != models.BatchStatusSubmitted {
		t.Fatalf("status = %s", submitted.CurrentStatus)
	}
	if h := f.lastHistory(t); h.ActionType != models.ActionSubmitBatch {
		t.Fatalf("history = %+v", h)
	}

	recipients := map[int]bool{}
	for _, n := range f.store.notifications {
		recipients[n.UserId] = true
	}
	if !recipients[f.checker.ID] || !recipients[f.checker2.ID] {
		t.Fatalf("both checkers must be notified, got %v", recipients)
	}
}

func TestSubmitDraftWithoutValues(t *testing.T) {
	f := newFixture()
	ctx := f.as(f.maker)

	batch, err := f.engine.Create(ctx, f.newBatchInput("B-022", models.BatchStatusDraft))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	submitted, err := f.engine.Submit(ctx, batch.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if submitted.CurrentStatus != models.BatchStatusSubmitted {
		t.Fatalf("status = %s, want Submitted", submitted.CurrentStatus)
	}
}

func TestSubmitByAdminForbidden(t *testing.T) {
	f := newFixture()
	admin := f.store.addUser("Admin", models.UserRoleAdmin)

	batch, err := f.engine.Create(f.as(f.maker), f.newBatchInput("B-023", models.BatchStatusDraft, f.phValue("6.8")))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = f.engine.Submit(f.as(admin), batch.ID)
	assertKind(t, err, utils.ErrorKindForbidden)

	number := "B-023-X"
	_, err = f.engine.Update(f.as(admin), batch.ID, &models.UpdateBatch{BatchNumber: &number})
	assertKind(t, err, utils.ErrorKindForbidden)
}

func TestSubmitTwiceFails(t *testing.T) {
	f := newFixture()
	ctx := f.as(f.maker)

	batch, _ := f.engine.Create(ctx, f.newBatchInput("B-021", models.BatchStatusDraft, f.phValue("6.8")))
	if _, err := f.engine.Submit(ctx, batch.ID); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := f.engine.Submit(ctx, batch.ID)
	assertKind(t, err, utils.ErrorKindInvalidState)
}

func TestApproveSetsCheckerAndNotifiesMaker(t *testing.T) {
	f := newFixture()

	batch, err := f.engine.Create(f.as(f.maker), f.newBatchInput("B-030", models.BatchStatusSubmitted, f.phValue("6.8")))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	before := len(f.store.notifications)

	approved, err := f.engine.Approve(f.as(f.checker), batch.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.CurrentStatus != models.BatchStatusApproved {
		t.Fatalf("status = %s", approved.CurrentStatus)
	}
	if approved.CheckerId == nil || *approved.CheckerId != f.checker.ID {
		t.Fatalf("checker id = %v", approved.CheckerId)
	}
	if approved.RejectionRemarks != nil {
		t.Fatal("approved batch must not carry rejection remarks")
	}

	added := f.store.notifications[before:]
	if len(added) != 1 || added[0].UserId != f.maker.ID || added[0].Type != models.NotificationTypeBatchApproved {
		t.Fatalf("maker notification = %+v", added)
	}
}

func TestRejectRequiresRemarks(t *testing.T) {
	f := newFixture()
	batch, _ := f.engine.Create(f.as(f.maker), f.newBatchInput("B-031", models.BatchStatusSubmitted, f.phValue("6.8")))

	_, err := f.engine.Reject(f.as(f.checker), batch.ID, "   ")
	assertKind(t, err, utils.ErrorKindValidation)

	reread, _ := f.engine.GetBatch(f.as(f.checker), batch.ID)
	if reread.CurrentStatus != models.BatchStatusSubmitted {
		t.Fatalf("failed reject must not change status, got %s", reread.CurrentStatus)
	}
}

func TestRejectThenApproveFails(t *testing.T) {
	f := newFixture()
	batch, _ := f.engine.Create(f.as(f.maker), f.newBatchInput("B-032", models.BatchStatusSubmitted, f.phValue("9.9")))

	rejected, err := f.engine.Reject(f.as(f.checker), batch.ID, "pH out of spec")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.CurrentStatus != models.BatchStatusRejected {
		t.Fatalf("status = %s", rejected.CurrentStatus)
	}
	if rejected.RejectionRemarks == nil || *rejected.RejectionRemarks != "pH out of spec" {
		t.Fatalf("remarks = %v", rejected.RejectionRemarks)
	}

	_, err = f.engine.Approve(f.as(f.checker2), batch.ID)
	assertKind(t, err, utils.ErrorKindInvalidState)
}

func TestReviewRequiresCheckerRole(t *testing.T) {
	f := newFixture()
	batch, _ := f.engine.Create(f.as(f.maker), f.newBatchInput("B-033", models.BatchStatusSubmitted, f.phValue("6.8")))

	_, err := f.engine.Approve(f.as(f.maker), batch.ID)
	assertKind(t, err, utils.ErrorKindForbidden)
}

func TestRecordParameterVerification(t *testing.T) {
	f := newFixture()
	batch, _ := f.engine.Create(f.as(f.maker), f.newBatchInput("B-040", models.BatchStatusSubmitted, f.phValue("6.8")))

	remark := "within range"
	verified, err := f.engine.RecordParameterVerification(f.as(f.checker), batch.ID, []models.NewVerification{
		{ParameterValueId: batch.ParameterValues[0].ID, VerificationResult: models.VerificationResultCompliant, VerificationRemark: &remark},
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	value := verified.ParameterValues[0]
	if value.VerificationResult == nil || *value.VerificationResult != models.VerificationResultCompliant {
		t.Fatalf("verification result = %v", value.VerificationResult)
	}
	if value.VerifiedBy == nil || *value.VerifiedBy != f.checker.ID || value.VerifiedAt == nil {
		t.Fatal("verifier identity and timestamp must be recorded")
	}
	if verified.SampleAnalysisStatus != models.SampleAnalysisStatusInProgress || verified.AnalysisStartedAt == nil {
		t.Fatalf("sample analysis = %s", verified.SampleAnalysisStatus)
	}
}

func TestRecordParameterVerificationAllOrNothing(t *testing.T) {
	f := newFixture()
	batch, _ := f.engine.Create(f.as(f.maker), f.newBatchInput("B-041", models.BatchStatusSubmitted,
		f.phValue("6.8"),
		models.NewParameterValue{ParameterId: f.moisture.ID, Value: "11.5"},
	))

	_, err := f.engine.RecordParameterVerification(f.as(f.checker), batch.ID, []models.NewVerification{
		{ParameterValueId: batch.ParameterValues[0].ID, VerificationResult: models.VerificationResultCompliant},
		{ParameterValueId: 99999, VerificationResult: models.VerificationResultCompliant},
	})
	assertKind(t, err, utils.ErrorKindValidation)

	reread, _ := f.engine.GetBatch(f.as(f.checker), batch.ID)
	for _, value := range reread.ParameterValues {
		if value.VerificationResult != nil {
			t.Fatalf("no value may be verified after a failed call, got %+v", value)
		}
	}
}

func TestCompleteVerification(t *testing.T) {
	f := newFixture()
	batch, _ := f.engine.Create(f.as(f.maker), f.newBatchInput("B-042", models.BatchStatusSubmitted, f.phValue("6.8")))

	_, err := f.engine.CompleteVerification(f.as(f.checker), batch.ID, models.BatchStatusDraft, "")
	assertKind(t, err, utils.ErrorKindValidation)

	done, err := f.engine.CompleteVerification(f.as(f.checker), batch.ID, models.BatchStatusApproved, "")
	if err != nil {
		t.Fatalf("complete verification: %v", err)
	}
	if done.CurrentStatus != models.BatchStatusApproved {
		t.Fatalf("status = %s", done.CurrentStatus)
	}
}

func TestConcurrentApproveSingleWinner(t *testing.T) {
	f := newFixture()
	batch, _ := f.engine.Create(f.as(f.maker), f.newBatchInput("B-050", models.BatchStatusSubmitted, f.phValue("6.8")))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, checker := range []*models.User{f.checker, f.checker2} {
		wg.Add(1)
		go func(i int, checker *models.User) {
			defer wg.Done()
			_, errs[i] = f.engine.Approve(f.as(checker), batch.ID)
		}(i, checker)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		if err == nil {
			won++
		} else if utils.KindOf(err) == utils.ErrorKindInvalidState {
			lost++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("winners = %d, losers = %d, want exactly one of each", won, lost)
	}

	reread, _ := f.engine.GetBatch(f.as(f.checker), batch.ID)
	if reread.CurrentStatus != models.BatchStatusApproved || reread.CheckerId == nil {
		t.Fatalf("final batch = %+v", reread)
	}
}

func TestEndToEndApproval(t *testing.T) {
	f := newFixture()
	makerCtx := f.as(f.maker)

	batch, err := f.engine.Create(makerCtx, f.newBatchInput("B-001", models.BatchStatusDraft, f.phValue("6.8")))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.engine.Submit(makerCtx, batch.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(f.store.notifications) != 2 {
		t.Fatalf("reviewer notifications = %d", len(f.store.notifications))
	}

	approved, err := f.engine.Approve(f.as(f.checker), batch.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.CurrentStatus != models.BatchStatusApproved || approved.CheckerId == nil {
		t.Fatalf("approved = %+v", approved)
	}

	doc, err := f.engine.BuildCertificate(f.as(f.checker), batch.ID)
	if err != nil {
		t.Fatalf("certificate: %v", err)
	}
	var found bool
	for _, section := range doc.Sections {
		for _, row := range section.Rows {
			if row.ParameterName == "pH" {
				found = true
				if row.Verdict != models.VerificationResultCompliant {
					t.Fatalf("pH verdict = %s", row.Verdict)
				}
			}
		}
	}
	if !found {
		t.Fatal("certificate missing pH row")
	}
}
