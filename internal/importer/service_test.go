package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/importstack/importd/internal/audit"
	"github.com/importstack/importd/internal/cache"
	"github.com/importstack/importd/internal/mapping"
	"github.com/importstack/importd/internal/store"
	"github.com/importstack/importd/internal/validation"
	"github.com/importstack/importd/pkg/models"
)

// --- mocks ---

// mockTransitions mirrors the SQL store's transition rules so state-machine
// rejections behave the same here as in production.
var mockTransitions = map[string][]string{
	models.ImportStatusPending:          {models.ImportStatusProcessing, models.ImportStatusFailed, models.ImportStatusCancelled},
	models.ImportStatusProcessing:       {models.ImportStatusSuccess, models.ImportStatusPartial, models.ImportStatusFailed, models.ImportStatusCancelled, models.ImportStatusValidationFailed},
	models.ImportStatusValidationFailed: {models.ImportStatusProcessing, models.ImportStatusCancelled},
	models.ImportStatusSuccess:          {models.ImportStatusProcessing, models.ImportStatusCancelled},
	models.ImportStatusCancelled:        {models.ImportStatusCancelled},
}

type mockStore struct {
	mu       sync.Mutex
	seq      int64
	order    []int64
	jobs     map[int64]*models.ImportJob
	outcomes map[int64][]*models.ImportRowOutcome

	claimErr   error
	commitErr  error
	claimHook  func()
	commitHook func()
}

func newMockStore() *mockStore {
	return &mockStore{
		jobs:     make(map[int64]*models.ImportJob),
		outcomes: make(map[int64][]*models.ImportRowOutcome),
	}
}

func (s *mockStore) Ping(_ context.Context) error { return nil }

func (s *mockStore) CreateImportJob(_ context.Context, job *models.ImportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.BatchNo == job.BatchNo {
			return store.ErrDuplicateKey
		}
	}
	s.seq++
	job.ID = s.seq
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	return nil
}

func (s *mockStore) GetImportJob(_ context.Context, id int64) (*models.ImportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *mockStore) GetImportJobByBatchNo(_ context.Context, batchNo string) (*models.ImportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.BatchNo == batchNo {
			cp := *j
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *mockStore) ListImportJobs(_ context.Context, filter store.ImportJobFilter) ([]*models.ImportJob, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.ImportJob
	for i := len(s.order) - 1; i >= 0; i-- {
		j := s.jobs[s.order[i]]
		if filter.CreatedBy != nil && (j.CreatedBy == nil || *j.CreatedBy != *filter.CreatedBy) {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		cp := *j
		matched = append(matched, &cp)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	total := len(matched)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *mockStore) UpdateImportJobStatus(_ context.Context, id int64, status string, opts ...store.JobUpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}

	valid := false
	for _, a := range mockTransitions[j.Status] {
		if a == status {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, j.Status, status)
	}

	upd := &store.JobUpdate{}
	for _, opt := range opts {
		opt(upd)
	}

	j.Status = status
	if status == models.ImportStatusProcessing {
		now := time.Now().UTC()
		j.StartedAt = &now
	}
	if upd.ErrorMessage != nil {
		j.ErrorMessage = upd.ErrorMessage
	}
	return nil
}

func (s *mockStore) ClaimImportJob(_ context.Context, id int64, from []string) (bool, error) {
	if s.claimHook != nil {
		s.claimHook()
	}
	if s.claimErr != nil {
		return false, s.claimErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	claimable := false
	for _, f := range from {
		if j.Status == f {
			claimable = true
			break
		}
	}
	if !claimable || j.SuccessRows > 0 || j.FailedRows > 0 {
		return false, nil
	}
	j.Status = models.ImportStatusProcessing
	now := time.Now().UTC()
	j.StartedAt = &now
	return true, nil
}

func (s *mockStore) UpdateImportJobMapping(_ context.Context, id int64, mapping map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.FieldMapping = mapping
	return nil
}

func (s *mockStore) UpdateImportJobCounts(_ context.Context, id int64, counts store.RowCounts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if counts.Total != nil {
		j.TotalRows = *counts.Total
	}
	if counts.Success != nil {
		j.SuccessRows = *counts.Success
	}
	if counts.Failed != nil {
		j.FailedRows = *counts.Failed
	}
	return nil
}

func (s *mockStore) MarkImportJobCompleted(_ context.Context, id int64, successRows, failedRows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.Status = models.ImportStatusSuccess
	if failedRows > 0 {
		j.Status = models.ImportStatusPartial
	}
	j.SuccessRows = successRows
	j.FailedRows = failedRows
	now := time.Now().UTC()
	j.CompletedAt = &now
	return nil
}

func (s *mockStore) DeleteImportJob(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.jobs, id)
	delete(s.outcomes, id)
	return nil
}

func (s *mockStore) CreateRowOutcome(_ context.Context, outcome *models.ImportRowOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	outcome.ID = s.seq
	s.outcomes[outcome.ImportJobID] = append(s.outcomes[outcome.ImportJobID], outcome)
	return nil
}

func (s *mockStore) CommitOutcomeBatch(_ context.Context, jobID int64, outcomes []*models.ImportRowOutcome, successRows, failedRows int) error {
	if s.commitErr != nil {
		return s.commitErr
	}
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	for _, o := range outcomes {
		s.seq++
		o.ID = s.seq
		s.outcomes[jobID] = append(s.outcomes[jobID], o)
	}
	j.SuccessRows = successRows
	j.FailedRows = failedRows
	s.mu.Unlock()

	if s.commitHook != nil {
		s.commitHook()
	}
	return nil
}

func (s *mockStore) GetRowOutcomes(_ context.Context, jobID int64) ([]*models.ImportRowOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.ImportRowOutcome(nil), s.outcomes[jobID]...), nil
}

func (s *mockStore) GetFailedRowOutcomes(_ context.Context, jobID int64) ([]*models.ImportRowOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var failed []*models.ImportRowOutcome
	for _, o := range s.outcomes[jobID] {
		if o.Status == models.RowStatusFailed {
			failed = append(failed, o)
		}
	}
	return failed, nil
}

func (s *mockStore) UpdateRowOutcomeStatus(_ context.Context, id int64, status string, errorMessage *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, outcomes := range s.outcomes {
		for _, o := range outcomes {
			if o.ID == id {
				o.Status = status
				o.ErrorMessage = errorMessage
				return nil
			}
		}
	}
	return store.ErrNotFound
}

func (s *mockStore) DeleteRowOutcomesByJob(_ context.Context, jobID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.outcomes[jobID]))
	delete(s.outcomes, jobID)
	return n, nil
}

// seed inserts a job directly, bypassing Upload, for arranging test states.
func (s *mockStore) seed(job *models.ImportJob) *models.ImportJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	job.ID = s.seq
	if job.BatchNo == "" {
		job.BatchNo = fmt.Sprintf("IMP-%08X", s.seq)
	}
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	return job
}

func (s *mockStore) jobSnapshot(t *testing.T, id int64) models.ImportJob {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		t.Fatalf("job %d not in store", id)
	}
	return *j
}

func (s *mockStore) outcomeCount(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outcomes[id])
}

// recordingSink captures audit events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingSink) Record(_ context.Context, e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// cancelAfter reports the cancellation flag as set from the nth check on,
// simulating a cancel request landing while the confirm loop runs.
type cancelAfter struct {
	cache.Cache
	n     int
	calls int
}

func (c *cancelAfter) Exists(ctx context.Context, key string) (bool, error) {
	if strings.HasSuffix(key, ":cancel") {
		c.calls++
		if c.calls >= c.n {
			return true, nil
		}
	}
	return c.Cache.Exists(ctx, key)
}

// --- helpers ---

var batchNoRe = regexp.MustCompile(`^IMP-[0-9A-F]{8}$`)

func newTestService(t *testing.T) (*Service, *mockStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	ca, err := cache.NewRedisCache("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("connecting test cache: %v", err)
	}
	t.Cleanup(func() { ca.Close() })

	st := newMockStore()
	svc := NewService(st, ca, audit.NopSink{}, Options{BatchSize: 2})
	return svc, st, mr
}

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orders.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing csv fixture: %v", err)
	}
	return path
}

func orderMapping() map[string]string {
	return map[string]string{
		"order_no": "order_id",
		"amt":      "amount",
		"date":     "order_date",
	}
}

// --- batch numbers ---

func TestNewBatchNo(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		no := NewBatchNo()
		if !batchNoRe.MatchString(no) {
			t.Fatalf("batch number %q does not match IMP-XXXXXXXX", no)
		}
		if seen[no] {
			t.Fatalf("batch number %q repeated", no)
		}
		seen[no] = true
	}
}

// --- Upload ---

func TestUpload_CreatesPendingJob(t *testing.T) {
	svc, st, _ := newTestService(t)

	user := int64(42)
	job, err := svc.Upload(context.Background(), UploadParams{
		FileName:  "orders.xlsx",
		FilePath:  "/uploads/orders.xlsx",
		FileSize:  2048,
		FileType:  "excel",
		CreatedBy: &user,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if job.Status != models.ImportStatusPending {
		t.Errorf("expected status PENDING, got %s", job.Status)
	}
	if job.FileType != models.FileTypeExcel {
		t.Errorf("expected file type EXCEL, got %s", job.FileType)
	}
	if !batchNoRe.MatchString(job.BatchNo) {
		t.Errorf("unexpected batch number %q", job.BatchNo)
	}
	if job.TotalRows != 0 || job.SuccessRows != 0 || job.FailedRows != 0 {
		t.Errorf("expected zero counters, got %d/%d/%d", job.TotalRows, job.SuccessRows, job.FailedRows)
	}

	stored := st.jobSnapshot(t, job.ID)
	if stored.CreatedBy == nil || *stored.CreatedBy != user {
		t.Errorf("expected created_by %d, got %v", user, stored.CreatedBy)
	}
}

// --- Parse ---

func TestParse_ReadsFileAndRecordsTotal(t *testing.T) {
	svc, st, mr := newTestService(t)
	path := writeCSV(t, "order_no,amount\nA001,100\nA002,200\nA003,300\n")
	job := st.seed(&models.ImportJob{Status: models.ImportStatusPending, FilePath: path, FileType: models.FileTypeCSV})

	rows, err := svc.Parse(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0]["order_no"] != "A001" || rows[2]["amount"] != "300" {
		t.Errorf("unexpected row content: %v", rows)
	}

	if got := st.jobSnapshot(t, job.ID).TotalRows; got != 3 {
		t.Errorf("expected total_rows 3, got %d", got)
	}

	raw, err := mr.Get(fmt.Sprintf("import:%d:progress", job.ID))
	if err != nil {
		t.Fatalf("expected progress snapshot: %v", err)
	}
	var p Progress
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("unmarshal progress: %v", err)
	}
	if p.Stage != StageParsing || p.CurrentRow != 3 || p.TotalRows != 3 {
		t.Errorf("unexpected progress %+v", p)
	}
	if len(p.FileHash) != 64 {
		t.Errorf("expected sha256 file hash, got %q", p.FileHash)
	}

	if !mr.Exists(fmt.Sprintf("import:%d:parse_cache", job.ID)) {
		t.Error("expected parsed rows to be cached")
	}
}

func TestParse_ServesCachedRows(t *testing.T) {
	svc, st, mr := newTestService(t)

	// The file does not exist; a hit on the parse cache must short-circuit
	// before any file access.
	job := st.seed(&models.ImportJob{Status: models.ImportStatusPending, FilePath: "/uploads/gone.csv", FileType: models.FileTypeCSV})
	envelope, _ := json.Marshal(parseCacheEnvelope{
		FilePath: "/uploads/gone.csv",
		Rows:     []map[string]any{{"order_no": "C1"}},
	})
	if err := mr.Set(fmt.Sprintf("import:%d:parse_cache", job.ID), string(envelope)); err != nil {
		t.Fatalf("seeding parse cache: %v", err)
	}

	rows, err := svc.Parse(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 || rows[0]["order_no"] != "C1" {
		t.Errorf("expected cached rows, got %v", rows)
	}
}

func TestParse_IgnoresCacheForDifferentFile(t *testing.T) {
	svc, st, mr := newTestService(t)
	path := writeCSV(t, "order_no\nA001\nA002\n")
	job := st.seed(&models.ImportJob{Status: models.ImportStatusPending, FilePath: path, FileType: models.FileTypeCSV})

	envelope, _ := json.Marshal(parseCacheEnvelope{
		FilePath: "/uploads/other.csv",
		Rows:     []map[string]any{{"order_no": "STALE"}},
	})
	if err := mr.Set(fmt.Sprintf("import:%d:parse_cache", job.ID), string(envelope)); err != nil {
		t.Fatalf("seeding parse cache: %v", err)
	}

	rows, err := svc.Parse(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 || rows[0]["order_no"] != "A001" {
		t.Errorf("expected re-parsed rows, got %v", rows)
	}
}

func TestParse_FailureMarksJobFailed(t *testing.T) {
	svc, st, _ := newTestService(t)
	job := st.seed(&models.ImportJob{
		Status:   models.ImportStatusPending,
		FilePath: filepath.Join(t.TempDir(), "missing.csv"),
		FileType: models.FileTypeCSV,
	})

	_, err := svc.Parse(context.Background(), job.ID)
	if !errors.Is(err, ErrParseFailed) {
		t.Fatalf("expected ErrParseFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "does not exist") {
		t.Errorf("expected cause in message, got %v", err)
	}

	stored := st.jobSnapshot(t, job.ID)
	if stored.Status != models.ImportStatusFailed {
		t.Errorf("expected status FAILED, got %s", stored.Status)
	}
	if stored.ErrorMessage == nil || !strings.Contains(*stored.ErrorMessage, "does not exist") {
		t.Errorf("expected captured error message, got %v", stored.ErrorMessage)
	}
}

func TestParse_JobNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Parse(context.Background(), 999)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// --- ApplyMapping ---

func TestApplyMapping_MergesNewWins(t *testing.T) {
	svc, st, _ := newTestService(t)
	job := st.seed(&models.ImportJob{
		Status:       models.ImportStatusPending,
		FieldMapping: map[string]string{"a": "x", "b": "y"},
	})

	merged, err := svc.ApplyMapping(context.Background(), job.ID,
		map[string]string{"b": "z", "c": "w"}, []string{"x", "z", "w"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[string]string{"a": "x", "b": "z", "c": "w"}
	for k, v := range want {
		if merged[k] != v {
			t.Errorf("merged[%q] = %q, want %q", k, merged[k], v)
		}
	}
	if len(merged) != len(want) {
		t.Errorf("expected %d entries, got %d", len(want), len(merged))
	}

	stored := st.jobSnapshot(t, job.ID)
	if stored.FieldMapping["b"] != "z" {
		t.Errorf("expected persisted mapping to win with new pair, got %v", stored.FieldMapping)
	}
	if stored.Status != models.ImportStatusPending {
		t.Errorf("apply mapping must not change status, got %s", stored.Status)
	}
}

func TestApplyMapping_RejectedWhileProcessing(t *testing.T) {
	svc, st, _ := newTestService(t)
	job := st.seed(&models.ImportJob{Status: models.ImportStatusProcessing})

	_, err := svc.ApplyMapping(context.Background(), job.ID, map[string]string{"a": "b"}, nil)
	if !errors.Is(err, ErrImportProcessing) {
		t.Errorf("expected ErrImportProcessing, got %v", err)
	}
}

func TestApplyMapping_RejectedAfterConfirm(t *testing.T) {
	svc, st, _ := newTestService(t)
	job := st.seed(&models.ImportJob{Status: models.ImportStatusSuccess, SuccessRows: 10})

	_, err := svc.ApplyMapping(context.Background(), job.ID, map[string]string{"a": "b"}, nil)
	if !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("expected ErrAlreadyCompleted, got %v", err)
	}
}

// --- SuggestMapping ---

func TestSuggestMapping(t *testing.T) {
	svc, st, _ := newTestService(t)
	job := st.seed(&models.ImportJob{Status: models.ImportStatusPending})

	suggested, report, err := svc.SuggestMapping(context.Background(), job.ID,
		[]string{"order_no", "note"}, []string{"order_id", "amount"}, []string{"order_id"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(suggested) != 1 {
		t.Fatalf("expected 1 suggestion, got %d", len(suggested))
	}
	got := suggested[0]
	if got.SourceField != "order_no" || got.TargetField != "order_id" {
		t.Errorf("unexpected suggestion %+v", got)
	}
	if got.Kind != mapping.KindAuto {
		t.Errorf("expected auto mapping, got %s", got.Kind)
	}
	if !got.Required {
		t.Error("expected order_id suggestion to be marked required")
	}
	if report.TotalMappings != 1 {
		t.Errorf("expected report total 1, got %d", report.TotalMappings)
	}
}

func TestSuggestMapping_JobNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, _, err := svc.SuggestMapping(context.Background(), 999, []string{"a"}, []string{"b"}, nil)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// --- Validate ---

func TestValidate_PassingRowsSetSuccess(t *testing.T) {
	svc, st, _ := newTestService(t)
	job := st.seed(&models.ImportJob{Status: models.ImportStatusPending, FieldMapping: orderMapping()})

	rows := []map[string]any{
		{"order_no": "O1", "amt": "100", "date": "2024-01-02"},
		{"order_no": "O2", "amt": "250.5", "date": "2024/01/03"},
	}
	summary, err := svc.Validate(context.Background(), job.ID, rows, "order", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if summary.Failed != 0 || summary.Passed != 2 {
		t.Errorf("expected 2 passed, got %+v", summary)
	}
	if got := st.jobSnapshot(t, job.ID).Status; got != models.ImportStatusSuccess {
		t.Errorf("expected status SUCCESS, got %s", got)
	}
}

func TestValidate_FailingRowsSetValidationFailed(t *testing.T) {
	svc, st, _ := newTestService(t)
	job := st.seed(&models.ImportJob{Status: models.ImportStatusPending, FieldMapping: orderMapping()})

	// Missing amount and date after mapping.
	summary, err := svc.Validate(context.Background(), job.ID,
		[]map[string]any{{"order_no": "O1"}}, "order", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Failed != 1 {
		t.Errorf("expected 1 failed row, got %d", summary.Failed)
	}
	if got := st.jobSnapshot(t, job.ID).Status; got != models.ImportStatusValidationFailed {
		t.Errorf("expected status VALIDATION_FAILED, got %s", got)
	}

	// VALIDATION_FAILED is re-enterable: fixing the data and validating
	// again moves the job to SUCCESS.
	summary, err = svc.Validate(context.Background(), job.ID,
		[]map[string]any{{"order_no": "O1", "amt": "100", "date": "2024-01-02"}}, "order", nil)
	if err != nil {
		t.Fatalf("unexpected error on re-validate: %v", err)
	}
	if summary.Failed != 0 {
		t.Errorf("expected clean re-validation, got %+v", summary)
	}
	if got := st.jobSnapshot(t, job.ID).Status; got != models.ImportStatusSuccess {
		t.Errorf("expected status SUCCESS after re-validate, got %s", got)
	}
}

func TestValidate_DefaultsToOrderRules(t *testing.T) {
	svc, st, _ := newTestService(t)
	job := st.seed(&models.ImportJob{Status: models.ImportStatusPending, FieldMapping: orderMapping()})

	// An unscoped data type must still run the order rules; a no-op
	// validator would pass this row.
	summary, err := svc.Validate(context.Background(), job.ID,
		[]map[string]any{{"order_no": "O1"}}, "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Failed != 1 {
		t.Errorf("expected order rules to fail the row, got %+v", summary)
	}
}

func TestValidate_CustomRuleConfig(t *testing.T) {
	svc, st, _ := newTestService(t)
	job := st.seed(&models.ImportJob{Status: models.ImportStatusPending, FieldMapping: orderMapping()})

	// A caller-supplied rule set replaces the registered order rules, so a
	// row the order validator would reject passes under a narrower config.
	rules := []validation.RuleConfig{
		{Name: "id_required", Field: "order_id", Type: "required", Severity: "error"},
	}
	summary, err := svc.Validate(context.Background(), job.ID,
		[]map[string]any{{"order_no": "O1"}}, "order", rules)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Failed != 0 || summary.Passed != 1 {
		t.Errorf("expected custom rules to pass the row, got %+v", summary)
	}
	if got := st.jobSnapshot(t, job.ID).Status; got != models.ImportStatusSuccess {
		t.Errorf("expected status SUCCESS, got %s", got)
	}
}

func TestValidate_RejectedFromCancelled(t *testing.T) {
	svc, st, _ := newTestService(t)
	job := st.seed(&models.ImportJob{Status: models.ImportStatusCancelled})

	_, err := svc.Validate(context.Background(), job.ID, nil, "order", nil)
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if got := st.jobSnapshot(t, job.ID).Status; got != models.ImportStatusCancelled {
		t.Errorf("status must not change on rejection, got %s", got)
	}
}

func TestValidate_ParsedCSVRoundTrip(t *testing.T) {
	svc, st, _ := newTestService(t)
	path := writeCSV(t, "order_no,amount,order_date\nO1,100,2024-01-15\nO2,200,2024-01-16\nO3,50,invalid-date\n")
	job := st.seed(&models.ImportJob{
		Status:   models.ImportStatusPending,
		FilePath: path,
		FileType: models.FileTypeCSV,
		FieldMapping: map[string]string{
			"order_no":   "order_id",
			"amount":     "amount",
			"order_date": "order_date",
		},
	})

	rows, err := svc.Parse(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}

	summary, err := svc.Validate(context.Background(), job.ID, rows, "order", nil)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}

	if summary.Passed != 2 || summary.Failed != 1 {
		t.Fatalf("expected 2 passed / 1 failed, got %+v", summary)
	}
	if summary.ErrorsByField["order_date"] != 1 {
		t.Errorf("expected one order_date error, got %v", summary.ErrorsByField)
	}

	bad := summary.Results[2]
	if bad.Status != validation.StatusFail {
		t.Errorf("expected row 3 to fail, got %s", bad.Status)
	}
	if len(bad.Errors) != 1 || bad.Errors[0].Rule != "date_format" {
		t.Errorf("expected a date_format error on row 3, got %v", bad.Errors)
	}

	if got := st.jobSnapshot(t, job.ID).Status; got != models.ImportStatusValidationFailed {
		t.Errorf("expected status VALIDATION_FAILED, got %s", got)
	}
}

// --- Confirm ---

func TestConfirm_CommitsRowsInBatches(t *testing.T) {
	svc, st, mr := newTestService(t)
	job := st.seed(&models.ImportJob{
		Status:       models.ImportStatusPending,
		FieldMapping: map[string]string{"order_no": "order_id"},
	})

	commits := 0
	st.commitHook = func() { commits++ }

	rows := []map[string]any{
		{"order_no": "A1", "junk": "x"},
		{"order_no": "A2"},
		{"order_no": "A3"},
		{"order_no": "A4"},
		{"order_no": "A5"},
	}
	result, err := svc.Confirm(context.Background(), job.ID, rows, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Cancelled {
		t.Fatal("unexpected cancelled result")
	}
	if result.Total != 5 || result.Success != 5 || result.Failed != 0 {
		t.Errorf("unexpected result %+v", result)
	}
	if len(result.Errors) != 0 {
		t.Errorf("expected no row errors, got %v", result.Errors)
	}
	// Batch size 2 over 5 rows: two full flushes plus the tail.
	if commits != 3 {
		t.Errorf("expected 3 batch commits, got %d", commits)
	}

	stored := st.jobSnapshot(t, job.ID)
	if stored.Status != models.ImportStatusSuccess {
		t.Errorf("expected status SUCCESS, got %s", stored.Status)
	}
	if stored.TotalRows != 5 || stored.SuccessRows != 5 || stored.FailedRows != 0 {
		t.Errorf("unexpected counters %d/%d/%d", stored.TotalRows, stored.SuccessRows, stored.FailedRows)
	}
	if stored.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	if stored.StartedAt == nil {
		t.Error("expected started_at from the claim")
	}

	outcomes, _ := svc.RowOutcomes(context.Background(), job.ID)
	if len(outcomes) != 5 {
		t.Fatalf("expected 5 outcomes, got %d", len(outcomes))
	}
	for i, o := range outcomes {
		if o.RowNumber != i+1 {
			t.Errorf("outcome %d has row number %d", i, o.RowNumber)
		}
		if o.Status != models.RowStatusSuccess {
			t.Errorf("outcome %d status %s", i, o.Status)
		}
	}
	// Mapped data only: renamed column kept, unmapped column dropped.
	if outcomes[0].RowData["order_id"] != "A1" {
		t.Errorf("expected mapped row data, got %v", outcomes[0].RowData)
	}
	if _, ok := outcomes[0].RowData["junk"]; ok {
		t.Error("unmapped column must not survive the transform")
	}

	if mr.Exists(fmt.Sprintf("import:%d:progress", job.ID)) {
		t.Error("expected progress snapshot to be dropped after completion")
	}
}

func TestConfirm_WritesProgressAtFlushBoundaries(t *testing.T) {
	svc, st, mr := newTestService(t)
	job := st.seed(&models.ImportJob{Status: models.ImportStatusPending, FieldMapping: map[string]string{"order_no": "order_id"}})

	var snapshot string
	commits := 0
	st.commitHook = func() {
		commits++
		if commits == 2 {
			// During the second flush the first one's snapshot is visible.
			snapshot, _ = mr.Get(fmt.Sprintf("import:%d:progress", job.ID))
		}
	}

	rows := []map[string]any{
		{"order_no": "A1"}, {"order_no": "A2"}, {"order_no": "A3"}, {"order_no": "A4"},
	}
	if _, err := svc.Confirm(context.Background(), job.ID, rows, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if snapshot == "" {
		t.Fatal("expected a progress snapshot after the first flush")
	}
	var p Progress
	if err := json.Unmarshal([]byte(snapshot), &p); err != nil {
		t.Fatalf("unmarshal progress: %v", err)
	}
	if p.Stage != StageConfirming || p.CurrentRow != 2 || p.TotalRows != 4 || p.SuccessRows != 2 {
		t.Errorf("unexpected snapshot %+v", p)
	}
}

func TestConfirm_GuardRejections(t *testing.T) {
	tests := []struct {
		name    string
		job     *models.ImportJob
		wantErr error
	}{
		{"cancelled", &models.ImportJob{Status: models.ImportStatusCancelled}, ErrImportCancelled},
		{"processing", &models.ImportJob{Status: models.ImportStatusProcessing}, ErrImportProcessing},
		{"failed", &models.ImportJob{Status: models.ImportStatusFailed}, ErrImportFailed},
		{"completed success", &models.ImportJob{Status: models.ImportStatusSuccess, SuccessRows: 3}, ErrAlreadyCompleted},
		{"completed partial", &models.ImportJob{Status: models.ImportStatusPartial, SuccessRows: 2, FailedRows: 1}, ErrAlreadyCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, st, _ := newTestService(t)
			job := st.seed(tt.job)

			_, err := svc.Confirm(context.Background(), job.ID, []map[string]any{{"a": "b"}}, 0)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if st.outcomeCount(job.ID) != 0 {
				t.Error("rejected confirm must not write outcomes")
			}
			if got := st.jobSnapshot(t, job.ID).Status; got != tt.job.Status {
				t.Errorf("rejected confirm must not change status, got %s", got)
			}
		})
	}
}

func TestConfirm_JobNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Confirm(context.Background(), 999, nil, 0)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestConfirm_SecondConfirmRejected(t *testing.T) {
	svc, st, _ := newTestService(t)
	job := st.seed(&models.ImportJob{Status: models.ImportStatusPending, FieldMapping: map[string]string{"order_no": "order_id"}})

	rows := []map[string]any{{"order_no": "A1"}}
	if _, err := svc.Confirm(context.Background(), job.ID, rows, 0); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	_, err := svc.Confirm(context.Background(), job.ID, rows, 0)
	if !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("expected ErrAlreadyCompleted, got %v", err)
	}
	if got := st.outcomeCount(job.ID); got != 1 {
		t.Errorf("expected outcomes untouched, got %d", got)
	}
}

func TestConfirm_ClaimRaceRejectsLoser(t *testing.T) {
	svc, st, _ := newTestService(t)
	job := st.seed(&models.ImportJob{Status: models.ImportStatusPending})

	// A second confirm wins the claim between this call's status read and
	// its own claim attempt.
	st.claimHook = func() {
		st.mu.Lock()
		st.jobs[job.ID].Status = models.ImportStatusProcessing
		st.mu.Unlock()
	}

	_, err := svc.Confirm(context.Background(), job.ID, []map[string]any{{"a": "b"}}, 0)
	if !errors.Is(err, ErrImportProcessing) {
		t.Errorf("expected ErrImportProcessing for the claim loser, got %v", err)
	}
	if st.outcomeCount(job.ID) != 0 {
		t.Error("claim loser must not write outcomes")
	}
}

func TestConfirm_FlagSetBeforeStart(t *testing.T) {
	svc, st, mr := newTestService(t)
	job := st.seed(&models.ImportJob{Status: models.ImportStatusPending})

	if err := mr.Set(fmt.Sprintf("import:%d:cancel", job.ID), "1"); err != nil {
		t.Fatalf("seeding cancel flag: %v", err)
	}

	result, err := svc.Confirm(context.Background(), job.ID, []map[string]any{{"a": "b"}}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Cancelled {
		t.Fatal("expected cancelled result")
	}
	if got := st.jobSnapshot(t, job.ID).Status; got != models.ImportStatusCancelled {
		t.Errorf("expected status CANCELLED, got %s", got)
	}
	if st.outcomeCount(job.ID) != 0 {
		t.Error("expected no outcomes for a pre-start cancel")
	}
}

func TestConfirm_MidRunCancelDiscardsUnflushedBatch(t *testing.T) {
	mr := miniredis.RunT(t)
	ca, err := cache.NewRedisCache("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("connecting test cache: %v", err)
	}
	t.Cleanup(func() { ca.Close() })

	st := newMockStore()
	// The flag flips on the 4th check: the pre-start check plus rows 1 and 2
	// pass, row 3's check cancels. With a batch size larger than the input
	// nothing was flushed, so no outcomes may survive.
	svc := NewService(st, &cancelAfter{Cache: ca, n: 4}, audit.NopSink{}, Options{BatchSize: 1000})

	job := st.seed(&models.ImportJob{Status: models.ImportStatusPending, FieldMapping: map[string]string{"order_no": "order_id"}})
	rows := []map[string]any{
		{"order_no": "A1"}, {"order_no": "A2"}, {"order_no": "A3"}, {"order_no": "A4"},
	}

	result, err := svc.Confirm(context.Background(), job.ID, rows, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Cancelled {
		t.Fatal("expected cancelled result")
	}

	stored := st.jobSnapshot(t, job.ID)
	if stored.Status != models.ImportStatusCancelled {
		t.Errorf("expected status CANCELLED, got %s", stored.Status)
	}
	if st.outcomeCount(job.ID) != 0 {
		t.Errorf("unflushed batch must be discarded, found %d outcomes", st.outcomeCount(job.ID))
	}
	if stored.SuccessRows != 0 || stored.FailedRows != 0 {
		t.Errorf("expected zero counters, got %d/%d", stored.SuccessRows, stored.FailedRows)
	}
}

func TestConfirm_MidRunCancelKeepsFlushedBatches(t *testing.T) {
	svc, st, mr := newTestService(t)
	job := st.seed(&models.ImportJob{Status: models.ImportStatusPending, FieldMapping: map[string]string{"order_no": "order_id"}})

	// Cancel lands right after the first flush; the flushed rows stay.
	st.commitHook = func() {
		_ = mr.Set(fmt.Sprintf("import:%d:cancel", job.ID), "1")
	}

	rows := []map[string]any{
		{"order_no": "A1"}, {"order_no": "A2"}, {"order_no": "A3"}, {"order_no": "A4"}, {"order_no": "A5"},
	}
	result, err := svc.Confirm(context.Background(), job.ID, rows, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Cancelled {
		t.Fatal("expected cancelled result")
	}

	stored := st.jobSnapshot(t, job.ID)
	if stored.Status != models.ImportStatusCancelled {
		t.Errorf("expected status CANCELLED, got %s", stored.Status)
	}
	if got := st.outcomeCount(job.ID); got != 2 {
		t.Errorf("expected the flushed batch of 2 to survive, got %d", got)
	}
	if stored.SuccessRows != 2 {
		t.Errorf("expected success_rows 2 from the flushed batch, got %d", stored.SuccessRows)
	}
}

func TestConfirm_StoreFailuresPropagate(t *testing.T) {
	t.Run("claim failure", func(t *testing.T) {
		svc, st, _ := newTestService(t)
		job := st.seed(&models.ImportJob{Status: models.ImportStatusPending})
		st.claimErr = errors.New("connection reset")

		_, err := svc.Confirm(context.Background(), job.ID, []map[string]any{{"a": "b"}}, 0)
		if err == nil || !strings.Contains(err.Error(), "claiming import job") {
			t.Errorf("expected wrapped claim error, got %v", err)
		}
	})

	t.Run("flush failure", func(t *testing.T) {
		svc, st, _ := newTestService(t)
		job := st.seed(&models.ImportJob{Status: models.ImportStatusPending})
		st.commitErr = errors.New("connection reset")

		_, err := svc.Confirm(context.Background(), job.ID, []map[string]any{{"a": "b"}}, 0)
		if err == nil || !strings.Contains(err.Error(), "flushing outcome batch") {
			t.Errorf("expected wrapped flush error, got %v", err)
		}
	})
}

func TestConfirm_EmptyRows(t *testing.T) {
	svc, st, _ := newTestService(t)
	job := st.seed(&models.ImportJob{Status: models.ImportStatusPending})

	result, err := svc.Confirm(context.Background(), job.ID, nil, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Total != 0 || result.Success != 0 || result.Failed != 0 {
		t.Errorf("unexpected result %+v", result)
	}

	stored := st.jobSnapshot(t, job.ID)
	if stored.Status != models.ImportStatusSuccess {
		t.Errorf("expected status SUCCESS, got %s", stored.Status)
	}
	if stored.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
}

func TestConfirm_FromValidationFailed(t *testing.T) {
	svc, st, _ := newTestService(t)
	job := st.seed(&models.ImportJob{
		Status:       models.ImportStatusValidationFailed,
		FieldMapping: map[string]string{"order_no": "order_id"},
	})

	result, err := svc.Confirm(context.Background(), job.ID, []map[string]any{{"order_no": "A1"}}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success != 1 {
		t.Errorf("unexpected result %+v", result)
	}
	if got := st.jobSnapshot(t, job.ID).Status; got != models.ImportStatusSuccess {
		t.Errorf("expected status SUCCESS, got %s", got)
	}
}

// --- per-row outcomes ---

func TestBuildOutcome_Success(t *testing.T) {
	mapper := mapping.NewMapper(nil, []string{"amount"})
	mapper.AddManualMapping("amt", "amount", mapping.WithTransform("float"))

	outcome, rowErr := buildOutcome(7, 1, map[string]any{"amt": "12.5"}, mapper)
	if rowErr != nil {
		t.Fatalf("unexpected row error: %v", rowErr)
	}
	if outcome.Status != models.RowStatusSuccess {
		t.Errorf("expected SUCCESS outcome, got %s", outcome.Status)
	}
	if outcome.RowData["amount"] != 12.5 {
		t.Errorf("expected transformed value, got %v", outcome.RowData)
	}
}

func TestBuildOutcome_TransformFailureIsIsolated(t *testing.T) {
	mapper := mapping.NewMapper(nil, []string{"amount"})
	mapper.AddManualMapping("amt", "amount", mapping.WithTransform("float"))

	outcome, rowErr := buildOutcome(7, 3, map[string]any{"amt": "not-a-number"}, mapper)
	if rowErr == nil {
		t.Fatal("expected a row error")
	}
	if rowErr.Row != 3 {
		t.Errorf("expected row 3, got %d", rowErr.Row)
	}
	if outcome.Status != models.RowStatusFailed {
		t.Errorf("expected FAILED outcome, got %s", outcome.Status)
	}
	if outcome.ErrorMessage == nil || !strings.Contains(*outcome.ErrorMessage, `column "amt"`) {
		t.Errorf("expected error naming the source column, got %v", outcome.ErrorMessage)
	}
	// The raw row is preserved for inspection, not the partial transform.
	if outcome.RowData["amt"] != "not-a-number" {
		t.Errorf("expected raw row data, got %v", outcome.RowData)
	}
}

// --- Cancel ---

func TestCancel_SetsFlagAndStatus(t *testing.T) {
	svc, st, mr := newTestService(t)
	job := st.seed(&models.ImportJob{Status: models.ImportStatusPending})

	if err := svc.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !mr.Exists(fmt.Sprintf("import:%d:cancel", job.ID)) {
		t.Error("expected cancellation flag in cache")
	}
	if got := st.jobSnapshot(t, job.ID).Status; got != models.ImportStatusCancelled {
		t.Errorf("expected status CANCELLED, got %s", got)
	}

	// A repeat cancel is a no-op, not an error.
	if err := svc.Cancel(context.Background(), job.ID); err != nil {
		t.Errorf("expected idempotent cancel, got %v", err)
	}
}

func TestCancel_CompletedJobRejected(t *testing.T) {
	svc, st, mr := newTestService(t)
	job := st.seed(&models.ImportJob{Status: models.ImportStatusSuccess, SuccessRows: 5})

	err := svc.Cancel(context.Background(), job.ID)
	if !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("expected ErrAlreadyCompleted, got %v", err)
	}
	if mr.Exists(fmt.Sprintf("import:%d:cancel", job.ID)) {
		t.Error("rejected cancel must not set the flag")
	}
}

func TestCancel_NotFound(t *testing.T) {
	svc, _, mr := newTestService(t)

	err := svc.Cancel(context.Background(), 999)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if mr.Exists("import:999:cancel") {
		t.Error("missing job must not get a cancellation flag")
	}
}

// --- Progress ---

func TestProgress_FromCacheSnapshot(t *testing.T) {
	svc, st, mr := newTestService(t)
	job := st.seed(&models.ImportJob{Status: models.ImportStatusProcessing})

	snap := Progress{JobID: job.ID, Stage: StageConfirming, CurrentRow: 40, TotalRows: 100, SuccessRows: 38, FailedRows: 2}
	data, _ := json.Marshal(snap)
	if err := mr.Set(fmt.Sprintf("import:%d:progress", job.ID), string(data)); err != nil {
		t.Fatalf("seeding snapshot: %v", err)
	}

	p, err := svc.Progress(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Stage != StageConfirming || p.CurrentRow != 40 || p.TotalRows != 100 {
		t.Errorf("unexpected progress %+v", p)
	}
}

func TestProgress_FallsBackToCounters(t *testing.T) {
	svc, st, _ := newTestService(t)
	job := st.seed(&models.ImportJob{
		Status:      models.ImportStatusProcessing,
		TotalRows:   10,
		SuccessRows: 4,
		FailedRows:  1,
		FilePath:    "/uploads/orders.csv",
		FileType:    models.FileTypeCSV,
	})

	p, err := svc.Progress(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Stage != models.ImportStatusProcessing {
		t.Errorf("expected stage from status, got %s", p.Stage)
	}
	if p.CurrentRow != 5 || p.TotalRows != 10 || p.SuccessRows != 4 || p.FailedRows != 1 {
		t.Errorf("unexpected fallback %+v", p)
	}
	if p.FilePath != "/uploads/orders.csv" || p.FileType != models.FileTypeCSV {
		t.Errorf("expected file details in fallback, got %+v", p)
	}
}

func TestProgress_CorruptSnapshotFallsBack(t *testing.T) {
	svc, st, mr := newTestService(t)
	job := st.seed(&models.ImportJob{Status: models.ImportStatusProcessing, TotalRows: 8, SuccessRows: 3})

	if err := mr.Set(fmt.Sprintf("import:%d:progress", job.ID), "{not json"); err != nil {
		t.Fatalf("seeding snapshot: %v", err)
	}

	p, err := svc.Progress(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Stage != models.ImportStatusProcessing || p.CurrentRow != 3 {
		t.Errorf("expected counter fallback, got %+v", p)
	}
}

func TestProgress_NotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Progress(context.Background(), 999)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// --- detail, history, outcomes ---

func TestGetJobByBatchNo(t *testing.T) {
	svc, st, _ := newTestService(t)
	job := st.seed(&models.ImportJob{Status: models.ImportStatusPending, BatchNo: "IMP-CAFE0001"})

	got, err := svc.GetJobByBatchNo(context.Background(), "IMP-CAFE0001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != job.ID {
		t.Errorf("expected job %d, got %d", job.ID, got.ID)
	}

	if _, err := svc.GetJobByBatchNo(context.Background(), "IMP-00000000"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestList_FiltersByCreatorAndStatus(t *testing.T) {
	svc, st, _ := newTestService(t)
	u7, u8 := int64(7), int64(8)
	st.seed(&models.ImportJob{Status: models.ImportStatusSuccess, CreatedBy: &u7})
	st.seed(&models.ImportJob{Status: models.ImportStatusPending, CreatedBy: &u7})
	st.seed(&models.ImportJob{Status: models.ImportStatusPending, CreatedBy: &u8})

	jobs, total, err := svc.List(context.Background(), store.ImportJobFilter{CreatedBy: &u7})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 || len(jobs) != 2 {
		t.Errorf("expected 2 jobs for user 7, got %d (total %d)", len(jobs), total)
	}

	jobs, total, err = svc.List(context.Background(), store.ImportJobFilter{Status: models.ImportStatusPending})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 {
		t.Errorf("expected 2 pending jobs, got %d", total)
	}
	// Newest first.
	if len(jobs) == 2 && jobs[0].CreatedBy != nil && *jobs[0].CreatedBy != u8 {
		t.Errorf("expected newest job first, got creator %v", *jobs[0].CreatedBy)
	}
}

func TestRowOutcomeQueries(t *testing.T) {
	svc, st, _ := newTestService(t)
	job := st.seed(&models.ImportJob{Status: models.ImportStatusProcessing})

	msg := "bad amount"
	outcomes := []*models.ImportRowOutcome{
		{ImportJobID: job.ID, RowNumber: 1, Status: models.RowStatusSuccess, RowData: map[string]any{"order_id": "A1"}},
		{ImportJobID: job.ID, RowNumber: 2, Status: models.RowStatusFailed, ErrorMessage: &msg, RowData: map[string]any{"order_id": "A2"}},
		{ImportJobID: job.ID, RowNumber: 3, Status: models.RowStatusSuccess, RowData: map[string]any{"order_id": "A3"}},
	}
	if err := st.CommitOutcomeBatch(context.Background(), job.ID, outcomes, 2, 1); err != nil {
		t.Fatalf("seeding outcomes: %v", err)
	}

	all, err := svc.RowOutcomes(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 outcomes, got %d", len(all))
	}

	failed, err := svc.FailedRowOutcomes(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failed) != 1 || failed[0].RowNumber != 2 {
		t.Fatalf("expected row 2 as the only failure, got %v", failed)
	}
	if failed[0].ErrorMessage == nil || *failed[0].ErrorMessage != "bad amount" {
		t.Errorf("expected error message preserved, got %v", failed[0].ErrorMessage)
	}
}

// --- audit ---

func TestAuditEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	ca, err := cache.NewRedisCache("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("connecting test cache: %v", err)
	}
	t.Cleanup(func() { ca.Close() })

	st := newMockStore()
	sink := &recordingSink{}
	svc := NewService(st, ca, sink, Options{})

	job, err := svc.Upload(context.Background(), UploadParams{FileName: "orders.csv", FileType: "csv"})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := svc.Confirm(context.Background(), job.ID, nil, 0); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 2 {
		t.Fatalf("expected 2 audit events, got %d", len(sink.events))
	}
	if sink.events[0].Action != audit.ActionCreate || sink.events[0].ResourceID != job.BatchNo {
		t.Errorf("unexpected upload event %+v", sink.events[0])
	}
	if sink.events[1].Action != audit.ActionUpdate {
		t.Errorf("unexpected completion event %+v", sink.events[1])
	}
}

func TestNewService_NilSink(t *testing.T) {
	mr := miniredis.RunT(t)
	ca, err := cache.NewRedisCache("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("connecting test cache: %v", err)
	}
	t.Cleanup(func() { ca.Close() })

	svc := NewService(newMockStore(), ca, nil, Options{})
	if _, err := svc.Upload(context.Background(), UploadParams{FileName: "a.csv", FileType: "csv"}); err != nil {
		t.Fatalf("upload with nil sink: %v", err)
	}
}
