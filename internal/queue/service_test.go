package queue

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hitoshi/uploadman/internal/config"
	"github.com/hitoshi/uploadman/internal/model"
	"github.com/hitoshi/uploadman/internal/repository"
)

// --- モック定義 ---

type mockQueueRepo struct {
	createFunc              func(ctx context.Context, item *model.QueueItem) error
	findByIDFunc            func(ctx context.Context, id string) (*model.QueueItem, error)
	listFunc                func(ctx context.Context, status model.QueueStatus, channelID string, limit int) ([]*model.QueueItem, error)
	requeueFunc             func(ctx context.Context, id string, from model.QueueStatus, incrementAttempt bool, reason string) error
	updateScheduledTimeFunc func(ctx context.Context, id string, scheduledTime time.Time) error
	depthByStatusFunc       func(ctx context.Context) ([]model.QueueDepth, error)
}

func (m *mockQueueRepo) Create(ctx context.Context, item *model.QueueItem) error {
	if m.createFunc != nil {
		return m.createFunc(ctx, item)
	}
	return nil
}

func (m *mockQueueRepo) FindByID(ctx context.Context, id string) (*model.QueueItem, error) {
	if m.findByIDFunc != nil {
		return m.findByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *mockQueueRepo) List(ctx context.Context, status model.QueueStatus, channelID string, limit int) ([]*model.QueueItem, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, status, channelID, limit)
	}
	return nil, nil
}

func (m *mockQueueRepo) ClaimNext(ctx context.Context) (*model.QueueItem, error) {
	return nil, nil
}

func (m *mockQueueRepo) MarkReady(ctx context.Context, id, channelID string, md model.Metadata) error {
	return nil
}

func (m *mockQueueRepo) MarkUploaded(ctx context.Context, id string, rec *model.HistoryRecord) error {
	return nil
}

func (m *mockQueueRepo) MarkFailed(ctx context.Context, id string, from model.QueueStatus, reason string) error {
	return nil
}

func (m *mockQueueRepo) Requeue(ctx context.Context, id string, from model.QueueStatus, incrementAttempt bool, reason string) error {
	if m.requeueFunc != nil {
		return m.requeueFunc(ctx, id, from, incrementAttempt, reason)
	}
	return nil
}

func (m *mockQueueRepo) UpdateScheduledTime(ctx context.Context, id string, scheduledTime time.Time) error {
	if m.updateScheduledTimeFunc != nil {
		return m.updateScheduledTimeFunc(ctx, id, scheduledTime)
	}
	return nil
}

func (m *mockQueueRepo) DepthByStatus(ctx context.Context) ([]model.QueueDepth, error) {
	if m.depthByStatusFunc != nil {
		return m.depthByStatusFunc(ctx)
	}
	return nil, nil
}

func (m *mockQueueRepo) DeleteTerminalOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	return 0, nil
}

type mockChannelRepo struct {
	findByIDFunc func(ctx context.Context, id string) (*model.Channel, error)
}

func (m *mockChannelRepo) FindByID(ctx context.Context, id string) (*model.Channel, error) {
	if m.findByIDFunc != nil {
		return m.findByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *mockChannelRepo) Create(ctx context.Context, channel *model.Channel) error  { return nil }
func (m *mockChannelRepo) Update(ctx context.Context, channel *model.Channel) error  { return nil }
func (m *mockChannelRepo) List(ctx context.Context) ([]*model.Channel, error)        { return nil, nil }
func (m *mockChannelRepo) ListActiveWithUsage(ctx context.Context) ([]model.ChannelWithUsage, error) {
	return nil, nil
}

type mockQuotaRepo struct {
	todayCountFunc func(ctx context.Context, channelID string) (int, error)
}

func (m *mockQuotaRepo) Reserve(ctx context.Context, channelID string, limit int) (bool, error) {
	return true, nil
}

func (m *mockQuotaRepo) Release(ctx context.Context, channelID string) (bool, error) {
	return true, nil
}

func (m *mockQuotaRepo) TodayCount(ctx context.Context, channelID string) (int, error) {
	if m.todayCountFunc != nil {
		return m.todayCountFunc(ctx, channelID)
	}
	return 0, nil
}

type mockHistoryRepo struct {
	countUploadedTodayFunc func(ctx context.Context) (int, error)
}

func (m *mockHistoryRepo) ListByChannel(ctx context.Context, channelID string, limit int) ([]*model.HistoryRecord, error) {
	return nil, nil
}

func (m *mockHistoryRepo) CountUploadedToday(ctx context.Context) (int, error) {
	if m.countUploadedTodayFunc != nil {
		return m.countUploadedTodayFunc(ctx)
	}
	return 0, nil
}

func (m *mockHistoryRepo) ChannelStats(ctx context.Context, channelID string) (*repository.ChannelStats, error) {
	return nil, nil
}

// mockSSRFGuard はSSRFGuardServiceのテスト用モック。
type mockSSRFGuard struct {
	validateURLFunc func(rawURL string) error
}

func (m *mockSSRFGuard) NewSafeClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func (m *mockSSRFGuard) ValidateURL(rawURL string) error {
	if m.validateURLFunc != nil {
		return m.validateURLFunc(rawURL)
	}
	return nil
}

// mockKicker はKickerのテスト用モック。
type mockKicker struct {
	kicked int
}

func (m *mockKicker) Kick() { m.kicked++ }

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func testConfig() *config.Config {
	return &config.Config{
		MinFileSizeMB:         0,
		MaxFileSizeMB:         150,
		SupportedVideoFormats: []string{"mp4", "avi", "mov", "mkv"},
	}
}

// createTestVideo は指定サイズのテスト用動画ファイルを作成する。
func createTestVideo(t *testing.T, name string, sizeBytes int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("テストファイルの作成に失敗: %v", err)
	}
	if err := f.Truncate(sizeBytes); err != nil {
		f.Close()
		t.Fatalf("テストファイルのサイズ設定に失敗: %v", err)
	}
	f.Close()
	return path
}

type serviceDeps struct {
	queueRepo   *mockQueueRepo
	channelRepo *mockChannelRepo
	quotaRepo   *mockQuotaRepo
	historyRepo *mockHistoryRepo
	ssrfGuard   *mockSSRFGuard
	cfg         *config.Config
	kicker      *mockKicker
}

func defaultDeps() *serviceDeps {
	return &serviceDeps{
		queueRepo:   &mockQueueRepo{},
		channelRepo: &mockChannelRepo{},
		quotaRepo:   &mockQuotaRepo{},
		historyRepo: &mockHistoryRepo{},
		ssrfGuard:   &mockSSRFGuard{},
		cfg:         testConfig(),
		kicker:      &mockKicker{},
	}
}

func newTestService(d *serviceDeps) *Service {
	var buf bytes.Buffer
	return NewService(d.queueRepo, d.channelRepo, d.quotaRepo, d.historyRepo, d.ssrfGuard, d.cfg, d.kicker, newTestLogger(&buf))
}

// --- Enqueueのテスト ---

func TestEnqueue_Success(t *testing.T) {
	deps := defaultDeps()
	path := createTestVideo(t, "sample.mp4", 1024*1024)

	var created *model.QueueItem
	deps.queueRepo.createFunc = func(ctx context.Context, item *model.QueueItem) error {
		created = item
		return nil
	}

	s := newTestService(deps)
	item, err := s.Enqueue(context.Background(), EnqueueInput{VideoFilePath: path})
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	if item.Status != model.QueueStatusPending {
		t.Errorf("Status = %s, want pending", item.Status)
	}
	if item.Priority != model.DefaultPriority {
		t.Errorf("Priority = %d, want %d", item.Priority, model.DefaultPriority)
	}
	if item.VideoFileName != "sample.mp4" {
		t.Errorf("VideoFileName = %q, want sample.mp4", item.VideoFileName)
	}
	if item.ID == "" {
		t.Error("IDが採番されていない")
	}
	if created == nil {
		t.Fatal("Createが呼ばれていない")
	}
	if deps.kicker.kicked != 1 {
		t.Errorf("Kick回数 = %d, want 1", deps.kicker.kicked)
	}
}

// 作成日時がゼロ値のまま永続化されると優先度同点時の先着順が崩れるため、
// リポジトリに渡される時点でタイムスタンプが設定されていることを検証する。
func TestEnqueue_SetsTimestamps(t *testing.T) {
	deps := defaultDeps()
	path := createTestVideo(t, "stamped.mp4", 1024*1024)

	var created *model.QueueItem
	deps.queueRepo.createFunc = func(ctx context.Context, item *model.QueueItem) error {
		created = item
		return nil
	}

	s := newTestService(deps)
	before := time.Now()
	if _, err := s.Enqueue(context.Background(), EnqueueInput{VideoFilePath: path}); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	if created == nil {
		t.Fatal("Createが呼ばれていない")
	}
	if created.CreatedAt.IsZero() {
		t.Error("CreatedAtがゼロ値のまま")
	}
	if created.UpdatedAt.IsZero() {
		t.Error("UpdatedAtがゼロ値のまま")
	}
	if created.CreatedAt.Before(before) {
		t.Errorf("CreatedAt = %v が投入時刻 %v より前", created.CreatedAt, before)
	}
	if !created.UpdatedAt.Equal(created.CreatedAt) {
		t.Errorf("作成直後はCreatedAtとUpdatedAtが一致すべき: %v != %v", created.CreatedAt, created.UpdatedAt)
	}
}

func TestEnqueue_UnsupportedFormat(t *testing.T) {
	deps := defaultDeps()
	path := createTestVideo(t, "document.pdf", 1024*1024)

	s := newTestService(deps)
	_, err := s.Enqueue(context.Background(), EnqueueInput{VideoFilePath: path})

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidVideoFile {
		t.Errorf("err = %v, want InvalidVideoFileエラー", err)
	}
	if deps.kicker.kicked != 0 {
		t.Error("検証失敗時にKickしてはならない")
	}
}

func TestEnqueue_FileNotFound(t *testing.T) {
	deps := defaultDeps()

	s := newTestService(deps)
	_, err := s.Enqueue(context.Background(), EnqueueInput{VideoFilePath: "/nonexistent/video.mp4"})

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidVideoFile {
		t.Errorf("err = %v, want InvalidVideoFileエラー", err)
	}
}

func TestEnqueue_FileSizeOutOfRange(t *testing.T) {
	deps := defaultDeps()
	deps.cfg.MinFileSizeMB = 10
	// 1MBのファイルは下限10MB未満
	path := createTestVideo(t, "tiny.mp4", 1024*1024)

	s := newTestService(deps)
	_, err := s.Enqueue(context.Background(), EnqueueInput{VideoFilePath: path})

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeFileSizeOutOfRange {
		t.Errorf("err = %v, want FileSizeOutOfRangeエラー", err)
	}
}

func TestEnqueue_PriorityBounds(t *testing.T) {
	tests := []struct {
		name     string
		priority int
		wantErr  bool
	}{
		{"下限ちょうど", 0, false},
		{"上限ちょうど", 100, false},
		{"下限未満", -1, true},
		{"上限超過", 101, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := defaultDeps()
			path := createTestVideo(t, "sample.mp4", 1024*1024)

			s := newTestService(deps)
			p := tt.priority
			item, err := s.Enqueue(context.Background(), EnqueueInput{VideoFilePath: path, Priority: &p})

			if tt.wantErr {
				var apiErr *model.APIError
				if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidPriority {
					t.Errorf("err = %v, want InvalidPriorityエラー", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Enqueue returned error: %v", err)
			}
			if item.Priority != tt.priority {
				t.Errorf("Priority = %d, want %d", item.Priority, tt.priority)
			}
		})
	}
}

func TestEnqueue_BlockedProductURL(t *testing.T) {
	deps := defaultDeps()
	deps.ssrfGuard.validateURLFunc = func(rawURL string) error {
		return errors.New("内部ネットワークへのアクセスは許可されていません")
	}
	path := createTestVideo(t, "sample.mp4", 1024*1024)

	s := newTestService(deps)
	_, err := s.Enqueue(context.Background(), EnqueueInput{
		VideoFilePath: path,
		ProductURL:    "http://169.254.169.254/latest/meta-data",
	})

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidURL {
		t.Errorf("err = %v, want InvalidURLエラー", err)
	}
}

func TestEnqueue_PreassignedChannel_NotFound(t *testing.T) {
	deps := defaultDeps()
	path := createTestVideo(t, "sample.mp4", 1024*1024)

	s := newTestService(deps)
	_, err := s.Enqueue(context.Background(), EnqueueInput{VideoFilePath: path, ChannelID: "nope"})

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeChannelNotFound {
		t.Errorf("err = %v, want ChannelNotFoundエラー", err)
	}
}

func TestEnqueue_PreassignedChannel_Inactive(t *testing.T) {
	deps := defaultDeps()
	deps.channelRepo.findByIDFunc = func(ctx context.Context, id string) (*model.Channel, error) {
		return &model.Channel{ID: id, IsActive: false}, nil
	}
	path := createTestVideo(t, "sample.mp4", 1024*1024)

	s := newTestService(deps)
	_, err := s.Enqueue(context.Background(), EnqueueInput{VideoFilePath: path, ChannelID: "ch-1"})

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidChannel {
		t.Errorf("err = %v, want InvalidChannelエラー", err)
	}
}

func TestEnqueue_PreassignedChannel_DailyLimitReached(t *testing.T) {
	deps := defaultDeps()
	deps.channelRepo.findByIDFunc = func(ctx context.Context, id string) (*model.Channel, error) {
		return &model.Channel{ID: id, IsActive: true, MaxDailyUploads: 3}, nil
	}
	deps.quotaRepo.todayCountFunc = func(ctx context.Context, channelID string) (int, error) {
		return 3, nil
	}
	path := createTestVideo(t, "sample.mp4", 1024*1024)

	s := newTestService(deps)
	_, err := s.Enqueue(context.Background(), EnqueueInput{VideoFilePath: path, ChannelID: "ch-1"})

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeDailyLimitReached {
		t.Errorf("err = %v, want DailyLimitReachedエラー", err)
	}
}

func TestEnqueue_NilKicker(t *testing.T) {
	deps := defaultDeps()
	path := createTestVideo(t, "sample.mp4", 1024*1024)

	var buf bytes.Buffer
	s := NewService(deps.queueRepo, deps.channelRepo, deps.quotaRepo, deps.historyRepo, deps.ssrfGuard, deps.cfg, nil, newTestLogger(&buf))

	// kickerがnilでもpanicしないこと
	if _, err := s.Enqueue(context.Background(), EnqueueInput{VideoFilePath: path}); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
}

// --- Get/Retryのテスト ---

func TestGet_NotFound(t *testing.T) {
	deps := defaultDeps()

	s := newTestService(deps)
	_, err := s.Get(context.Background(), "nope")

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeQueueItemNotFound {
		t.Errorf("err = %v, want QueueItemNotFoundエラー", err)
	}
}

func TestRetry_FromFailed(t *testing.T) {
	deps := defaultDeps()
	item := &model.QueueItem{ID: "item-1", Status: model.QueueStatusFailed, AttemptCount: 3}
	deps.queueRepo.findByIDFunc = func(ctx context.Context, id string) (*model.QueueItem, error) {
		return item, nil
	}

	requeued := false
	deps.queueRepo.requeueFunc = func(ctx context.Context, id string, from model.QueueStatus, incrementAttempt bool, reason string) error {
		requeued = true
		if from != model.QueueStatusFailed {
			t.Errorf("from = %s, want failed", from)
		}
		if incrementAttempt {
			t.Error("再投入時にattempt_countをインクリメントしてはならない")
		}
		if reason != "" {
			t.Error("再投入時はエラーメッセージをクリアするべき")
		}
		return nil
	}

	s := newTestService(deps)
	if _, err := s.Retry(context.Background(), "item-1"); err != nil {
		t.Fatalf("Retry returned error: %v", err)
	}
	if !requeued {
		t.Error("Requeueが呼ばれていない")
	}
	if deps.kicker.kicked != 1 {
		t.Errorf("Kick回数 = %d, want 1", deps.kicker.kicked)
	}
}

func TestRetry_InvalidTransition(t *testing.T) {
	deps := defaultDeps()
	deps.queueRepo.findByIDFunc = func(ctx context.Context, id string) (*model.QueueItem, error) {
		return &model.QueueItem{ID: id, Status: model.QueueStatusUploaded}, nil
	}

	s := newTestService(deps)
	_, err := s.Retry(context.Background(), "item-1")

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidTransition {
		t.Errorf("err = %v, want InvalidTransitionエラー", err)
	}
}

func TestSchedule_SetsTime(t *testing.T) {
	deps := defaultDeps()
	scheduled := time.Now().Add(2 * time.Hour)
	deps.queueRepo.findByIDFunc = func(ctx context.Context, id string) (*model.QueueItem, error) {
		return &model.QueueItem{ID: id, Status: model.QueueStatusPending, ScheduledTime: &scheduled}, nil
	}

	var gotTime time.Time
	deps.queueRepo.updateScheduledTimeFunc = func(ctx context.Context, id string, scheduledTime time.Time) error {
		gotTime = scheduledTime
		return nil
	}

	s := newTestService(deps)
	item, err := s.Schedule(context.Background(), "item-1", scheduled)
	if err != nil {
		t.Fatalf("Schedule returned error: %v", err)
	}
	if !gotTime.Equal(scheduled) {
		t.Errorf("UpdateScheduledTime time = %v, want %v", gotTime, scheduled)
	}
	if item.ScheduledTime == nil || !item.ScheduledTime.Equal(scheduled) {
		t.Error("更新後のアイテムに予定時刻が反映されていない")
	}
}

func TestStats_IncludesTodayUploads(t *testing.T) {
	deps := defaultDeps()
	deps.queueRepo.depthByStatusFunc = func(ctx context.Context) ([]model.QueueDepth, error) {
		return []model.QueueDepth{{Status: model.QueueStatusPending, Count: 3}}, nil
	}
	deps.historyRepo.countUploadedTodayFunc = func(ctx context.Context) (int, error) {
		return 7, nil
	}

	s := newTestService(deps)
	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats returned error: %v", err)
	}
	if len(stats.Depths) != 1 || stats.Depths[0].Count != 3 {
		t.Errorf("Depths = %+v, want pending=3", stats.Depths)
	}
	if stats.TodayUploads != 7 {
		t.Errorf("TodayUploads = %d, want 7", stats.TodayUploads)
	}
}

func TestStats_HistoryError(t *testing.T) {
	deps := defaultDeps()
	deps.historyRepo.countUploadedTodayFunc = func(ctx context.Context) (int, error) {
		return 0, errors.New("db error")
	}

	s := newTestService(deps)
	if _, err := s.Stats(context.Background()); err == nil {
		t.Error("履歴件数の取得失敗がエラーとして返らない")
	}
}
