package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/uploadman/internal/matcher"
	"github.com/hitoshi/uploadman/internal/metrics"
	"github.com/hitoshi/uploadman/internal/model"
	"github.com/hitoshi/uploadman/internal/repository"
)

// --- モック定義 ---

// mockQueueRepo はQueueRepositoryのテスト用モック。
type mockQueueRepo struct {
	createFunc                 func(ctx context.Context, item *model.QueueItem) error
	findByIDFunc               func(ctx context.Context, id string) (*model.QueueItem, error)
	listFunc                   func(ctx context.Context, status model.QueueStatus, channelID string, limit int) ([]*model.QueueItem, error)
	claimNextFunc              func(ctx context.Context) (*model.QueueItem, error)
	markReadyFunc              func(ctx context.Context, id, channelID string, md model.Metadata) error
	markUploadedFunc           func(ctx context.Context, id string, rec *model.HistoryRecord) error
	markFailedFunc             func(ctx context.Context, id string, from model.QueueStatus, reason string) error
	requeueFunc                func(ctx context.Context, id string, from model.QueueStatus, incrementAttempt bool, reason string) error
	updateScheduledTimeFunc    func(ctx context.Context, id string, scheduledTime time.Time) error
	depthByStatusFunc          func(ctx context.Context) ([]model.QueueDepth, error)
	deleteTerminalOlderThanFunc func(ctx context.Context, retention time.Duration) (int64, error)
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
	if m.claimNextFunc != nil {
		return m.claimNextFunc(ctx)
	}
	return nil, nil
}

func (m *mockQueueRepo) MarkReady(ctx context.Context, id, channelID string, md model.Metadata) error {
	if m.markReadyFunc != nil {
		return m.markReadyFunc(ctx, id, channelID, md)
	}
	return nil
}

func (m *mockQueueRepo) MarkUploaded(ctx context.Context, id string, rec *model.HistoryRecord) error {
	if m.markUploadedFunc != nil {
		return m.markUploadedFunc(ctx, id, rec)
	}
	return nil
}

func (m *mockQueueRepo) MarkFailed(ctx context.Context, id string, from model.QueueStatus, reason string) error {
	if m.markFailedFunc != nil {
		return m.markFailedFunc(ctx, id, from, reason)
	}
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
	if m.deleteTerminalOlderThanFunc != nil {
		return m.deleteTerminalOlderThanFunc(ctx, retention)
	}
	return 0, nil
}

// mockChannelRepo はChannelRepositoryのテスト用モック。
type mockChannelRepo struct {
	findByIDFunc            func(ctx context.Context, id string) (*model.Channel, error)
	createFunc              func(ctx context.Context, channel *model.Channel) error
	updateFunc              func(ctx context.Context, channel *model.Channel) error
	listFunc                func(ctx context.Context) ([]*model.Channel, error)
	listActiveWithUsageFunc func(ctx context.Context) ([]model.ChannelWithUsage, error)
}

func (m *mockChannelRepo) FindByID(ctx context.Context, id string) (*model.Channel, error) {
	if m.findByIDFunc != nil {
		return m.findByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *mockChannelRepo) Create(ctx context.Context, channel *model.Channel) error {
	if m.createFunc != nil {
		return m.createFunc(ctx, channel)
	}
	return nil
}

func (m *mockChannelRepo) Update(ctx context.Context, channel *model.Channel) error {
	if m.updateFunc != nil {
		return m.updateFunc(ctx, channel)
	}
	return nil
}

func (m *mockChannelRepo) List(ctx context.Context) ([]*model.Channel, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx)
	}
	return nil, nil
}

func (m *mockChannelRepo) ListActiveWithUsage(ctx context.Context) ([]model.ChannelWithUsage, error) {
	if m.listActiveWithUsageFunc != nil {
		return m.listActiveWithUsageFunc(ctx)
	}
	return nil, nil
}

// mockQuotaRepo はQuotaRepositoryのテスト用モック。
type mockQuotaRepo struct {
	reserveFunc    func(ctx context.Context, channelID string, limit int) (bool, error)
	releaseFunc    func(ctx context.Context, channelID string) (bool, error)
	todayCountFunc func(ctx context.Context, channelID string) (int, error)
}

func (m *mockQuotaRepo) Reserve(ctx context.Context, channelID string, limit int) (bool, error) {
	if m.reserveFunc != nil {
		return m.reserveFunc(ctx, channelID, limit)
	}
	return true, nil
}

func (m *mockQuotaRepo) Release(ctx context.Context, channelID string) (bool, error) {
	if m.releaseFunc != nil {
		return m.releaseFunc(ctx, channelID)
	}
	return true, nil
}

func (m *mockQuotaRepo) TodayCount(ctx context.Context, channelID string) (int, error) {
	if m.todayCountFunc != nil {
		return m.todayCountFunc(ctx, channelID)
	}
	return 0, nil
}

// mockAnalysisService はanalysis.Serviceのテスト用モック。
type mockAnalysisService struct {
	resolveFunc func(ctx context.Context, filePath, fileName string) (*model.AnalysisResult, bool, error)
}

func (m *mockAnalysisService) Resolve(ctx context.Context, filePath, fileName string) (*model.AnalysisResult, bool, error) {
	if m.resolveFunc != nil {
		return m.resolveFunc(ctx, filePath, fileName)
	}
	return &model.AnalysisResult{Category: "tech"}, false, nil
}

// mockMetadataGen はMetadataGeneratorのテスト用モック。
type mockMetadataGen struct {
	generateFunc func(analysis *model.AnalysisResult, fileName string) (*model.Metadata, error)
}

func (m *mockMetadataGen) Generate(analysis *model.AnalysisResult, fileName string) (*model.Metadata, error) {
	if m.generateFunc != nil {
		return m.generateFunc(analysis, fileName)
	}
	return &model.Metadata{Title: "テスト", Tags: []string{"tag"}}, nil
}

// mockPublisher はPublisherのテスト用モック。
type mockPublisher struct {
	publishFunc func(ctx context.Context, channel *model.Channel, filePath string, md *model.Metadata) (*model.PublishRef, error)
}

func (m *mockPublisher) Publish(ctx context.Context, channel *model.Channel, filePath string, md *model.Metadata) (*model.PublishRef, error) {
	if m.publishFunc != nil {
		return m.publishFunc(ctx, channel, filePath, md)
	}
	return &model.PublishRef{VideoID: "video-1", VideoURL: "https://example.com/v/1"}, nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func newTestCollector() *metrics.Collector {
	return metrics.NewCollector(prometheus.NewRegistry())
}

type dispatcherDeps struct {
	queueRepo   *mockQueueRepo
	channelRepo *mockChannelRepo
	quotaRepo   *mockQuotaRepo
	analysisSvc *mockAnalysisService
	metadataGen *mockMetadataGen
	publisher   *mockPublisher
	cfg         DispatcherConfig
}

func defaultDeps() *dispatcherDeps {
	return &dispatcherDeps{
		queueRepo: &mockQueueRepo{},
		channelRepo: &mockChannelRepo{
			findByIDFunc: func(ctx context.Context, id string) (*model.Channel, error) {
				return &model.Channel{ID: id, IsActive: true, MaxDailyUploads: 3, Category: "tech"}, nil
			},
			listActiveWithUsageFunc: func(ctx context.Context) ([]model.ChannelWithUsage, error) {
				return []model.ChannelWithUsage{
					{Channel: model.Channel{ID: "ch-1", Kind: model.ChannelKindPrimary, Category: "tech", MaxDailyUploads: 3, IsActive: true}},
				}, nil
			},
		},
		quotaRepo:   &mockQuotaRepo{},
		analysisSvc: &mockAnalysisService{},
		metadataGen: &mockMetadataGen{},
		publisher:   &mockPublisher{},
		cfg: DispatcherConfig{
			RetryLimit:     3,
			AnalyzeTimeout: time.Second,
			PublishTimeout: time.Second,
		},
	}
}

func newTestDispatcher(d *dispatcherDeps) *Dispatcher {
	var buf bytes.Buffer
	return NewDispatcher(
		d.queueRepo, d.channelRepo, d.quotaRepo,
		d.analysisSvc, matcher.New("general"), d.metadataGen, d.publisher,
		newTestCollector(), newTestLogger(&buf), d.cfg,
	)
}

func testItem() *model.QueueItem {
	return &model.QueueItem{
		ID:            "item-1",
		VideoFilePath: "/videos/test.mp4",
		VideoFileName: "test.mp4",
		Status:        model.QueueStatusProcessing,
	}
}

// --- ディスパッチのテスト ---

// TestDispatch_Success は解析→マッチング→予約→投稿→uploadedの正常系を検証する。
func TestDispatch_Success(t *testing.T) {
	deps := defaultDeps()

	var readyChannelID string
	deps.queueRepo.markReadyFunc = func(ctx context.Context, id, channelID string, md model.Metadata) error {
		readyChannelID = channelID
		return nil
	}

	var uploadedRec *model.HistoryRecord
	deps.queueRepo.markUploadedFunc = func(ctx context.Context, id string, rec *model.HistoryRecord) error {
		uploadedRec = rec
		return nil
	}

	d := newTestDispatcher(deps)
	if err := d.Dispatch(context.Background(), testItem()); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}

	if readyChannelID != "ch-1" {
		t.Errorf("MarkReady channelID = %q, want ch-1", readyChannelID)
	}
	if uploadedRec == nil {
		t.Fatal("MarkUploadedが呼ばれていない")
	}
	if uploadedRec.PublishRefID != "video-1" {
		t.Errorf("PublishRefID = %q, want video-1", uploadedRec.PublishRefID)
	}
	if uploadedRec.QueueID != "item-1" {
		t.Errorf("QueueID = %q, want item-1", uploadedRec.QueueID)
	}
}

// TestDispatch_QuotaExhausted_Requeues は全候補枯渇時にattempt_countを増やして
// pendingに差し戻されること（failedにならないこと)を検証する。
func TestDispatch_QuotaExhausted_Requeues(t *testing.T) {
	deps := defaultDeps()
	deps.quotaRepo.reserveFunc = func(ctx context.Context, channelID string, limit int) (bool, error) {
		return false, nil
	}

	requeued := false
	deps.queueRepo.requeueFunc = func(ctx context.Context, id string, from model.QueueStatus, incrementAttempt bool, reason string) error {
		requeued = true
		if !incrementAttempt {
			t.Error("クォータ枯渇時はattempt_countをインクリメントするべき")
		}
		if from != model.QueueStatusProcessing {
			t.Errorf("from = %s, want processing", from)
		}
		return nil
	}
	deps.queueRepo.markFailedFunc = func(ctx context.Context, id string, from model.QueueStatus, reason string) error {
		t.Error("クォータ枯渇はfailedに遷移させてはならない")
		return nil
	}

	d := newTestDispatcher(deps)
	if err := d.Dispatch(context.Background(), testItem()); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if !requeued {
		t.Error("Requeueが呼ばれていない")
	}
}

// TestDispatch_QuotaExhausted_NeverFails は再試行予算を超えた回数のクォータ枯渇でも
// failedに遷移しないことを検証する。
func TestDispatch_QuotaExhausted_NeverFails(t *testing.T) {
	deps := defaultDeps()
	deps.quotaRepo.reserveFunc = func(ctx context.Context, channelID string, limit int) (bool, error) {
		return false, nil
	}
	deps.queueRepo.markFailedFunc = func(ctx context.Context, id string, from model.QueueStatus, reason string) error {
		t.Error("クォータ枯渇はfailedに遷移させてはならない")
		return nil
	}

	d := newTestDispatcher(deps)
	item := testItem()
	item.AttemptCount = 10 // 予算をはるかに超えた試行回数
	if err := d.Dispatch(context.Background(), item); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
}

// TestDispatch_TransientFailure_WithinBudget は一時的失敗が予算内なら差し戻されることを検証する。
func TestDispatch_TransientFailure_WithinBudget(t *testing.T) {
	deps := defaultDeps()
	deps.analysisSvc.resolveFunc = func(ctx context.Context, filePath, fileName string) (*model.AnalysisResult, bool, error) {
		return nil, false, fmt.Errorf("%w: アナライザーがタイムアウトしました", model.ErrTransient)
	}

	requeued := false
	deps.queueRepo.requeueFunc = func(ctx context.Context, id string, from model.QueueStatus, incrementAttempt bool, reason string) error {
		requeued = true
		if !incrementAttempt {
			t.Error("一時的失敗時はattempt_countをインクリメントするべき")
		}
		return nil
	}

	d := newTestDispatcher(deps)
	item := testItem()
	item.AttemptCount = 1 // 2回目の試行（予算3以内）
	if err := d.Dispatch(context.Background(), item); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if !requeued {
		t.Error("Requeueが呼ばれていない")
	}
}

// TestDispatch_TransientFailure_BudgetExhausted は予算を使い切った一時的失敗が
// failedに遷移することを検証する。
func TestDispatch_TransientFailure_BudgetExhausted(t *testing.T) {
	deps := defaultDeps()
	deps.analysisSvc.resolveFunc = func(ctx context.Context, filePath, fileName string) (*model.AnalysisResult, bool, error) {
		return nil, false, fmt.Errorf("%w: アナライザーがタイムアウトしました", model.ErrTransient)
	}

	failed := false
	deps.queueRepo.markFailedFunc = func(ctx context.Context, id string, from model.QueueStatus, reason string) error {
		failed = true
		if reason == "" {
			t.Error("失敗理由が記録されるべき")
		}
		return nil
	}
	deps.queueRepo.requeueFunc = func(ctx context.Context, id string, from model.QueueStatus, incrementAttempt bool, reason string) error {
		t.Error("予算超過時はRequeueではなくMarkFailedが呼ばれるべき")
		return nil
	}

	d := newTestDispatcher(deps)
	item := testItem()
	item.AttemptCount = 2 // 3回目の試行で予算3に到達
	if err := d.Dispatch(context.Background(), item); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if !failed {
		t.Error("MarkFailedが呼ばれていない")
	}
}

// TestDispatch_PermanentFailure は恒久的失敗が即座にfailedに遷移することを検証する。
func TestDispatch_PermanentFailure(t *testing.T) {
	deps := defaultDeps()
	deps.channelRepo.listActiveWithUsageFunc = func(ctx context.Context) ([]model.ChannelWithUsage, error) {
		return nil, nil // マッチするチャンネルが存在しない
	}

	failed := false
	deps.queueRepo.markFailedFunc = func(ctx context.Context, id string, from model.QueueStatus, reason string) error {
		failed = true
		return nil
	}

	d := newTestDispatcher(deps)
	item := testItem()
	item.AttemptCount = 0 // 予算が残っていても恒久的失敗は即failed
	if err := d.Dispatch(context.Background(), item); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if !failed {
		t.Error("MarkFailedが呼ばれていない")
	}
}

// TestDispatch_PublishFailure_KeepsQuotaByDefault は投稿失敗時にデフォルトで
// クォータ枠が返却されないことを検証する。
func TestDispatch_PublishFailure_KeepsQuotaByDefault(t *testing.T) {
	deps := defaultDeps()
	deps.publisher.publishFunc = func(ctx context.Context, channel *model.Channel, filePath string, md *model.Metadata) (*model.PublishRef, error) {
		return nil, fmt.Errorf("%w: 投稿サービスがステータス 503 を返しました", model.ErrTransient)
	}
	deps.quotaRepo.releaseFunc = func(ctx context.Context, channelID string) (bool, error) {
		t.Error("デフォルト設定では投稿失敗時にReleaseを呼んではならない")
		return false, nil
	}

	requeued := false
	deps.queueRepo.requeueFunc = func(ctx context.Context, id string, from model.QueueStatus, incrementAttempt bool, reason string) error {
		requeued = true
		if from != model.QueueStatusReady {
			t.Errorf("from = %s, want ready", from)
		}
		return nil
	}

	d := newTestDispatcher(deps)
	if err := d.Dispatch(context.Background(), testItem()); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if !requeued {
		t.Error("Requeueが呼ばれていない")
	}
}

// TestDispatch_PublishFailure_ReleasesQuotaWhenConfigured はポリシー有効時に
// 投稿失敗でクォータ枠が返却されることを検証する。
func TestDispatch_PublishFailure_ReleasesQuotaWhenConfigured(t *testing.T) {
	deps := defaultDeps()
	deps.cfg.ReleaseQuotaOnPublishFailure = true
	deps.publisher.publishFunc = func(ctx context.Context, channel *model.Channel, filePath string, md *model.Metadata) (*model.PublishRef, error) {
		return nil, fmt.Errorf("%w: 投稿サービスがステータス 503 を返しました", model.ErrTransient)
	}

	released := false
	deps.quotaRepo.releaseFunc = func(ctx context.Context, channelID string) (bool, error) {
		released = true
		if channelID != "ch-1" {
			t.Errorf("Release channelID = %q, want ch-1", channelID)
		}
		return true, nil
	}

	d := newTestDispatcher(deps)
	if err := d.Dispatch(context.Background(), testItem()); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if !released {
		t.Error("Releaseが呼ばれていない")
	}
}

// TestDispatch_PreassignedChannel_SkipsMatching は事前指定チャンネルがある場合に
// マッチングをスキップしてそのチャンネルに投稿することを検証する。
func TestDispatch_PreassignedChannel_SkipsMatching(t *testing.T) {
	deps := defaultDeps()
	deps.channelRepo.listActiveWithUsageFunc = func(ctx context.Context) ([]model.ChannelWithUsage, error) {
		t.Error("事前指定チャンネルがある場合はスナップショットを取得してはならない")
		return nil, nil
	}

	var reservedChannelID string
	deps.quotaRepo.reserveFunc = func(ctx context.Context, channelID string, limit int) (bool, error) {
		reservedChannelID = channelID
		return true, nil
	}

	d := newTestDispatcher(deps)
	item := testItem()
	item.ChannelID = "ch-pre"
	if err := d.Dispatch(context.Background(), item); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if reservedChannelID != "ch-pre" {
		t.Errorf("Reserve channelID = %q, want ch-pre", reservedChannelID)
	}
}

// TestDispatch_PreassignedChannel_Inactive は非アクティブな事前指定チャンネルが
// 恒久的失敗として扱われることを検証する。
func TestDispatch_PreassignedChannel_Inactive(t *testing.T) {
	deps := defaultDeps()
	deps.channelRepo.findByIDFunc = func(ctx context.Context, id string) (*model.Channel, error) {
		return &model.Channel{ID: id, IsActive: false}, nil
	}

	failed := false
	deps.queueRepo.markFailedFunc = func(ctx context.Context, id string, from model.QueueStatus, reason string) error {
		failed = true
		return nil
	}

	d := newTestDispatcher(deps)
	item := testItem()
	item.ChannelID = "ch-inactive"
	if err := d.Dispatch(context.Background(), item); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if !failed {
		t.Error("MarkFailedが呼ばれていない")
	}
}

// TestDispatch_Conflict_Abandons は状態遷移の競合時にアイテムを放棄し、
// 後続の副作用を実行しないことを検証する。
func TestDispatch_Conflict_Abandons(t *testing.T) {
	deps := defaultDeps()
	deps.queueRepo.markReadyFunc = func(ctx context.Context, id, channelID string, md model.Metadata) error {
		return fmt.Errorf("キューアイテムの状態遷移に失敗しました: %w", model.ErrConflict)
	}

	released := false
	deps.quotaRepo.releaseFunc = func(ctx context.Context, channelID string) (bool, error) {
		released = true
		return true, nil
	}

	published := false
	deps.publisher.publishFunc = func(ctx context.Context, channel *model.Channel, filePath string, md *model.Metadata) (*model.PublishRef, error) {
		published = true
		return &model.PublishRef{VideoID: "video-1"}, nil
	}

	d := newTestDispatcher(deps)
	if err := d.Dispatch(context.Background(), testItem()); err != nil {
		t.Fatalf("競合時はエラーを返さず放棄するべき: %v", err)
	}
	if !released {
		t.Error("ready遷移失敗時は予約済みの枠を返却するべき")
	}
	if published {
		t.Error("競合で放棄したアイテムを投稿してはならない")
	}
}

// TestDispatch_RankedAdmission はランキング順に予約を試行し、最初に成功した
// 候補が割り当てられることを検証する。
func TestDispatch_RankedAdmission(t *testing.T) {
	deps := defaultDeps()
	deps.channelRepo.listActiveWithUsageFunc = func(ctx context.Context) ([]model.ChannelWithUsage, error) {
		return []model.ChannelWithUsage{
			{Channel: model.Channel{ID: "ch-a", Kind: model.ChannelKindPrimary, Category: "tech", MaxDailyUploads: 5, IsActive: true}, TodayUploads: 0}, // 残り5: 1位
			{Channel: model.Channel{ID: "ch-b", Kind: model.ChannelKindPrimary, Category: "tech", MaxDailyUploads: 3, IsActive: true}, TodayUploads: 0}, // 残り3: 2位
		}, nil
	}

	var attempts []string
	deps.quotaRepo.reserveFunc = func(ctx context.Context, channelID string, limit int) (bool, error) {
		attempts = append(attempts, channelID)
		// 1位の候補は他ワーカーとの競争に敗れたとみなす
		return channelID == "ch-b", nil
	}

	var readyChannelID string
	deps.queueRepo.markReadyFunc = func(ctx context.Context, id, channelID string, md model.Metadata) error {
		readyChannelID = channelID
		return nil
	}

	d := newTestDispatcher(deps)
	if err := d.Dispatch(context.Background(), testItem()); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}

	if len(attempts) != 2 || attempts[0] != "ch-a" || attempts[1] != "ch-b" {
		t.Errorf("予約試行順 = %v, want [ch-a ch-b]", attempts)
	}
	if readyChannelID != "ch-b" {
		t.Errorf("割り当て = %q, want ch-b", readyChannelID)
	}
}

// TestDispatch_QuotaInvariant は複数アイテムの並行ディスパッチでも
// チャンネルの日次上限を超えて割り当てられないことを検証する。
func TestDispatch_QuotaInvariant(t *testing.T) {
	const limit = 3
	const items = 5

	var mu sync.Mutex
	counter := 0

	deps := defaultDeps()
	deps.quotaRepo.reserveFunc = func(ctx context.Context, channelID string, lim int) (bool, error) {
		// ストアのアトミックな「上限未満なら+1」を模倣する
		mu.Lock()
		defer mu.Unlock()
		if counter >= lim {
			return false, nil
		}
		counter++
		return true, nil
	}
	deps.channelRepo.listActiveWithUsageFunc = func(ctx context.Context) ([]model.ChannelWithUsage, error) {
		return []model.ChannelWithUsage{
			{Channel: model.Channel{ID: "ch-1", Kind: model.ChannelKindPrimary, Category: "tech", MaxDailyUploads: limit, IsActive: true}},
		}, nil
	}

	var uploadedMu sync.Mutex
	uploaded := 0
	deps.queueRepo.markUploadedFunc = func(ctx context.Context, id string, rec *model.HistoryRecord) error {
		uploadedMu.Lock()
		uploaded++
		uploadedMu.Unlock()
		return nil
	}

	requeuedMu := sync.Mutex{}
	requeued := 0
	deps.queueRepo.requeueFunc = func(ctx context.Context, id string, from model.QueueStatus, incrementAttempt bool, reason string) error {
		requeuedMu.Lock()
		requeued++
		requeuedMu.Unlock()
		return nil
	}

	d := newTestDispatcher(deps)

	var wg sync.WaitGroup
	for i := 0; i < items; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			item := testItem()
			item.ID = fmt.Sprintf("item-%d", n)
			if err := d.Dispatch(context.Background(), item); err != nil {
				t.Errorf("Dispatch returned error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if uploaded != limit {
		t.Errorf("uploaded = %d, want %d", uploaded, limit)
	}
	if requeued != items-limit {
		t.Errorf("requeued = %d, want %d", requeued, items-limit)
	}
	if counter > limit {
		t.Errorf("クォータカウンタが上限を超えている: %d > %d", counter, limit)
	}
}

// TestDispatch_MetadataGenerationFailure_Permanent はメタデータ生成失敗が
// 恒久的失敗として扱われることを検証する。
func TestDispatch_MetadataGenerationFailure_Permanent(t *testing.T) {
	deps := defaultDeps()
	deps.metadataGen.generateFunc = func(analysis *model.AnalysisResult, fileName string) (*model.Metadata, error) {
		return nil, errors.New("生成に失敗しました")
	}

	failed := false
	deps.queueRepo.markFailedFunc = func(ctx context.Context, id string, from model.QueueStatus, reason string) error {
		failed = true
		return nil
	}

	d := newTestDispatcher(deps)
	if err := d.Dispatch(context.Background(), testItem()); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if !failed {
		t.Error("MarkFailedが呼ばれていない")
	}
}

var _ repository.QueueRepository = (*mockQueueRepo)(nil)
var _ repository.ChannelRepository = (*mockChannelRepo)(nil)
var _ repository.QuotaRepository = (*mockQuotaRepo)(nil)
