package recorder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/envbatch/environment"
)

// =============================================================================
// 🗄️ 回合记录
// =============================================================================

// Episode 一个已结束回合的统计
type Episode struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	RunID      string    `gorm:"size:36;not null;index:idx_run_env" json:"run_id"`
	EnvIndex   int       `gorm:"not null;index:idx_run_env" json:"env_index"`
	ModelID    string    `gorm:"size:100" json:"model_id"`
	Steps      int       `gorm:"not null" json:"steps"`
	Return     float64   `gorm:"column:episode_return;not null" json:"return"`
	Terminated bool      `gorm:"not null" json:"terminated"` // false 表示被截断
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Summary 一次运行的聚合统计
type Summary struct {
	Episodes   int64   `json:"episodes"`
	MeanReturn float64 `json:"mean_return"`
	MeanSteps  float64 `json:"mean_steps"`
}

type episodeState struct {
	steps     int
	ret       float64
	startedAt time.Time
}

// Recorder 跟踪批量时间步流并在回合结束时写入一行 Episode。
type Recorder struct {
	db     *gorm.DB
	owned  bool
	runID  string
	logger *zap.Logger

	mu      sync.Mutex
	open    map[int]*episodeState
	models  []string
	closed  bool
	written int
}

// Open 打开（或创建）path 处的 SQLite 数据库，":memory:" 为内存库
func Open(path string, logger *zap.Logger) (*Recorder, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, fmt.Errorf("open recorder database %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	// SQLite 单写者；内存库在每个连接上都是独立的
	sqlDB.SetMaxOpenConns(1)

	r, err := New(db, logger)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	r.owned = true
	return r, nil
}

// New 在已有连接上创建记录器，Close 不会关闭 db
func New(db *gorm.DB, logger *zap.Logger) (*Recorder, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&Episode{}); err != nil {
		return nil, fmt.Errorf("migrate episodes: %w", err)
	}

	runID := uuid.NewString()
	return &Recorder{
		db:     db,
		runID:  runID,
		logger: logger.With(zap.String("component", "recorder"), zap.String("run_id", runID)),
		open:   make(map[int]*episodeState),
	}, nil
}

// RunID 标识本次运行写入的所有回合
func (r *Recorder) RunID() string { return r.runID }

// SetModels 设置之后结束的回合所属的模型，按环境编号对应
func (r *Recorder) SetModels(modelIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models = append(r.models[:0], modelIDs...)
}

// Observe 记录一批时间步。indices[j] 是 ts[j] 所属的环境编号；
// 首步开启回合，末步写入数据库。
func (r *Recorder) Observe(ctx context.Context, indices []int, ts environment.BatchedTimeStep) error {
	if len(indices) != len(ts) {
		return fmt.Errorf("observe: %d indices for %d time steps", len(indices), len(ts))
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("recorder is closed")
	}
	now := time.Now()
	var finished []Episode
	for j, i := range indices {
		step := ts[j]
		state := r.open[i]
		if step.IsFirst() || state == nil {
			state = &episodeState{startedAt: now}
			r.open[i] = state
			if step.IsFirst() {
				continue
			}
		}

		state.steps++
		state.ret += step.Reward
		if !step.IsLast() {
			continue
		}
		finished = append(finished, Episode{
			RunID:      r.runID,
			EnvIndex:   i,
			ModelID:    r.modelFor(i),
			Steps:      state.steps,
			Return:     state.ret,
			Terminated: step.Discount == 0,
			StartedAt:  state.startedAt,
			FinishedAt: now,
		})
		delete(r.open, i)
	}
	r.mu.Unlock()

	if len(finished) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&finished).Error; err != nil {
		return fmt.Errorf("record episodes: %w", err)
	}

	r.mu.Lock()
	r.written += len(finished)
	r.mu.Unlock()
	for _, ep := range finished {
		r.logger.Debug("episode recorded",
			zap.Int("env_index", ep.EnvIndex),
			zap.Int("steps", ep.Steps),
			zap.Float64("return", ep.Return),
			zap.Bool("terminated", ep.Terminated),
		)
	}
	return nil
}

func (r *Recorder) modelFor(i int) string {
	if i < len(r.models) {
		return r.models[i]
	}
	return ""
}

// Episodes 返回本次运行的全部回合，按写入顺序
func (r *Recorder) Episodes(ctx context.Context) ([]Episode, error) {
	var out []Episode
	err := r.db.WithContext(ctx).
		Where("run_id = ?", r.runID).
		Order("id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	return out, nil
}

// Summary 返回本次运行的聚合统计
func (r *Recorder) Summary(ctx context.Context) (Summary, error) {
	var s Summary
	err := r.db.WithContext(ctx).
		Model(&Episode{}).
		Select("count(*) AS episodes, coalesce(avg(episode_return), 0) AS mean_return, coalesce(avg(steps), 0) AS mean_steps").
		Where("run_id = ?", r.runID).
		Scan(&s).Error
	if err != nil {
		return Summary{}, fmt.Errorf("summarize episodes: %w", err)
	}
	return s, nil
}

// Close 丢弃未结束的回合；由 Open 打开的数据库会被关闭
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	pending := len(r.open)
	written := r.written
	r.mu.Unlock()

	r.logger.Info("closing recorder",
		zap.Int("episodes_written", written),
		zap.Int("episodes_discarded", pending),
	)
	if !r.owned {
		return nil
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	return sqlDB.Close()
}
