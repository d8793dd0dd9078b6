package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"backfill/internal/logger"
	"backfill/internal/market"
	"backfill/internal/pkg/text"
	"backfill/internal/store"
	storemodel "backfill/internal/store/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultPauseThreshold = 3
	defaultClaimLease     = 10 * time.Minute
	maxClaimAttempts      = 8
	maxLastErrorLen       = 512
)

// ProgressOptions 控制暂停阈值与 claim 租约。
type ProgressOptions struct {
	PauseThreshold int
	// ClaimLease 之后仍处于 in_progress 的记录视为崩溃遗留，可被重新 claim。
	ClaimLease time.Duration
	Now        func() time.Time
}

// ProgressStore 通过条件更新（version 乐观锁）实现原子 claim/advance。
type ProgressStore struct {
	db        *gorm.DB
	threshold int
	lease     time.Duration
	now       func() time.Time
}

func NewProgressStore(db *gorm.DB, opts ProgressOptions) *ProgressStore {
	if opts.PauseThreshold <= 0 {
		opts.PauseThreshold = defaultPauseThreshold
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = defaultClaimLease
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ProgressStore{db: db, threshold: opts.PauseThreshold, lease: opts.ClaimLease, now: opts.Now}
}

func (s *ProgressStore) Seed(ctx context.Context, req store.SeedRequest) (int, error) {
	if !req.Granularity.Valid() {
		return 0, fmt.Errorf("seed: invalid granularity %q", req.Granularity)
	}
	if req.Target <= 0 {
		return 0, fmt.Errorf("seed: target must be > 0")
	}
	if req.Now.IsZero() {
		req.Now = s.now()
	}
	direction := store.DirectionBackward
	if req.Direction == store.DirectionForward {
		direction = store.DirectionForward
	}
	cursor := req.InitialCursor()
	nowMs := req.Now.UnixMilli()
	created := 0
	for _, inst := range req.Instruments {
		row := storemodel.ProgressModel{
			Instrument:    inst,
			Granularity:   string(req.Granularity),
			Direction:     direction,
			Target:        req.Target,
			Cursor:        cursor,
			Status:        string(store.StatusPending),
			CreatedAtUnix: nowMs,
			UpdatedAtUnix: nowMs,
		}
		res := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "instrument"}, {Name: "granularity"}},
				DoNothing: true,
			}).
			Create(&row)
		if res.Error != nil {
			return created, classifyWriteError(res.Error)
		}
		created += int(res.RowsAffected)
	}
	if created > 0 {
		logger.Infof("[progress] seeded %d %s records (target=%d direction=%s)", created, req.Granularity, req.Target, direction)
	}
	return created, nil
}

// ClaimNext 选出 collected 最小的可用记录并条件更新为 in_progress；竞争失败则重试。
func (s *ProgressStore) ClaimNext(ctx context.Context, g market.Granularity) (*store.ProgressRecord, error) {
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		now := s.now()
		staleBefore := now.Add(-s.lease).UnixMilli()
		var row storemodel.ProgressModel
		err := s.db.WithContext(ctx).
			Where("granularity = ?", string(g)).
			Where("(status = ? OR (status = ? AND claimed_at < ?))", store.StatusPending, store.StatusInProgress, staleBefore).
			Order("collected ASC").Order("id ASC").
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, classifyWriteError(err)
		}
		nowMs := now.UnixMilli()
		res := s.db.WithContext(ctx).Model(&storemodel.ProgressModel{}).
			Where("id = ? AND version = ?", row.ID, row.Version).
			Where("(status = ? OR (status = ? AND claimed_at < ?))", store.StatusPending, store.StatusInProgress, staleBefore).
			Updates(map[string]any{
				"status":     string(store.StatusInProgress),
				"version":    gorm.Expr("version + 1"),
				"claimed_at": nowMs,
				"updated_at": nowMs,
			})
		if res.Error != nil {
			return nil, classifyWriteError(res.Error)
		}
		if res.RowsAffected == 1 {
			if row.Status == string(store.StatusInProgress) {
				logger.Warnf("[progress] reclaimed stale %s@%s", row.Instrument, row.Granularity)
			}
			row.Status = string(store.StatusInProgress)
			row.Version++
			row.ClaimedAtUnix = nowMs
			row.UpdatedAtUnix = nowMs
			rec := toRecord(row)
			return &rec, nil
		}
		// 被其他循环抢先，重新选择
	}
	return nil, store.ErrClaimLost
}

func (s *ProgressStore) Advance(ctx context.Context, rec store.ProgressRecord, delta, cursor int64) (store.ProgressRecord, error) {
	if delta < 0 {
		return rec, fmt.Errorf("advance: negative delta %d", delta)
	}
	collected := rec.Collected + delta
	if collected > rec.Target {
		collected = rec.Target
	}
	status := store.StatusPending
	if collected >= rec.Target {
		status = store.StatusCompleted
	}
	nowMs := s.now().UnixMilli()
	fields := map[string]any{
		"collected":   collected,
		"cursor":      cursor,
		"status":      string(status),
		"error_count": 0,
		"last_error":  "",
		"version":     gorm.Expr("version + 1"),
		"claimed_at":  int64(0),
		"updated_at":  nowMs,
	}
	if status == store.StatusCompleted && rec.CompletedAt.IsZero() {
		fields["completed_at"] = nowMs
	}
	res := s.db.WithContext(ctx).Model(&storemodel.ProgressModel{}).
		Where("id = ? AND version = ? AND status = ?", rec.ID, rec.Version, store.StatusInProgress).
		Updates(fields)
	if res.Error != nil {
		return rec, classifyWriteError(res.Error)
	}
	if res.RowsAffected == 0 {
		return rec, store.ErrClaimLost
	}
	if _, ok := fields["completed_at"]; ok {
		rec.CompletedAt = time.UnixMilli(nowMs)
	}
	rec.Collected = collected
	rec.Cursor = cursor
	rec.Status = status
	rec.ErrorCount = 0
	rec.LastError = ""
	rec.Version++
	rec.ClaimedAt = time.Time{}
	rec.UpdatedAt = time.UnixMilli(nowMs)
	return rec, nil
}

// RecordFailure 以单条 UPDATE 自增 error_count，到达阈值即暂停。
// 只有仍持有该 claim（version 未变且 in_progress）时才生效，否则返回 ErrClaimLost。
func (s *ProgressStore) RecordFailure(ctx context.Context, rec store.ProgressRecord, reason string) (store.ProgressRecord, error) {
	nowMs := s.now().UnixMilli()
	res := s.db.WithContext(ctx).Model(&storemodel.ProgressModel{}).
		Where("id = ? AND version = ? AND status = ?", rec.ID, rec.Version, store.StatusInProgress).
		Updates(map[string]any{
			"error_count": gorm.Expr("error_count + 1"),
			"status": gorm.Expr("CASE WHEN error_count + 1 >= ? THEN ? ELSE ? END",
				s.threshold, string(store.StatusPaused), string(store.StatusPending)),
			"last_error": text.Truncate(reason, maxLastErrorLen),
			"version":    gorm.Expr("version + 1"),
			"claimed_at": int64(0),
			"updated_at": nowMs,
		})
	if res.Error != nil {
		return rec, classifyWriteError(res.Error)
	}
	if res.RowsAffected == 0 {
		return rec, store.ErrClaimLost
	}
	updated, err := s.getByID(ctx, rec.ID)
	if err != nil {
		return rec, err
	}
	if updated.Status == store.StatusPaused {
		logger.Warnf("[progress] %s@%s paused after %d failures: %s", updated.Instrument, updated.Granularity, updated.ErrorCount, updated.LastError)
	}
	return updated, nil
}

func (s *ProgressStore) Release(ctx context.Context, rec store.ProgressRecord) error {
	nowMs := s.now().UnixMilli()
	res := s.db.WithContext(ctx).Model(&storemodel.ProgressModel{}).
		Where("id = ? AND version = ? AND status = ?", rec.ID, rec.Version, store.StatusInProgress).
		Updates(map[string]any{
			"status":     string(store.StatusPending),
			"version":    gorm.Expr("version + 1"),
			"claimed_at": int64(0),
			"updated_at": nowMs,
		})
	if res.Error != nil {
		return classifyWriteError(res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrClaimLost
	}
	return nil
}

// Renew 刷新 claimed_at 延长租约；version 不变，持有者的后续 Advance 仍然有效。
func (s *ProgressStore) Renew(ctx context.Context, rec store.ProgressRecord) (store.ProgressRecord, error) {
	nowMs := s.now().UnixMilli()
	res := s.db.WithContext(ctx).Model(&storemodel.ProgressModel{}).
		Where("id = ? AND version = ? AND status = ?", rec.ID, rec.Version, store.StatusInProgress).
		Updates(map[string]any{
			"claimed_at": nowMs,
			"updated_at": nowMs,
		})
	if res.Error != nil {
		return rec, classifyWriteError(res.Error)
	}
	if res.RowsAffected == 0 {
		return rec, store.ErrClaimLost
	}
	rec.ClaimedAt = time.UnixMilli(nowMs)
	rec.UpdatedAt = rec.ClaimedAt
	return rec, nil
}

// Reset 清除 error_count 并恢复为 pending（collected/cursor 保持不变）。
func (s *ProgressStore) Reset(ctx context.Context, instrument string, g market.Granularity) (store.ProgressRecord, error) {
	rec, err := s.Get(ctx, instrument, g)
	if err != nil {
		return rec, err
	}
	status := store.StatusPending
	if rec.Collected >= rec.Target {
		status = store.StatusCompleted
	}
	nowMs := s.now().UnixMilli()
	err = s.db.WithContext(ctx).Model(&storemodel.ProgressModel{}).
		Where("id = ?", rec.ID).
		Updates(map[string]any{
			"status":      string(status),
			"error_count": 0,
			"last_error":  "",
			"version":     gorm.Expr("version + 1"),
			"claimed_at":  int64(0),
			"updated_at":  nowMs,
		}).Error
	if err != nil {
		return rec, classifyWriteError(err)
	}
	logger.Infof("[progress] reset %s@%s -> %s", instrument, g, status)
	return s.getByID(ctx, rec.ID)
}

// Rearm 为向前追新的记录追加自游标以来新产生的时间单位，并把已完成记录重新置为 pending。
func (s *ProgressStore) Rearm(ctx context.Context, g market.Granularity, now time.Time) (int, error) {
	var rows []storemodel.ProgressModel
	err := s.db.WithContext(ctx).
		Where("granularity = ? AND direction = ? AND status IN ?", string(g), store.DirectionForward,
			[]string{string(store.StatusPending), string(store.StatusCompleted)}).
		Find(&rows).Error
	if err != nil {
		return 0, err
	}
	aligned := g.Align(now.UnixMilli())
	step := g.Step()
	rearmed := 0
	for _, row := range rows {
		if step <= 0 || aligned <= row.Cursor {
			continue
		}
		// 游标即下一个待取时间点，对齐 now 之前的单位都是新增的
		target := row.Collected + (aligned-row.Cursor)/step
		if target <= row.Target {
			continue
		}
		res := s.db.WithContext(ctx).Model(&storemodel.ProgressModel{}).
			Where("id = ? AND version = ?", row.ID, row.Version).
			Updates(map[string]any{
				"target":     target,
				"status":     string(store.StatusPending),
				"version":    gorm.Expr("version + 1"),
				"updated_at": now.UnixMilli(),
			})
		if res.Error != nil {
			return rearmed, classifyWriteError(res.Error)
		}
		rearmed += int(res.RowsAffected)
	}
	if rearmed > 0 {
		logger.Infof("[progress] rearmed %d %s records", rearmed, g)
	}
	return rearmed, nil
}

func (s *ProgressStore) Get(ctx context.Context, instrument string, g market.Granularity) (store.ProgressRecord, error) {
	var row storemodel.ProgressModel
	err := s.db.WithContext(ctx).
		Where("instrument = ? AND granularity = ?", instrument, string(g)).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ProgressRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.ProgressRecord{}, err
	}
	return toRecord(row), nil
}

func (s *ProgressStore) getByID(ctx context.Context, id int64) (store.ProgressRecord, error) {
	var row storemodel.ProgressModel
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ProgressRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.ProgressRecord{}, err
	}
	return toRecord(row), nil
}

func (s *ProgressStore) List(ctx context.Context, g market.Granularity) ([]store.ProgressRecord, error) {
	q := s.db.WithContext(ctx).Model(&storemodel.ProgressModel{})
	if g != "" {
		q = q.Where("granularity = ?", string(g))
	}
	var rows []storemodel.ProgressModel
	if err := q.Order("granularity ASC").Order("instrument ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]store.ProgressRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, toRecord(row))
	}
	return out, nil
}

func toRecord(m storemodel.ProgressModel) store.ProgressRecord {
	rec := store.ProgressRecord{
		ID:          m.ID,
		Instrument:  m.Instrument,
		Granularity: market.Granularity(m.Granularity),
		Direction:   m.Direction,
		Collected:   m.Collected,
		Target:      m.Target,
		Cursor:      m.Cursor,
		Status:      store.Status(m.Status),
		ErrorCount:  m.ErrorCount,
		LastError:   m.LastError,
		Version:     m.Version,
		UpdatedAt:   time.UnixMilli(m.UpdatedAtUnix),
	}
	if m.ClaimedAtUnix > 0 {
		rec.ClaimedAt = time.UnixMilli(m.ClaimedAtUnix)
	}
	if m.CompletedAtUnix > 0 {
		rec.CompletedAt = time.UnixMilli(m.CompletedAtUnix)
	}
	return rec
}

var _ store.ProgressStore = (*ProgressStore)(nil)
