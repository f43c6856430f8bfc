package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"Bt1QRec/db"
	"Bt1QRec/logger"
	"Bt1QRec/model"

	"gorm.io/gorm"
)

// BeatRecord 对应上游加载器写入的 beats 数据表
// 分类字段是 '||' 连接的 id 列表，timestamps 和 features 是 JSON 文本
type BeatRecord struct {
	BeatID     string    `gorm:"column:beat_id;primaryKey"`
	File       string    `gorm:"column:file"`
	GenreIDs   string    `gorm:"column:genre_ids"`
	TagIDs     string    `gorm:"column:tag_ids"`
	MoodIDs    string    `gorm:"column:mood_ids"`
	URL        string    `gorm:"column:url"`
	Price      float64   `gorm:"column:price"`
	Picture    string    `gorm:"column:picture"`
	Timestamps string    `gorm:"column:timestamps"`
	Features   string    `gorm:"column:features"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName 指定表名
func (BeatRecord) TableName() string {
	return "beats"
}

// BeatRepository defines the interface for beat catalog reads.
type BeatRepository interface {
	FetchAll(ctx context.Context) ([]*model.Beat, error)
	CountBeats(ctx context.Context) (int64, error)
}

// gormBeatRepository implements BeatRepository on top of the shared GORM handle.
type gormBeatRepository struct {
	db *gorm.DB
}

// NewGormBeatRepository creates a new instance of gormBeatRepository.
func NewGormBeatRepository() BeatRepository {
	return &gormBeatRepository{db: db.GormDB}
}

// FetchAll loads the whole beat catalog in insertion order. The caller turns
// the result into an immutable snapshot; records are not reused afterwards.
func (r *gormBeatRepository) FetchAll(ctx context.Context) ([]*model.Beat, error) {
	var records []BeatRecord
	if err := r.db.WithContext(ctx).Order("created_at ASC, beat_id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch beat catalog: %w", err)
	}

	beats := make([]*model.Beat, 0, len(records))
	for i := range records {
		beat, err := records[i].toBeat()
		if err != nil {
			logger.Warn("skipping malformed beat record",
				logger.String("beatId", records[i].BeatID),
				logger.ErrorField(err))
			continue
		}
		beats = append(beats, beat)
	}
	return beats, nil
}

// CountBeats returns the catalog size, used by health checks.
func (r *gormBeatRepository) CountBeats(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&BeatRecord{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count beats: %w", err)
	}
	return count, nil
}

// toBeat converts a raw record into the domain model.
func (rec *BeatRecord) toBeat() (*model.Beat, error) {
	if strings.TrimSpace(rec.BeatID) == "" {
		return nil, fmt.Errorf("empty beat_id")
	}

	beat := &model.Beat{
		ID:      strings.TrimSpace(rec.BeatID),
		Title:   rec.File,
		Genres:  SplitIDList(rec.GenreIDs),
		Tags:    SplitIDList(rec.TagIDs),
		Moods:   SplitIDList(rec.MoodIDs),
		URL:     rec.URL,
		Price:   rec.Price,
		Picture: rec.Picture,
	}

	if raw := strings.TrimSpace(rec.Timestamps); raw != "" {
		var markers []model.TimeMarker
		if err := json.Unmarshal([]byte(raw), &markers); err != nil {
			// 时间标记解析失败不影响推荐，只丢弃该字段
			logger.Debug("unparseable timestamps field", logger.String("beatId", beat.ID))
		} else {
			beat.Timestamps = markers
		}
	}

	if raw := strings.TrimSpace(rec.Features); raw != "" {
		var features []float64
		if err := json.Unmarshal([]byte(raw), &features); err == nil {
			beat.Features = features
		}
	}

	return beat, nil
}

// SplitIDList parses the id-list encodings found in the dataset. The loader
// has historically written '||', '|' and ',' separated values, so all three
// are accepted.
func SplitIDList(raw string) []string {
	clean := strings.Trim(strings.TrimSpace(raw), "[]'\" ")
	if clean == "" {
		return nil
	}

	var sep string
	switch {
	case strings.Contains(clean, "||"):
		sep = "||"
	case strings.Contains(clean, "|"):
		sep = "|"
	case strings.Contains(clean, ","):
		sep = ","
	default:
		return []string{clean}
	}

	parts := strings.Split(clean, sep)
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	return ids
}
