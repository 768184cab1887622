package repository

import (
	"errors"
	"strings"

	"filerelay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned by Lookup when no row matches the key.
var ErrNotFound = errors.New("file not found")

type FileRepository interface {
	// Init creates the files table if it does not exist yet. Idempotent.
	Init() error
	// Upsert inserts or updates the batch keyed by unique_id. A stored
	// resolved_path is only overwritten when the incoming record carries a
	// non-empty one.
	Upsert(files []model.File) error
	// Lookup matches key against alias_id or unique_id.
	Lookup(key string) (*model.File, error)
	// SaveResolvedPath updates a single file's resolved_path. Updating an
	// unknown unique_id is a zero-row no-op, not an error.
	SaveResolvedPath(uniqueID, path string) error
}

type fileRepository struct {
	db *gorm.DB
}

func NewFileRepository(db *gorm.DB) FileRepository {
	return &fileRepository{db: db}
}

func (r *fileRepository) Init() error {
	return r.db.AutoMigrate(&model.File{})
}

func (r *fileRepository) Upsert(files []model.File) error {
	if len(files) == 0 {
		return nil
	}

	err := r.upsert(files)
	if err == nil {
		return nil
	}

	// Self-heal a missing table once: init the schema and retry the same
	// batch. A second failure of any kind is surfaced unmodified.
	if !isMissingTable(err) {
		return err
	}
	if err := r.Init(); err != nil {
		return err
	}
	return r.upsert(files)
}

func (r *fileRepository) upsert(files []model.File) error {
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "unique_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"alias_id":            gorm.Expr("excluded.alias_id"),
			"thumbnail_id":        gorm.Expr("excluded.thumbnail_id"),
			"thumbnail_unique_id": gorm.Expr("excluded.thumbnail_unique_id"),
			"owning_message_id":   gorm.Expr("excluded.owning_message_id"),
			"owning_user_id":      gorm.Expr("excluded.owning_user_id"),
			"name":                gorm.Expr("excluded.name"),
			"size_bytes":          gorm.Expr("excluded.size_bytes"),
			"mime_type":           gorm.Expr("excluded.mime_type"),
			"resolved_path":       gorm.Expr("CASE WHEN excluded.resolved_path <> '' THEN excluded.resolved_path ELSE files.resolved_path END"),
			"updated_at":          gorm.Expr("CURRENT_TIMESTAMP"),
		}),
	}).Create(&files).Error
}

func (r *fileRepository) Lookup(key string) (*model.File, error) {
	var f model.File
	// alias_id and unique_id live in disjoint namespaces; ordering by
	// unique_id keeps the result deterministic if that ever stops holding.
	err := r.db.
		Where("alias_id = ? OR unique_id = ?", key, key).
		Order("unique_id").
		First(&f).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &f, nil
}

func (r *fileRepository) SaveResolvedPath(uniqueID, path string) error {
	return r.db.Model(&model.File{}).
		Where("unique_id = ?", uniqueID).
		Update("resolved_path", path).Error
}

// isMissingTable reports whether err is an undefined-table failure from
// postgres (SQLSTATE 42P01) or sqlite ("no such table").
func isMissingTable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "42P01") || strings.Contains(msg, "no such table")
}
