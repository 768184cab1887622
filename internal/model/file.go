package model

import (
	"path"
	"time"
)

// File is the stored metadata for one attachment. UniqueID is the
// content-addressed Telegram file_unique_id and never changes; AliasID is the
// platform file_id, which may rotate across re-sends of the same content.
type File struct {
	UniqueID          string `gorm:"primaryKey;column:unique_id" json:"unique_id"`
	AliasID           string `gorm:"uniqueIndex;column:alias_id" json:"alias_id"`
	ThumbnailID       string `gorm:"column:thumbnail_id" json:"thumbnail_id"`
	ThumbnailUniqueID string `gorm:"column:thumbnail_unique_id" json:"thumbnail_unique_id"`
	MessageID         int    `gorm:"column:owning_message_id" json:"owning_message_id"`
	UserID            int64  `gorm:"column:owning_user_id" json:"owning_user_id"`
	Name              string `gorm:"column:name" json:"name"`
	SizeBytes         int64  `gorm:"column:size_bytes" json:"size_bytes"`
	MimeType          string `gorm:"column:mime_type" json:"mime_type"`

	// ResolvedPath is a cached download-path fragment from Telegram. It may be
	// empty, stale or correct; staleness is only detected when a fetch against
	// it fails.
	ResolvedPath string `gorm:"column:resolved_path" json:"resolved_path"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (File) TableName() string {
	return "files"
}

// Ext returns the dotted extension of the resolved path ("" when the path has
// none).
func (f File) Ext() string {
	return path.Ext(f.ResolvedPath)
}
