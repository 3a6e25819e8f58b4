package models

import "time"

// CheckpointIndexModel is a queryable side-table mirroring checkpoint
// metadata the on-disk Storage already holds authoritatively. The .chk
// file is the source of truth; this row only exists so the `journal`
// CLI command can list/filter without scanning and header-decoding every
// file in the checkpoints directory.
type CheckpointIndexModel struct {
	ID         string `gorm:"primaryKey;size:64"`
	Level      uint8  `gorm:"index"`
	Timestamp  time.Time `gorm:"index"`
	SizeBytes  int64
	Compressed bool
}

// TableName 指定表名
func (CheckpointIndexModel) TableName() string {
	return "checkpoint_index"
}
