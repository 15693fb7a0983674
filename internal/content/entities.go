package content

import "time"

// NodeRecord is the persisted form of a content tree node.
type NodeRecord struct {
	ID          string    `gorm:"primaryKey;type:char(36)"`
	Path        string    `gorm:"type:varchar(768);not null;uniqueIndex"`
	ParentID    *string   `gorm:"type:char(36);index"`
	Name        string    `gorm:"type:varchar(255);not null"`
	Type        string    `gorm:"type:varchar(64);not null;index"`
	CheckedOut  bool      `gorm:"not null;default:false"`
	BaseVersion int       `gorm:"not null;default:0"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for GORM.
func (NodeRecord) TableName() string {
	return "nodes"
}

// PropertyRecord stores one named property of a node. ValueList holds the
// JSON-encoded value array; multi-valued properties are replaced whole.
type PropertyRecord struct {
	NodeID    string `gorm:"primaryKey;type:char(36)"`
	Name      string `gorm:"primaryKey;type:varchar(255)"`
	Kind      string `gorm:"type:varchar(16);not null"`
	ValueList string `gorm:"type:text;not null"`
}

// TableName returns the table name for GORM.
func (PropertyRecord) TableName() string {
	return "properties"
}

// ReferenceRecord indexes reference properties so referrers of a node can be
// enumerated without scanning property values.
type ReferenceRecord struct {
	SourceID string `gorm:"primaryKey;type:char(36)"`
	Property string `gorm:"primaryKey;type:varchar(255)"`
	TargetID string `gorm:"type:char(36);not null;index:idx_reference_target"`
}

// TableName returns the table name for GORM.
func (ReferenceRecord) TableName() string {
	return "node_references"
}

// VersionRecord is an immutable snapshot taken when a node is checked in.
type VersionRecord struct {
	ID        uint      `gorm:"primaryKey"`
	NodeID    string    `gorm:"type:char(36);not null;uniqueIndex:idx_node_version"`
	Version   int       `gorm:"not null;uniqueIndex:idx_node_version"`
	Snapshot  string    `gorm:"type:text;not null"`
	CreatedBy string    `gorm:"type:varchar(255);not null"`
	CreatedAt time.Time `gorm:"autoCreateTime;index"`
}

// TableName returns the table name for GORM.
func (VersionRecord) TableName() string {
	return "node_versions"
}

// allEntities lists every model migrated by NewRepository.
func allEntities() []any {
	return []any{
		&NodeRecord{},
		&PropertyRecord{},
		&ReferenceRecord{},
		&VersionRecord{},
	}
}
