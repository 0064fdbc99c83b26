package audit

// Category groups audit entries by the kind of event they describe.
type Category string

const (
	CategoryConnection Category = "connection"
	CategoryLogin      Category = "login"
	CategoryAuth       Category = "auth"
	CategoryMembership Category = "membership"
	CategoryJoin       Category = "join"
	CategoryLeave      Category = "leave"
	CategoryError      Category = "error"
)

// Entry is a single append-only audit record.
type Entry struct {
	EntryID          int64  `gorm:"column:entry_id;primaryKey;autoIncrement" json:"id"`
	Category         string `gorm:"column:category;size:32;not null;index" json:"category"`
	Message          string `gorm:"column:message;type:text;not null" json:"message"`
	RecordedAtMillis int64  `gorm:"column:recorded_at_ms;not null" json:"timestamp"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "audit_entries"
}
