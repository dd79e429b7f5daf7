package media

import "time"

// ChatMedia records one downloaded attachment. ExpiresAt drives the
// retention cleaner.
type ChatMedia struct {
	ID           string `gorm:"type:varchar(36);primaryKey"`
	MessageID    string `gorm:"type:varchar(36);uniqueIndex"`
	WaMediaID    string `gorm:"type:varchar(128);index"`
	MIMEType     string `gorm:"type:varchar(128)"`
	StoragePath  string `gorm:"type:varchar(512)"`
	SizeBytes    int64
	Checksum     string `gorm:"type:varchar(64)"`
	Caption      string `gorm:"type:text"`
	DownloadedAt time.Time
	ExpiresAt    time.Time `gorm:"index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
