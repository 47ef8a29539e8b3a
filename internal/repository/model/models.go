package model

import "time"

type Presence struct {
	UserID    string    `gorm:"size:64;primaryKey"`
	Name      string    `gorm:"size:255"`
	Status    string    `gorm:"size:16;not null;index"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Presence) TableName() string {
	return "user_presence"
}
