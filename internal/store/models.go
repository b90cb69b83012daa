// Package store reads and updates the tenant tables shared with the
// dashboard: which bots exist, the commands they answer, and the live
// status the dashboard polls.
package store

import "time"

// BotSession is a tenant's bot configuration. The dashboard owns the row;
// the engine reads it and pushes back QR payloads.
type BotSession struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"size:255"`
	Enabled   bool   `gorm:"not null;default:false"`
	// WhatsappQR carries the current pairing payload while the session is
	// CONNECTING, empty otherwise. The dashboard renders it as a QR image.
	WhatsappQR string `gorm:"size:4096"`
	AIEnabled  bool   `gorm:"not null;default:false"`
	AIPrompt   string `gorm:"type:text"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (BotSession) TableName() string { return "bot_sessions" }

// BotCommand is one configured trigger. Commands with a ParentID are
// sub-commands matched under their parent.
type BotCommand struct {
	ID        string   `gorm:"primaryKey;size:64"`
	SessionID string   `gorm:"index;size:64;not null"`
	Name      string   `gorm:"size:255"`
	Inputs    []string `gorm:"serializer:json;type:text"`
	Output    string   `gorm:"type:text"`
	EnableAI  bool     `gorm:"not null;default:false"`
	PromptAI  string   `gorm:"type:text"`
	Priority  int      `gorm:"not null;default:0"`
	ParentID  *string  `gorm:"index;size:64"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (BotCommand) TableName() string { return "bot_commands" }

// Session phase values as persisted for the dashboard.
const (
	StatusOffline    = "OFFLINE"
	StatusConnecting = "CONNECTING"
	StatusOnline     = "ONLINE"
)

// BotState is the engine-owned live status row per session.
type BotState struct {
	SessionID string `gorm:"primaryKey;size:64"`
	Status    string `gorm:"size:16;not null;default:OFFLINE"`
	UpdatedAt time.Time
}

func (BotState) TableName() string { return "bot_states" }
