package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zapfleet/zapfleet/internal/matcher"
)

// ErrSessionNotFound is returned when a bot session row does not exist.
var ErrSessionNotFound = errors.New("bot session not found")

// Store queries and updates the tenant tables on the shared Postgres.
type Store struct {
	db *gorm.DB
}

// New creates the store and ensures the engine-owned state table exists.
// The dashboard-owned tables are migrated too so a fresh database works
// end to end in development.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&BotSession{}, &BotCommand{}, &BotState{}); err != nil {
		return nil, fmt.Errorf("failed to migrate tenant tables: %w", err)
	}
	return &Store{db: db}, nil
}

// Sessions returns every bot session row, enabled or not. The fleet poller
// needs the full list to notice rows that were disabled or deleted.
func (s *Store) Sessions(ctx context.Context) ([]BotSession, error) {
	var rows []BotSession
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list bot sessions: %w", err)
	}
	return rows, nil
}

// Session returns one bot session row.
func (s *Store) Session(ctx context.Context, id string) (BotSession, error) {
	var row BotSession
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return BotSession{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return BotSession{}, err
	}
	return row, nil
}

// Commands returns a session's command tree in matcher form: top-level
// commands with their sub-commands attached, configured order preserved.
func (s *Store) Commands(ctx context.Context, sessionID string) ([]matcher.Command, error) {
	var rows []BotCommand
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list commands for %s: %w", sessionID, err)
	}
	return buildTree(rows), nil
}

// buildTree attaches child rows under their parents. Orphans whose parent
// row is gone surface as top-level commands rather than vanishing.
func buildTree(rows []BotCommand) []matcher.Command {
	byID := make(map[string]bool, len(rows))
	for _, r := range rows {
		byID[r.ID] = true
	}

	children := make(map[string][]matcher.Command)
	var roots []matcher.Command
	for _, r := range rows {
		cmd := matcher.Command{
			ID:       r.ID,
			Name:     r.Name,
			Inputs:   r.Inputs,
			Output:   r.Output,
			EnableAI: r.EnableAI,
			PromptAI: r.PromptAI,
			Priority: r.Priority,
		}
		if r.ParentID != nil && byID[*r.ParentID] {
			children[*r.ParentID] = append(children[*r.ParentID], cmd)
			continue
		}
		roots = append(roots, cmd)
	}

	for i := range roots {
		roots[i].Children = children[roots[i].ID]
	}
	return roots
}

// States returns the engine-owned status rows keyed by session id.
func (s *Store) States(ctx context.Context) (map[string]string, error) {
	var rows []BotState
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list bot states: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.SessionID] = r.Status
	}
	return out, nil
}

// SetStatus upserts a session's live status row.
func (s *Store) SetStatus(ctx context.Context, sessionID, status string) error {
	row := BotState{SessionID: sessionID, Status: status}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
	}).Create(&row).Error
}

// SetQR stores the current pairing payload on the session row for the
// dashboard to render. An empty payload clears it.
func (s *Store) SetQR(ctx context.Context, sessionID, payload string) error {
	return s.db.WithContext(ctx).
		Model(&BotSession{}).
		Where("id = ?", sessionID).
		Update("whatsapp_qr", payload).Error
}
