// Package store is the relational collaborator for configuration, model
// records and chat sessions. It exposes record CRUD only; orchestration
// logic lives in the pipelines.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"inferd/internal/common/fsutil"
	"inferd/pkg/types"
)

// ErrNotDownloaded guards the is_current invariant: a record may only be
// made current once its file is downloaded.
var ErrNotDownloaded = errors.New("model is not downloaded")

// ErrInvalidRole rejects message roles other than user and assistant.
var ErrInvalidRole = errors.New("invalid message role")

// sessionNameLimit caps session names derived from the first user message.
const sessionNameLimit = 12

type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the sqlite database at path and migrates
// the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(gormsqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&ModelRecord{}, &Parameter{}, &Session{}, &Message{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMemory opens an in-memory database, used by tests.
func OpenMemory() (*Store, error) { return Open(":memory:") }

// ---- model records ----

func (s *Store) GetModelByName(ctx context.Context, name string, mode types.Mode) (*ModelRecord, error) {
	var rec ModelRecord
	if err := s.db.WithContext(ctx).
		Where("name = ? AND mode = ?", name, mode).
		First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) GetCurrentModel(ctx context.Context, mode types.Mode) (*ModelRecord, error) {
	var rec ModelRecord
	if err := s.db.WithContext(ctx).
		Where("mode = ? AND is_current = ?", mode, true).
		First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) ListModels(ctx context.Context, mode types.Mode) ([]ModelRecord, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if mode != "" {
		q = q.Where("mode = ?", mode)
	}
	var recs []ModelRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// UpsertModel creates the (name, mode) record or refreshes its path,
// download URL and downloaded flag. IsDownloaded is recomputed from disk.
func (s *Store) UpsertModel(ctx context.Context, name string, mode types.Mode, path, downloadURL string) (*ModelRecord, error) {
	rec, err := s.GetModelByName(ctx, name, mode)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		rec = &ModelRecord{
			Name:         name,
			Mode:         mode,
			Path:         path,
			DownloadURL:  downloadURL,
			IsDownloaded: fsutil.PathExists(path),
		}
		if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
			return nil, err
		}
		return rec, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Path = path
	if downloadURL != "" {
		rec.DownloadURL = downloadURL
	}
	rec.IsDownloaded = fsutil.PathExists(path)
	if err := s.db.WithContext(ctx).Save(rec).Error; err != nil {
		return nil, err
	}
	return rec, nil
}

// SetCurrentModel marks one record current for its mode, clearing any
// previous current record in the same write. It refuses records whose file
// is not downloaded, preserving the at-most-one-current invariant.
func (s *Store) SetCurrentModel(ctx context.Context, id uint, mode types.Mode) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec ModelRecord
		if err := tx.First(&rec, id).Error; err != nil {
			return err
		}
		if rec.Mode != mode {
			return fmt.Errorf("model %d has mode %s, want %s", id, rec.Mode, mode)
		}
		if !rec.IsDownloaded {
			return fmt.Errorf("%w: %s", ErrNotDownloaded, rec.Name)
		}
		if err := tx.Model(&ModelRecord{}).
			Where("mode = ?", mode).
			Update("is_current", false).Error; err != nil {
			return err
		}
		return tx.Model(&ModelRecord{}).
			Where("id = ?", id).
			Update("is_current", true).Error
	})
}

// SetDownloaded updates the downloaded flag of one record.
func (s *Store) SetDownloaded(ctx context.Context, id uint, downloaded bool) error {
	return s.db.WithContext(ctx).Model(&ModelRecord{}).
		Where("id = ?", id).
		Update("is_downloaded", downloaded).Error
}

// ---- parameters ----

// SetParameter stores one flat string-keyed value with its type tag
// (int, float, bool or text).
func (s *Store) SetParameter(ctx context.Context, name, value, typ string) error {
	p := Parameter{Name: name, Value: value, Type: typ}
	return s.db.WithContext(ctx).
		Where("name = ?", name).
		Assign(map[string]any{"value": value, "type": typ}).
		FirstOrCreate(&p).Error
}

func (s *Store) getParameter(ctx context.Context, name string) (*Parameter, error) {
	var p Parameter
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetParamString(ctx context.Context, name, def string) string {
	p, err := s.getParameter(ctx, name)
	if err != nil {
		return def
	}
	return p.Value
}

func (s *Store) GetParamInt(ctx context.Context, name string, def int) int {
	p, err := s.getParameter(ctx, name)
	if err != nil {
		return def
	}
	n, err := strconv.Atoi(p.Value)
	if err != nil {
		return def
	}
	return n
}

func (s *Store) GetParamFloat(ctx context.Context, name string, def float64) float64 {
	p, err := s.getParameter(ctx, name)
	if err != nil {
		return def
	}
	f, err := strconv.ParseFloat(p.Value, 64)
	if err != nil {
		return def
	}
	return f
}

func (s *Store) GetParamBool(ctx context.Context, name string, def bool) bool {
	p, err := s.getParameter(ctx, name)
	if err != nil {
		return def
	}
	b, err := strconv.ParseBool(p.Value)
	if err != nil {
		return def
	}
	return b
}

// ---- sessions ----

// CreateSession creates a session named after the first user message,
// truncated for display.
func (s *Store) CreateSession(ctx context.Context, firstUserMessage string) (*Session, error) {
	name := []rune(firstUserMessage)
	display := firstUserMessage
	if len(name) > sessionNameLimit {
		display = string(name[:sessionNameLimit]) + "..."
	}
	sess := &Session{Name: display}
	if err := s.db.WithContext(ctx).Create(sess).Error; err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, id uint) (*Session, error) {
	var sess Session
	if err := s.db.WithContext(ctx).First(&sess, id).Error; err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListSessions returns sessions newest-updated first.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Session
	if err := s.db.WithContext(ctx).
		Order("updated_at DESC").
		Limit(limit).Offset(offset).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) RenameSession(ctx context.Context, id uint, name string) error {
	res := s.db.WithContext(ctx).Model(&Session{}).
		Where("id = ?", id).
		Update("name", name)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DeleteSession removes a session and all of its messages.
func (s *Store) DeleteSession(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&Message{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Session{}, id).Error
	})
}

// ---- messages ----

// AddMessage appends one turn and refreshes the session's running stats.
// Only user and assistant roles are accepted.
func (s *Store) AddMessage(ctx context.Context, sessionID uint, role, content string, tokenEst int) (*Message, error) {
	if role != "user" && role != "assistant" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	msg := &Message{SessionID: sessionID, Role: role, Content: content, TokenEst: tokenEst}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&Session{}, sessionID).Error; err != nil {
			return err
		}
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return tx.Model(&Session{}).
			Where("id = ?", sessionID).
			Updates(map[string]any{
				"message_count":   gorm.Expr("(SELECT COUNT(*) FROM messages WHERE session_id = ?)", sessionID),
				"total_token_est": gorm.Expr("(SELECT COALESCE(SUM(token_est), 0) FROM messages WHERE session_id = ?)", sessionID),
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Messages returns a session's turns in chronological order.
func (s *Store) Messages(ctx context.Context, sessionID uint) ([]Message, error) {
	var out []Message
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// MessagesNewestFirst returns a session's turns newest first, for the
// history windower.
func (s *Store) MessagesNewestFirst(ctx context.Context, sessionID uint) ([]Message, error) {
	var out []Message
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC, id DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
