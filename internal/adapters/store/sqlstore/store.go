// Package sqlstore persists sessions, envelopes and chat messages with gorm.
package sqlstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

type Store struct {
	db *gorm.DB
}

var (
	_ core.SessionStore  = (*Store)(nil)
	_ core.EnvelopeStore = (*Store)(nil)
	_ core.MessageStore  = (*Store)(nil)
)

// Open connects to a sqlite database at dsn and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	// sqlite allows one writer; a single connection also keeps ":memory:" shared.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&sessionRow{}, &envelopeRow{}, &messageRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	// Message ids are unique per session; older databases indexed them globally.
	if m := db.Migrator(); m.HasIndex(&messageRow{}, "idx_chat_messages_id") {
		if err := m.DropIndex(&messageRow{}, "idx_chat_messages_id"); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) CreateIfAbsent(ctx context.Context, sess domain.Session) (domain.Session, bool, error) {
	var (
		out     domain.Session
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing sessionRow
		err := tx.Where("live_key = ?", string(sess.AppointmentID)).Take(&existing).Error
		switch {
		case err == nil:
			out = existing.toDomain()
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		row := sessionFromDomain(sess)
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		out, created = sess, true
		return nil
	})
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("create session: %w", err)
	}
	return out, created, nil
}

func (s *Store) GetSession(ctx context.Context, id domain.SessionID) (domain.Session, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where("id = ?", string(id)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Session{}, fmt.Errorf("%w: session %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) UpdateSession(ctx context.Context, id domain.SessionID, fn func(*domain.Session) error) (domain.Session, error) {
	var out domain.Session
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row sessionRow
		err := tx.Where("id = ?", string(id)).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: session %s", domain.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		sess := row.toDomain()
		if err := fn(&sess); err != nil {
			return err
		}
		next := sessionFromDomain(sess)
		if err := tx.Save(&next).Error; err != nil {
			return err
		}
		out = sess
		return nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	return out, nil
}

func (s *Store) AppendEnvelope(ctx context.Context, env domain.Envelope) error {
	row := envelopeFromDomain(env)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append envelope: %w", err)
	}
	return nil
}

func (s *Store) Envelopes(ctx context.Context, sid domain.SessionID, f core.HistoryFilter) ([]domain.Envelope, error) {
	q := s.db.WithContext(ctx).Where("session_id = ?", string(sid))
	if f.AfterID != "" {
		var after envelopeRow
		if err := s.db.WithContext(ctx).Where("id = ?", string(f.AfterID)).Take(&after).Error; err == nil {
			q = q.Where("seq > ?", after.Seq)
		}
	}
	if f.SenderID != "" {
		q = q.Where("sender_id = ?", string(f.SenderID))
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since.UTC())
	}
	if len(f.Kinds) > 0 {
		kinds := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = string(k)
		}
		q = q.Where("kind IN ?", kinds)
	}
	var rows []envelopeRow
	if err := q.Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query envelopes: %w", err)
	}
	out := make([]domain.Envelope, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (s *Store) AppendMessage(ctx context.Context, m domain.ChatMessage) (bool, error) {
	row := messageFromDomain(m)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("append message: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) Messages(ctx context.Context, sid domain.SessionID) ([]domain.ChatMessage, error) {
	var rows []messageRow
	err := s.db.WithContext(ctx).Where("session_id = ?", string(sid)).
		Order("created_at ASC").Order("seq ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	out := make([]domain.ChatMessage, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}
