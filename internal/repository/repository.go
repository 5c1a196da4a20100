package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cxcodigodaconversao/crm-bot-api/internal/domain"
	"github.com/cxcodigodaconversao/crm-bot-api/pkg/cache"
)

const recentMessagesTTL = 30 * time.Second

type Repositories struct {
	db      *pgxpool.Pool
	Session *SessionRepository
	Message *MessageRepository
}

func NewRepositories(db *pgxpool.Pool) *Repositories {
	return &Repositories{
		db:      db,
		Session: &SessionRepository{db: db},
		Message: &MessageRepository{db: db},
	}
}

// SetCache enables read-through caching for message queries.
func (r *Repositories) SetCache(c *cache.Cache) {
	r.Message.cache = c
}

// DB returns the underlying database pool.
func (r *Repositories) DB() *pgxpool.Pool {
	return r.db
}

// SessionRepository mirrors registry state into whatsapp_sessions.
type SessionRepository struct {
	db *pgxpool.Pool
}

func (r *SessionRepository) UpsertStatus(ctx context.Context, userID, status string, upd domain.StatusUpdate) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO whatsapp_sessions (user_id, status, method, qr_code, pairing_code, phone_number, jid, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			status = EXCLUDED.status,
			method = COALESCE(EXCLUDED.method, whatsapp_sessions.method),
			qr_code = EXCLUDED.qr_code,
			pairing_code = EXCLUDED.pairing_code,
			phone_number = COALESCE(EXCLUDED.phone_number, whatsapp_sessions.phone_number),
			jid = COALESCE(EXCLUDED.jid, whatsapp_sessions.jid),
			last_error = EXCLUDED.last_error,
			updated_at = NOW()
	`, userID, status, upd.Method, upd.QRCode, upd.PairingCode, upd.PhoneNumber, upd.JID, upd.LastError)
	if err != nil {
		return fmt.Errorf("failed to upsert session status: %w", err)
	}
	return nil
}

func (r *SessionRepository) GetByUserID(ctx context.Context, userID string) (*domain.SessionRow, error) {
	row := &domain.SessionRow{}
	err := r.db.QueryRow(ctx, `
		SELECT user_id, status, method, qr_code, pairing_code, phone_number, jid, last_error, created_at, updated_at
		FROM whatsapp_sessions WHERE user_id = $1
	`, userID).Scan(
		&row.UserID, &row.Status, &row.Method, &row.QRCode, &row.PairingCode,
		&row.PhoneNumber, &row.JID, &row.LastError, &row.CreatedAt, &row.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return row, err
}

func (r *SessionRepository) GetStoredJID(ctx context.Context, userID string) (string, error) {
	var jid *string
	err := r.db.QueryRow(ctx, `
		SELECT jid FROM whatsapp_sessions WHERE user_id = $1
	`, userID).Scan(&jid)
	if err == pgx.ErrNoRows || (err == nil && jid == nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return *jid, nil
}

// MessageRepository stores inbound messages for CRM consumption.
type MessageRepository struct {
	db    *pgxpool.Pool
	cache *cache.Cache
}

func (r *MessageRepository) Insert(ctx context.Context, msg *domain.Message) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO messages (user_id, from_jid, message_text, message_type, direction)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, msg.UserID, msg.FromJID, msg.MessageText, msg.MessageType, msg.Direction).Scan(
		&msg.ID, &msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	if r.cache != nil {
		_ = r.cache.Del(ctx, recentMessagesKey(msg.UserID))
	}
	return nil
}

func (r *MessageRepository) GetRecent(ctx context.Context, userID string, limit int) ([]*domain.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	key := recentMessagesKey(userID)
	if r.cache != nil {
		var cached []*domain.Message
		if hit, err := r.cache.GetJSON(ctx, key, &cached); err == nil && hit && len(cached) >= limit {
			return cached[:limit], nil
		}
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, from_jid, message_text, message_type, direction, created_at
		FROM messages WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		msg := &domain.Message{}
		if err := rows.Scan(
			&msg.ID, &msg.UserID, &msg.FromJID, &msg.MessageText,
			&msg.MessageType, &msg.Direction, &msg.CreatedAt,
		); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if r.cache != nil {
		_ = r.cache.SetJSON(ctx, key, messages, recentMessagesTTL)
	}
	return messages, nil
}

func recentMessagesKey(userID string) string {
	return "messages:recent:" + userID
}
