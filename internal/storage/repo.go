package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert or update collides with the
	// credential fingerprint's uniqueness constraint.
	ErrDuplicate = errors.New("duplicate credential")
)

const botColumns = "id, user_id, enc_token, token_hash, username, display_name, label, active, settings_json, created_at, updated_at"

func (s *Store) CreateBot(ctx context.Context, b Bot) (Bot, error) {
	if strings.TrimSpace(b.SettingsJSON) == "" {
		b.SettingsJSON = "{}"
	}
	q := s.sql.Insert("bots").
		Columns("user_id", "enc_token", "token_hash", "username", "display_name", "label", "active", "settings_json").
		Values(b.UserID, b.EncToken, b.TokenHash, b.Username, b.DisplayName, b.Label, b.Active, b.SettingsJSON)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Bot{}, fmt.Errorf("build create bot query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		if isUniqueViolation(err) {
			return Bot{}, ErrDuplicate
		}
		return Bot{}, fmt.Errorf("create bot: %w", err)
	}
	return s.GetBotByTokenHash(ctx, b.TokenHash)
}

func (s *Store) GetBot(ctx context.Context, id int64) (Bot, error) {
	return s.getBot(ctx, sq.Eq{"id": id})
}

func (s *Store) GetBotByTokenHash(ctx context.Context, tokenHash string) (Bot, error) {
	return s.getBot(ctx, sq.Eq{"token_hash": tokenHash})
}

func (s *Store) getBot(ctx context.Context, where sq.Sqlizer) (Bot, error) {
	q := s.sql.Select(botColumns).From("bots").Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Bot{}, fmt.Errorf("build get bot query: %w", err)
	}

	var b Bot
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&b.ID,
		&b.UserID,
		&b.EncToken,
		&b.TokenHash,
		&b.Username,
		&b.DisplayName,
		&b.Label,
		&b.Active,
		&b.SettingsJSON,
		&b.CreatedAt,
		&b.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Bot{}, ErrNotFound
		}
		return Bot{}, fmt.Errorf("get bot: %w", err)
	}
	return b, nil
}

// ListBotsByUser returns the caller-facing view: credential columns are not
// selected at all.
func (s *Store) ListBotsByUser(ctx context.Context, userID int64) ([]Bot, error) {
	q := s.sql.Select("id", "user_id", "username", "display_name", "label", "active", "settings_json", "created_at", "updated_at").
		From("bots").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list bots query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	out := make([]Bot, 0)
	for rows.Next() {
		var b Bot
		if err := rows.Scan(
			&b.ID,
			&b.UserID,
			&b.Username,
			&b.DisplayName,
			&b.Label,
			&b.Active,
			&b.SettingsJSON,
			&b.CreatedAt,
			&b.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan bot row: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bot rows: %w", err)
	}
	return out, nil
}

// ListBots returns every bot including encrypted credentials. Credential
// rotation is the only caller.
func (s *Store) ListBots(ctx context.Context) ([]Bot, error) {
	q := s.sql.Select(botColumns).From("bots").OrderBy("id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list all bots query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list all bots: %w", err)
	}
	defer rows.Close()

	out := make([]Bot, 0)
	for rows.Next() {
		var b Bot
		if err := rows.Scan(
			&b.ID,
			&b.UserID,
			&b.EncToken,
			&b.TokenHash,
			&b.Username,
			&b.DisplayName,
			&b.Label,
			&b.Active,
			&b.SettingsJSON,
			&b.CreatedAt,
			&b.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan bot row: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bot rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateBotCredential(ctx context.Context, id int64, encToken, tokenHash, username, displayName string) error {
	q := s.sql.Update("bots").
		Set("enc_token", encToken).
		Set("token_hash", tokenHash).
		Set("username", username).
		Set("display_name", displayName).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update credential query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("update bot credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateBotEncToken rewrites only the envelope; the fingerprint is unchanged
// because the underlying credential is the same.
func (s *Store) UpdateBotEncToken(ctx context.Context, id int64, encToken string) error {
	q := s.sql.Update("bots").
		Set("enc_token", encToken).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update enc token query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update bot enc token: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpdateBotProfile(ctx context.Context, id int64, label, settingsJSON *string) error {
	if label == nil && settingsJSON == nil {
		return nil
	}
	q := s.sql.Update("bots").
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": id})
	if label != nil {
		q = q.Set("label", *label)
	}
	if settingsJSON != nil {
		q = q.Set("settings_json", *settingsJSON)
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update profile query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update bot profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetBotActive(ctx context.Context, id int64, active bool) error {
	q := s.sql.Update("bots").
		Set("active", active).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set active query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("set bot active: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteBot removes the bot and everything it owns in one transaction.
func (s *Store) DeleteBot(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete bot tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	delInteractions := s.sql.Delete("interactions").
		Where(sq.Expr("conversation_id IN (SELECT id FROM conversations WHERE bot_id = ?)", id))
	sqlStr, args, err := delInteractions.ToSql()
	if err != nil {
		return fmt.Errorf("build delete interactions query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete interactions: %w", err)
	}

	delConversations := s.sql.Delete("conversations").Where(sq.Eq{"bot_id": id})
	sqlStr, args, err = delConversations.ToSql()
	if err != nil {
		return fmt.Errorf("build delete conversations query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete conversations: %w", err)
	}

	delBot := s.sql.Delete("bots").Where(sq.Eq{"id": id})
	sqlStr, args, err = delBot.ToSql()
	if err != nil {
		return fmt.Errorf("build delete bot query: %w", err)
	}
	res, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete bot: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete bot tx: %w", err)
	}
	return nil
}

// UpsertConversation inserts or refreshes the row for (bot, end-user).
// Profile fields only overwrite when the incoming value is non-empty, so a
// minimal on-the-fly row never wipes a full profile recorded earlier.
func (s *Store) UpsertConversation(ctx context.Context, c Conversation) (Conversation, error) {
	q := s.sql.Insert("conversations").
		Columns("bot_id", "external_user_id", "chat_id", "first_name", "last_name", "username", "language_code", "active", "last_interaction_at").
		Values(c.BotID, c.ExternalUserID, c.ChatID, c.FirstName, c.LastName, c.Username, c.LanguageCode, c.Active, c.LastInteractionAt).
		Suffix(`ON CONFLICT(bot_id, external_user_id) DO UPDATE SET
 chat_id=excluded.chat_id,
 active=excluded.active,
 last_interaction_at=excluded.last_interaction_at,
 first_name=CASE WHEN excluded.first_name <> '' THEN excluded.first_name ELSE conversations.first_name END,
 last_name=CASE WHEN excluded.last_name <> '' THEN excluded.last_name ELSE conversations.last_name END,
 username=CASE WHEN excluded.username <> '' THEN excluded.username ELSE conversations.username END,
 language_code=CASE WHEN excluded.language_code <> '' THEN excluded.language_code ELSE conversations.language_code END`)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build upsert conversation query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Conversation{}, fmt.Errorf("upsert conversation: %w", err)
	}
	return s.GetConversation(ctx, c.BotID, c.ExternalUserID)
}

func (s *Store) GetConversation(ctx context.Context, botID, externalUserID int64) (Conversation, error) {
	q := s.sql.Select("id", "bot_id", "external_user_id", "chat_id", "first_name", "last_name", "username", "language_code", "active", "last_interaction_at", "created_at").
		From("conversations").
		Where(sq.Eq{"bot_id": botID, "external_user_id": externalUserID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build get conversation query: %w", err)
	}

	var c Conversation
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&c.ID,
		&c.BotID,
		&c.ExternalUserID,
		&c.ChatID,
		&c.FirstName,
		&c.LastName,
		&c.Username,
		&c.LanguageCode,
		&c.Active,
		&c.LastInteractionAt,
		&c.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *Store) ListConversations(ctx context.Context, botID int64) ([]Conversation, error) {
	q := s.sql.Select("id", "bot_id", "external_user_id", "chat_id", "first_name", "last_name", "username", "language_code", "active", "last_interaction_at", "created_at").
		From("conversations").
		Where(sq.Eq{"bot_id": botID}).
		OrderBy("last_interaction_at DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list conversations query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]Conversation, 0)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(
			&c.ID,
			&c.BotID,
			&c.ExternalUserID,
			&c.ChatID,
			&c.FirstName,
			&c.LastName,
			&c.Username,
			&c.LanguageCode,
			&c.Active,
			&c.LastInteractionAt,
			&c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

func (s *Store) AppendInteraction(ctx context.Context, i Interaction) error {
	if strings.TrimSpace(i.MetaJSON) == "" {
		i.MetaJSON = "{}"
	}
	q := s.sql.Insert("interactions").
		Columns("conversation_id", "type", "content", "meta_json").
		Values(i.ConversationID, i.Type, i.Content, i.MetaJSON)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build append interaction query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("append interaction: %w", err)
	}
	return nil
}

func (s *Store) ListInteractions(ctx context.Context, conversationID int64) ([]Interaction, error) {
	q := s.sql.Select("id", "conversation_id", "type", "content", "meta_json", "created_at").
		From("interactions").
		Where(sq.Eq{"conversation_id": conversationID}).
		OrderBy("id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list interactions query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	defer rows.Close()

	out := make([]Interaction, 0)
	for rows.Next() {
		var i Interaction
		if err := rows.Scan(&i.ID, &i.ConversationID, &i.Type, &i.Content, &i.MetaJSON, &i.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan interaction row: %w", err)
		}
		out = append(out, i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interaction rows: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nowExpr(driver string) any {
	if driver == "postgres" {
		return sq.Expr("NOW()")
	}
	return sq.Expr("CURRENT_TIMESTAMP")
}
