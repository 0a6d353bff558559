// Package sqlite provides the SQLite-backed chat store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/louisbranch/dicechat/internal/chat"
	"github.com/louisbranch/dicechat/internal/markup"
	sqlitemigrate "github.com/louisbranch/dicechat/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/dicechat/internal/position"
	"github.com/louisbranch/dicechat/internal/random"
	"github.com/louisbranch/dicechat/internal/services/chat/storage"
	"github.com/louisbranch/dicechat/internal/services/chat/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists chat state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the database at path and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	sqlDB, err := sqlitemigrate.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if _, err := sqlitemigrate.ApplyMigrations(ctx, sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// inTx runs fn and appends event in one transaction.
func (s *Store) inTx(ctx context.Context, event chat.Envelope, fn func(tx *sql.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := appendEvent(ctx, tx, event); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type messageRow struct {
	entities  string
	seed      string
	whisperTo string
	createdAt int64
	editedAt  sql.NullInt64
}

func encodeMessage(msg chat.Message) (messageRow, error) {
	entities := msg.Entities
	if entities == nil {
		entities = []markup.Entity{}
	}
	entitiesJSON, err := json.Marshal(entities)
	if err != nil {
		return messageRow{}, fmt.Errorf("encode entities: %w", err)
	}
	whisperTo := msg.WhisperTo
	if whisperTo == nil {
		whisperTo = []string{}
	}
	whisperJSON, err := json.Marshal(whisperTo)
	if err != nil {
		return messageRow{}, fmt.Errorf("encode whisper targets: %w", err)
	}
	row := messageRow{
		entities:  string(entitiesJSON),
		seed:      msg.Seed.String(),
		whisperTo: string(whisperJSON),
		createdAt: toMillis(msg.CreatedAt),
	}
	if msg.EditedAt != nil {
		row.editedAt = sql.NullInt64{Int64: toMillis(*msg.EditedAt), Valid: true}
	}
	return row, nil
}

func validateMessage(msg chat.Message) error {
	if strings.TrimSpace(msg.ChannelID) == "" {
		return fmt.Errorf("channel id is required")
	}
	if strings.TrimSpace(msg.ID) == "" {
		return fmt.Errorf("message id is required")
	}
	if !msg.Pos.Valid() {
		return fmt.Errorf("message position is invalid")
	}
	return nil
}

// CreateMessage inserts msg. A reused id yields storage.ErrAlreadyExists.
func (s *Store) CreateMessage(ctx context.Context, msg chat.Message, event chat.Envelope) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := validateMessage(msg); err != nil {
		return err
	}
	row, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	return s.inTx(ctx, event, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (
			   channel_id, id, author_id, name, body, entities_json, seed,
			   pos_p, pos_q, pos_f, pinned, folded, whisper_to_json,
			   created_at, edited_at
			 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ChannelID, msg.ID, msg.AuthorID, msg.Name, msg.Text, row.entities, row.seed,
			msg.Pos.P, msg.Pos.Q, msg.Pos.Float(), msg.Pinned, msg.Folded, row.whisperTo,
			row.createdAt, row.editedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return storage.ErrAlreadyExists
			}
			return fmt.Errorf("create message: %w", err)
		}
		return nil
	})
}

// UpdateMessage replaces the stored message with msg.
func (s *Store) UpdateMessage(ctx context.Context, msg chat.Message, event chat.Envelope) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := validateMessage(msg); err != nil {
		return err
	}
	row, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	return s.inTx(ctx, event, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE messages
			    SET name = ?, body = ?, entities_json = ?, pos_p = ?, pos_q = ?, pos_f = ?,
			        pinned = ?, folded = ?, whisper_to_json = ?, edited_at = ?
			  WHERE channel_id = ? AND id = ?`,
			msg.Name, msg.Text, row.entities, msg.Pos.P, msg.Pos.Q, msg.Pos.Float(),
			msg.Pinned, msg.Folded, row.whisperTo, row.editedAt,
			msg.ChannelID, msg.ID,
		)
		if err != nil {
			return fmt.Errorf("update message: %w", err)
		}
		return requireAffected(res)
	})
}

// DeleteMessage removes a message.
func (s *Store) DeleteMessage(ctx context.Context, channelID, messageID string, event chat.Envelope) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.inTx(ctx, event, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE channel_id = ? AND id = ?`,
			channelID, messageID,
		)
		if err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
		return requireAffected(res)
	})
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

const messageColumns = `channel_id, id, author_id, name, body, entities_json, seed,
        pos_p, pos_q, pinned, folded, whisper_to_json, created_at, edited_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (chat.Message, error) {
	var (
		msg       chat.Message
		entities  string
		seed      string
		whisperTo string
		createdAt int64
		editedAt  sql.NullInt64
	)
	if err := row.Scan(
		&msg.ChannelID, &msg.ID, &msg.AuthorID, &msg.Name, &msg.Text, &entities, &seed,
		&msg.Pos.P, &msg.Pos.Q, &msg.Pinned, &msg.Folded, &whisperTo, &createdAt, &editedAt,
	); err != nil {
		return chat.Message{}, err
	}
	if err := json.Unmarshal([]byte(entities), &msg.Entities); err != nil {
		return chat.Message{}, fmt.Errorf("decode entities of %s: %w", msg.ID, err)
	}
	parsedSeed, err := random.ParseSeed(seed)
	if err != nil {
		return chat.Message{}, fmt.Errorf("decode seed of %s: %w", msg.ID, err)
	}
	msg.Seed = parsedSeed
	if err := json.Unmarshal([]byte(whisperTo), &msg.WhisperTo); err != nil {
		return chat.Message{}, fmt.Errorf("decode whisper targets of %s: %w", msg.ID, err)
	}
	if len(msg.WhisperTo) == 0 {
		msg.WhisperTo = nil
	}
	msg.CreatedAt = fromMillis(createdAt)
	if editedAt.Valid {
		edited := fromMillis(editedAt.Int64)
		msg.EditedAt = &edited
	}
	return msg, nil
}

// GetMessage returns one message.
func (s *Store) GetMessage(ctx context.Context, channelID, messageID string) (chat.Message, error) {
	if err := s.ready(ctx); err != nil {
		return chat.Message{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE channel_id = ? AND id = ?`,
		channelID, messageID,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Message{}, storage.ErrNotFound
		}
		return chat.Message{}, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// HistoryBefore scans by the float approximation of the position and
// orders exactly in Go. Rows sharing a float with the cutoff are all read
// so the exact order cannot drop one.
func (s *Store) HistoryBefore(ctx context.Context, channelID string, before *position.Key, limit int) (storage.HistoryPage, error) {
	if err := s.ready(ctx); err != nil {
		return storage.HistoryPage{}, err
	}
	if limit <= 0 {
		return storage.HistoryPage{}, fmt.Errorf("limit must be greater than zero")
	}

	var (
		rows *sql.Rows
		err  error
	)
	if before == nil {
		rows, err = s.sqlDB.QueryContext(ctx,
			`SELECT `+messageColumns+`, pos_f FROM messages
			  WHERE channel_id = ?
			  ORDER BY pos_f DESC`,
			channelID,
		)
	} else {
		rows, err = s.sqlDB.QueryContext(ctx,
			`SELECT `+messageColumns+`, pos_f FROM messages
			  WHERE channel_id = ? AND pos_f <= ?
			  ORDER BY pos_f DESC`,
			channelID, before.Float(),
		)
	}
	if err != nil {
		return storage.HistoryPage{}, fmt.Errorf("history before: %w", err)
	}
	defer rows.Close()

	var (
		collected []chat.Message
		cutoff    float64
	)
	for rows.Next() {
		var posF float64
		msg, err := scanMessage(scanWithFloat{rows: rows, posF: &posF})
		if err != nil {
			return storage.HistoryPage{}, fmt.Errorf("scan history: %w", err)
		}
		if len(collected) > limit && posF < cutoff {
			break
		}
		if before != nil && msg.Pos.Compare(*before) >= 0 {
			continue
		}
		collected = append(collected, msg)
		if len(collected) == limit+1 {
			cutoff = posF
		}
	}
	if err := rows.Err(); err != nil {
		return storage.HistoryPage{}, fmt.Errorf("iterate history: %w", err)
	}

	sortByPosition(collected)
	page := storage.HistoryPage{Complete: len(collected) <= limit}
	if len(collected) > limit {
		collected = collected[len(collected)-limit:]
	}
	page.Messages = collected
	return page, nil
}

// scanWithFloat appends the trailing pos_f column to a message scan.
type scanWithFloat struct {
	rows *sql.Rows
	posF *float64
}

func (s scanWithFloat) Scan(dest ...any) error {
	return s.rows.Scan(append(dest, s.posF)...)
}

// ListMessages returns every message of the channel ordered by position.
func (s *Store) ListMessages(ctx context.Context, channelID string) ([]chat.Message, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE channel_id = ? ORDER BY pos_f ASC`,
		channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	sortByPosition(out)
	return out, nil
}

// LastPosition returns the greatest message position in the channel.
func (s *Store) LastPosition(ctx context.Context, channelID string) (position.Key, bool, error) {
	page, err := s.HistoryBefore(ctx, channelID, nil, 1)
	if err != nil {
		return position.Key{}, false, err
	}
	if len(page.Messages) == 0 {
		return position.Key{}, false, nil
	}
	return page.Messages[0].Pos, true, nil
}

func sortByPosition(msgs []chat.Message) {
	slices.SortStableFunc(msgs, func(a, b chat.Message) int {
		if c := a.Pos.Compare(b.Pos); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func appendEvent(ctx context.Context, db execer, event chat.Envelope) error {
	if event.Live {
		return fmt.Errorf("live events are not persisted")
	}
	if event.Body == nil {
		return fmt.Errorf("event body is required")
	}
	if strings.TrimSpace(event.MailboxID) == "" {
		return fmt.Errorf("event mailbox is required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO events (channel_id, ts, node, seq, kind, envelope_json) VALUES (?, ?, ?, ?, ?, ?)`,
		event.MailboxID, event.ID.Timestamp, int64(event.ID.Node), int64(event.ID.Seq),
		string(event.Body.Kind()), string(payload),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// AppendEvent writes an event outside any message mutation.
func (s *Store) AppendEvent(ctx context.Context, event chat.Envelope) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return appendEvent(ctx, s.sqlDB, event)
}

// EventsAfter returns up to limit events of the channel after the cursor,
// oldest first.
func (s *Store) EventsAfter(ctx context.Context, channelID string, after chat.EventID, limit int) ([]chat.Envelope, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT envelope_json FROM events
		  WHERE channel_id = ?
		    AND (ts > ? OR (ts = ? AND (node > ? OR (node = ? AND seq > ?))))
		  ORDER BY ts ASC, node ASC, seq ASC
		  LIMIT ?`,
		channelID,
		after.Timestamp, after.Timestamp, int64(after.Node), int64(after.Node), int64(after.Seq),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("events after: %w", err)
	}
	defer rows.Close()

	var out []chat.Envelope
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var event chat.Envelope
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// LatestEventID returns the greatest stored event id, or the zero id.
func (s *Store) LatestEventID(ctx context.Context) (chat.EventID, error) {
	if err := s.ready(ctx); err != nil {
		return chat.EventID{}, err
	}
	var (
		ts   int64
		node int64
		seq  int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT ts, node, seq FROM events ORDER BY ts DESC, node DESC, seq DESC LIMIT 1`,
	).Scan(&ts, &node, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.EventID{}, nil
	}
	if err != nil {
		return chat.EventID{}, fmt.Errorf("latest event id: %w", err)
	}
	return chat.EventID{Timestamp: ts, Node: uint16(node), Seq: uint32(seq)}, nil
}

// PutChannel creates or replaces channel metadata.
func (s *Store) PutChannel(ctx context.Context, channel chat.Channel, event chat.Envelope) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(channel.ID) == "" {
		return fmt.Errorf("channel id is required")
	}
	return s.inTx(ctx, event, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO channels (id, name, topic, default_dice_face) VALUES (?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET name = excluded.name, topic = excluded.topic,
			   default_dice_face = excluded.default_dice_face`,
			channel.ID, channel.Name, channel.Topic, channel.DefaultDiceFace,
		)
		if err != nil {
			return fmt.Errorf("put channel: %w", err)
		}
		return nil
	})
}

// GetChannel returns channel metadata.
func (s *Store) GetChannel(ctx context.Context, channelID string) (chat.Channel, error) {
	if err := s.ready(ctx); err != nil {
		return chat.Channel{}, err
	}
	var channel chat.Channel
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, name, topic, default_dice_face FROM channels WHERE id = ?`, channelID,
	).Scan(&channel.ID, &channel.Name, &channel.Topic, &channel.DefaultDiceFace)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Channel{}, storage.ErrNotFound
	}
	if err != nil {
		return chat.Channel{}, fmt.Errorf("get channel: %w", err)
	}
	return channel, nil
}

// ListChannels returns all channels ordered by id.
func (s *Store) ListChannels(ctx context.Context) ([]chat.Channel, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, name, topic, default_dice_face FROM channels ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()
	var out []chat.Channel
	for rows.Next() {
		var channel chat.Channel
		if err := rows.Scan(&channel.ID, &channel.Name, &channel.Topic, &channel.DefaultDiceFace); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, channel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return out, nil
}

// PutMembers replaces the channel roster.
func (s *Store) PutMembers(ctx context.Context, channelID string, members []chat.Member, event chat.Envelope) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.inTx(ctx, event, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM members WHERE channel_id = ?`, channelID); err != nil {
			return fmt.Errorf("clear members: %w", err)
		}
		for i, member := range members {
			if strings.TrimSpace(member.UserID) == "" {
				return fmt.Errorf("member user id is required")
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO members (channel_id, user_id, display_name, sort_order) VALUES (?, ?, ?, ?)`,
				channelID, member.UserID, member.DisplayName, i,
			); err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("duplicate member %s: %w", member.UserID, storage.ErrAlreadyExists)
				}
				return fmt.Errorf("insert member: %w", err)
			}
		}
		return nil
	})
}

// ListMembers returns the roster in the order it was stored.
func (s *Store) ListMembers(ctx context.Context, channelID string) ([]chat.Member, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT user_id, display_name FROM members WHERE channel_id = ? ORDER BY sort_order ASC`,
		channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()
	var out []chat.Member
	for rows.Next() {
		var member chat.Member
		if err := rows.Scan(&member.UserID, &member.DisplayName); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ storage.Store = (*Store)(nil)
