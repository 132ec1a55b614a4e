package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

var ErrPayloadNotFound = errors.New("payload not found")

// PayloadRecord is a completed payload as stored on disk.
type PayloadRecord struct {
	ID          string
	SessionID   string
	Mode        string
	Fingerprint string
	Size        int
	Frames      int
	ReceivedAt  time.Time
	Body        []byte
}

// PayloadID returns the content identifier of body: a CIDv1 with the raw
// codec over a sha2-256 multihash, rendered in the default base32 form.
func PayloadID(body []byte) (string, error) {
	sum, err := multihash.Sum(body, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("hash payload: %w", err)
	}

	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// VerifyPayloadID reports whether id is the content identifier of body.
func VerifyPayloadID(id string, body []byte) (bool, error) {
	parsed, err := cid.Decode(id)
	if err != nil {
		return false, fmt.Errorf("decode payload id: %w", err)
	}
	prefix := parsed.Prefix()
	sum, err := prefix.Sum(body)
	if err != nil {
		return false, fmt.Errorf("hash payload: %w", err)
	}

	return sum.Equals(parsed), nil
}

type PayloadRepo struct {
	db *sql.DB
}

func NewPayloadRepo(db *sql.DB) *PayloadRepo {
	return &PayloadRepo{db: db}
}

// Save stores rec, filling ID and Size from the body. Saving the same body
// again refreshes the session and receive time of the existing row.
func (r *PayloadRepo) Save(ctx context.Context, rec PayloadRecord) (string, error) {
	id, err := PayloadID(rec.Body)
	if err != nil {
		return "", err
	}
	body := rec.Body
	if body == nil {
		body = []byte{}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO payloads(id, session_id, mode, fingerprint, size, frames, received_at, body)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			mode = excluded.mode,
			fingerprint = excluded.fingerprint,
			frames = excluded.frames,
			received_at = excluded.received_at
	`,
		id,
		rec.SessionID,
		rec.Mode,
		rec.Fingerprint,
		len(body),
		rec.Frames,
		toUnixMillis(rec.ReceivedAt),
		body,
	)
	if err != nil {
		return "", fmt.Errorf("save payload: %w", err)
	}

	return id, nil
}

func (r *PayloadRepo) Get(ctx context.Context, id string) (PayloadRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, session_id, mode, fingerprint, size, frames, received_at, body
		FROM payloads
		WHERE id = ?
	`, id)

	rec, err := scanPayload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PayloadRecord{}, fmt.Errorf("%w: %s", ErrPayloadNotFound, id)
	}
	if err != nil {
		return PayloadRecord{}, fmt.Errorf("get payload: %w", err)
	}

	return rec, nil
}

// ListRecent returns up to limit payloads, newest first.
func (r *PayloadRepo) ListRecent(ctx context.Context, limit int) ([]PayloadRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, mode, fingerprint, size, frames, received_at, body
		FROM payloads
		ORDER BY received_at DESC, id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list payloads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PayloadRecord
	for rows.Next() {
		rec, err := scanPayload(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payload: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payloads: %w", err)
	}

	return out, nil
}

// Prune keeps the newest keep payloads and deletes the rest. keep <= 0 keeps
// everything.
func (r *PayloadRepo) Prune(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM payloads
		WHERE id NOT IN (
			SELECT id FROM payloads
			ORDER BY received_at DESC, id ASC
			LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune payloads: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune payloads rows: %w", err)
	}

	return n, nil
}

func scanPayload(scanner interface {
	Scan(dest ...any) error
}) (PayloadRecord, error) {
	var (
		rec        PayloadRecord
		receivedAt int64
	)
	if err := scanner.Scan(
		&rec.ID,
		&rec.SessionID,
		&rec.Mode,
		&rec.Fingerprint,
		&rec.Size,
		&rec.Frames,
		&receivedAt,
		&rec.Body,
	); err != nil {
		return PayloadRecord{}, err
	}
	rec.ReceivedAt = fromUnixMillis(receivedAt)

	return rec, nil
}
