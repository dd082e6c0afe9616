package store

import (
	"context"
	"time"
)

// PendingNotification is an outbound document whose delivery exhausted its
// retries and is parked for manual or scheduled re-send.
type PendingNotification struct {
	ID                   string
	ESSApplicationNumber string
	MessageType          string
	MsgID                string
	Body                 []byte
	Attempts             int
	LastError            string
	NextAttemptAt        time.Time
}

func (s *Store) EnqueueNotification(ctx context.Context, n PendingNotification) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO bridge_pending_notifications(id, ess_application_number, message_type, msg_id, body, attempts, last_error, next_attempt_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO NOTHING
`, n.ID, n.ESSApplicationNumber, n.MessageType, n.MsgID, n.Body, n.Attempts, n.LastError, n.NextAttemptAt)
	return err
}

// claimWindow keeps a claimed notification invisible to other resenders
// while its delivery attempt runs. MarkDelivered or MarkAttemptFailed
// settle the row before the window lapses; a crashed worker's claim
// simply expires.
const claimWindow = 5 * time.Minute

// ClaimPending claims up to limit due notifications by pushing their
// next_attempt_at past the claim window in the same statement that reads
// them. The claim is a state change, not a row lock, so it survives the
// statement ending: the scheduled resender and a concurrent operator
// resend cannot both pick up the same row. SKIP LOCKED only arbitrates
// claimers racing inside the statement itself.
func (s *Store) ClaimPending(ctx context.Context, limit int) ([]PendingNotification, error) {
	rows, err := s.DB.Query(ctx, `
UPDATE bridge_pending_notifications
SET next_attempt_at = now() + make_interval(secs => $2)
WHERE id IN (
	SELECT id
	FROM bridge_pending_notifications
	WHERE delivered_at IS NULL AND next_attempt_at <= now()
	ORDER BY next_attempt_at
	LIMIT $1
	FOR UPDATE SKIP LOCKED
)
RETURNING id, ess_application_number, message_type, msg_id, body, attempts, last_error, next_attempt_at
`, limit, claimWindow.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingNotification
	for rows.Next() {
		var n PendingNotification
		if err := rows.Scan(&n.ID, &n.ESSApplicationNumber, &n.MessageType, &n.MsgID, &n.Body, &n.Attempts, &n.LastError, &n.NextAttemptAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx, `
UPDATE bridge_pending_notifications SET delivered_at=now() WHERE id=$1
`, id)
	return err
}

func (s *Store) MarkAttemptFailed(ctx context.Context, id, reason string, nextAttemptAt time.Time) error {
	_, err := s.DB.Exec(ctx, `
UPDATE bridge_pending_notifications
SET attempts=attempts+1, last_error=$2, next_attempt_at=$3
WHERE id=$1
`, id, reason, nextAttemptAt)
	return err
}
