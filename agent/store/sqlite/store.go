// Package sqlite persists agent connections, queue halves, and message
// history in a local SQLite database file, applying numbered migrations at
// startup.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/halilertekin/simplexmq/agent/store"
	"github.com/halilertekin/simplexmq/crypto"
	"github.com/halilertekin/simplexmq/wire"
)

// Store is a SQLite-backed store.Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and applies
// pending migrations.
func Open(path string) (*Store, error) {
	if err := runMigrations(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("agent/sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) CreateConnection(ctx context.Context, c store.Connection, recv store.RecvQueue) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO connections (conn_alias, status, last_rcv_msg_id, last_snd_msg_id, prev_rcv_hash, prev_snd_hash)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ConnAlias, string(c.Status), c.LastRcvMsgID, c.LastSndMsgID, c.PrevRcvHash, c.PrevSndHash); err != nil {
		return fmt.Errorf("agent/sqlite: insert connection: %w", err)
	}

	recipientPriv, err := crypto.EncodePrivateKey(recv.RecipientPriv)
	if err != nil {
		return err
	}
	encPriv := recv.EncPriv.Bytes()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO recv_queues (conn_alias, server_addr, recipient_id, recipient_priv, sender_id, enc_priv, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ConnAlias, recv.Server.Serialize(), recv.RecipientID, recipientPriv, recv.SenderID, encPriv, string(recv.Status)); err != nil {
		return fmt.Errorf("agent/sqlite: insert recv_queue: %w", err)
	}

	return tx.Commit()
}

func (s *Store) AttachSendQueue(ctx context.Context, connAlias string, send store.SendQueue) error {
	senderPriv, err := crypto.EncodePrivateKey(send.SenderPriv)
	if err != nil {
		return err
	}
	peerPub := send.PeerEncPub.Bytes()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO send_queues (conn_alias, server_addr, sender_id, sender_priv, peer_enc_pub)
		 VALUES (?, ?, ?, ?, ?)`,
		connAlias, send.Server.Serialize(), send.SenderID, senderPriv, peerPub); err != nil {
		return fmt.Errorf("agent/sqlite: insert send_queue: %w", err)
	}
	return nil
}

func (s *Store) GetConnection(ctx context.Context, connAlias string) (*store.Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT conn_alias, status, last_rcv_msg_id, last_snd_msg_id, prev_rcv_hash, prev_snd_hash
		 FROM connections WHERE conn_alias = ?`, connAlias)
	var c store.Connection
	var status string
	if err := row.Scan(&c.ConnAlias, &status, &c.LastRcvMsgID, &c.LastSndMsgID, &c.PrevRcvHash, &c.PrevSndHash); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	c.Status = store.ConnStatus(status)
	return &c, nil
}

func (s *Store) GetRecvQueue(ctx context.Context, connAlias string) (*store.RecvQueue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT conn_alias, server_addr, recipient_id, recipient_priv, sender_id, enc_priv, status
		 FROM recv_queues WHERE conn_alias = ?`, connAlias)
	var rq store.RecvQueue
	var serverAddr, status string
	var recipientPrivDER, encPrivRaw []byte
	if err := row.Scan(&rq.ConnAlias, &serverAddr, &rq.RecipientID, &recipientPrivDER, &rq.SenderID, &encPrivRaw, &status); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	addr, err := wire.ParseServerAddress(serverAddr)
	if err != nil {
		return nil, err
	}
	priv, err := crypto.DecodeRSAPrivateKey(recipientPrivDER)
	if err != nil {
		return nil, err
	}
	encPriv, err := crypto.ParseEncryptionPrivateKey(encPrivRaw)
	if err != nil {
		return nil, err
	}
	rq.Server = addr
	rq.RecipientPriv = priv
	rq.EncPriv = encPriv
	rq.Status = store.ConnStatus(status)
	return &rq, nil
}

func (s *Store) GetSendQueue(ctx context.Context, connAlias string) (*store.SendQueue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT conn_alias, server_addr, sender_id, sender_priv, peer_enc_pub
		 FROM send_queues WHERE conn_alias = ?`, connAlias)
	var sq store.SendQueue
	var serverAddr string
	var senderPrivDER, peerPubRaw []byte
	if err := row.Scan(&sq.ConnAlias, &serverAddr, &sq.SenderID, &senderPrivDER, &peerPubRaw); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	addr, err := wire.ParseServerAddress(serverAddr)
	if err != nil {
		return nil, err
	}
	priv, err := crypto.DecodeRSAPrivateKey(senderPrivDER)
	if err != nil {
		return nil, err
	}
	peerPub, err := crypto.ParseEncryptionPublicKey(peerPubRaw)
	if err != nil {
		return nil, err
	}
	sq.Server = addr
	sq.SenderPriv = priv
	sq.PeerEncPub = peerPub
	return &sq, nil
}

func (s *Store) ListConnections(ctx context.Context) ([]store.Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conn_alias, status, last_rcv_msg_id, last_snd_msg_id, prev_rcv_hash, prev_snd_hash FROM connections`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Connection
	for rows.Next() {
		var c store.Connection
		var status string
		if err := rows.Scan(&c.ConnAlias, &status, &c.LastRcvMsgID, &c.LastSndMsgID, &c.PrevRcvHash, &c.PrevSndHash); err != nil {
			return nil, err
		}
		c.Status = store.ConnStatus(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) SetStatus(ctx context.Context, connAlias string, status store.ConnStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE connections SET status = ? WHERE conn_alias = ?`, string(status), connAlias)
	return err
}

func (s *Store) AppendReceived(ctx context.Context, connAlias string, msg store.StoredMessage, expectedPrevHash, nextHash []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var prevHash []byte
	if err := tx.QueryRowContext(ctx, `SELECT prev_rcv_hash FROM connections WHERE conn_alias = ?`, connAlias).Scan(&prevHash); err != nil {
		if err == sql.ErrNoRows {
			return store.ErrNotFound
		}
		return err
	}
	if !bytes.Equal(prevHash, expectedPrevHash) {
		return store.ErrChainMismatch
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conn_alias, direction, agent_msg_id, ts, body, status) VALUES (?, ?, ?, ?, ?, ?)`,
		connAlias, string(store.DirectionInbound), msg.AgentMsgID, time.Now().UTC(), msg.Body, string(msg.Status)); err != nil {
		return fmt.Errorf("agent/sqlite: insert received message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE connections SET prev_rcv_hash = ?, last_rcv_msg_id = ? WHERE conn_alias = ?`,
		nextHash, msg.AgentMsgID, connAlias); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) AppendReceivedResync(ctx context.Context, connAlias string, msg store.StoredMessage, nextHash []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conn_alias, direction, agent_msg_id, ts, body, status) VALUES (?, ?, ?, ?, ?, ?)`,
		connAlias, string(store.DirectionInbound), msg.AgentMsgID, time.Now().UTC(), msg.Body, string(msg.Status)); err != nil {
		return fmt.Errorf("agent/sqlite: insert resynced message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE connections SET prev_rcv_hash = ?, last_rcv_msg_id = ? WHERE conn_alias = ?`,
		nextHash, msg.AgentMsgID, connAlias); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) AppendSent(ctx context.Context, connAlias string, body []byte, nextHash []byte) (store.StoredMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.StoredMessage{}, err
	}
	defer tx.Rollback()

	var lastSndMsgID uint64
	if err := tx.QueryRowContext(ctx, `SELECT last_snd_msg_id FROM connections WHERE conn_alias = ?`, connAlias).Scan(&lastSndMsgID); err != nil {
		if err == sql.ErrNoRows {
			return store.StoredMessage{}, store.ErrNotFound
		}
		return store.StoredMessage{}, err
	}
	nextID := lastSndMsgID + 1
	msg := store.StoredMessage{
		ConnAlias:  connAlias,
		Direction:  store.DirectionOutbound,
		AgentMsgID: nextID,
		Timestamp:  time.Now().UTC(),
		Body:       body,
		Status:     store.MessagePending,
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conn_alias, direction, agent_msg_id, ts, body, status) VALUES (?, ?, ?, ?, ?, ?)`,
		connAlias, string(store.DirectionOutbound), msg.AgentMsgID, msg.Timestamp, msg.Body, string(msg.Status)); err != nil {
		return store.StoredMessage{}, fmt.Errorf("agent/sqlite: insert sent message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE connections SET prev_snd_hash = ?, last_snd_msg_id = ? WHERE conn_alias = ?`,
		nextHash, nextID, connAlias); err != nil {
		return store.StoredMessage{}, err
	}
	if err := tx.Commit(); err != nil {
		return store.StoredMessage{}, err
	}
	return msg, nil
}

func (s *Store) MarkAcked(ctx context.Context, connAlias string, agentMsgID uint64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ? WHERE conn_alias = ? AND direction = ? AND agent_msg_id = ?`,
		string(store.MessageAcked), connAlias, string(store.DirectionOutbound), agentMsgID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, connAlias string) ([]store.StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conn_alias, direction, agent_msg_id, ts, body, status FROM messages WHERE conn_alias = ? ORDER BY ts`, connAlias)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.StoredMessage
	for rows.Next() {
		var m store.StoredMessage
		var direction, status string
		if err := rows.Scan(&m.ConnAlias, &direction, &m.AgentMsgID, &m.Timestamp, &m.Body, &status); err != nil {
			return nil, err
		}
		m.Direction = store.MessageDirection(direction)
		m.Status = store.MessageStatus(status)
		out = append(out, m)
	}
	return out, rows.Err()
}
