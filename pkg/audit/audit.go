// SPDX-License-Identifier: Apache-2.0

// Package audit implements the append-only, HMAC-chained audit log
// (spec §4.7): every entry signs the serialised previous entry, so a
// single mutated row invalidates the chain from that point forward.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/fraiseql/confiture/pkg/confiturerr"
	"github.com/fraiseql/confiture/pkg/db"
)

const sqlInit = `
CREATE TABLE IF NOT EXISTS %[1]s.tb_audit_log (
	sequence            BIGINT PRIMARY KEY,
	recorded_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	actor               TEXT NOT NULL,
	operation_kind      TEXT NOT NULL,
	target              TEXT NOT NULL,
	policy_hash         TEXT,
	body                JSONB NOT NULL,
	previous_hash       TEXT NOT NULL,
	signature           TEXT NOT NULL
);
`

// Entry is one row written to or read from the audit log.
type Entry struct {
	Sequence     int64
	RecordedAt   time.Time
	Actor        string
	OperationKind string
	Target       string
	PolicyHash   string
	Body         json.RawMessage
	PreviousHash string
	Signature    string
}

// WriteRequest is the caller-supplied contract for Log.Write: everything
// the log itself doesn't derive (sequence number, previous hash,
// signature).
type WriteRequest struct {
	Actor         string
	OperationKind string
	Target        string
	PolicyHash    string
	Body          any
}

// Log is the append-only audit log for one schema. Every insert goes
// through Write, the only permitted write path.
type Log struct {
	conn   db.DB
	schema string
	key    []byte
}

// New returns a Log backed by conn, signing entries with key. key is the
// server-side HMAC secret (spec §4.7); it is never stored in the table
// itself.
func New(conn db.DB, schemaName string, key []byte) *Log {
	return &Log{conn: conn, schema: schemaName, key: key}
}

// EnsureSchema creates the audit table if it does not already exist.
func (l *Log) EnsureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(sqlInit, pq.QuoteIdentifier(l.schema))
	_, err := l.conn.ExecContext(ctx, stmt)
	return err
}

// Write appends a new entry under a row lock on the last entry, so the
// sequence number and previous hash are assigned atomically with the
// insert (spec §4.7: "the insert procedure is the single writer").
func (l *Log) Write(ctx context.Context, req WriteRequest) (*Entry, error) {
	body, err := json.Marshal(req.Body)
	if err != nil {
		return nil, fmt.Errorf("marshalling audit body: %w", err)
	}

	var entry Entry
	err = l.conn.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var prevSeq sql.NullInt64
		var prevSignature sql.NullString
		row := tx.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT sequence, signature
			 FROM %s.tb_audit_log ORDER BY sequence DESC LIMIT 1 FOR UPDATE`,
			pq.QuoteIdentifier(l.schema)))
		if err := row.Scan(&prevSeq, &prevSignature); err != nil && err != sql.ErrNoRows {
			return err
		}

		previousHash := "genesis"
		if prevSignature.Valid {
			previousHash = prevSignature.String
		}
		sequence := prevSeq.Int64 + 1

		serialisedBody, err := canonicalBody(sequence, req.Actor, req.OperationKind, req.Target, req.PolicyHash, body)
		if err != nil {
			return err
		}
		signature := sign(l.key, serialisedBody, previousHash)

		var policyHash sql.NullString
		if req.PolicyHash != "" {
			policyHash = sql.NullString{String: req.PolicyHash, Valid: true}
		}

		err = tx.QueryRowContext(ctx, fmt.Sprintf(
			`INSERT INTO %s.tb_audit_log (sequence, actor, operation_kind, target, policy_hash, body, previous_hash, signature)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING recorded_at`,
			pq.QuoteIdentifier(l.schema)),
			sequence, req.Actor, req.OperationKind, req.Target, policyHash, body, previousHash, signature,
		).Scan(&entry.RecordedAt)
		if err != nil {
			return err
		}

		entry.Sequence = sequence
		entry.Actor = req.Actor
		entry.OperationKind = req.OperationKind
		entry.Target = req.Target
		entry.PolicyHash = req.PolicyHash
		entry.Body = body
		entry.PreviousHash = previousHash
		entry.Signature = signature
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Range returns entries with sequence in [from, to], ordered ascending.
func (l *Log) Range(ctx context.Context, from, to int64) ([]Entry, error) {
	rows, err := l.conn.QueryContext(ctx, fmt.Sprintf(
		`SELECT sequence, recorded_at, actor, operation_kind, target, COALESCE(policy_hash, ''), body, previous_hash, signature
		 FROM %s.tb_audit_log WHERE sequence BETWEEN $1 AND $2 ORDER BY sequence ASC`,
		pq.QuoteIdentifier(l.schema)), from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Sequence, &e.RecordedAt, &e.Actor, &e.OperationKind, &e.Target, &e.PolicyHash, &e.Body, &e.PreviousHash, &e.Signature); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Verify re-computes every signature in [from, to] against the recorded
// previous_hash chain and fails at the first mismatch (spec §4.7).
func (l *Log) Verify(ctx context.Context, from, to int64) error {
	entries, err := l.Range(ctx, from, to)
	if err != nil {
		return err
	}

	for _, e := range entries {
		serialisedBody, err := canonicalBody(e.Sequence, e.Actor, e.OperationKind, e.Target, e.PolicyHash, e.Body)
		if err != nil {
			return err
		}
		want := sign(l.key, serialisedBody, e.PreviousHash)
		if !hmac.Equal([]byte(want), []byte(e.Signature)) {
			return confiturerr.AuditVerificationError{Sequence: e.Sequence, Reason: "signature does not match recorded body and previous hash"}
		}
	}

	for i := 1; i < len(entries); i++ {
		expectedPrev := hashOf(entries[i-1])
		if entries[i].PreviousHash != expectedPrev {
			return confiturerr.AuditVerificationError{Sequence: entries[i].Sequence, Reason: "previous_hash does not match the prior entry"}
		}
	}

	return nil
}

// hashOf is the value the next entry's PreviousHash field must equal:
// the hex-encoded signature of this entry, which already binds this
// entry's body to its own previous hash.
func hashOf(e Entry) string {
	return e.Signature
}

func sign(key []byte, serialisedBody []byte, previousHash string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(serialisedBody)
	mac.Write([]byte(previousHash))
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalBody serialises every signed field of an entry — not just
// the caller-supplied body payload — so tampering with actor,
// operation_kind, target, or policy_hash is caught by Verify too.
func canonicalBody(sequence int64, actor, operationKind, target, policyHash string, body json.RawMessage) ([]byte, error) {
	return json.Marshal(struct {
		Sequence      int64           `json:"sequence"`
		Actor         string          `json:"actor"`
		OperationKind string          `json:"operationKind"`
		Target        string          `json:"target"`
		PolicyHash    string          `json:"policyHash,omitempty"`
		Body          json.RawMessage `json:"body"`
	}{sequence, actor, operationKind, target, policyHash, body})
}
