package repository

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/notifyd/internal/model"
)

// pqUndefinedTable はテーブルが存在しない場合のPostgreSQLエラーコード。
const pqUndefinedTable = "42P01"

// PostgresMirror はPostgreSQLを使用したMirror実装。
// スキーマは database.RunMigrations で作成する。
type PostgresMirror struct {
	db *sql.DB
}

// NewPostgresMirror はPostgresMirrorを生成する。
func NewPostgresMirror(db *sql.DB) *PostgresMirror {
	return &PostgresMirror{db: db}
}

// Apply は変更フィードから取得したドキュメントを同一トランザクションでUPSERTする。
// 削除済みドキュメントはtombstoneとして残し、クリーンアップジョブが削除する。
func (r *PostgresMirror) Apply(ctx context.Context, collection model.Collection, docs []model.Document) error {
	if len(docs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO mirror_documents (collection, id, rev, deleted, body, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (collection, id) DO UPDATE SET
		   rev = EXCLUDED.rev,
		   deleted = EXCLUDED.deleted,
		   body = EXCLUDED.body,
		   updated_at = now()`,
	)
	if err != nil {
		return wrapSchemaError("failed to prepare upsert", err)
	}
	defer stmt.Close()

	for _, d := range docs {
		var body []byte
		if !d.Deleted && d.Body != nil {
			body, err = json.Marshal(d.Body)
			if err != nil {
				return fmt.Errorf("failed to encode document %s: %w", d.ID, err)
			}
		}
		if _, err := stmt.ExecContext(ctx, string(collection), d.ID, d.Rev, d.Deleted, nullableJSON(body)); err != nil {
			return fmt.Errorf("failed to upsert document %s: %w", d.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// AllDocs はコレクションの削除されていない全ドキュメントをID順に返す。
func (r *PostgresMirror) AllDocs(ctx context.Context, collection model.Collection) ([]model.Document, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, rev, body FROM mirror_documents
		 WHERE collection = $1 AND NOT deleted
		 ORDER BY id`,
		string(collection),
	)
	if err != nil {
		return nil, wrapSchemaError("failed to list documents", err)
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		var d model.Document
		var body []byte
		if err := rows.Scan(&d.ID, &d.Rev, &body); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		if len(body) > 0 {
			dec := json.NewDecoder(bytes.NewReader(body))
			dec.UseNumber()
			if err := dec.Decode(&d.Body); err != nil {
				return nil, fmt.Errorf("failed to decode document %s: %w", d.ID, err)
			}
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return docs, nil
}

// Checkpoint は保存済みのシーケンスを返す。未保存の場合は空文字列を返す。
func (r *PostgresMirror) Checkpoint(ctx context.Context, collection model.Collection) (string, error) {
	var seq string
	err := r.db.QueryRowContext(ctx,
		`SELECT seq FROM replication_checkpoints WHERE collection = $1`,
		string(collection),
	).Scan(&seq)

	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", wrapSchemaError("failed to load checkpoint", err)
	}
	return seq, nil
}

// SaveCheckpoint はシーケンスをUPSERTする。
func (r *PostgresMirror) SaveCheckpoint(ctx context.Context, collection model.Collection, seq string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO replication_checkpoints (collection, seq, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (collection) DO UPDATE SET seq = EXCLUDED.seq, updated_at = now()`,
		string(collection), seq,
	)
	if err != nil {
		return wrapSchemaError("failed to save checkpoint", err)
	}
	return nil
}

// wrapSchemaError はテーブル未作成のエラーにマイグレーション実行の案内を付与する。
func wrapSchemaError(msg string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUndefinedTable {
		return fmt.Errorf("%s: mirror schema is missing, run `notifyd migrate`: %w", msg, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func nullableJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// compile-time interface check
var _ Mirror = (*PostgresMirror)(nil)
