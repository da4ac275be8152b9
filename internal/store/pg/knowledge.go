package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/sentrahq/sentra/internal/store"
)

// PGKnowledgeStore implements store.KnowledgeStore backed by Postgres.
type PGKnowledgeStore struct {
	db *sql.DB
}

func NewPGKnowledgeStore(db *sql.DB) *PGKnowledgeStore {
	return &PGKnowledgeStore{db: db}
}

const knowledgeColumns = `id, title, category, content, keywords, created_at, updated_at`

func (s *PGKnowledgeStore) List(ctx context.Context) ([]store.KnowledgeDoc, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+knowledgeColumns+` FROM knowledge_documents
		 ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []store.KnowledgeDoc
	for rows.Next() {
		d, err := scanKnowledgeDoc(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

func (s *PGKnowledgeStore) Get(ctx context.Context, id uuid.UUID) (*store.KnowledgeDoc, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+knowledgeColumns+` FROM knowledge_documents WHERE id = $1`, id)
	d, err := scanKnowledgeDoc(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return d, err
}

func (s *PGKnowledgeStore) Create(ctx context.Context, d *store.KnowledgeDoc) error {
	if d.ID == uuid.Nil {
		d.ID = store.GenNewID()
	}
	now := time.Now()
	d.CreatedAt = now
	d.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge_documents (id, title, category, content, keywords, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.Title, d.Category, d.Content, pq.Array(d.Keywords), now, now,
	)
	return err
}

func (s *PGKnowledgeStore) Update(ctx context.Context, d *store.KnowledgeDoc) error {
	d.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE knowledge_documents
		 SET title = $2, category = $3, content = $4, keywords = $5, updated_at = $6
		 WHERE id = $1`,
		d.ID, d.Title, d.Category, d.Content, pq.Array(d.Keywords), d.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGKnowledgeStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_documents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGKnowledgeStore) BulkImport(ctx context.Context, docs []store.KnowledgeDoc) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now()
	count := 0
	for i := range docs {
		d := &docs[i]
		if d.ID == uuid.Nil {
			d.ID = store.GenNewID()
		}
		d.CreatedAt = now
		d.UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO knowledge_documents (id, title, category, content, keywords, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			d.ID, d.Title, d.Category, d.Content, pq.Array(d.Keywords), now, now,
		); err != nil {
			return 0, err
		}
		count++
	}
	return count, tx.Commit()
}

func (s *PGKnowledgeStore) BulkDelete(ctx context.Context, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM knowledge_documents WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanKnowledgeDoc(r scanner) (*store.KnowledgeDoc, error) {
	var d store.KnowledgeDoc
	if err := r.Scan(&d.ID, &d.Title, &d.Category, &d.Content, pq.Array(&d.Keywords),
		&d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}
