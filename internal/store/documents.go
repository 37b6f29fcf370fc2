package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/rift/internal/doc"
	"github.com/roach88/rift/internal/remote"
)

var _ remote.Store = (*Store)(nil)

// Get reads a document. A missing document returns Exists == false.
func (s *Store) Get(ctx context.Context, collection, id string) (remote.Snapshot, error) {
	return s.readDocument(ctx, collection, id)
}

// WatchDocument registers fn for changes to one document, starting with its
// current state.
func (s *Store) WatchDocument(ctx context.Context, collection, id string, fn func(remote.Snapshot)) (remote.Unsubscribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.readDocument(ctx, collection, id)
	if err != nil {
		return nil, fmt.Errorf("watch %s/%s: %w", collection, id, err)
	}
	return s.hub.AddDocument(collection, id, snap, fn), nil
}

// WatchCollection registers fn for changes to a collection, starting with its
// current contents.
func (s *Store) WatchCollection(ctx context.Context, collection string, fn func(remote.CollectionSnapshot)) (remote.Unsubscribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, err := s.ListDocuments(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", collection, err)
	}
	return s.hub.AddCollection(collection, remote.InitialCollection(docs), fn), nil
}

// Update writes dot-path fields of an existing document.
// Returns remote.ErrNotFound if the document does not exist.
func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	before, err := s.readDocument(ctx, collection, id)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	if !before.Exists {
		return fmt.Errorf("update %s/%s: %w", collection, id, remote.ErrNotFound)
	}
	next, err := remote.ApplyUpdate(before.Data, fields, s.clock.Now())
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	return s.commit(ctx, collection, id, before, next)
}

// Create writes a complete document, replacing any existing one.
func (s *Store) Create(ctx context.Context, collection, id string, data doc.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	before, err := s.readDocument(ctx, collection, id)
	if err != nil {
		return fmt.Errorf("create %s/%s: %w", collection, id, err)
	}
	return s.commit(ctx, collection, id, before, remote.ResolveDocument(data, s.clock.Now()))
}

// Delete removes a document. Deleting a missing document is a no-op.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	before, err := s.readDocument(ctx, collection, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	if !before.Exists {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM documents WHERE collection = ? AND id = ?", collection, id,
	); err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	s.publish(ctx, collection, before, remote.Snapshot{ID: id})
	return nil
}

// ListDocuments returns every document in a collection ordered by id.
func (s *Store) ListDocuments(ctx context.Context, collection string) ([]remote.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, data FROM documents WHERE collection = ? ORDER BY id COLLATE BINARY",
		collection,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	var out []remote.Snapshot
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		data, err := doc.Decode([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
		}
		out = append(out, remote.Snapshot{ID: id, Data: data, Exists: true})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", collection, err)
	}
	return out, nil
}

// DocumentRecord is a stored document with its write bookkeeping.
type DocumentRecord struct {
	Collection  string       `json:"collection"`
	ID          string       `json:"id"`
	Data        doc.Document `json:"data"`
	ContentHash string       `json:"content_hash"`
	Seq         int64        `json:"seq"`
	UpdatedAt   string       `json:"updated_at"`
}

// ChangesSince returns documents written after seq, oldest first.
func (s *Store) ChangesSince(ctx context.Context, seq int64) ([]DocumentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT collection, id, data, content_hash, seq, updated_at
		FROM documents
		WHERE seq > ?
		ORDER BY seq ASC
	`, seq)
	if err != nil {
		return nil, fmt.Errorf("changes since %d: %w", seq, err)
	}
	defer rows.Close()

	var out []DocumentRecord
	for rows.Next() {
		var rec DocumentRecord
		var raw string
		if err := rows.Scan(&rec.Collection, &rec.ID, &raw, &rec.ContentHash, &rec.Seq, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		data, err := doc.Decode([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", rec.Collection, rec.ID, err)
		}
		rec.Data = data
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return out, nil
}

// LastSeq returns the seq of the most recent committed write.
func (s *Store) LastSeq() int64 {
	return s.seq.Current()
}

func (s *Store) readDocument(ctx context.Context, collection, id string) (remote.Snapshot, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM documents WHERE collection = ? AND id = ?", collection, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return remote.Snapshot{ID: id}, nil
	}
	if err != nil {
		return remote.Snapshot{}, fmt.Errorf("read %s/%s: %w", collection, id, err)
	}
	data, err := doc.Decode([]byte(raw))
	if err != nil {
		return remote.Snapshot{}, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return remote.Snapshot{ID: id, Data: data, Exists: true}, nil
}

// commit upserts data and notifies listeners. Caller must hold s.mu.
func (s *Store) commit(ctx context.Context, collection, id string, before remote.Snapshot, data doc.Document) error {
	raw, err := doc.MarshalCanonical(data)
	if err != nil {
		return fmt.Errorf("write %s/%s: marshal: %w", collection, id, err)
	}
	hash, err := doc.Hash(data)
	if err != nil {
		return fmt.Errorf("write %s/%s: hash: %w", collection, id, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data, content_hash, seq, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			data = excluded.data,
			content_hash = excluded.content_hash,
			seq = excluded.seq,
			updated_at = excluded.updated_at
	`, collection, id, string(raw), hash, s.seq.Next(), remote.FormatTimestamp(s.clock.Now()))
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", collection, id, err)
	}

	after, err := doc.Decode(raw)
	if err != nil {
		return fmt.Errorf("write %s/%s: decode: %w", collection, id, err)
	}
	s.publish(ctx, collection, before, remote.Snapshot{ID: id, Data: after, Exists: true})
	return nil
}

// publish fans a committed change out to listeners. Caller must hold s.mu.
func (s *Store) publish(ctx context.Context, collection string, before, after remote.Snapshot) {
	s.hub.Publish(collection, before, after, func() []remote.Snapshot {
		docs, err := s.ListDocuments(ctx, collection)
		if err != nil {
			s.logger.Error("list collection for listeners failed", "collection", collection, "error", err)
			return nil
		}
		return docs
	})
}
