package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/pkg/logger"
)

// ErrNotFound is returned for lookups and deletions of unknown document ids.
var ErrNotFound = errors.New("document not found")

// Client is the authoritative metadata registry for documents and their
// chunks. Registration and unregistration are transactional so a document
// and its chunks appear and disappear as a unit.
type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("Document store initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		upload_time INTEGER NOT NULL,
		page_count INTEGER NOT NULL,
		byte_size INTEGER NOT NULL,
		chunk_count INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_upload ON documents(upload_time);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		doc_id TEXT NOT NULL,
		page_number INTEGER NOT NULL,
		chunk_index INTEGER NOT NULL,
		char_start INTEGER NOT NULL,
		char_end INTEGER NOT NULL,
		text TEXT NOT NULL,
		FOREIGN KEY (doc_id) REFERENCES documents(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(doc_id);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Document store schema initialized")
	return nil
}

// RegisterDocument inserts a document and all of its chunks in one
// transaction. Either everything is registered or nothing is.
func (c *Client) RegisterDocument(doc *models.Document, chunks []models.Chunk) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO documents (id, filename, upload_time, page_count, byte_size, chunk_count)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Filename, doc.UploadTime.Unix(), doc.PageCount, doc.ByteSize, doc.ChunkCount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO chunks (id, doc_id, page_number, chunk_index, char_start, char_end, text)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, ch := range chunks {
		_, err = stmt.Exec(ch.ID, ch.DocumentID, ch.PageNumber, ch.ChunkIndex, ch.CharStart, ch.CharEnd, ch.Text)
		if err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", ch.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit registration: %w", err)
	}

	logger.Debug("Document registered",
		zap.String("doc_id", doc.ID),
		zap.Int("chunks", len(chunks)),
	)

	return nil
}

// UnregisterDocument removes a document and, via cascade, all of its
// chunks. Unknown ids yield ErrNotFound.
func (c *Client) UnregisterDocument(id string) error {
	res, err := c.db.Exec(`DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	logger.Debug("Document unregistered", zap.String("doc_id", id))
	return nil
}

func (c *Client) GetDocument(id string) (*models.Document, error) {
	var doc models.Document
	var uploadTime int64

	err := c.db.QueryRow(
		`SELECT id, filename, upload_time, page_count, byte_size, chunk_count
		 FROM documents WHERE id = ?`, id,
	).Scan(&doc.ID, &doc.Filename, &uploadTime, &doc.PageCount, &doc.ByteSize, &doc.ChunkCount)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	doc.UploadTime = time.Unix(uploadTime, 0)
	return &doc, nil
}

func (c *Client) ListDocuments() ([]models.Document, error) {
	rows, err := c.db.Query(
		`SELECT id, filename, upload_time, page_count, byte_size, chunk_count
		 FROM documents ORDER BY upload_time DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		var doc models.Document
		var uploadTime int64
		if err := rows.Scan(&doc.ID, &doc.Filename, &uploadTime, &doc.PageCount, &doc.ByteSize, &doc.ChunkCount); err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		doc.UploadTime = time.Unix(uploadTime, 0)
		docs = append(docs, doc)
	}

	return docs, rows.Err()
}

func (c *Client) DocumentCount() (int, error) {
	var count int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return count, nil
}

// ChunkIDsForDocument returns the ids of every chunk owned by a document.
func (c *Client) ChunkIDsForDocument(docID string) ([]string, error) {
	rows, err := c.db.Query(`SELECT id FROM chunks WHERE doc_id = ? ORDER BY chunk_index`, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan chunk id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// GetChunks fetches chunks by id, joined with their owning document's
// filename. Results come back keyed by chunk id.
func (c *Client) GetChunks(ids []string) (map[string]models.Chunk, error) {
	chunks := make(map[string]models.Chunk, len(ids))
	if len(ids) == 0 {
		return chunks, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := c.db.Query(fmt.Sprintf(
		`SELECT ch.id, ch.doc_id, d.filename, ch.page_number, ch.chunk_index,
		        ch.char_start, ch.char_end, ch.text
		 FROM chunks ch JOIN documents d ON d.id = ch.doc_id
		 WHERE ch.id IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ch models.Chunk
		if err := rows.Scan(&ch.ID, &ch.DocumentID, &ch.DocumentName, &ch.PageNumber,
			&ch.ChunkIndex, &ch.CharStart, &ch.CharEnd, &ch.Text); err != nil {
			return nil, fmt.Errorf("failed to scan chunk row: %w", err)
		}
		chunks[ch.ID] = ch
	}

	return chunks, rows.Err()
}

// AllChunkIDs returns every chunk id in the store, used for consistency
// verification against the vector index.
func (c *Client) AllChunkIDs() ([]string, error) {
	rows, err := c.db.Query(`SELECT id FROM chunks`)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunk ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan chunk id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (c *Client) TotalChunkCount() (int, error) {
	var count int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM chunks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}
