package handlers

import (
	"errors"
	"io"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/extract"
	"github.com/docqa/backend/internal/index"
	"github.com/docqa/backend/internal/pipeline"
	"github.com/docqa/backend/internal/storage/sqlite"
	"github.com/docqa/backend/pkg/logger"
)

type DocumentHandler struct {
	pipeline *pipeline.Pipeline
}

func NewDocumentHandler(p *pipeline.Pipeline) *DocumentHandler {
	return &DocumentHandler{pipeline: p}
}

// UploadDocument accepts a multipart PDF upload and runs the ingestion
// pipeline on it.
func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "A PDF file is required",
		})
	}

	if !strings.HasSuffix(strings.ToLower(fileHeader.Filename), ".pdf") {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Only PDF files are supported",
		})
	}

	f, err := fileHeader.Open()
	if err != nil {
		logger.Error("Failed to open uploaded file", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Could not read uploaded file",
		})
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		logger.Error("Failed to read uploaded file", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Could not read uploaded file",
		})
	}

	if len(data) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Empty file uploaded",
		})
	}

	result, err := h.pipeline.Ingest(c.Context(), data, fileHeader.Filename)
	if err != nil {
		return ingestErrorResponse(c, err)
	}

	return c.JSON(fiber.Map{
		"document_id": result.DocumentID,
		"filename":    result.Filename,
		"page_count":  result.PageCount,
		"chunk_count": result.ChunkCount,
		"message":     "Document uploaded and processed successfully",
	})
}

// ListDocuments returns the registered documents.
func (h *DocumentHandler) ListDocuments(c *fiber.Ctx) error {
	docs, err := h.pipeline.ListDocuments()
	if err != nil {
		logger.Error("Failed to list documents", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list documents",
		})
	}

	out := make([]fiber.Map, 0, len(docs))
	for _, d := range docs {
		out = append(out, fiber.Map{
			"document_id": d.ID,
			"filename":    d.Filename,
			"upload_time": d.UploadTime,
			"page_count":  d.PageCount,
			"byte_size":   d.ByteSize,
			"chunk_count": d.ChunkCount,
		})
	}

	return c.JSON(fiber.Map{
		"documents":   out,
		"total_count": len(out),
	})
}

// DeleteDocument removes a document, its chunks and vectors.
func (h *DocumentHandler) DeleteDocument(c *fiber.Ctx) error {
	documentID := c.Params("id")
	if documentID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Document id is required",
		})
	}

	err := h.pipeline.Remove(c.Context(), documentID)
	if errors.Is(err, sqlite.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Document not found",
		})
	}
	if err != nil {
		logger.Error("Failed to delete document", zap.String("doc_id", documentID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete document",
		})
	}

	return c.JSON(fiber.Map{
		"document_id": documentID,
		"message":     "Document deleted successfully",
	})
}

func ingestErrorResponse(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, extract.ErrExtraction):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Could not extract text from PDF: " + err.Error(),
		})
	case errors.Is(err, index.ErrDimensionMismatch):
		logger.Error("Dimension mismatch during ingestion", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Embedding configuration mismatch",
		})
	default:
		logger.Error("Failed to ingest document", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process document",
		})
	}
}
