package interfaces

import (
	"github.com/ternarybob/aranea/internal/models"
)

// CrawlStore is the slice of the job store the orchestrator and its workers
// depend on. Page and blob writes are append-only; manifest writes replace
// the whole document atomically.
type CrawlStore interface {
	// WriteManifest persists the manifest via write-temp-then-rename.
	WriteManifest(manifest *models.Manifest) error

	// SavePage writes one immutable page record keyed by the hash of its
	// canonical URL.
	SavePage(jobID string, rec *models.PageRecord) error

	// SaveAsset writes asset bytes to the blob store and returns the blob
	// filename (content hash plus extension).
	SaveAsset(jobID, sourceURL string, data []byte, contentType string) (string, error)

	// AppendLog appends one timestamped line to the job's activity log.
	AppendLog(jobID, message string) error
}
