package crawlstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aranea/internal/models"
)

const (
	registryName   = ".job_registry.json"
	manifestName   = "manifest.json"
	logName        = "logs.txt"
	pagesDirName   = "pages"
	blobsDirName   = "blobs"
	exportsDirName = "exports"

	folderTimestampLayout = "2006-01-02_15-04-05"

	defaultPageLimit = 50
)

// registryEntry locates a job's directory without scanning every domain
// folder. The registry lives in a hidden JSON file at the storage root.
type registryEntry struct {
	Domain    string `json:"domain"`
	Timestamp string `json:"timestamp"`
	CreatedAt string `json:"created_at"`
}

// Store persists crawl jobs beneath a base directory, one folder per job
// grouped by the start URL's domain:
//
//	<base>/<domain>/<timestamp>_<jobid8>/
//	    manifest.json
//	    logs.txt
//	    pages/<sha256(url)>.json
//	    blobs/<sha256(bytes)>.<ext>
//	    exports/results.jsonl, results.zip
//
// Page and blob writes are append-only. The manifest is the only mutable
// document and is always replaced atomically.
type Store struct {
	baseDir string
	logger  arbor.ILogger

	mu       sync.Mutex
	registry map[string]registryEntry
}

// New opens (creating if needed) a job store rooted at baseDir.
func New(baseDir string, logger arbor.ILogger) (*Store, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("storage base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	s := &Store{
		baseDir:  baseDir,
		logger:   logger,
		registry: make(map[string]registryEntry),
	}
	s.loadRegistry()
	return s, nil
}

// BaseDir returns the root directory jobs are stored under.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// CreateJob allocates a directory for a new crawl and writes its initial
// manifest in the pending state. The job ID is derived from the start URL
// and creation time, so repeated crawls of the same site get distinct jobs.
func (s *Store) CreateJob(params *models.CrawlParams) (*models.Manifest, error) {
	now := time.Now().UTC()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s_%s", params.StartURL, now.Format(time.RFC3339Nano))))
	jobID := hex.EncodeToString(sum[:])[:16]

	domain := domainForURL(params.StartURL)
	timestamp := now.Format(folderTimestampLayout)
	jobDir := filepath.Join(s.baseDir, domain, timestamp+"_"+shortJobID(jobID))

	for _, sub := range []string{pagesDirName, blobsDirName, exportsDirName} {
		if err := os.MkdirAll(filepath.Join(jobDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create job directory: %w", err)
		}
	}

	s.mu.Lock()
	s.registry[jobID] = registryEntry{
		Domain:    domain,
		Timestamp: timestamp,
		CreatedAt: now.Format(time.RFC3339Nano),
	}
	s.saveRegistryLocked()
	s.mu.Unlock()

	manifest := &models.Manifest{
		JobID:     jobID,
		CreatedAt: now,
		Params:    params,
		Status: models.JobStatusDetail{
			State: models.JobStatePending,
		},
	}
	if err := s.WriteManifest(manifest); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("job_id", jobID).
		Str("domain", domain).
		Str("dir", jobDir).
		Msg("Created crawl job")

	return manifest, nil
}

// JobDir resolves the on-disk directory for a job. Jobs missing from the
// registry are recovered by scanning domain folders for the job's directory
// suffix, which also heals the registry entry.
func (s *Store) JobDir(jobID string) (string, error) {
	s.mu.Lock()
	entry, ok := s.registry[jobID]
	s.mu.Unlock()
	if ok {
		return filepath.Join(s.baseDir, entry.Domain, entry.Timestamp+"_"+shortJobID(jobID)), nil
	}

	if dir := s.scanForJob(jobID); dir != "" {
		return dir, nil
	}
	return "", fmt.Errorf("job %s not found", jobID)
}

// JobExists reports whether the job's directory is present on disk.
func (s *Store) JobExists(jobID string) bool {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// WriteManifest atomically replaces the job's manifest. The document is
// written to a temp file in the job directory and renamed into place, so a
// crash mid-write never leaves a truncated manifest behind.
func (s *Store) WriteManifest(manifest *models.Manifest) error {
	jobDir, err := s.JobDir(manifest.JobID)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(jobDir, ".manifest-*.json")
	if err != nil {
		return fmt.Errorf("failed to create manifest temp file: %w", err)
	}
	enc := json.NewEncoder(tmp)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(manifest); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(jobDir, manifestName)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace manifest: %w", err)
	}
	return nil
}

// ReadManifest loads the job's manifest from disk.
func (s *Store) ReadManifest(jobID string) (*models.Manifest, error) {
	jobDir, err := s.JobDir(jobID)
	if err != nil {
		return nil, err
	}
	manifest, err := readManifestFile(filepath.Join(jobDir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest for job %s: %w", jobID, err)
	}
	return manifest, nil
}

// PageID returns the stable identifier for a page URL, the hex SHA-256 of
// the canonical URL string. Page files are named by this ID.
func PageID(pageURL string) string {
	sum := sha256.Sum256([]byte(pageURL))
	return hex.EncodeToString(sum[:])
}

// SavePage writes one immutable page record keyed by the hash of its URL.
func (s *Store) SavePage(jobID string, rec *models.PageRecord) error {
	jobDir, err := s.JobDir(jobID)
	if err != nil {
		return err
	}
	path := filepath.Join(jobDir, pagesDirName, PageID(rec.URL)+".json")
	if err := writePrettyJSON(path, rec); err != nil {
		return fmt.Errorf("failed to save page %s: %w", rec.URL, err)
	}
	return nil
}

// GetPage loads one page record by its page ID. Returns nil when the page
// does not exist.
func (s *Store) GetPage(jobID, pageID string) (*models.PageRecord, error) {
	if !validPageID(pageID) {
		return nil, nil
	}
	jobDir, err := s.JobDir(jobID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(jobDir, pagesDirName, pageID+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read page %s: %w", pageID, err)
	}
	var rec models.PageRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse page %s: %w", pageID, err)
	}
	return &rec, nil
}

// SaveAsset writes asset bytes content-addressed into the job's blob
// directory and returns the blob filename. Identical payloads land on the
// same file regardless of how many pages reference them.
func (s *Store) SaveAsset(jobID, sourceURL string, data []byte, contentType string) (string, error) {
	jobDir, err := s.JobDir(jobID)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:])
	if ext := extensionForMIME(contentType); ext != "" {
		name += "." + ext
	}

	if err := os.WriteFile(filepath.Join(jobDir, blobsDirName, name), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to save asset %s: %w", sourceURL, err)
	}

	s.logger.Debug().
		Str("url", sourceURL).
		Str("blob", name).
		Int("bytes", len(data)).
		Msg("Saved asset")

	return name, nil
}

// OpenBlob opens a stored blob for reading.
func (s *Store) OpenBlob(jobID, blobName string) (*os.File, error) {
	if blobName == "" || blobName != filepath.Base(blobName) {
		return nil, fmt.Errorf("invalid blob name")
	}
	jobDir, err := s.JobDir(jobID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(jobDir, blobsDirName, blobName))
	if err != nil {
		return nil, fmt.Errorf("failed to open blob %s: %w", blobName, err)
	}
	return f, nil
}

// AppendLog appends one timestamped line to the job's activity log.
func (s *Store) AppendLog(jobID, message string) error {
	jobDir, err := s.JobDir(jobID)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(jobDir, logName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open job log: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("[%s] %s\n", time.Now().UTC().Format(time.RFC3339), message)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("failed to append to job log: %w", err)
	}
	return nil
}

// ReadLog returns the job's activity log. A job with no log yet yields an
// empty string.
func (s *Store) ReadLog(jobID string) (string, error) {
	jobDir, err := s.JobDir(jobID)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(jobDir, logName))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read job log: %w", err)
	}
	return string(data), nil
}

// ListJobs returns summaries of stored jobs, newest first by directory
// modification time. A limit of zero or less returns everything.
func (s *Store) ListJobs(limit, offset int) ([]models.JobSummary, error) {
	type jobFolder struct {
		path  string
		mtime time.Time
	}

	domains, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage directory: %w", err)
	}

	var folders []jobFolder
	for _, d := range domains {
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.baseDir, d.Name()))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			path := filepath.Join(s.baseDir, d.Name(), e.Name())
			if _, err := os.Stat(filepath.Join(path, manifestName)); err != nil {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			folders = append(folders, jobFolder{path: path, mtime: info.ModTime()})
		}
	}

	sort.Slice(folders, func(i, j int) bool {
		if folders[i].mtime.Equal(folders[j].mtime) {
			return folders[i].path > folders[j].path
		}
		return folders[i].mtime.After(folders[j].mtime)
	})

	if offset < 0 {
		offset = 0
	}
	if offset > len(folders) {
		offset = len(folders)
	}
	folders = folders[offset:]
	if limit > 0 && len(folders) > limit {
		folders = folders[:limit]
	}

	summaries := make([]models.JobSummary, 0, len(folders))
	for _, folder := range folders {
		manifest, err := readManifestFile(filepath.Join(folder.path, manifestName))
		if err != nil {
			s.logger.Warn().Err(err).Str("dir", folder.path).Msg("Skipping job with unreadable manifest")
			continue
		}
		summaries = append(summaries, summarize(manifest))
	}
	return summaries, nil
}

// ListPages returns page summaries in crawl order, oldest record first. The
// offset skips files before the status filter is applied; the limit counts
// records that pass the filter.
func (s *Store) ListPages(jobID string, offset, limit int, filter models.PageStatusFilter) ([]models.PageSummary, error) {
	jobDir, err := s.JobDir(jobID)
	if err != nil {
		return nil, err
	}

	type pageFile struct {
		name  string
		mtime time.Time
	}

	entries, err := os.ReadDir(filepath.Join(jobDir, pagesDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return []models.PageSummary{}, nil
		}
		return nil, fmt.Errorf("failed to read pages for job %s: %w", jobID, err)
	}

	files := make([]pageFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, pageFile{name: e.Name(), mtime: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].mtime.Equal(files[j].mtime) {
			return files[i].name < files[j].name
		}
		return files[i].mtime.Before(files[j].mtime)
	})

	if offset < 0 {
		offset = 0
	}
	if offset > len(files) {
		offset = len(files)
	}
	files = files[offset:]
	if limit <= 0 {
		limit = defaultPageLimit
	}

	summaries := make([]models.PageSummary, 0)
	for _, f := range files {
		if len(summaries) >= limit {
			break
		}
		rec, err := readPageFile(filepath.Join(jobDir, pagesDirName, f.name))
		if err != nil {
			s.logger.Warn().Err(err).Str("file", f.name).Msg("Skipping unreadable page record")
			continue
		}
		if !filter.Matches(rec) {
			continue
		}
		summaries = append(summaries, models.PageSummary{
			PageID:     strings.TrimSuffix(f.name, ".json"),
			URL:        rec.URL,
			Depth:      rec.Depth,
			StatusCode: rec.StatusCode,
			OK:         rec.OK,
			Timestamp:  rec.Timestamp,
			Title:      rec.Title,
			Reason:     rec.Reason,
		})
	}
	return summaries, nil
}

// PageCount returns the number of stored page records for a job.
func (s *Store) PageCount(jobID string) int {
	jobDir, err := s.JobDir(jobID)
	if err != nil {
		return 0
	}
	entries, err := os.ReadDir(filepath.Join(jobDir, pagesDirName))
	if err != nil {
		return 0
	}
	count := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			count++
		}
	}
	return count
}

// DeleteJob removes the job directory and its registry entry.
func (s *Store) DeleteJob(jobID string) error {
	jobDir, err := s.JobDir(jobID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(jobDir); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", jobID, err)
	}

	s.mu.Lock()
	delete(s.registry, jobID)
	s.saveRegistryLocked()
	s.mu.Unlock()

	s.logger.Info().Str("job_id", jobID).Msg("Deleted crawl job")
	return nil
}

func (s *Store) loadRegistry() {
	data, err := os.ReadFile(filepath.Join(s.baseDir, registryName))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Msg("Failed to read job registry")
		}
		return
	}
	if err := json.Unmarshal(data, &s.registry); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to parse job registry")
		s.registry = make(map[string]registryEntry)
	}
}

func (s *Store) saveRegistryLocked() {
	data, err := json.MarshalIndent(s.registry, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(s.baseDir, registryName), data, 0o644)
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to save job registry")
	}
}

// scanForJob walks domain folders looking for a directory carrying the
// job's short-ID suffix and re-registers it on a hit.
func (s *Store) scanForJob(jobID string) string {
	suffix := "_" + shortJobID(jobID)
	domains, err := os.ReadDir(s.baseDir)
	if err != nil {
		return ""
	}
	for _, d := range domains {
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.baseDir, d.Name()))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
				continue
			}
			s.mu.Lock()
			s.registry[jobID] = registryEntry{
				Domain:    d.Name(),
				Timestamp: strings.TrimSuffix(e.Name(), suffix),
				CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
			}
			s.saveRegistryLocked()
			s.mu.Unlock()
			return filepath.Join(s.baseDir, d.Name(), e.Name())
		}
	}
	return ""
}

func summarize(m *models.Manifest) models.JobSummary {
	summary := models.JobSummary{
		JobID:           m.JobID,
		State:           m.Status.State,
		CreatedAt:       m.CreatedAt,
		StartedAt:       m.Status.StartedAt,
		FinishedAt:      m.Status.FinishedAt,
		Stats:           m.Status.Stats,
		ProgressPercent: m.Status.Stats.ProgressPercent(),
		LastError:       m.Status.LastError,
	}
	if m.Params != nil {
		summary.StartURL = m.Params.StartURL
		summary.Domain = domainForURL(m.Params.StartURL)
	}
	return summary
}

func readManifestFile(path string) (*models.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var manifest models.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, err
	}
	return &manifest, nil
}

func readPageFile(path string) (*models.PageRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec models.PageRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// writePrettyJSON writes v as indented JSON without HTML escaping, so page
// content embedded in records stays readable on disk.
func writePrettyJSON(path string, v interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// domainForURL folds the start URL to the folder name jobs group under.
func domainForURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if host == "" {
		return "unknown"
	}
	return host
}

func shortJobID(jobID string) string {
	if len(jobID) > 8 {
		return jobID[:8]
	}
	return jobID
}

func validPageID(id string) bool {
	if len(id) != 64 {
		return false
	}
	for _, r := range id {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// extensionForMIME maps a Content-Type to a filename extension without the
// dot. Common web types are pinned; mime.ExtensionsByType ordering varies
// across platforms.
func extensionForMIME(contentType string) string {
	mediaType := contentType
	if i := strings.Index(mediaType, ";"); i >= 0 {
		mediaType = mediaType[:i]
	}
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))

	switch mediaType {
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	case "image/svg+xml":
		return "svg"
	case "application/pdf":
		return "pdf"
	case "text/html":
		return "html"
	case "text/plain":
		return "txt"
	}

	exts, err := mime.ExtensionsByType(mediaType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return strings.TrimPrefix(exts[0], ".")
}
