package crawlstore

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/aranea/internal/models"
)

const (
	jsonlExportName = "results.jsonl"
	zipExportName   = "results.zip"
)

// ExportJSONL regenerates exports/results.jsonl for the job and returns its
// path. Each line is one flattened record: url, depth, ok, status_code and
// timestamp at the top level with the extraction fields spread beside them.
func (s *Store) ExportJSONL(jobID string) (string, error) {
	jobDir, err := s.JobDir(jobID)
	if err != nil {
		return "", err
	}
	outPath := filepath.Join(jobDir, exportsDirName, jsonlExportName)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create exports directory: %w", err)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("failed to create JSONL export: %w", err)
	}

	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)

	paths, err := s.pageFilePaths(jobDir)
	if err != nil {
		out.Close()
		return "", err
	}
	for _, path := range paths {
		rec, err := readPageFile(path)
		if err != nil {
			s.logger.Warn().Err(err).Str("file", path).Msg("Skipping unreadable page record")
			continue
		}
		if err := enc.Encode(exportRecord(rec)); err != nil {
			out.Close()
			return "", fmt.Errorf("failed to write JSONL record: %w", err)
		}
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize JSONL export: %w", err)
	}

	s.logger.Info().Str("job_id", jobID).Str("file", outPath).Msg("Exported job to JSONL")
	return outPath, nil
}

// ExportZip builds exports/results.zip bundling the JSONL export, every
// page record, every captured blob and the manifest, and returns its path.
// The JSONL export is regenerated first so the archive is self-consistent.
func (s *Store) ExportZip(jobID string) (string, error) {
	jobDir, err := s.JobDir(jobID)
	if err != nil {
		return "", err
	}
	jsonlPath, err := s.ExportJSONL(jobID)
	if err != nil {
		return "", err
	}

	outPath := filepath.Join(jobDir, exportsDirName, zipExportName)
	out, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("failed to create ZIP export: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	if err := s.writeZipContents(zw, jobDir, jsonlPath); err != nil {
		zw.Close()
		return "", fmt.Errorf("failed to build ZIP export: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize ZIP export: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize ZIP export: %w", err)
	}

	s.logger.Info().Str("job_id", jobID).Str("file", outPath).Msg("Exported job to ZIP")
	return outPath, nil
}

func (s *Store) writeZipContents(zw *zip.Writer, jobDir, jsonlPath string) error {
	if err := addZipFile(zw, jsonlPath, jsonlExportName); err != nil {
		return err
	}

	pagePaths, err := s.pageFilePaths(jobDir)
	if err != nil {
		return err
	}
	for _, path := range pagePaths {
		if err := addZipFile(zw, path, "pages/"+filepath.Base(path)); err != nil {
			return err
		}
	}

	blobsPath := filepath.Join(jobDir, blobsDirName)
	blobs, err := os.ReadDir(blobsPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, e := range blobs {
		if e.IsDir() {
			continue
		}
		if err := addZipFile(zw, filepath.Join(blobsPath, e.Name()), "blobs/"+e.Name()); err != nil {
			return err
		}
	}

	return addZipFile(zw, filepath.Join(jobDir, manifestName), manifestName)
}

func addZipFile(zw *zip.Writer, srcPath, name string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

// pageFilePaths lists the job's page record files in filename order, which
// os.ReadDir already guarantees.
func (s *Store) pageFilePaths(jobDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(jobDir, pagesDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read pages directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			paths = append(paths, filepath.Join(jobDir, pagesDirName, e.Name()))
		}
	}
	return paths, nil
}

// exportRecord flattens a page record for the JSONL export. The extraction
// payload is spread last, matching how ingestion pipelines expect
// readability fields at the top level.
func exportRecord(rec *models.PageRecord) map[string]interface{} {
	out := map[string]interface{}{
		"url":         rec.URL,
		"depth":       rec.Depth,
		"ok":          rec.OK,
		"status_code": rec.StatusCode,
		"timestamp":   rec.Timestamp,
	}
	if rec.ArticleResult != nil {
		data, err := json.Marshal(rec.ArticleResult)
		if err == nil {
			var fields map[string]interface{}
			if json.Unmarshal(data, &fields) == nil {
				for k, v := range fields {
					out[k] = v
				}
			}
		}
	}
	return out
}
