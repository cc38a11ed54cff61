package crawlstore

import (
	"archive/zip"
	"bufio"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportJSONL(t *testing.T) {
	store := newTestStore(t)
	manifest := createTestJob(t, store, "https://example.com")

	require.NoError(t, store.SavePage(manifest.JobID, testPageRecord(manifest.JobID, "https://example.com/", 0, true)))
	require.NoError(t, store.SavePage(manifest.JobID, testPageRecord(manifest.JobID, "https://example.com/broken", 1, false)))

	path, err := store.ExportJSONL(manifest.JobID)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "results.jsonl"))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	records := make(map[string]map[string]interface{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records[rec["url"].(string)] = rec
	}
	require.NoError(t, scanner.Err())
	require.Len(t, records, 2)

	okRec := records["https://example.com/"]
	require.NotNil(t, okRec)
	assert.Equal(t, true, okRec["ok"])
	assert.Equal(t, float64(200), okRec["status_code"])
	// Extraction fields sit beside the crawl fields, not nested
	assert.Equal(t, "Example Page", okRec["title"])
	assert.Equal(t, "Example body text", okRec["textContent"])
	_, nested := okRec["article_result"]
	assert.False(t, nested)

	failedRec := records["https://example.com/broken"]
	require.NotNil(t, failedRec)
	assert.Equal(t, false, failedRec["ok"])
	assert.Equal(t, float64(503), failedRec["status_code"])
}

func TestExportJSONLEmptyJob(t *testing.T) {
	store := newTestStore(t)
	manifest := createTestJob(t, store, "https://example.com")

	path, err := store.ExportJSONL(manifest.JobID)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestExportZip(t *testing.T) {
	store := newTestStore(t)
	manifest := createTestJob(t, store, "https://example.com")

	require.NoError(t, store.SavePage(manifest.JobID, testPageRecord(manifest.JobID, "https://example.com/", 0, true)))
	require.NoError(t, store.SavePage(manifest.JobID, testPageRecord(manifest.JobID, "https://example.com/a", 1, true)))
	blobName, err := store.SaveAsset(manifest.JobID, "https://example.com/logo.png", []byte("png bytes"), "image/png")
	require.NoError(t, err)

	path, err := store.ExportZip(manifest.JobID)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "results.zip"))

	reader, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer reader.Close()

	names := make(map[string]bool)
	for _, f := range reader.File {
		names[f.Name] = true
	}

	assert.True(t, names["results.jsonl"])
	assert.True(t, names["manifest.json"])
	assert.True(t, names["pages/"+PageID("https://example.com/")+".json"])
	assert.True(t, names["pages/"+PageID("https://example.com/a")+".json"])
	assert.True(t, names["blobs/"+blobName])
	assert.Len(t, reader.File, 5)
}

func TestExportRecordStatusPrecedence(t *testing.T) {
	rec := testPageRecord("job1", "https://example.com/", 0, true)
	rec.StatusCode = 200
	rec.ArticleResult.StatusCode = 301

	out := exportRecord(rec)
	// The extraction payload is spread last, so its status wins on collision
	assert.Equal(t, float64(301), out["status_code"])
}

func TestExportUnknownJob(t *testing.T) {
	store := newTestStore(t)
	_, err := store.ExportJSONL("deadbeefdeadbeef")
	assert.Error(t, err)
	_, err = store.ExportZip("deadbeefdeadbeef")
	assert.Error(t, err)
}

func TestExportZipRegeneratesJSONL(t *testing.T) {
	store := newTestStore(t)
	manifest := createTestJob(t, store, "https://example.com")
	require.NoError(t, store.SavePage(manifest.JobID, testPageRecord(manifest.JobID, "https://example.com/", 0, true)))

	first, err := store.ExportJSONL(manifest.JobID)
	require.NoError(t, err)
	before, err := os.ReadFile(first)
	require.NoError(t, err)

	require.NoError(t, store.SavePage(manifest.JobID, testPageRecord(manifest.JobID, "https://example.com/later", 1, true)))
	_, err = store.ExportZip(manifest.JobID)
	require.NoError(t, err)

	after, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Greater(t, len(after), len(before))
}
