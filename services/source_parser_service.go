package services

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jfilter/timetiles-sub003/models"

	"github.com/xuri/excelize/v2"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrSheetOutOfRange   = errors.New("sheet index out of range")
)

// SourceParserService turns an uploaded or fetched file into rows. CSV and
// JSON files are a single sheet; XLSX workbooks expose one sheet per tab.
type SourceParserService struct {
	uploadDir string
	client    *http.Client
}

func NewSourceParserService(uploadDir string) *SourceParserService {
	if uploadDir == "" {
		uploadDir = os.Getenv("UPLOAD_DIR")
	}
	if uploadDir == "" {
		uploadDir = "uploads"
	}
	return &SourceParserService{
		uploadDir: uploadDir,
		client:    &http.Client{Timeout: 2 * time.Minute},
	}
}

// UploadDir is where stored source files live.
func (s *SourceParserService) UploadDir() string { return s.uploadDir }

// FetchToFile downloads a url-fetch source to the upload directory and fills
// in the source's stored path and file size.
func (s *SourceParserService) FetchToFile(ctx context.Context, source *models.ImportSource) error {
	if source.SourceURL == "" {
		return errors.New("source has no URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.SourceURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return fmt.Errorf("failed to create upload directory: %w", err)
	}

	ext := filepath.Ext(source.SourceURL)
	if ext == "" {
		ext = extensionForMime(resp.Header.Get("Content-Type"))
	}
	path := filepath.Join(s.uploadDir, source.ID+ext)

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer out.Close()

	size, err := io.Copy(out, resp.Body)
	if err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	source.StoredPath = path
	source.FileSize = size
	if source.OriginalName == "" {
		source.OriginalName = filepath.Base(source.SourceURL)
	}
	return nil
}

// SheetCount reports how many jobs a stored file fans out into.
func (s *SourceParserService) SheetCount(path string) (int, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".json":
		return 1, nil
	case ".xlsx":
		f, err := excelize.OpenFile(path)
		if err != nil {
			return 0, fmt.Errorf("failed to open workbook: %w", err)
		}
		defer f.Close()
		n := len(f.GetSheetList())
		if n == 0 {
			n = 1
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// ParseSheet reads one sheet of a stored file into rows.
func (s *SourceParserService) ParseSheet(path string, sheetIndex int) ([]Row, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		if sheetIndex != 0 {
			return nil, ErrSheetOutOfRange
		}
		return parseCSV(path)
	case ".json":
		if sheetIndex != 0 {
			return nil, ErrSheetOutOfRange
		}
		return parseJSON(path)
	case ".xlsx":
		return parseXLSX(path, sheetIndex)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

func parseCSV(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	headers := normalizeHeaders(header)

	var rows []Row
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", len(rows)+2, err)
		}
		rows = append(rows, recordToRow(headers, record))
	}
	return rows, nil
}

func parseXLSX(path string, sheetIndex int) ([]Row, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if sheetIndex < 0 || sheetIndex >= len(sheets) {
		return nil, ErrSheetOutOfRange
	}

	records, err := f.GetRows(sheets[sheetIndex])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheets[sheetIndex], err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	headers := normalizeHeaders(records[0])
	rows := make([]Row, 0, len(records)-1)
	for _, record := range records[1:] {
		rows = append(rows, recordToRow(headers, record))
	}
	return rows, nil
}

func parseJSON(path string) ([]Row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var rows []Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse JSON array: %w", err)
	}
	return rows, nil
}

// normalizeHeaders trims headers and fills in placeholders for blank columns
// so row values never silently collide on an empty key.
func normalizeHeaders(header []string) []string {
	headers := make([]string, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if h == "" {
			h = "column_" + strconv.Itoa(i+1)
		}
		headers[i] = h
	}
	return headers
}

// recordToRow maps cells onto headers. Empty cells are treated as missing so
// schema inference sees the field as absent rather than an empty string.
// Tabular cells arrive as text; numbers and booleans are recovered here.
func recordToRow(headers []string, record []string) Row {
	row := make(Row, len(headers))
	for i, header := range headers {
		if i >= len(record) {
			break
		}
		cell := strings.TrimSpace(record[i])
		if cell == "" {
			continue
		}
		row[header] = coerceCell(cell)
	}
	return row
}

func coerceCell(cell string) any {
	if n, err := strconv.ParseFloat(cell, 64); err == nil {
		return n
	}
	switch strings.ToLower(cell) {
	case "true":
		return true
	case "false":
		return false
	}
	return cell
}

func extensionForMime(contentType string) string {
	mime := contentType
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = mime[:i]
	}
	switch strings.TrimSpace(mime) {
	case "text/csv":
		return ".csv"
	case "application/json":
		return ".json"
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return ".xlsx"
	default:
		return ".csv"
	}
}
