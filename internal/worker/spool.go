// internal/worker/spool.go
package worker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"pixelwatch/internal/metrics"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

const (
	metaSuffix       = ".meta.json"
	quarantineSuffix = "_quarantine"
)

// fileUploader is what the spool needs from S3Uploader.
type fileUploader interface {
	UploadFileWithRetryCtx(ctx context.Context, key string, f io.ReadSeeker, size int64) error
}

// SpoolOptions configure a Spool.
type SpoolOptions struct {
	Dir          string
	MaxAge       time.Duration // 0 disables TTL
	MaxSizeBytes int64         // 0 disables the size cap
	InstanceID   string
	Prefix       string // archive prefix; unreadable files go to <prefix>_quarantine
}

// Spool
// ------------------------------------------------------------
// Archive batches whose upload failed wait here, on local disk, for a
// later attempt. Each batch is a data file plus a small meta file
// holding its record count.
//
// Age is taken from the epoch seconds at the start of the file name, not
// from mtime. Files are re-uploaded oldest first.
type Spool struct {
	opts     SpoolOptions
	metrics  *metrics.Metrics
	uploader fileUploader
	log      zerolog.Logger
	now      func() int64

	// bytes currently held in data files
	sizeBytes int64
}

// NewSpool creates the directory and restores the size/file gauges from
// what is already there. Meta files without data are removed.
func NewSpool(opts SpoolOptions, m *metrics.Metrics, uploader fileUploader, log zerolog.Logger) (*Spool, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	s := &Spool{
		opts:     opts,
		metrics:  m,
		uploader: uploader,
		log:      log,
		now:      Unix,
	}

	var total, count int64
	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("scan spool dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, metaSuffix) {
			data := strings.TrimSuffix(name, metaSuffix)
			if _, err := os.Stat(filepath.Join(opts.Dir, data)); os.IsNotExist(err) {
				_ = os.Remove(filepath.Join(opts.Dir, name))
			}
			continue
		}
		if !isDataFile(name) {
			continue
		}
		if info, err := e.Info(); err == nil {
			total += info.Size()
			count++
		}
	}

	atomic.StoreInt64(&s.sizeBytes, total)
	atomic.AddInt64(&m.SpoolSizeBytes, total)
	atomic.AddInt64(&m.SpoolFilesCurrent, count)

	return s, nil
}

func isDataFile(name string) bool {
	return name != "" && name[0] != '.' && !strings.HasSuffix(name, metaSuffix)
}

// SizeBytes is the total size of spooled data files.
func (s *Spool) SizeBytes() int64 { return atomic.LoadInt64(&s.sizeBytes) }

// Save parks a batch of numRecords records. When the size cap cannot be
// met even after deleting every older file, the batch is dropped and
// counted.
func (s *Spool) Save(data []byte, numRecords int) error {
	if len(data) == 0 || numRecords <= 0 {
		return nil
	}

	size := int64(len(data))
	if !s.ensureCapacity(size) {
		s.log.Error().Int64("bytes", size).Int("records", numRecords).Msg("spool full, batch dropped")
		atomic.AddInt64(&s.metrics.ArchiveRecordsDroppedTotal, int64(numRecords))
		return nil
	}

	filename := NewFilename(s.opts.InstanceID)
	dataPath := filepath.Join(s.opts.Dir, filename)

	if err := os.WriteFile(dataPath, data, 0o600); err != nil {
		return fmt.Errorf("write spool file: %w", err)
	}
	meta := []byte(fmt.Sprintf(`{"num_records":%d}`, numRecords))
	_ = os.WriteFile(dataPath+metaSuffix, meta, 0o600)

	atomic.AddInt64(&s.sizeBytes, size)
	atomic.AddInt64(&s.metrics.SpoolSizeBytes, size)
	atomic.AddInt64(&s.metrics.SpoolFilesCurrent, 1)
	atomic.AddInt64(&s.metrics.SpoolBatchesEnqueuedTotal, 1)

	return nil
}

// ensureCapacity deletes the oldest files until incoming fits. It is
// false when there is nothing left to delete.
func (s *Spool) ensureCapacity(incoming int64) bool {
	max := s.opts.MaxSizeBytes
	if max <= 0 {
		return true
	}

	for {
		if atomic.LoadInt64(&s.sizeBytes)+incoming <= max {
			return true
		}
		oldest := s.pickOldest()
		if oldest == "" {
			return false
		}
		s.remove(oldest)
		atomic.AddInt64(&s.metrics.SpoolFilesExpiredTotal, 1)
		s.log.Warn().Str("file", oldest).Msg("spool capacity, oldest file removed")
	}
}

// remove deletes a data file and its meta, keeping the gauges in step.
func (s *Spool) remove(name string) {
	dataPath := filepath.Join(s.opts.Dir, name)
	if info, err := os.Stat(dataPath); err == nil {
		atomic.AddInt64(&s.sizeBytes, -info.Size())
		atomic.AddInt64(&s.metrics.SpoolSizeBytes, -info.Size())
	}
	_ = os.Remove(dataPath)
	_ = os.Remove(dataPath + metaSuffix)
	atomic.AddInt64(&s.metrics.SpoolFilesCurrent, -1)
}

// ProcessOneCtx re-uploads the oldest spooled batch, or deletes it when
// it is past MaxAge. It reports whether a file was handled.
func (s *Spool) ProcessOneCtx(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	name := s.pickOldest()
	if name == "" {
		return false
	}
	dataPath := filepath.Join(s.opts.Dir, name)

	info, err := os.Stat(dataPath)
	if err != nil {
		_ = os.Remove(dataPath + metaSuffix)
		atomic.AddInt64(&s.metrics.SpoolFilesCurrent, -1)
		return true
	}
	size := info.Size()

	// --- TTL from the file name ---
	if s.opts.MaxAge > 0 {
		if sec, ok := extractUnixFromFilename(name); ok {
			age := time.Duration(s.now()-sec) * time.Second
			if age > s.opts.MaxAge {
				s.remove(name)
				atomic.AddInt64(&s.metrics.SpoolFilesExpiredTotal, 1)
				s.log.Info().Str("file", name).Dur("age", age).Msg("spool TTL expired")
				return true
			}
		}
	}

	if ctx.Err() != nil {
		return false
	}

	f, err := os.Open(dataPath)
	if err != nil {
		s.log.Warn().Err(err).Str("file", name).Msg("spool open failed")
		return false
	}
	defer f.Close()

	valid := validateFile(f, size)
	prefix := s.opts.Prefix
	if !valid {
		prefix += quarantineSuffix
	}
	key := BuildS3Key(prefix, name)

	if err := s.uploader.UploadFileWithRetryCtx(ctx, key, f, size); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("spool re-upload failed")
		return false
	}

	numRecords := int64(1)
	if meta, err := os.ReadFile(dataPath + metaSuffix); err == nil {
		var v struct {
			NumRecords int64 `json:"num_records"`
		}
		if json.Unmarshal(meta, &v) == nil && v.NumRecords > 0 {
			numRecords = v.NumRecords
		}
	}

	_ = f.Close()
	s.remove(name)
	atomic.AddInt64(&s.metrics.SpoolBatchesReuploadedTotal, 1)
	if valid {
		atomic.AddInt64(&s.metrics.ArchiveRecordsStoredTotal, numRecords)
	}

	s.log.Info().Str("key", key).Int64("records", numRecords).Bool("quarantined", !valid).Msg("spool re-upload succeeded")
	return true
}

// validateFile checks that the first JSONL line inside the gzip stream is
// a JSON object.
func validateFile(f *os.File, size int64) bool {
	if size <= 0 {
		return false
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		return false
	}
	defer gz.Close()

	line, err := bufio.NewReader(gz).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return false
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false
	}

	var tmp map[string]any
	return json.Unmarshal(line, &tmp) == nil
}

// pickOldest returns the data file with the smallest name. Names start
// with epoch seconds, so lexical order is age order. ReadDir order is not
// relied upon.
func (s *Spool) pickOldest() string {
	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return ""
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isDataFile(e.Name()) {
			continue
		}
		files = append(files, e.Name())
	}
	if len(files) == 0 {
		return ""
	}
	sort.Strings(files)
	return files[0]
}
