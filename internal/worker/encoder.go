package worker

import (
	"bytes"
	"time"

	"pixelwatch/internal/pixel"
	"pixelwatch/internal/pool"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

// ArchiveLine is one JSONL row of an archive batch.
type ArchiveLine struct {
	Reason     string       `json:"reason"`
	Instance   string       `json:"instance"`
	ArchivedAt time.Time    `json:"archived_at"`
	Record     pixel.Record `json:"record"`
}

// Encoder serializes archive batches as gzip-compressed JSONL.
//
//   - goccy/go-json encoding straight into the gzip writer
//   - gzip.Writer and bytes.Buffer come from pools
//   - the result is copied into a fresh slice owned by the caller; the
//     pooled buffer is reused and must not escape
type Encoder struct{}

func NewEncoder() *Encoder {
	return &Encoder{}
}

// EncodeBatchJSONLGZ writes one line per entry and compresses the lot.
func (e *Encoder) EncodeBatchJSONLGZ(lines []ArchiveLine) ([]byte, error) {

	// ------------------------------------------------------------
	// 1) output buffer and gzip writer from the pools
	// ------------------------------------------------------------
	buf := pool.BufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	gz := pool.GzipPool.Get().(*gzip.Writer)
	gz.Reset(buf)

	// ------------------------------------------------------------
	// 2) JSONL, one record per line
	// ------------------------------------------------------------
	enc := json.NewEncoder(gz)
	for i := range lines {
		if err := enc.Encode(&lines[i]); err != nil {
			_ = gz.Close()
			pool.GzipPool.Put(gz)
			pool.PutBuffer(buf)
			return nil, err
		}
	}

	// ------------------------------------------------------------
	// 3) close to write the gzip footer
	// ------------------------------------------------------------
	if err := gz.Close(); err != nil {
		pool.GzipPool.Put(gz)
		pool.PutBuffer(buf)
		return nil, err
	}
	pool.GzipPool.Put(gz)

	// ------------------------------------------------------------
	// 4) hand the caller its own copy
	// ------------------------------------------------------------
	raw := buf.Bytes()
	data := make([]byte, len(raw))
	copy(data, raw)

	pool.PutBuffer(buf)
	return data, nil
}
