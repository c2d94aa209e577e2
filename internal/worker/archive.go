// internal/worker/archive.go
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"pixelwatch/internal/config"
	"pixelwatch/internal/metrics"
	"pixelwatch/internal/pixel"

	"github.com/rs/zerolog"
)

// Archive reasons.
const (
	ReasonNavigation     = "navigation"
	ReasonContextRemoved = "context_removed"
	ReasonShutdown       = "shutdown"
)

// Sink receives records that leave the engine.
type Sink interface {
	Enqueue(reason string, records []pixel.Record)
}

type archiveJob struct {
	reason  string
	at      time.Time
	records []pixel.Record
}

// bytesUploader is what the archiver needs from S3Uploader.
type bytesUploader interface {
	UploadBytesWithRetryCtx(ctx context.Context, key string, body []byte) error
}

// Archiver
// ------------------------------------------------------------
// Exports evicted records once, as gzip JSONL objects under
//
//	<prefix>/dt=YYYY-MM-DD/hr=HH/<unix>_<instance>_<counter>.jsonl.gz
//
// Enqueue never blocks the engine: when the queue is full the batch is
// dropped and counted. A failed upload goes to the spool, which is
// drained oldest first between jobs and while idle.
//
// The archive is write-only; nothing in the engine reads it back.
type Archiver struct {
	prefix   string
	instance string
	metrics  *metrics.Metrics
	log      zerolog.Logger

	uploader bytesUploader
	spool    *Spool
	encoder  *Encoder

	jobs chan archiveJob
	idle time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool
	mu        sync.RWMutex // guards jobs against send-after-close
}

// NewArchiver builds the S3 uploader and the spool from cfg.
func NewArchiver(ctx context.Context, cfg config.Config, m *metrics.Metrics, log zerolog.Logger) (*Archiver, error) {
	up, err := NewS3Uploader(ctx, cfg, m)
	if err != nil {
		return nil, err
	}
	return newArchiver(cfg, m, log, up, up)
}

func newArchiver(cfg config.Config, m *metrics.Metrics, log zerolog.Logger, up bytesUploader, files fileUploader) (*Archiver, error) {
	spool, err := NewSpool(SpoolOptions{
		Dir:          cfg.SpoolDir,
		MaxAge:       cfg.SpoolMaxAge,
		MaxSizeBytes: cfg.SpoolMaxSizeBytes,
		InstanceID:   cfg.InstanceID,
		Prefix:       cfg.ArchivePrefix,
	}, m, files, log)
	if err != nil {
		return nil, err
	}

	queue := cfg.ArchiveQueue
	if queue <= 0 {
		queue = 1
	}
	return &Archiver{
		prefix:   cfg.ArchivePrefix,
		instance: cfg.InstanceID,
		metrics:  m,
		log:      log,
		uploader: up,
		spool:    spool,
		encoder:  NewEncoder(),
		jobs:     make(chan archiveJob, queue),
		idle:     time.Second,
	}, nil
}

// Start runs the upload loop.
func (a *Archiver) Start() {
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.wg.Add(1)
	go a.uploadLoop()
}

// Enqueue hands records to the upload loop without blocking.
func (a *Archiver) Enqueue(reason string, records []pixel.Record) {
	if len(records) == 0 {
		return
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed.Load() {
		atomic.AddInt64(&a.metrics.ArchiveRecordsDroppedTotal, int64(len(records)))
		return
	}

	select {
	case a.jobs <- archiveJob{reason: reason, at: time.Now().UTC(), records: records}:
	default:
		atomic.AddInt64(&a.metrics.ArchiveRecordsDroppedTotal, int64(len(records)))
		a.log.Warn().Int("records", len(records)).Msg("archive queue full, records dropped")
	}
}

// Close stops accepting work, uploads what is queued, and waits for the
// loop. Uploads in flight are bounded by ctx.
func (a *Archiver) Close(ctx context.Context) {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed.Store(true)
		close(a.jobs)
		a.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if a.cancel != nil {
			a.cancel()
		}
		<-done
	}
	if a.cancel != nil {
		a.cancel()
	}
}

// uploadLoop
//  1. encode and upload each job (spool on failure)
//  2. after each job, and on every idle tick, re-upload up to 3 spooled
//     batches so the spool does not starve
func (a *Archiver) uploadLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.idle)
	defer ticker.Stop()

	for {
		select {
		case job, ok := <-a.jobs:
			if !ok {
				a.log.Info().Msg("archiver exiting")
				return
			}
			a.process(a.ctx, job)
			a.drainSpool(a.ctx)

		case <-ticker.C:
			a.drainSpool(a.ctx)

		case <-a.ctx.Done():
			return
		}
	}
}

func (a *Archiver) drainSpool(ctx context.Context) {
	for i := 0; i < 3; i++ {
		if !a.spool.ProcessOneCtx(ctx) {
			return
		}
	}
}

// process encodes one job and uploads it, spooling on failure.
func (a *Archiver) process(ctx context.Context, job archiveJob) {
	lines := make([]ArchiveLine, len(job.records))
	for i, r := range job.records {
		lines[i] = ArchiveLine{
			Reason:     job.reason,
			Instance:   a.instance,
			ArchivedAt: job.at,
			Record:     r,
		}
	}

	data, err := a.encoder.EncodeBatchJSONLGZ(lines)
	if err != nil {
		a.log.Error().Err(err).Int("records", len(lines)).Msg("archive encode failed")
		atomic.AddInt64(&a.metrics.ArchiveRecordsDroppedTotal, int64(len(lines)))
		return
	}

	key := BuildS3Key(a.prefix, NewFilename(a.instance))
	if err := a.uploader.UploadBytesWithRetryCtx(ctx, key, data); err != nil {
		a.log.Warn().Err(err).Str("key", key).Msg("archive upload failed, spooling")
		if err2 := a.spool.Save(data, len(lines)); err2 != nil {
			a.log.Error().Err(err2).Msg("spool save failed")
			atomic.AddInt64(&a.metrics.ArchiveRecordsDroppedTotal, int64(len(lines)))
		}
		return
	}

	atomic.AddInt64(&a.metrics.ArchiveRecordsStoredTotal, int64(len(lines)))
	a.log.Debug().Str("key", key).Int("records", len(lines)).Str("reason", job.reason).Msg("archive uploaded")
}
