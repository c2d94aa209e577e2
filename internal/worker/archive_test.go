package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelwatch/internal/config"
	"pixelwatch/internal/metrics"
	"pixelwatch/internal/model"
	"pixelwatch/internal/pixel"
)

// fakePutter records objects and fails the first failN calls.
type fakePutter struct {
	mu      sync.Mutex
	failN   int
	calls   int
	objects map[string][]byte
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return nil, errors.New("503 slow down")
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakePutter) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.objects))
	for k := range f.objects {
		out = append(out, k)
	}
	return out
}

func (f *fakePutter) object(key string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[key]
}

func archiveConfig(t *testing.T) config.Config {
	return config.Config{
		ArchiveBucket:     "beacons",
		ArchivePrefix:     "evicted",
		InstanceID:        "watch1",
		ArchiveQueue:      8,
		S3Timeout:         time.Second,
		S3AppRetries:      2,
		SpoolDir:          t.TempDir(),
		SpoolMaxAge:       time.Hour,
		SpoolMaxSizeBytes: 1 << 20,
	}
}

func newTestArchiver(t *testing.T, cfg config.Config, put *fakePutter, m *metrics.Metrics) *Archiver {
	t.Helper()
	up := newS3Uploader(cfg, m, put)
	up.backoff = time.Millisecond
	a, err := newArchiver(cfg, m, zerolog.Nop(), up, up)
	require.NoError(t, err)
	return a
}

func decodeLines(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer gz.Close()

	var out []map[string]any
	sc := bufio.NewScanner(gz)
	for sc.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		out = append(out, line)
	}
	require.NoError(t, sc.Err())
	return out
}

func sampleRecords() []pixel.Record {
	a := pixel.ParseStart(model.Event{
		Kind: model.KindStart, ContextID: "1", RequestID: "A", URL: beaconURL, Type: model.ResourceImage,
	}, time.Now())
	b := pixel.ParseStart(model.Event{
		Kind: model.KindStart, ContextID: "1", RequestID: "B",
		URL: "https://sp.analytics.yahoo.com/sp.pl?a=10000", Type: model.ResourceScript,
	}, time.Now())
	return []pixel.Record{a, b}
}

func TestEncoder_JSONLGZ(t *testing.T) {
	t.Parallel()
	recs := sampleRecords()
	data, err := NewEncoder().EncodeBatchJSONLGZ([]ArchiveLine{
		{Reason: ReasonNavigation, Instance: "watch1", Record: recs[0]},
		{Reason: ReasonNavigation, Instance: "watch1", Record: recs[1]},
	})
	require.NoError(t, err)

	lines := decodeLines(t, data)
	require.Len(t, lines, 2)
	assert.Equal(t, "navigation", lines[0]["reason"])

	rec, ok := lines[1]["record"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "B", rec["request_id"])
	assert.Equal(t, "error", rec["status"])
}

func TestArchiver_UploadsBatch(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	put := &fakePutter{}
	a := newTestArchiver(t, archiveConfig(t), put, m)
	a.Start()

	a.Enqueue(ReasonContextRemoved, sampleRecords())
	a.Close(context.Background())

	keys := put.keys()
	require.Len(t, keys, 1)
	assert.Regexp(t, `^evicted/dt=\d{4}-\d{2}-\d{2}/hr=\d{2}/\d+_watch1_\d{6}\.jsonl\.gz$`, keys[0])

	lines := decodeLines(t, put.object(keys[0]))
	require.Len(t, lines, 2)
	assert.Equal(t, "context_removed", lines[0]["reason"])
	assert.EqualValues(t, 2, m.ArchiveRecordsStoredTotal)
}

func TestArchiver_RetrySucceeds(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	put := &fakePutter{failN: 1}
	a := newTestArchiver(t, archiveConfig(t), put, m)
	a.Start()

	a.Enqueue(ReasonNavigation, sampleRecords()[:1])
	a.Close(context.Background())

	assert.Len(t, put.keys(), 1)
	assert.EqualValues(t, 1, m.S3PutErrorsTotal)
	assert.EqualValues(t, 0, m.SpoolFilesCurrent)
}

func TestArchiver_FailureSpoolsThenRecovers(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	cfg := archiveConfig(t)
	put := &fakePutter{failN: 2} // both attempts of the first upload fail
	a := newTestArchiver(t, cfg, put, m)

	// run the job directly so the spool drain does not race the assertion
	a.process(context.Background(), archiveJob{reason: ReasonNavigation, records: sampleRecords()})
	assert.Empty(t, put.keys())
	assert.EqualValues(t, 1, m.SpoolFilesCurrent)
	assert.EqualValues(t, 1, m.SpoolBatchesEnqueuedTotal)

	entries, err := os.ReadDir(cfg.SpoolDir)
	require.NoError(t, err)
	require.Len(t, entries, 2, "data file plus meta")

	require.True(t, a.spool.ProcessOneCtx(context.Background()))
	keys := put.keys()
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], "evicted/"))
	assert.EqualValues(t, 2, m.ArchiveRecordsStoredTotal)
	assert.EqualValues(t, 0, m.SpoolFilesCurrent)
	assert.EqualValues(t, 0, m.SpoolSizeBytes)

	entries, err = os.ReadDir(cfg.SpoolDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestArchiver_QueueFullDrops(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	cfg := archiveConfig(t)
	cfg.ArchiveQueue = 1
	a := newTestArchiver(t, cfg, &fakePutter{}, m)
	// not started

	a.Enqueue(ReasonNavigation, sampleRecords())
	a.Enqueue(ReasonNavigation, sampleRecords())
	assert.EqualValues(t, 2, m.ArchiveRecordsDroppedTotal)

	a.Close(context.Background())
	a.Enqueue(ReasonNavigation, sampleRecords()[:1])
	assert.EqualValues(t, 3, m.ArchiveRecordsDroppedTotal)
}

func TestSpool_TTLAndCapacity(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	dir := t.TempDir()
	put := &fakePutter{}
	up := newS3Uploader(config.Config{ArchiveBucket: "b", S3AppRetries: 1}, m, put)

	// a stale file written by an earlier process
	stale := "1000_watch1_000001.jsonl.gz"
	require.NoError(t, os.WriteFile(filepath.Join(dir, stale), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "999_orphan.jsonl.gz"+metaSuffix), []byte("{}"), 0o600))

	s, err := NewSpool(SpoolOptions{
		Dir: dir, MaxAge: time.Hour, MaxSizeBytes: 10, InstanceID: "watch1", Prefix: "evicted",
	}, m, up, zerolog.Nop())
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.SpoolFilesCurrent)
	assert.EqualValues(t, 1, s.SizeBytes())
	_, err = os.Stat(filepath.Join(dir, "999_orphan.jsonl.gz"+metaSuffix))
	assert.True(t, os.IsNotExist(err), "orphan meta removed")

	// TTL: the stale file is deleted, not uploaded
	require.True(t, s.ProcessOneCtx(context.Background()))
	assert.Empty(t, put.keys())
	assert.EqualValues(t, 1, m.SpoolFilesExpiredTotal)
	assert.Zero(t, s.SizeBytes())

	// capacity: 8 bytes fit, the next 8 evict the first
	require.NoError(t, s.Save([]byte("12345678"), 1))
	require.NoError(t, s.Save([]byte("abcdefgh"), 1))
	assert.EqualValues(t, 8, s.SizeBytes())
	assert.EqualValues(t, 2, m.SpoolFilesExpiredTotal)

	// larger than the cap even when empty: dropped
	require.NoError(t, s.Save(bytes.Repeat([]byte("z"), 11), 4))
	assert.EqualValues(t, 4, m.ArchiveRecordsDroppedTotal)
}

func TestSpool_CorruptFileQuarantined(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	put := &fakePutter{}
	up := newS3Uploader(config.Config{ArchiveBucket: "b", S3AppRetries: 1}, m, put)
	s, err := NewSpool(SpoolOptions{Dir: t.TempDir(), Prefix: "evicted", InstanceID: "watch1"}, m, up, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, s.Save([]byte("not gzip"), 3))
	require.True(t, s.ProcessOneCtx(context.Background()))

	keys := put.keys()
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], "evicted_quarantine/"))
	assert.EqualValues(t, 0, m.ArchiveRecordsStoredTotal)
	assert.EqualValues(t, 1, m.SpoolBatchesReuploadedTotal)
}

func TestUploader_StopsOnCancel(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	up := newS3Uploader(config.Config{ArchiveBucket: "b", S3AppRetries: 5}, m, &fakePutter{failN: 100})
	up.backoff = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := up.UploadBytesWithRetryCtx(ctx, "k", []byte("x"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, m.S3PutErrorsTotal)
}

func TestBuildS3Key(t *testing.T) {
	t.Parallel()
	name := NewFilename("host_1")
	assert.Regexp(t, `^\d+_host-1_\d{6}\.jsonl\.gz$`, name)

	sec, ok := extractUnixFromFilename(name)
	require.True(t, ok)
	assert.InDelta(t, time.Now().Unix(), sec, 5)

	_, ok = extractUnixFromFilename("garbage.jsonl.gz")
	assert.False(t, ok)

	assert.Regexp(t, `^p/dt=\d{4}-\d{2}-\d{2}/hr=\d{2}/f$`, BuildS3Key("p", "f"))
}
