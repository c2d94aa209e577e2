// internal/worker/file_util.go
package worker

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// file_util.go
// ------------------------------------------------------------
// Naming for archive objects and spool files. Names sort by creation
// time, which the spool relies on to re-upload oldest first.
//
//	<unix>_<instance>_<counter>.jsonl.gz
//
// e.g.
//
//	1764721594_watch1_000042.jsonl.gz
var globalCounter uint64

// NextCounter wraps at 1e6; the timestamp and instance id keep names
// unique past the wrap.
func NextCounter() uint64 {
	return atomic.AddUint64(&globalCounter, 1) % 1_000_000
}

// NewFilename returns <unix>_<instance>_<counter>.jsonl.gz.
func NewFilename(instanceID string) string {
	return fmt.Sprintf("%d_%s_%06d.jsonl.gz", Unix(), sanitizeInstance(instanceID), NextCounter())
}

// sanitizeInstance keeps '_' as the only field separator in file names.
func sanitizeInstance(id string) string {
	if id == "" {
		return "unknown"
	}
	return strings.NewReplacer("_", "-", "/", "-").Replace(id)
}

// BuildS3Key
// ------------------------------------------------------------
//
//	<prefix>/dt=<YYYY-MM-DD>/hr=<HH>/<filename>
//
// Hive-style partitions so Athena/Glue can prune by date and hour.
func BuildS3Key(prefix, filename string) string {
	return fmt.Sprintf("%s/dt=%s/hr=%s/%s", prefix, DT(), HR(), filename)
}

// extractUnixFromFilename parses the leading epoch seconds of a spool
// file name.
func extractUnixFromFilename(name string) (int64, bool) {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 {
		return 0, false
	}
	sec, err := strconv.ParseInt(name[:idx], 10, 64)
	if err != nil || sec <= 0 {
		return 0, false
	}
	return sec, true
}
