// internal/worker/timecache.go
package worker

import (
	"sync/atomic"
	"time"
)

//
// timecache.go
// ------------------------------------------------------------
// Current epoch seconds and the UTC date/hour partition, refreshed once
// per second so that naming archive objects and spool files does not
// call time.Now for every batch.
//
// Used by:
//   - spool file names (<unix>_<instance>_<counter>.jsonl.gz)
//   - S3 partition prefix (dt=YYYY-MM-DD / hr=HH)
//   - spool TTL checks
// ------------------------------------------------------------

var (
	unixSec atomic.Int64

	dtVal atomic.Value // "YYYY-MM-DD"
	hrVal atomic.Value // "HH"
)

func init() {
	store(time.Now())

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for now := range ticker.C {
			store(now)
		}
	}()
}

func store(now time.Time) {
	unixSec.Store(now.Unix())

	utc := now.UTC()
	dtVal.Store(utc.Format("2006-01-02"))
	hrVal.Store(utc.Format("15"))
}

// ------------------------------------------------------------
// Public API
// ------------------------------------------------------------

// Unix returns current UTC epoch seconds (cached, 1-second precision).
func Unix() int64 {
	return unixSec.Load()
}

// DT returns "YYYY-MM-DD" (UTC).
func DT() string {
	return dtVal.Load().(string)
}

// HR returns "HH" (UTC).
func HR() string {
	return hrVal.Load().(string)
}
