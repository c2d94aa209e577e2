package pixel

import (
	"fmt"
	"strconv"
)

// Severity of a record or of a whole context.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityOK
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityOK:
		return "ok"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	}
	return "none"
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	switch string(b) {
	case "none", "":
		*s = SeverityNone
	case "ok":
		*s = SeverityOK
	case "warning":
		*s = SeverityWarning
	case "error":
		*s = SeverityError
	default:
		return fmt.Errorf("pixel: unknown severity %q", b)
	}
	return nil
}

// Color is the badge background the extension used for each severity.
func (s Severity) Color() string {
	switch s {
	case SeverityOK:
		return "#2ecc71"
	case SeverityWarning:
		return "#ff9900"
	case SeverityError:
		return "#f44253"
	}
	return ""
}

// Counters are the aggregate numbers a Collection maintains.
type Counters struct {
	Records    int `json:"records"`
	Errors     int `json:"error_count"`
	Warnings   int `json:"warning_count"`
	Duplicates int `json:"duplicate_count"`
}

// Badge is the at-a-glance signal for one context.
type Badge struct {
	Label    string   `json:"label"`
	Severity Severity `json:"severity"`
}

// Color forwards to the severity.
func (b Badge) Color() string {
	return b.Severity.Color()
}

// Project derives the badge from counters alone; it never looks at
// records.
func Project(c Counters) Badge {
	if c.Records <= 0 {
		return Badge{}
	}
	b := Badge{Label: strconv.Itoa(c.Records), Severity: SeverityOK}
	switch {
	case c.Errors > 0:
		b.Severity = SeverityError
	case c.Warnings > 0:
		b.Severity = SeverityWarning
	}
	return b
}
