// Package progress renders per-page progress of a sync run.
package progress

import (
	"fmt"
	"math"
)

// Update is what the engine reports after each committed page.
type Update struct {
	Table    string
	Page     int
	Records  int   // records in this page
	Inserted int   // records inserted from this page
	Tally    int64 // records processed so far
	Total    int64 // backend-reported total
}

// Percent returns Tally/Total as a percentage capped at 100. A zero total
// reads as complete.
func (u Update) Percent() float64 {
	if u.Total <= 0 {
		return 100
	}
	return math.Min(100, float64(u.Tally)*100/float64(u.Total))
}

// Reporter receives page updates.
type Reporter interface {
	Page(u Update)
}

// Logger is the minimal logging surface; *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

// Log writes one line per page.
type Log struct {
	Logger Logger
}

func (l Log) Page(u Update) {
	if l.Logger == nil {
		return
	}
	l.Logger.Printf("stage=progress table=%s page=%d records=%d inserted=%d tally=%d total=%d percent=%s",
		u.Table, u.Page, u.Records, u.Inserted, u.Tally, u.Total, FormatPercent(u.Percent()))
}

// Nop discards updates.
type Nop struct{}

func (Nop) Page(Update) {}

// Func adapts a function to Reporter.
type Func func(Update)

func (f Func) Page(u Update) { f(u) }

// FormatPercent renders p with one decimal, e.g. "66.7%".
func FormatPercent(p float64) string {
	return fmt.Sprintf("%.1f%%", p)
}
