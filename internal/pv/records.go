package pv

import (
	"io"
)

// Record is one key/value pair of a key/value package.
type Record struct {
	Key   string
	Value []byte

	// Deleted marks a tombstone; it carries no value and is not archived.
	Deleted bool
}

// RecordSource yields the records of a key/value package. Next returns
// io.EOF after the last record.
type RecordSource interface {
	Next() (Record, error)
}

// RecordSink receives restored key/value records.
type RecordSink interface {
	WriteRecord(key string, value []byte) error
}

// SliceSource is a RecordSource over an in-memory slice.
type SliceSource struct {
	records []Record
	pos     int
}

func NewSliceSource(records ...Record) *SliceSource {
	return &SliceSource{records: records}
}

func (s *SliceSource) Next() (Record, error) {
	if s.pos >= len(s.records) {
		return Record{}, io.EOF
	}
	r := s.records[s.pos]
	s.pos++
	return r, nil
}

// MapSink collects restored records in memory.
type MapSink map[string][]byte

func (m MapSink) WriteRecord(key string, value []byte) error {
	m[key] = value
	return nil
}

// Flags describe how the host is presenting a key/value package.
type Flags uint8

const (
	// FlagIncremental marks a delta on top of previously sent data.
	FlagIncremental Flags = 1 << iota
	// FlagNonIncremental marks a complete snapshot.
	FlagNonIncremental
)

// Capabilities describe what the host reports, fixed for a session.
type Capabilities struct {
	// ReportsIncrementalFlags is true when the host sets FlagIncremental and
	// FlagNonIncremental. Archives cannot merge deltas, so incremental
	// packages are refused when the host can tell them apart.
	ReportsIncrementalFlags bool
}
