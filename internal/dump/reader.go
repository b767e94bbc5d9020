// Package dump reads the COPY blocks of a Postgres plain-text dump.
package dump

import (
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// maxLineSize bounds a single row; event_json rows can carry large bodies
const maxLineSize = 64 << 20

// Stats counts rows per kind across every pass over the dump
type Stats struct {
	Records   map[Kind]int `json:"records"`
	Malformed map[Kind]int `json:"malformed"`
}

// Reader iterates the records of one dump file. Each call to Records
// reopens the file, so iteration is restartable and holds no rows in
// memory beyond the current line.
type Reader struct {
	path string
	log  zerolog.Logger

	mu        sync.Mutex
	records   map[Kind]int
	malformed map[Kind]int
}

// Open prepares a reader for path. Files ending in .gz are decompressed
// on the fly.
func Open(path string, log zerolog.Logger) (*Reader, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dump: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("dump path %s is a directory", path)
	}
	return &Reader{
		path:      path,
		log:       log.With().Str("component", "dump").Logger(),
		records:   make(map[Kind]int),
		malformed: make(map[Kind]int),
	}, nil
}

// Path returns the file the reader was opened on
func (r *Reader) Path() string {
	return r.path
}

// Stats returns a copy of the row counters
func (r *Reader) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{Records: make(map[Kind]int), Malformed: make(map[Kind]int)}
	for k, v := range r.records {
		s.Records[k] = v
	}
	for k, v := range r.malformed {
		s.Malformed[k] = v
	}
	return s
}

// Records yields every well formed row of kind in dump order. Rows whose
// field count disagrees with the header are skipped, counted and logged.
// A table absent from the dump yields nothing.
func (r *Reader) Records(kind Kind) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		schema, err := SchemaFor(kind)
		if err != nil {
			yield(Record{}, err)
			return
		}

		rc, err := r.open()
		if err != nil {
			yield(Record{}, err)
			return
		}
		defer rc.Close()

		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 0, 1<<20), maxLineSize)

		var (
			inBlock bool
			columns map[string]int
			width   int
			lineNo  int
		)
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()

			if !inBlock {
				table, cols, ok := parseCopyHeader(line)
				if !ok || table != schema.Table {
					continue
				}
				if err := schema.check(cols); err != nil {
					yield(Record{}, fmt.Errorf("line %d: %w", lineNo, err))
					return
				}
				columns = make(map[string]int, len(cols))
				for i, c := range cols {
					columns[c] = i
				}
				width = len(cols)
				inBlock = true
				continue
			}

			if line == copyTerminator {
				inBlock = false
				continue
			}

			values := splitRow(strings.TrimSuffix(line, "\r"))
			if len(values) != width {
				r.countMalformed(&MalformedRecordError{Kind: kind, Line: lineNo, Fields: len(values), Want: width})
				continue
			}

			r.count(kind)
			if !yield(Record{Kind: kind, Line: lineNo, columns: columns, values: values}, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(Record{}, fmt.Errorf("failed to read dump %s: %w", r.path, err))
		}
	}
}

func (r *Reader) open() (io.ReadCloser, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dump: %w", err)
	}
	if !strings.HasSuffix(r.path, ".gz") {
		return f, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to open gzip dump: %w", err)
	}
	return &gzipFile{Reader: gz, file: f}, nil
}

type gzipFile struct {
	*gzip.Reader
	file *os.File
}

func (g *gzipFile) Close() error {
	return errors.Join(g.Reader.Close(), g.file.Close())
}

func (r *Reader) count(kind Kind) {
	r.mu.Lock()
	r.records[kind]++
	r.mu.Unlock()
}

func (r *Reader) countMalformed(err *MalformedRecordError) {
	r.mu.Lock()
	r.malformed[err.Kind]++
	r.mu.Unlock()
	r.log.Warn().Err(err).Msg("skipping malformed record")
}
