// Package router implements the Symbol Router: a process-wide mapping
// from sanitized symbol to a pair of output sinks (raw, parsed), created
// on first sight of a symbol and flushed once at stage end.
package router

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/cryptoarchive/daily-processor/internal/log"
)

// ErrAborted wraps a PathFunc ok=false result: the symbol's own pairing
// failed, not an I/O error creating its sink files. Callers use errors.Is
// to tell this apart from a genuine, run-fatal sink I/O failure.
var ErrAborted = errors.New("router: sink creation aborted")

// Sink is one gzip-compressed output stream, individually serialized so a
// single line write is one atomic append of "<line>\n".
type Sink struct {
	mu   sync.Mutex
	file *os.File
	gw   *gzip.Writer
	bw   *bufio.Writer
	path string
}

func newSink(path string) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("router: mkdir for %s: %w", path, err)
	}
	f, err := os.Create(path) // truncate-on-create
	if err != nil {
		return nil, fmt.Errorf("router: create %s: %w", path, err)
	}
	gw := gzip.NewWriter(f)
	bw := bufio.NewWriter(gw)
	return &Sink{file: f, gw: gw, bw: bw, path: path}, nil
}

// WriteLine appends "<line>\n" atomically with respect to other writers of
// this sink.
func (s *Sink) WriteLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.bw.WriteString(line); err != nil {
		return fmt.Errorf("router: write %s: %w", s.path, err)
	}
	if err := s.bw.WriteByte('\n'); err != nil {
		return fmt.Errorf("router: write %s: %w", s.path, err)
	}
	return nil
}

// Close flushes the buffered writer, finalizes the gzip stream, and closes
// the underlying file. Failures here are fatal per the governing error
// model (stage-1 close is not allowed to silently lose buffered data).
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.bw.Flush(); err != nil {
		return fmt.Errorf("router: flush %s: %w", s.path, err)
	}
	if err := s.gw.Close(); err != nil {
		return fmt.Errorf("router: close gzip %s: %w", s.path, err)
	}
	return s.file.Close()
}

// Entry is one symbol's pair of sinks.
type Entry struct {
	Raw    *Sink
	Parsed *Sink
}

// PathFunc builds the raw and parsed BucketFile paths for a sanitized
// symbol, per the BucketFile layout of the governing data model. Returning
// ok=false aborts that symbol's sink creation entirely: SinkFor propagates
// it as an error and no raw or parsed file is created for the symbol.
type PathFunc func(sanitizedSymbol string) (rawPath, parsedPath string, ok bool)

// Router is the process-wide symbol -> sink-pair map for one run of
// stage 1. Concurrent first-sighters of the same symbol are serialized by
// a per-symbol critical section below the map lookup: the first one
// creates the sinks and the others, re-checking the map under that lock,
// reuse them, so no file is ever truncated twice.
type Router struct {
	pathFor PathFunc

	mu      sync.Mutex
	entries map[string]*Entry
	locks   map[string]*sync.Mutex
}

func New(pathFor PathFunc) *Router {
	return &Router{
		pathFor: pathFor,
		entries: map[string]*Entry{},
		locks:   map[string]*sync.Mutex{},
	}
}

// SinkFor returns the (raw, parsed) sink pair for a sanitized symbol,
// creating both underlying files on first call.
func (r *Router) SinkFor(sanitizedSymbol string) (*Entry, error) {
	r.mu.Lock()
	if e, ok := r.entries[sanitizedSymbol]; ok {
		r.mu.Unlock()
		return e, nil
	}
	lock, ok := r.locks[sanitizedSymbol]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[sanitizedSymbol] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	if e, ok := r.entries[sanitizedSymbol]; ok {
		r.mu.Unlock()
		return e, nil
	}
	r.mu.Unlock()

	rawPath, parsedPath, ok := r.pathFor(sanitizedSymbol)
	if !ok {
		return nil, fmt.Errorf("%w: symbol %s", ErrAborted, sanitizedSymbol)
	}
	rawSink, err := newSink(rawPath)
	if err != nil {
		return nil, err
	}
	parsedSink, err := newSink(parsedPath)
	if err != nil {
		rawSink.Close()
		return nil, err
	}
	entry := &Entry{Raw: rawSink, Parsed: parsedSink}

	r.mu.Lock()
	r.entries[sanitizedSymbol] = entry
	r.mu.Unlock()
	return entry, nil
}

// CloseAll flushes and finalizes every sink created during this run. Any
// close failure is logged and the first one encountered is returned, but
// every sink is still attempted so a single bad symbol doesn't leak the
// rest of the open file descriptors.
func (r *Router) CloseAll() error {
	r.mu.Lock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		if err := e.Raw.Close(); err != nil {
			log.Errorf("router: closing raw sink: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		if err := e.Parsed.Close(); err != nil {
			log.Errorf("router: closing parsed sink: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Symbols returns every symbol that has an entry, for stage-2 bucket
// discovery in tests and tooling that doesn't want to re-glob the
// filesystem.
func (r *Router) Symbols() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for s := range r.entries {
		out = append(out, s)
	}
	return out
}
