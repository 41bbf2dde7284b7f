// Package journal gives the continuous pipeline a durable buffer: every
// record ingested into a trace group is appended here, and the group's
// entries are committed once its trace has been exported. On startup the
// uncommitted tail is replayed so a restart does not lose a buffered,
// not-yet-flushed trace.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tinytelemetry/mailtrace/internal/model"
)

const (
	fileMode = 0o644
	dirMode  = 0o755
)

// Entry is one buffered record tagged with the message id that groups it.
type Entry struct {
	Seq       uint64    `json:"seq"`
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
	Host      string    `json:"host"`
	Service   string    `json:"service,omitempty"`
	QueueID   string    `json:"queue_id,omitempty"`
	Message   string    `json:"message"`
}

// Record converts the entry back to the canonical log record.
func (e Entry) Record() model.LogRecord {
	return model.LogRecord{
		Timestamp: e.Timestamp,
		Host:      e.Host,
		Service:   e.Service,
		QueueID:   e.QueueID,
		Message:   e.Message,
	}
}

// Journal is an append-only line-JSON log with a commit watermark in a
// sidecar file. Entries at or below the watermark are discarded on the next
// open.
type Journal struct {
	mu         sync.Mutex
	path       string
	commitPath string
	file       *os.File
	nextSeq    uint64
	committed  uint64
}

// Open creates or opens the journal at path, dropping committed entries and
// ignoring a partially written trailing line.
func Open(path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("journal: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("journal: mkdir: %w", err)
	}

	commitPath := path + ".commit"
	committed, err := readWatermark(commitPath)
	if err != nil {
		return nil, err
	}

	maxSeq, err := compact(path, committed)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, fileMode)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	next := maxSeq + 1
	if committed+1 > next {
		next = committed + 1
	}
	return &Journal{
		path:       path,
		commitPath: commitPath,
		file:       f,
		nextSeq:    next,
		committed:  committed,
	}, nil
}

// Append persists one record under messageID and returns its sequence.
func (j *Journal) Append(messageID string, record model.LogRecord) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	seq := j.nextSeq
	j.nextSeq++

	line, err := json.Marshal(Entry{
		Seq:       seq,
		MessageID: messageID,
		Timestamp: record.Timestamp,
		Host:      record.Host,
		Service:   record.Service,
		QueueID:   record.QueueID,
		Message:   record.Message,
	})
	if err != nil {
		return 0, fmt.Errorf("journal: marshal: %w", err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		return 0, fmt.Errorf("journal: write: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return 0, fmt.Errorf("journal: sync: %w", err)
	}
	return seq, nil
}

// Commit advances the watermark: everything at or below seq is flushed.
func (j *Journal) Commit(seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if seq <= j.committed {
		return nil
	}
	if err := writeWatermark(j.commitPath, seq); err != nil {
		return err
	}
	j.committed = seq
	return nil
}

// Committed returns the current watermark.
func (j *Journal) Committed() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.committed
}

// Replay calls fn for each uncommitted entry in sequence order. A malformed
// or truncated trailing line ends the replay without error.
func (j *Journal) Replay(fn func(Entry) error) error {
	j.mu.Lock()
	path := j.path
	committed := j.committed
	j.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("journal: open for replay: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil
		}
		if e.Seq <= committed {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("journal: replay: %w", err)
	}
	return nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// compact rewrites the journal keeping only uncommitted entries, returning
// the highest sequence seen.
func compact(path string, committed uint64) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("journal: open for compaction: %w", err)
	}

	var (
		kept   [][]byte
		maxSeq uint64
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			break
		}
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
		if e.Seq > committed {
			kept = append(kept, append([]byte(nil), scanner.Bytes()...))
		}
	}
	f.Close()

	tmp := path + ".tmp"
	var buf strings.Builder
	for _, line := range kept {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(tmp, []byte(buf.String()), fileMode); err != nil {
		return 0, fmt.Errorf("journal: write compacted: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("journal: replace compacted: %w", err)
	}
	return maxSeq, nil
}

func readWatermark(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("journal: read watermark: %w", err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("journal: parse watermark: %w", err)
	}
	return seq, nil
}

func writeWatermark(path string, seq uint64) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(seq, 10)+"\n"), fileMode); err != nil {
		return fmt.Errorf("journal: write watermark: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("journal: replace watermark: %w", err)
	}
	return nil
}
