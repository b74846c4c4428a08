package spill

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	Directory   string
	MaxBytes    int64
	SegmentSize int64
}

// Record is one flushed message as persisted in a segment.
type Record struct {
	Offset    int64  `json:"offset"`
	Timestamp int64  `json:"ts"`
	KeyHash   uint64 `json:"key"`
	Payload   []byte `json:"payload"`
}

// Batch is the unit written to one segment file.
type Batch struct {
	Partition int      `json:"partition"`
	Records   []Record `json:"records"`
}

var fileSeq atomic.Uint64

type Queue struct {
	cfg        Config
	mu         sync.Mutex
	totalBytes int64
	segments   int
}

// NewQueue initializes a spill queue on disk.
func NewQueue(cfg Config) (*Queue, error) {
	if strings.TrimSpace(cfg.Directory) == "" {
		return nil, fmt.Errorf("spill directory required")
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 * 1024 * 1024 * 1024
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = 1 * 1024 * 1024
	}
	if err := os.MkdirAll(cfg.Directory, 0o750); err != nil {
		return nil, err
	}
	q := &Queue{cfg: cfg}
	files, err := q.listFiles()
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		info, err := f.Info()
		if err != nil {
			continue
		}
		q.totalBytes += info.Size()
		q.segments++
	}
	return q, nil
}

// Append persists the records of one partition. Batches whose encoding
// exceeds the segment size are split in half until they fit.
func (q *Queue) Append(partition int, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	data, err := json.Marshal(Batch{Partition: partition, Records: records})
	if err != nil {
		return fmt.Errorf("marshal spill batch: %w", err)
	}
	if int64(len(data)) > q.cfg.SegmentSize && len(records) > 1 {
		mid := len(records) / 2
		if err := q.Append(partition, records[:mid]); err != nil {
			return err
		}
		return q.Append(partition, records[mid:])
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := os.MkdirAll(q.cfg.Directory, 0o750); err != nil {
		return err
	}
	fname := fmt.Sprintf("spill-%020d-%010d-%s.json", time.Now().UnixNano(), fileSeq.Add(1), uuid.NewString()[:8])
	full := filepath.Join(q.cfg.Directory, fname)
	if err := os.WriteFile(full, data, 0o640); err != nil {
		return err
	}
	q.totalBytes += int64(len(data))
	q.segments++
	return q.enforceLimitLocked()
}

// Replay hands persisted batches to handler oldest first, deleting each
// segment once handler accepts it. It stops at the first handler error.
func (q *Queue) Replay(handler func(Batch) error) error {
	files, err := q.listFiles()
	if err != nil {
		return err
	}
	for _, f := range files {
		full := filepath.Join(q.cfg.Directory, f.Name())
		data, err := os.ReadFile(full)
		if err != nil {
			return err
		}
		var batch Batch
		if err := json.Unmarshal(data, &batch); err != nil {
			return fmt.Errorf("decode spill batch %s: %w", f.Name(), err)
		}
		if err := handler(batch); err != nil {
			return err
		}
		if err := os.Remove(full); err != nil {
			return err
		}
		q.mu.Lock()
		q.totalBytes -= int64(len(data))
		if q.totalBytes < 0 {
			q.totalBytes = 0
		}
		q.segments--
		q.mu.Unlock()
	}
	return nil
}

// Bytes returns the bytes currently held on disk.
func (q *Queue) Bytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalBytes
}

// Segments returns the number of segment files on disk.
func (q *Queue) Segments() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.segments
}

// listFiles returns segment files oldest first. Names embed a zero-padded
// timestamp and sequence so lexical order is write order.
func (q *Queue) listFiles() ([]os.DirEntry, error) {
	entries, err := os.ReadDir(q.cfg.Directory)
	if err != nil {
		return nil, err
	}
	var files []os.DirEntry
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), "spill-") {
			files = append(files, e)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name() < files[j].Name() })
	return files, nil
}

func (q *Queue) enforceLimitLocked() error {
	for q.totalBytes > q.cfg.MaxBytes {
		files, err := q.listFiles()
		if err != nil {
			return err
		}
		if len(files) == 0 {
			q.totalBytes = 0
			q.segments = 0
			return nil
		}
		oldest := filepath.Join(q.cfg.Directory, files[0].Name())
		info, err := os.Stat(oldest)
		if err == nil {
			q.totalBytes -= info.Size()
		}
		if err := os.Remove(oldest); err != nil {
			return err
		}
		q.segments--
	}
	return nil
}
