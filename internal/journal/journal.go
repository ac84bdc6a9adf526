// Package journal appends terminal job records to a JSON Lines file and replays
// them at startup.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/lamim/storyforge/pkg/models"
)

// Journal writes records from a background goroutine so job completion never
// waits on disk.
type Journal struct {
	file   *os.File
	logger *slog.Logger

	// Async write support
	writeChan   chan models.JobRecord
	writeWg     sync.WaitGroup
	stopWriter  chan struct{}
	closeOnce   sync.Once
	closeMu     sync.RWMutex // Held for reading while a record is handed off
	closed      bool
	writerError error
	errorMu     sync.Mutex
	writeMu     sync.Mutex // Protects concurrent file writes
}

// Open opens (or creates) the journal file for appending
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	j := &Journal{
		file:       file,
		logger:     logger,
		writeChan:  make(chan models.JobRecord, 64),
		stopWriter: make(chan struct{}),
	}
	j.startAsyncWriter()

	logger.Info("Opened job journal", "path", path)
	return j, nil
}

// startAsyncWriter starts the background writer goroutine
func (j *Journal) startAsyncWriter() {
	j.writeWg.Add(1)
	go func() {
		defer j.writeWg.Done()
		for {
			select {
			case rec := <-j.writeChan:
				j.writeAndRecord(rec)
			case <-j.stopWriter:
				// Drain remaining writes before stopping
				for len(j.writeChan) > 0 {
					j.writeAndRecord(<-j.writeChan)
				}
				return
			}
		}
	}()
}

func (j *Journal) writeAndRecord(rec models.JobRecord) {
	if err := j.writeRecord(rec); err != nil {
		j.errorMu.Lock()
		j.writerError = err
		j.errorMu.Unlock()
		j.logger.Error("Failed to write journal record", "key", rec.Key, "error", err)
	}
}

// writeRecord appends one JSON line
func (j *Journal) writeRecord(rec models.JobRecord) error {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}

	j.logger.Debug("Journal record written", "key", rec.Key, "run_id", rec.RunID, "state", rec.State)
	return nil
}

// ErrClosed is returned by Record after Close
var ErrClosed = errors.New("journal closed")

// Record queues a terminal record for writing
func (j *Journal) Record(rec models.JobRecord) error {
	j.closeMu.RLock()
	defer j.closeMu.RUnlock()
	if j.closed {
		return ErrClosed
	}
	select {
	case j.writeChan <- rec:
		return nil
	default:
		// Buffer full, write synchronously
		j.logger.Warn("Journal write buffer full, writing synchronously")
		return j.writeRecord(rec)
	}
}

// Close drains pending writes and closes the file
func (j *Journal) Close() error {
	var closeErr error
	j.closeOnce.Do(func() {
		j.closeMu.Lock()
		j.closed = true
		j.closeMu.Unlock()

		close(j.stopWriter)
		j.writeWg.Wait()

		if err := j.file.Sync(); err != nil {
			j.logger.Warn("Failed to sync journal", "error", err)
		}
		if err := j.file.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close journal: %w", err)
		}
	})
	if closeErr != nil {
		return closeErr
	}

	j.errorMu.Lock()
	defer j.errorMu.Unlock()
	return j.writerError
}

// Load reads a journal and returns the latest record per key, in order of each
// key's last appearance. A missing file is an empty journal. Lines that fail to
// parse, such as a torn final write, are skipped.
func Load(path string, logger *slog.Logger) ([]models.JobRecord, error) {
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer func() { _ = file.Close() }()

	latest := make(map[string]int)
	var records []models.JobRecord

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	skipped := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec models.JobRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil || rec.Key == "" {
			skipped++
			logger.Warn("Skipping unreadable journal line", "line", line, "error", err)
			continue
		}
		if idx, ok := latest[rec.Key]; ok {
			records[idx].Key = "" // superseded
		}
		latest[rec.Key] = len(records)
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}

	out := make([]models.JobRecord, 0, len(latest))
	for _, rec := range records {
		if rec.Key != "" {
			out = append(out, rec)
		}
	}

	logger.Info("Journal loaded", "path", path, "records", len(out), "skipped_lines", skipped)
	return out, nil
}
