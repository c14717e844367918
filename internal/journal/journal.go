// Package journal is an append-only, line-delimited JSON log of domain
// events. The in-memory store writes every committed account and transfer
// here and replays the file on startup.
package journal

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/nathanyu/pocket-pal/internal/domain"
	"github.com/nathanyu/pocket-pal/internal/telemetry"
)

// ErrPoisoned is returned by every append after a failed write could not be
// rolled back. The file may end in a partial batch until it is reopened.
var ErrPoisoned = errors.New("journal poisoned")

// file is the subset of *os.File the journal writes through.
type file interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Close() error
}

// Journal provides append-only storage for events
type Journal struct {
	filePath string
	file     file
	size     int64
	poisoned error
	mu       sync.Mutex
}

// Open opens (or creates) the journal at filePath
func Open(filePath string) (*Journal, error) {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat journal file: %w", err)
	}

	return &Journal{
		filePath: filePath,
		file:     f,
		size:     info.Size(),
	}, nil
}

// Append writes an event and fsyncs before returning
func (j *Journal) Append(event domain.Event) error {
	return j.AppendBatch([]domain.Event{event})
}

// AppendBatch writes multiple events followed by a single fsync. A batch
// that fails to write or sync is cut back off the file, so it is never
// replayed.
func (j *Journal) AppendBatch(events []domain.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return fmt.Errorf("journal is closed")
	}
	if j.poisoned != nil {
		return j.poisoned
	}

	var buf []byte
	for _, event := range events {
		data, err := domain.SerializeEvent(event)
		if err != nil {
			return fmt.Errorf("failed to serialize event: %w", err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}

	// One write per batch keeps a batch from interleaving with another.
	if _, err := j.file.Write(buf); err != nil {
		return j.rollback(fmt.Errorf("failed to write journal: %w", err))
	}

	if err := j.file.Sync(); err != nil {
		return j.rollback(fmt.Errorf("failed to sync journal: %w", err))
	}

	j.size += int64(len(buf))
	return nil
}

// rollback truncates the file to the last committed batch. Caller holds mu.
func (j *Journal) rollback(cause error) error {
	err := j.file.Truncate(j.size)
	if err == nil {
		err = j.file.Sync()
	}
	if err != nil {
		j.poisoned = fmt.Errorf("%w: rollback to offset %d failed: %v (after %v)", ErrPoisoned, j.size, err, cause)
		return j.poisoned
	}
	return cause
}

// LoadAll reads all events from the journal. A final line with no trailing
// newline is a torn write; it is dropped and cut off the file.
func (j *Journal) LoadAll() ([]domain.Event, error) {
	f, err := os.Open(j.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []domain.Event{}, nil
		}
		return nil, fmt.Errorf("failed to open journal for reading: %w", err)
	}
	defer f.Close()

	var (
		events []domain.Event
		valid  int64
		torn   []byte
	)
	reader := bufio.NewReaderSize(f, 64*1024)

	lineNum := 0
	for {
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			torn = line
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading journal: %w", err)
		}
		lineNum++
		valid += int64(len(line))

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		event, err := domain.DeserializeEvent(line)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize event at line %d: %w", lineNum, err)
		}

		events = append(events, event)
	}

	if len(torn) > 0 {
		if err := j.truncateTo(valid); err != nil {
			return nil, err
		}
		telemetry.Logger.Warn("dropped torn journal tail",
			slog.String("path", j.filePath),
			slog.Int64("offset", valid),
			slog.Int("bytes", len(torn)),
		)
	}

	return events, nil
}

func (j *Journal) truncateTo(size int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return fmt.Errorf("journal is closed")
	}
	if err := j.file.Truncate(size); err != nil {
		return fmt.Errorf("failed to truncate torn journal tail: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	j.size = size
	return nil
}

// Path returns the journal file path
func (j *Journal) Path() string { return j.filePath }

// Close closes the journal file
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file != nil {
		err := j.file.Close()
		j.file = nil
		return err
	}
	return nil
}
