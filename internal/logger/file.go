package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileLogger writes JSON lines to a rotating file. Entries are queued on a
// channel and written in batches; when the queue is full entries are dropped.
type FileLogger struct {
	config    *Config
	out       io.WriteCloser
	rotator   *lumberjack.Logger
	buffer    chan *LogEntry
	batch     []*LogEntry
	closeChan chan struct{}
	wg        sync.WaitGroup
}

// NewFileLogger creates a file logger backed by lumberjack rotation
func NewFileLogger(config *Config) (*FileLogger, error) {
	if !config.File.Enabled {
		return nil, fmt.Errorf("file logging is not enabled")
	}

	rotator := &lumberjack.Logger{
		Filename:   config.File.Path,
		MaxSize:    config.File.MaxSizeMB,
		MaxBackups: config.File.MaxBackups,
		MaxAge:     config.File.MaxAgeDays,
		Compress:   config.File.Compress,
	}

	fl := newFileLogger(config, rotator)
	fl.rotator = rotator
	return fl, nil
}

func newFileLogger(config *Config, out io.WriteCloser) *FileLogger {
	fl := &FileLogger{
		config:    config,
		out:       out,
		buffer:    make(chan *LogEntry, config.File.BufferSize),
		batch:     make([]*LogEntry, 0, config.File.BatchSize),
		closeChan: make(chan struct{}),
	}

	fl.wg.Add(1)
	go fl.batchWriter()
	return fl
}

func (fl *FileLogger) log(level LogLevel, msg string, component Component, source LogSource, fields map[string]interface{}) {
	entry := &LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   msg,
		Component: component,
		Source:    source,
		Fields:    fields,
	}

	if id, ok := fields["schedule_id"].(string); ok {
		entry.ScheduleID = id
	}
	if id, ok := fields["collection_id"].(string); ok {
		entry.CollectionID = id
	}
	if err, ok := fields["error"]; ok {
		entry.Error = fmt.Sprintf("%v", err)
	}

	select {
	case fl.buffer <- entry:
	default:
	}
}

func (fl *FileLogger) batchWriter() {
	defer fl.wg.Done()

	ticker := time.NewTicker(fl.config.File.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-fl.buffer:
			fl.batch = append(fl.batch, entry)
			if len(fl.batch) >= fl.config.File.BatchSize {
				fl.flush()
			}
		case <-ticker.C:
			fl.flush()
		case <-fl.closeChan:
			for {
				select {
				case entry := <-fl.buffer:
					fl.batch = append(fl.batch, entry)
				default:
					fl.flush()
					return
				}
			}
		}
	}
}

func (fl *FileLogger) flush() {
	for _, entry := range fl.batch {
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		_, _ = fl.out.Write(append(data, '\n'))
	}
	fl.batch = fl.batch[:0]
}

// Close flushes pending entries and closes the file
func (fl *FileLogger) Close() error {
	close(fl.closeChan)
	fl.wg.Wait()

	if err := fl.out.Close(); err != nil {
		return fmt.Errorf("failed to close file logger: %w", err)
	}
	return nil
}

// Rotate triggers manual log rotation
func (fl *FileLogger) Rotate() error {
	if fl.rotator == nil {
		return nil
	}
	return fl.rotator.Rotate()
}
