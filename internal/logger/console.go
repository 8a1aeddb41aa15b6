package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// ConsoleLogger writes structured records to a terminal through log/slog.
// Writes go through an async buffer that is drained on a ticker and on Close.
type ConsoleLogger struct {
	handler slog.Handler
	writer  *bufferedWriter
}

// bufferedWriter queues writes on a channel and flushes them from one goroutine
type bufferedWriter struct {
	out    io.Writer
	buffer chan []byte
	stop   chan struct{}
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

func newBufferedWriter(out io.Writer, bufferSize int, flushInterval time.Duration) *bufferedWriter {
	slots := bufferSize / 256 // roughly one slot per record
	if slots < 1 {
		slots = 1
	}
	bw := &bufferedWriter{
		out:    out,
		buffer: make(chan []byte, slots),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go bw.run(flushInterval)
	return bw
}

// Write implements io.Writer
func (bw *bufferedWriter) Write(p []byte) (int, error) {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	if bw.closed {
		return 0, fmt.Errorf("writer is closed")
	}

	buf := make([]byte, len(p))
	copy(buf, p)

	select {
	case bw.buffer <- buf:
		return len(p), nil
	default:
		// buffer full, fall through to a synchronous write
		return bw.out.Write(p)
	}
}

func (bw *bufferedWriter) run(flushInterval time.Duration) {
	defer close(bw.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case buf := <-bw.buffer:
			_, _ = bw.out.Write(buf)
		case <-ticker.C:
			bw.drain()
		case <-bw.stop:
			bw.drain()
			return
		}
	}
}

func (bw *bufferedWriter) drain() {
	for {
		select {
		case buf := <-bw.buffer:
			_, _ = bw.out.Write(buf)
		default:
			return
		}
	}
}

// Close drains pending writes and stops the flusher
func (bw *bufferedWriter) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	bw.mu.Unlock()

	close(bw.stop)
	<-bw.done
	return nil
}

// NewConsoleLogger creates a console logger writing to stdout
func NewConsoleLogger(config *Config) (*ConsoleLogger, error) {
	return newConsoleLogger(config, os.Stdout)
}

func newConsoleLogger(config *Config, out io.Writer) (*ConsoleLogger, error) {
	cl := &ConsoleLogger{
		writer: newBufferedWriter(out, config.Console.BufferSize, config.Console.FlushInterval),
	}

	opts := &slog.HandlerOptions{Level: slogLevel(config.Level)}
	switch {
	case config.Format == FormatJSON:
		cl.handler = slog.NewJSONHandler(cl.writer, opts)
	case config.Console.Color:
		cl.handler = newColorTextHandler(cl.writer, opts)
	default:
		cl.handler = slog.NewTextHandler(cl.writer, opts)
	}

	return cl, nil
}

func (cl *ConsoleLogger) log(level LogLevel, msg string, component Component, source LogSource, fields map[string]interface{}) {
	record := slog.NewRecord(time.Now(), slogLevel(level), msg, 0)

	if component != "" {
		record.AddAttrs(slog.String("component", string(component)))
	}
	if source != "" {
		record.AddAttrs(slog.String("log_source", string(source)))
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		record.AddAttrs(slog.Any(k, fields[k]))
	}

	_ = cl.handler.Handle(context.Background(), record)
}

// Close flushes and closes the console logger
func (cl *ConsoleLogger) Close() error {
	return cl.writer.Close()
}

func slogLevel(level LogLevel) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// colorTextHandler renders one line per record with a colored level tag:
//
//	2025-01-02T02:00:00Z INFO  [poller] Schedule claimed run_number=3 schedule_id=daily-sales
type colorTextHandler struct {
	w     io.Writer
	opts  *slog.HandlerOptions
	mu    sync.Mutex
	attrs []slog.Attr

	levelColors map[slog.Level]*color.Color
}

func newColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *colorTextHandler {
	return &colorTextHandler{
		w:    w,
		opts: opts,
		levelColors: map[slog.Level]*color.Color{
			slog.LevelDebug: color.New(color.FgCyan),
			slog.LevelInfo:  color.New(color.FgGreen),
			slog.LevelWarn:  color.New(color.FgYellow),
			slog.LevelError: color.New(color.FgRed, color.Bold),
		},
	}
}

// Enabled implements slog.Handler
func (h *colorTextHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts != nil && h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

// Handle implements slog.Handler
func (h *colorTextHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.UTC().Format(time.RFC3339))
	b.WriteByte(' ')

	levelText := fmt.Sprintf("%-5s", r.Level.String())
	if c, ok := h.levelColors[r.Level]; ok {
		levelText = c.Sprint(levelText)
	}
	b.WriteString(levelText)

	var component string
	var rest []slog.Attr
	collect := func(a slog.Attr) bool {
		if a.Key == "component" {
			component = a.Value.String()
			return true
		}
		rest = append(rest, a)
		return true
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(collect)

	if component != "" {
		b.WriteString(" [")
		b.WriteString(component)
		b.WriteByte(']')
	}
	b.WriteByte(' ')
	b.WriteString(r.Message)

	for _, a := range rest {
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteByte('=')
		b.WriteString(fmt.Sprintf("%v", a.Value.Any()))
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

// WithAttrs implements slog.Handler
func (h *colorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &colorTextHandler{w: h.w, opts: h.opts, attrs: merged, levelColors: h.levelColors}
}

// WithGroup implements slog.Handler. Groups are flattened.
func (h *colorTextHandler) WithGroup(string) slog.Handler {
	return h
}
