// Copyright 2024-2026 Aiku AI

// Package chatlog appends every relayed chat line to a rotating log file.
package chatlog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/aiku/ecolink/pkg/mention"
	"github.com/aiku/ecolink/pkg/platform"
)

// Options configures the chat log file.
type Options struct {
	Path          string
	FlushInterval time.Duration
	// MaxSizeMB rotates the file once it grows past this size.
	MaxSizeMB  int
	MaxBackups int
	// PlatformName labels lines from the external service, e.g. "Discord".
	PlatformName string
	// GameName labels lines from the game chat.
	GameName string
}

// Writer buffers chat lines and flushes them periodically.
type Writer struct {
	opts Options

	mu  sync.Mutex
	out io.WriteCloser
	buf *bufio.Writer
	now func() time.Time

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}

	log zerolog.Logger
}

// Open creates the log file's directory and starts the flush loop.
func Open(log zerolog.Logger, opts Options) (*Writer, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("chat log path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create chat log directory: %w", err)
	}
	out := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
	}
	return newWriter(log, opts, out), nil
}

func newWriter(log zerolog.Logger, opts Options, out io.WriteCloser) *Writer {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Minute
	}
	if opts.PlatformName == "" {
		opts.PlatformName = "Discord"
	}
	if opts.GameName == "" {
		opts.GameName = "Eco"
	}
	w := &Writer{
		opts:     opts,
		out:      out,
		buf:      bufio.NewWriter(out),
		now:      time.Now,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
		log:      log.With().Str("component", "chatlog").Logger(),
	}
	go w.flushLoop()
	return w
}

func (w *Writer) flushLoop() {
	defer close(w.done)
	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			if err := w.Flush(); err != nil {
				w.log.Warn().Err(err).Msg("Failed to flush chat log")
			}
		}
	}
}

// RecordGameMessage appends a game chat line.
func (w *Writer) RecordGameMessage(sender, body string) {
	w.write(w.opts.GameName, sender, body)
}

// RecordPlatformMessage appends a line from the external service.
func (w *Writer) RecordPlatformMessage(msg *platform.Message) {
	w.write(w.opts.PlatformName, msg.AuthorName, msg.Body)
}

func (w *Writer) write(source, user, content string) {
	line := formatLine(source, w.now(), mention.StripTags(user), mention.StripTags(content))
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf == nil {
		return
	}
	if _, err := w.buf.WriteString(line); err != nil {
		w.log.Warn().Err(err).Msg("Failed to write chat log line")
	}
}

// formatLine renders "[Source] [2006-01-02 : 15:04 UTC +2] user: content".
func formatLine(source string, t time.Time, user, content string) string {
	_, offset := t.Zone()
	hours := offset / 3600
	zone := "UTC"
	if hours > 0 {
		zone += " +" + strconv.Itoa(hours)
	} else if hours < 0 {
		zone += " " + strconv.Itoa(hours)
	}
	return fmt.Sprintf("[%s] [%s %s] %s: %s\n", source, t.Format("2006-01-02 : 15:04"), zone, user, content)
}

// Flush writes buffered lines to the file.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf == nil {
		return nil
	}
	return w.buf.Flush()
}

// Stop flushes and closes the file. Later calls are no-ops.
func (w *Writer) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopChan)
		<-w.done

		w.mu.Lock()
		defer w.mu.Unlock()
		if flushErr := w.buf.Flush(); flushErr != nil {
			err = fmt.Errorf("failed to flush chat log: %w", flushErr)
		}
		if closeErr := w.out.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close chat log: %w", closeErr)
		}
		w.buf = nil
	})
	return err
}
