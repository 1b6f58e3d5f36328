// Package logcollection captures a launched app's stdout and stderr line by
// line and appends them to PM2 style out/error log files.
package logcollection

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pdm-pw/pdm-sync-server/pkg/errors"
	"github.com/pdm-pw/pdm-sync-server/pkg/logging"
	"github.com/pdm-pw/pdm-sync-server/pkg/processfile"
)

const (
	maxLineLength  = 1024 * 1024
	readBufferSize = 64 * 1024
)

type Options struct {
	AppName string
	// OutFile and ErrorFile receive the streams; empty skips the file
	OutFile   string
	ErrorFile string
	// DateFormat is a PM2 log_date_format; empty writes lines unprefixed
	DateFormat string
	// Console, when set, also receives each stream unmodified
	Console map[processfile.StreamType]io.Writer
}

type StreamStatus struct {
	Lines        int64
	Bytes        int64
	LastActivity time.Time
	Errors       int64
}

type Collector struct {
	options Options
	layout  string
	logger  logging.Logger
	now     func() time.Time

	files map[processfile.StreamType]*fileWriter
	pipes []*io.PipeWriter
	wg    sync.WaitGroup

	mutex  sync.Mutex
	status map[processfile.StreamType]*StreamStatus
	closed bool
}

func NewCollector(options Options, logger logging.Logger) (*Collector, error) {
	c := &Collector{
		options: options,
		layout:  ConvertDateFormat(options.DateFormat),
		logger:  logger,
		now:     time.Now,
		files:   make(map[processfile.StreamType]*fileWriter),
		status: map[processfile.StreamType]*StreamStatus{
			processfile.StdoutStream: {},
			processfile.StderrStream: {},
		},
	}

	for stream, path := range map[processfile.StreamType]string{
		processfile.StdoutStream: options.OutFile,
		processfile.StderrStream: options.ErrorFile,
	} {
		if path == "" {
			continue
		}
		fw, err := openFileWriter(path)
		if err != nil {
			c.closeFiles()
			return nil, err
		}
		c.files[stream] = fw
		logger.Infof("Collecting %s stream, app: %s, file: %s", stream, options.AppName, path)
	}

	return c, nil
}

// Writer returns the sink to hand to the process for stream. Lines are
// processed asynchronously until Close.
func (c *Collector) Writer(stream processfile.StreamType) io.Writer {
	reader, writer := io.Pipe()

	c.mutex.Lock()
	c.pipes = append(c.pipes, writer)
	c.mutex.Unlock()

	c.wg.Add(1)
	go c.streamReader(reader, stream)
	return writer
}

// streamReader emits one log line per output line. Lines longer than
// maxLineLength are split into maxLineLength chunks.
func (c *Collector) streamReader(stream io.Reader, streamType processfile.StreamType) {
	defer c.wg.Done()

	reader := bufio.NewReaderSize(stream, readBufferSize)
	var pending []byte
	split := false

	for {
		chunk, isPrefix, err := reader.ReadLine()
		if err != nil {
			if err != io.EOF {
				c.logger.Warnf("Error reading %s stream, app: %s, error: %v", streamType, c.options.AppName, err)
				c.recordError(streamType)
				// keep draining so the process never blocks on a full pipe
				_, _ = io.Copy(io.Discard, stream)
			}
			return
		}

		pending = append(pending, chunk...)
		for len(pending) >= maxLineLength {
			if !split {
				c.logger.Debugf("Splitting long %s line, app: %s, limit: %d bytes", streamType, c.options.AppName, maxLineLength)
			}
			c.processLogLine(streamType, string(pending[:maxLineLength]))
			pending = append(pending[:0], pending[maxLineLength:]...)
			split = true
		}
		if isPrefix {
			continue
		}

		if len(pending) > 0 || !split {
			c.processLogLine(streamType, string(pending))
		}
		pending = pending[:0]
		split = false
	}
}

func (c *Collector) processLogLine(stream processfile.StreamType, line string) {
	now := c.now()

	c.mutex.Lock()
	status := c.status[stream]
	status.Lines++
	status.Bytes += int64(len(line))
	status.LastActivity = now
	c.mutex.Unlock()

	if console := c.options.Console[stream]; console != nil {
		if _, err := fmt.Fprintln(console, line); err != nil {
			c.recordError(stream)
		}
	}

	if fw := c.files[stream]; fw != nil {
		entry := line
		if c.layout != "" {
			entry = now.Format(c.layout) + ": " + line
		}
		if err := fw.writeLine(entry); err != nil {
			c.logger.Warnf("Failed to write log line, app: %s, file: %s, error: %v", c.options.AppName, fw.path, err)
			c.recordError(stream)
		}
	}
}

func (c *Collector) recordError(stream processfile.StreamType) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.status[stream].Errors++
}

func (c *Collector) Status(stream processfile.StreamType) StreamStatus {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if status, ok := c.status[stream]; ok {
		return *status
	}
	return StreamStatus{}
}

// Close ends every stream, waits for pending lines and closes the files
func (c *Collector) Close() error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil
	}
	c.closed = true
	pipes := c.pipes
	c.mutex.Unlock()

	for _, pipe := range pipes {
		_ = pipe.Close()
	}
	c.wg.Wait()

	return c.closeFiles()
}

func (c *Collector) closeFiles() error {
	problems := errors.NewErrorCollection()
	for _, fw := range c.files {
		problems.Add(fw.close())
	}
	return problems.ToError()
}

type fileWriter struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	mutex  sync.Mutex
}

func openFileWriter(path string) (*fileWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.NewIOError("failed to create log directory", err).WithContext("path", path)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.NewIOError("failed to open log file", err).WithContext("path", path)
	}
	return &fileWriter{
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

// writeLine appends one line and flushes so tailing the file stays current
func (f *fileWriter) writeLine(line string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if _, err := f.writer.WriteString(line + "\n"); err != nil {
		return err
	}
	return f.writer.Flush()
}

func (f *fileWriter) close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	flushErr := f.writer.Flush()
	if err := f.file.Close(); err != nil {
		return errors.NewIOError("failed to close log file", err).WithContext("path", f.path)
	}
	if flushErr != nil {
		return errors.NewIOError("failed to flush log file", flushErr).WithContext("path", f.path)
	}
	return nil
}
