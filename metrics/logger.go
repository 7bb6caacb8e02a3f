package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nci/gridjoin/log"
	"go.uber.org/zap"
)

type Logger interface {
	Log(info *MetricsInfo)
}

type StdoutLogger struct{}

func NewStdoutLogger() *StdoutLogger {
	return &StdoutLogger{}
}

func (l *StdoutLogger) Log(info *MetricsInfo) {
	infoStr, err := info.ToJSON()
	if err != nil {
		log.Error("StdoutLogger: encode error", zap.Error(err))
		return
	}
	log.Info("metrics", zap.String("record", strings.TrimSpace(infoStr)))
}

const defaultQueueSize = 2000
const defaultLogWriters = 2
const defaultMaxLogFileSize = 1024 * 1024 * 1024
const defaultMaxLogFiles = 10

// FileLogger appends records to log<N> files in LogDir, one file per
// writer goroutine. A file reaching MaxLogFileSize is rotated to log<N>.<i>;
// once MaxLogFiles rotations exist the oldest is overwritten.
type FileLogger struct {
	MetricsQueue   chan *MetricsInfo
	LogDir         string
	MaxLogFileSize int64
	MaxLogFiles    int
	Verbose        bool

	wg sync.WaitGroup
}

func NewFileLogger(logDir string, maxLogFileSize int64, maxLogFiles int, verbose bool) (*FileLogger, error) {
	if maxLogFileSize <= 0 {
		maxLogFileSize = defaultMaxLogFileSize
	}
	if maxLogFiles <= 0 {
		maxLogFiles = defaultMaxLogFiles
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, err
	}
	logger := &FileLogger{
		MetricsQueue:   make(chan *MetricsInfo, defaultQueueSize),
		LogDir:         logDir,
		MaxLogFileSize: maxLogFileSize,
		MaxLogFiles:    maxLogFiles,
		Verbose:        verbose,
	}

	for i := 0; i < defaultLogWriters; i++ {
		f, err := logger.openLogFile(i)
		if err != nil {
			return nil, err
		}
		logger.wg.Add(1)
		go logger.startLogWriter(i, f)
	}

	return logger, nil
}

func (l *FileLogger) Log(info *MetricsInfo) {
	l.MetricsQueue <- info
}

// Close flushes the queue and waits for the writers.
func (l *FileLogger) Close() {
	close(l.MetricsQueue)
	l.wg.Wait()
}

func (l *FileLogger) logName(idx int) string {
	return fmt.Sprintf("log%d", idx)
}

func (l *FileLogger) startLogWriter(idx int, f *os.File) {
	defer l.wg.Done()
	defer func() {
		if f != nil {
			f.Close()
		}
	}()

	for info := range l.MetricsQueue {
		infoStr, err := info.ToJSON()
		if err != nil {
			log.Error("FileLogger: encode error", zap.Int("writer", idx), zap.Error(err))
			continue
		}

		f, err = l.tryRotateLogFile(f, idx)
		if err != nil {
			continue
		}
		if _, err := f.WriteString(infoStr); err != nil {
			log.Error("FileLogger: write error", zap.Int("writer", idx), zap.Error(err))
			continue
		}
		f.Sync()
	}
}

func (l *FileLogger) openLogFile(idx int) (*os.File, error) {
	return os.OpenFile(filepath.Join(l.LogDir, l.logName(idx)), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}

// rotationTarget picks the first free log<N>.<i> slot, or the oldest
// rotated file once all slots are taken.
func (l *FileLogger) rotationTarget(idx int) (path string, overwrite bool, err error) {
	for i := 0; i < l.MaxLogFiles; i++ {
		candidate := filepath.Join(l.LogDir, fmt.Sprintf("%s.%d", l.logName(idx), i))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, false, nil
		}
	}

	entries, err := os.ReadDir(l.LogDir)
	if err != nil {
		return "", false, err
	}
	var oldest string
	oldestTime := time.Now()
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasPrefix(e.Name(), l.logName(idx)+".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(oldestTime) {
			oldest = e.Name()
			oldestTime = info.ModTime()
		}
	}
	if oldest == "" {
		oldest = fmt.Sprintf("%s.0", l.logName(idx))
	}
	return filepath.Join(l.LogDir, oldest), true, nil
}

func (l *FileLogger) tryRotateLogFile(currFile *os.File, idx int) (*os.File, error) {
	info, err := currFile.Stat()
	if err != nil {
		log.Error("FileLogger: log rotation error", zap.Int("writer", idx), zap.Error(err))
		return currFile, nil
	}
	if info.Size() < l.MaxLogFileSize {
		return currFile, nil
	}

	target, overwrite, err := l.rotationTarget(idx)
	if err != nil {
		log.Error("FileLogger: log rotation error", zap.Int("writer", idx), zap.Error(err))
		return currFile, nil
	}
	if overwrite {
		if l.Verbose {
			log.Info("FileLogger: maximum number of log files reached", zap.String("overwriting", target))
		}
		if err := os.Remove(target); err != nil {
			log.Error("FileLogger: log rotation error", zap.Int("writer", idx), zap.Error(err))
			return currFile, nil
		}
	}

	currFile.Close()
	if err := os.Rename(filepath.Join(l.LogDir, l.logName(idx)), target); err != nil {
		log.Error("FileLogger: log rotation error", zap.Int("writer", idx), zap.Error(err))
	} else if l.Verbose {
		log.Info("FileLogger: log file rotated", zap.String("path", target))
	}

	f, err := l.openLogFile(idx)
	if err != nil {
		log.Error("FileLogger: log rotation error", zap.Int("writer", idx), zap.Error(err))
		return nil, err
	}
	return f, nil
}
