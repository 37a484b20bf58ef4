// Package activitylog implements the server's per-day, append-only
// activity log and its exposure through /get-logs, reproducing the line
// shape ("HH:MM:SS - [TAG] message") expected by the reference client's
// print_server_logs formatter.
package activitylog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger is the server's single activity log, rolling over to a new file at
// each date change. All appends and the rollover check are serialized by mu,
// so a single lock covers both appends and date-rollover bookkeeping.
type Logger struct {
	mu   sync.Mutex
	dir  string
	date string
	file *os.File
}

// Open creates dir if needed and opens (or creates) today's log file.
func Open(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("activitylog: create dir %s: %w", dir, err)
	}
	l := &Logger{dir: dir}
	if err := l.rollIfNeeded(time.Now()); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Logger) rollIfNeeded(now time.Time) error {
	date := now.Format("2006-01-02")
	if date == l.date && l.file != nil {
		return nil
	}
	if l.file != nil {
		l.file.Close()
	}
	path := filepath.Join(l.dir, date+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("activitylog: open %s: %w", path, err)
	}
	l.file = f
	l.date = date
	return nil
}

func (l *Logger) write(tag, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if err := l.rollIfNeeded(now); err != nil {
		return
	}
	fmt.Fprintf(l.file, "%s - [%s] %s\n", now.Format("15:04:05"), tag, msg)
}

// Get records a GET request, formatted "HH:MM:SS - [GET] message".
func (l *Logger) Get(format string, args ...any) {
	l.write("GET", fmt.Sprintf(format, args...))
}

// Post records a POST request.
func (l *Logger) Post(format string, args ...any) {
	l.write("POST", fmt.Sprintf(format, args...))
}

// Error records an error condition.
func (l *Logger) Error(format string, args ...any) {
	l.write("ERROR", fmt.Sprintf(format, args...))
}

// Lines returns every line of the current day's log file, in file order,
// for the /get-logs endpoint's JSON array response.
func (l *Logger) Lines() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.rollIfNeeded(time.Now()); err != nil {
		return nil, err
	}
	path := filepath.Join(l.dir, l.date+".log")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("activitylog: read %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("activitylog: scan %s: %w", path, err)
	}
	if lines == nil {
		lines = []string{}
	}
	return lines, nil
}

// Close closes the underlying file handle.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
