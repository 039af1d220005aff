package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const logTailSize = 200

// LogStore owns the on-disk message capture: one JSON-array file per charging
// session plus rolling per-identity text logs. While any session is open the
// session lock file is touched periodically so unrelated components (upgrade
// and reboot logic) know a charge point is charging.
type LogStore struct {
	logDir      string
	sessionDir  string
	flushCount  int
	lockPath    string
	touchPeriod time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	sessions map[string]*SessionLog
	tails    map[string][]string

	stop chan struct{}
	wg   sync.WaitGroup
}

// SessionLog is one open per-transaction capture file.
type SessionLog struct {
	TxID      int
	StartedAt time.Time

	file       *os.File
	path       string
	buf        []json.RawMessage
	wroteFirst bool
}

type sessionEntry struct {
	At        string          `json:"at"`
	Direction string          `json:"direction"`
	Message   json.RawMessage `json:"message"`
}

func NewLogStore(logDir, sessionDir string, flushCount int, lockPath string, touchPeriod time.Duration, logger *zap.Logger) (*LogStore, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}
	if flushCount <= 0 {
		flushCount = 16
	}
	if touchPeriod <= 0 {
		touchPeriod = time.Minute
	}

	ls := &LogStore{
		logDir:      logDir,
		sessionDir:  sessionDir,
		flushCount:  flushCount,
		lockPath:    lockPath,
		touchPeriod: touchPeriod,
		logger:      logger,
		sessions:    make(map[string]*SessionLog),
		tails:       make(map[string][]string),
		stop:        make(chan struct{}),
	}

	ls.wg.Add(1)
	go ls.touchLoop()
	return ls, nil
}

// StartSession opens a new capture file for a transaction. An earlier session
// still open for the same serial is finalized first.
func (ls *LogStore) StartSession(serial string, txID int) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if old, ok := ls.sessions[serial]; ok {
		ls.finalizeLocked(serial, old)
	}

	now := time.Now().UTC()
	path := filepath.Join(ls.sessionDir, fmt.Sprintf("%s_%d.json", now.Format("20060102"), txID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("opening session file: %w", err)
	}
	if _, err := f.WriteString("[\n"); err != nil {
		f.Close()
		return err
	}

	ls.sessions[serial] = &SessionLog{
		TxID:      txID,
		StartedAt: now,
		file:      f,
		path:      path,
	}
	return nil
}

// HasSession reports an open session for a serial and its transaction id.
func (ls *LogStore) HasSession(serial string) (int, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if sl, ok := ls.sessions[serial]; ok {
		return sl.TxID, true
	}
	return 0, false
}

// AppendSession buffers one frame into the serial's open session, flushing at
// the configured threshold. Without an open session the frame is dropped.
func (ls *LogStore) AppendSession(serial, direction string, raw []byte) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	sl, ok := ls.sessions[serial]
	if !ok {
		return
	}
	entry, err := json.Marshal(sessionEntry{
		At:        time.Now().UTC().Format(time.RFC3339),
		Direction: direction,
		Message:   json.RawMessage(raw),
	})
	if err != nil {
		return
	}
	sl.buf = append(sl.buf, entry)
	if len(sl.buf) >= ls.flushCount {
		ls.flushLocked(sl)
	}
}

// EndSession flushes and closes the capture file for a serial.
func (ls *LogStore) EndSession(serial string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if sl, ok := ls.sessions[serial]; ok {
		ls.finalizeLocked(serial, sl)
	}
}

func (ls *LogStore) flushLocked(sl *SessionLog) {
	for _, entry := range sl.buf {
		if sl.wroteFirst {
			if _, err := sl.file.WriteString(",\n"); err != nil {
				ls.warn("session write", err)
				break
			}
		}
		if _, err := sl.file.Write(entry); err != nil {
			ls.warn("session write", err)
			break
		}
		sl.wroteFirst = true
	}
	sl.buf = sl.buf[:0]
}

func (ls *LogStore) finalizeLocked(serial string, sl *SessionLog) {
	ls.flushLocked(sl)
	if _, err := sl.file.WriteString("\n]\n"); err != nil {
		ls.warn("session finalize", err)
	}
	if err := sl.file.Close(); err != nil {
		ls.warn("session close", err)
	}
	delete(ls.sessions, serial)
}

// AppendLog appends one timestamped line to a named rolling log file and its
// in-memory tail.
func (ls *LogStore) AppendLog(logKey, line string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	stamped := fmt.Sprintf("%s %s", time.Now().UTC().Format(time.RFC3339), line)

	tail := append(ls.tails[logKey], stamped)
	if len(tail) > logTailSize {
		tail = tail[len(tail)-logTailSize:]
	}
	ls.tails[logKey] = tail

	path := filepath.Join(ls.logDir, sanitizeLogName(logKey)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		ls.warn("opening log file", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(stamped + "\n"); err != nil {
		ls.warn("log write", err)
	}
}

// TailLog returns up to n most recent lines appended under a log key.
func (ls *LogStore) TailLog(logKey string, n int) []string {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	tail := ls.tails[logKey]
	if n <= 0 || n >= len(tail) {
		out := make([]string, len(tail))
		copy(out, tail)
		return out
	}
	out := make([]string, n)
	copy(out, tail[len(tail)-n:])
	return out
}

// Close finalizes every open session and stops the lock-file loop.
func (ls *LogStore) Close() {
	close(ls.stop)
	ls.wg.Wait()

	ls.mu.Lock()
	defer ls.mu.Unlock()
	for serial, sl := range ls.sessions {
		ls.finalizeLocked(serial, sl)
	}
}

func (ls *LogStore) touchLoop() {
	defer ls.wg.Done()

	ticker := time.NewTicker(ls.touchPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ls.stop:
			return
		case <-ticker.C:
			ls.mu.Lock()
			active := len(ls.sessions) > 0
			ls.mu.Unlock()
			if active && ls.lockPath != "" {
				ls.touchLock()
			}
		}
	}
}

func (ls *LogStore) touchLock() {
	now := time.Now()
	if err := os.Chtimes(ls.lockPath, now, now); err != nil {
		if !os.IsNotExist(err) {
			ls.warn("touching session lock", err)
			return
		}
		f, err := os.OpenFile(ls.lockPath, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			ls.warn("creating session lock", err)
			return
		}
		f.Close()
	}
}

func (ls *LogStore) warn(msg string, err error) {
	if ls.logger != nil {
		ls.logger.Warn(msg, zap.Error(err))
	}
}

func sanitizeLogName(key string) string {
	r := strings.NewReplacer("#", "_", "/", "_", " ", "_", ":", "_")
	return r.Replace(key)
}
