package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BradenHooton/keystone/internal/models"
	"github.com/oklog/ulid/v2"
)

const (
	DefaultBackupMaxBytes = 10 << 20
	DefaultBackupMaxFiles = 5
)

// Every line starts with the recovered flag followed by the backup id, so
// the flag can be flipped in place: "false" and "true " have equal length.
const (
	linePrefixPending = `{"_recovered":false,"_backup_id":"`
	linePrefixDone    = `{"_recovered":true ,"_backup_id":"`
	flagOffset        = len(`{"_recovered":`)
)

// ErrRecordNotFound is returned by MarkRecovered when no file holds the id.
var ErrRecordNotFound = errors.New("backup record not found")

// Record is one backup line. Field order is significant; see
// linePrefixPending.
type Record struct {
	Recovered  bool                 `json:"_recovered"`
	BackupID   string               `json:"_backup_id"`
	BackupTime time.Time            `json:"_backup_time"`
	Kind       Kind                 `json:"_kind"`
	Audit      *models.AuditLog     `json:"audit,omitempty"`
	Login      *models.LoginHistory `json:"login,omitempty"`
}

// PendingRecord is a not-yet-recovered record and where it was read from.
type PendingRecord struct {
	Record
	file   string
	offset int64
}

// BackupStatus describes the backup files on disk.
type BackupStatus struct {
	Path      string `json:"path"`
	Files     int    `json:"files"`
	Bytes     int64  `json:"bytes"`
	Pending   int    `json:"pending"`
	Malformed int    `json:"malformed"`
}

// FileBackupOptions configures a FileBackup.
type FileBackupOptions struct {
	Path     string
	MaxBytes int64 // rotate when the active file would exceed this
	MaxFiles int   // rotated generations kept; the oldest is discarded
}

// FileBackup is an append-only newline-delimited JSON log with size-based
// rotation. One mutex serializes appends, rotation, flag updates and
// compaction.
type FileBackup struct {
	path     string
	maxBytes int64
	maxFiles int
	now      func() time.Time

	mu sync.Mutex
}

// NewFileBackup prepares the backup directory.
func NewFileBackup(opts FileBackupOptions) (*FileBackup, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: audit backup path is empty", models.ErrConfiguration)
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultBackupMaxBytes
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = DefaultBackupMaxFiles
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create audit backup directory: %w", err)
	}
	return &FileBackup{
		path:     opts.Path,
		maxBytes: opts.MaxBytes,
		maxFiles: opts.MaxFiles,
		now:      time.Now,
	}, nil
}

// Path returns the active file path.
func (b *FileBackup) Path() string {
	return b.path
}

// Append stamps rec with a fresh backup id and time and writes it as one
// line, rotating first if needed. The write is fsynced before returning.
func (b *FileBackup) Append(rec *Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec.Recovered = false
	rec.BackupID = ulid.Make().String()
	rec.BackupTime = b.now().UTC()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode backup record: %w", err)
	}
	line = append(line, '\n')

	if err := b.rotateIfNeeded(int64(len(line))); err != nil {
		return err
	}

	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit backup: %w", err)
	}
	// A torn final line from an earlier crash must not swallow this record.
	if fi, err := f.Stat(); err == nil && fi.Size() > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, fi.Size()-1); err == nil && last[0] != '\n' {
			line = append([]byte{'\n'}, line...)
		}
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write audit backup: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync audit backup: %w", err)
	}
	return f.Close()
}

func (b *FileBackup) generation(i int) string {
	if i == 0 {
		return b.path
	}
	return fmt.Sprintf("%s.%d", b.path, i)
}

func (b *FileBackup) rotateIfNeeded(incoming int64) error {
	fi, err := os.Stat(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat audit backup: %w", err)
	}
	if fi.Size() == 0 || fi.Size()+incoming <= b.maxBytes {
		return nil
	}
	return b.rotate()
}

func (b *FileBackup) rotate() error {
	if err := os.Remove(b.generation(b.maxFiles)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to discard oldest audit backup: %w", err)
	}
	for i := b.maxFiles - 1; i >= 0; i-- {
		err := os.Rename(b.generation(i), b.generation(i+1))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to rotate audit backup: %w", err)
		}
	}
	return nil
}

// files lists existing generations, oldest first.
func (b *FileBackup) files() []string {
	var out []string
	for i := b.maxFiles; i >= 0; i-- {
		name := b.generation(i)
		if _, err := os.Stat(name); err == nil {
			out = append(out, name)
		}
	}
	return out
}

type scannedLine struct {
	raw    []byte
	offset int64
	rec    *Record // nil when malformed
}

func scanFile(name string) ([]scannedLine, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []scannedLine
	r := bufio.NewReader(f)
	var offset int64
	for {
		raw, err := r.ReadBytes('\n')
		if len(raw) > 0 {
			line := scannedLine{raw: raw, offset: offset}
			offset += int64(len(raw))
			if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 {
				var rec Record
				if jsonErr := json.Unmarshal(trimmed, &rec); jsonErr == nil && rec.BackupID != "" {
					line.rec = &rec
				}
				lines = append(lines, line)
			}
		}
		if errors.Is(err, io.EOF) {
			return lines, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Pending returns every unrecovered record, oldest first, and the number of
// lines that could not be parsed.
func (b *FileBackup) Pending() ([]PendingRecord, int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var pending []PendingRecord
	malformed := 0
	for _, name := range b.files() {
		lines, err := scanFile(name)
		if err != nil {
			return nil, malformed, fmt.Errorf("failed to read %s: %w", name, err)
		}
		for _, l := range lines {
			if l.rec == nil {
				malformed++
				continue
			}
			if l.rec.Recovered {
				continue
			}
			pending = append(pending, PendingRecord{Record: *l.rec, file: name, offset: l.offset})
		}
	}
	return pending, malformed, nil
}

// MarkRecovered flips the record's flag on disk. If rotation moved the line
// since Pending was called, every generation is searched for the id.
func (b *FileBackup) MarkRecovered(p PendingRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok, err := patchFlag(p.file, p.offset, p.BackupID); ok || err != nil {
		return err
	}
	for _, name := range b.files() {
		lines, err := scanFile(name)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}
		for _, l := range lines {
			if l.rec != nil && l.rec.BackupID == p.BackupID {
				if _, err := patchFlag(name, l.offset, p.BackupID); err != nil {
					return err
				}
				return nil
			}
		}
	}
	return ErrRecordNotFound
}

// patchFlag rewrites the flag of the line at offset if that line carries id.
// It reports whether the line was found there.
func patchFlag(name string, offset int64, id string) (bool, error) {
	f, err := os.OpenFile(name, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	want := linePrefixPending + id
	buf := make([]byte, len(want))
	if _, err := f.ReadAt(buf, offset); err != nil {
		return false, nil
	}
	switch string(buf) {
	case want:
	case linePrefixDone + id:
		return true, nil
	default:
		return false, nil
	}

	if _, err := f.WriteAt([]byte("true "), offset+int64(flagOffset)); err != nil {
		return false, fmt.Errorf("failed to mark backup record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return false, fmt.Errorf("failed to sync backup record: %w", err)
	}
	return true, nil
}

// Compact rewrites each generation without its recovered lines and removes
// generations left empty. Malformed lines are kept for inspection.
func (b *FileBackup) Compact() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, name := range b.files() {
		lines, err := scanFile(name)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}

		var keep [][]byte
		for _, l := range lines {
			if l.rec == nil || !l.rec.Recovered {
				keep = append(keep, l.raw)
			}
		}
		if len(keep) == len(lines) {
			continue
		}
		if len(keep) == 0 {
			if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to remove %s: %w", name, err)
			}
			continue
		}
		if err := rewriteFile(name, keep); err != nil {
			return err
		}
	}
	return nil
}

func rewriteFile(name string, lines [][]byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(name), filepath.Base(name)+".compact-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	w := bufio.NewWriter(tmp)
	for _, l := range lines {
		if len(l) == 0 || l[len(l)-1] != '\n' {
			l = append(l, '\n')
		}
		if _, err := w.Write(l); err != nil {
			_ = tmp.Close()
			cleanup()
			return fmt.Errorf("failed to write temp file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to flush temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, name); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

// Status summarises the files on disk.
func (b *FileBackup) Status() (BackupStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := BackupStatus{Path: b.path}
	for _, name := range b.files() {
		fi, err := os.Stat(name)
		if err != nil {
			continue
		}
		st.Files++
		st.Bytes += fi.Size()

		lines, err := scanFile(name)
		if err != nil {
			return st, fmt.Errorf("failed to read %s: %w", name, err)
		}
		for _, l := range lines {
			switch {
			case l.rec == nil:
				st.Malformed++
			case !l.rec.Recovered:
				st.Pending++
			}
		}
	}
	return st, nil
}
