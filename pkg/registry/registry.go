// Package registry implements the tracking registry: a single
// line-delimited, pipe-separated text file mapping container name to
// ContainerRecord. It is the one persistent entity in the system --
// everything else (rootfs trees, cgroup nodes, live processes) is
// derived from what is written here.
package registry

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/qubed/pkg/log"
	"github.com/cuemby/qubed/pkg/types"
)

// ErrNotFound is returned by Find when no record matches the identifier.
var ErrNotFound = errors.New("registry: container not found")

// Store is the tracking registry's public surface. A FileStore is the
// only production implementation; the interface exists so pkg/lifecycle
// and pkg/supervisor can be exercised against an in-memory fake in tests
// that don't want filesystem fixtures.
type Store interface {
	Append(record *types.ContainerRecord) error
	Upsert(name string, record *types.ContainerRecord) error
	RemoveByPID(pid int) error
	RemoveByName(name string) error
	List() ([]*types.ContainerRecord, error)
	Find(identifier string) (*types.ContainerRecord, error)
}

// FileStore is the on-disk, pipe-delimited registry described in the
// component design. All writers go through mu, matching the spec's
// process-local-lock concurrency model: only one writer is expected at
// rest (the supervisor), so no cross-process locking is attempted.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a registry backed by the file at path. The parent
// directory is created lazily on first write, matching the spec's "the
// registry is optional until first write" error policy.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Append writes record as a new line, ensuring the file already ends
// with a newline first. Used for first-time registration.
func (s *FileStore) Append(record *types.ContainerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("registry: create directory: %w", err)
	}

	if record.Timestamp == 0 {
		record.Timestamp = nowUnix()
	}

	if err := ensureTrailingNewline(s.path); err != nil {
		return fmt.Errorf("registry: normalize file: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("registry: open for append: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(encodeLine(record) + "\n"); err != nil {
		return fmt.Errorf("registry: append: %w", err)
	}
	return nil
}

// Upsert replaces the record matching name, or appends it if absent, then
// atomically rewrites the whole file (temp file + fsync + rename in the
// same directory). Timestamp is always refreshed to now.
func (s *FileStore) Upsert(name string, record *types.ContainerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record.Timestamp = nowUnix()

	lines, err := s.readLinesLocked()
	if err != nil {
		lines = nil
	}

	replaced := false
	for i, l := range lines {
		rec, ok := decodeLine(l)
		if ok && rec.Name == name {
			lines[i] = encodeLine(record)
			replaced = true
			break
		}
	}
	if !replaced {
		lines = append(lines, encodeLine(record))
	}

	return s.writeAllLocked(lines)
}

// RemoveByPID filters out every record whose PID matches pid and
// atomically rewrites the file.
func (s *FileStore) RemoveByPID(pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.readLinesLocked()
	if err != nil {
		return nil
	}

	kept := lines[:0:0]
	for _, l := range lines {
		rec, ok := decodeLine(l)
		if ok && rec.PID == pid {
			continue
		}
		kept = append(kept, l)
	}
	return s.writeAllLocked(kept)
}

// RemoveByName filters out the record named name and atomically rewrites
// the file.
func (s *FileStore) RemoveByName(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.readLinesLocked()
	if err != nil {
		return nil
	}

	kept := lines[:0:0]
	for _, l := range lines {
		rec, ok := decodeLine(l)
		if ok && rec.Name == name {
			continue
		}
		kept = append(kept, l)
	}
	return s.writeAllLocked(kept)
}

// List parses every line in the registry. Malformed lines are skipped,
// never fatal, and order reflects on-disk order.
func (s *FileStore) List() ([]*types.ContainerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.readLinesLocked()
	if err != nil {
		return nil, nil
	}

	records := make([]*types.ContainerRecord, 0, len(lines))
	for _, l := range lines {
		rec, ok := decodeLine(l)
		if !ok {
			logSkippedLine(l)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Find matches by exact name first; if no record has that name, the
// identifier is parsed as a PID and matched against record.PID.
func (s *FileStore) Find(identifier string) (*types.ContainerRecord, error) {
	records, err := s.List()
	if err != nil {
		return nil, err
	}

	for _, rec := range records {
		if rec.Name == identifier {
			return rec, nil
		}
	}

	if pid, err := strconv.Atoi(identifier); err == nil {
		for _, rec := range records {
			if rec.PID == pid {
				return rec, nil
			}
		}
	}

	return nil, ErrNotFound
}

func (s *FileStore) readLinesLocked() ([]string, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

// writeAllLocked replaces the registry's contents: write to a temp file
// in the same directory, fsync, then rename over the original. mu must
// already be held.
func (s *FileStore) writeAllLocked(lines []string) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("registry: create directory: %w", err)
	}

	tmpPath := filepath.Join(dir, ".qubed-registry-"+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("registry: create temp file: %w", err)
	}

	var body strings.Builder
	for _, l := range lines {
		body.WriteString(l)
		body.WriteByte('\n')
	}

	if _, err := f.WriteString(body.String()); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("registry: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("registry: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("registry: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("registry: rename into place: %w", err)
	}
	return nil
}

func ensureTrailingNewline(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString("\n")
	return err
}

// encodeLine serializes a record into the on-disk format:
// name|pid|dir|cmd\tcmd\t...|image|ports|isolated|host:guest,host:guest|K=V,K=V|timestamp
func encodeLine(r *types.ContainerRecord) string {
	fields := []string{
		r.Name,
		strconv.Itoa(r.PID),
		r.Dir,
		strings.Join(r.Command, "\t"),
		r.Image,
		r.Ports,
		strconv.FormatBool(r.Isolated),
		encodeVolumes(r.Volumes),
		strings.Join(r.EnvVars, ","),
		strconv.FormatUint(r.Timestamp, 10),
	}
	return strings.Join(fields, "|")
}

// decodeLine parses one registry line. It returns ok == false for any
// line that doesn't have the expected 10 pipe-delimited fields, so a
// single corrupted line never aborts a List().
func decodeLine(line string) (*types.ContainerRecord, bool) {
	parts := strings.SplitN(line, "|", 10)
	if len(parts) != 10 {
		return nil, false
	}

	pid, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, false
	}
	isolated, err := strconv.ParseBool(parts[6])
	if err != nil {
		return nil, false
	}
	timestamp, err := strconv.ParseUint(parts[9], 10, 64)
	if err != nil {
		return nil, false
	}

	var command []string
	if parts[3] != "" {
		command = strings.Split(parts[3], "\t")
	}

	return &types.ContainerRecord{
		Name:      parts[0],
		PID:       pid,
		Dir:       parts[2],
		Command:   command,
		Image:     parts[4],
		Ports:     parts[5],
		Isolated:  isolated,
		Volumes:   decodeVolumes(parts[7]),
		EnvVars:   splitNonEmpty(parts[8], ","),
		Timestamp: timestamp,
	}, true
}

func encodeVolumes(vols []types.VolumeMount) string {
	parts := make([]string, 0, len(vols))
	for _, v := range vols {
		parts = append(parts, v.HostPath+":"+v.ContainerPath)
	}
	return strings.Join(parts, ",")
}

func decodeVolumes(s string) []types.VolumeMount {
	if s == "" {
		return nil
	}
	items := strings.Split(s, ",")
	vols := make([]types.VolumeMount, 0, len(items))
	for _, item := range items {
		host, guest, ok := strings.Cut(item, ":")
		if !ok {
			continue
		}
		vols = append(vols, types.VolumeMount{HostPath: host, ContainerPath: guest})
	}
	return vols
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, sep)
}

func nowUnix() uint64 {
	return uint64(time.Now().Unix())
}

var _ Store = (*FileStore)(nil)

func logSkippedLine(line string) {
	log.WithComponent("registry").Warn().Str("line", line).Msg("skipping malformed registry line")
}
