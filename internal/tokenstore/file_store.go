// ============================================================================
// Trackingproc File Token Store - Durable Claim Table
// ============================================================================
//
// Package: internal/tokenstore
// File: file_store.go
// Purpose: Persist segment existence and stored tokens across restarts
//          with a checksummed WAL and periodic snapshot.
//
// WAL Concept:
//   Every durable mutation (segment init, token store, delete) is
//   appended as a CRC32-checksummed JSON record before it is
//   acknowledged to the caller. Claims (owner + lease) are never
//   written — a restarted process has no business inheriting a dead
//   one's lease.
//
// How It Works:
//   open() -> load snapshot (if any) -> replay WAL records written
//   since that snapshot -> ready. A snapshot is written to a temp file
//   and atomically renamed into place, so a crash mid-write never
//   corrupts the previous snapshot.
//
// ============================================================================

package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/trackingproc/pkg/eventstream"
)

// FileTokenStore makes InMemoryTokenStore's claim table durable across
// restarts. Claims themselves (owner + lease) are never persisted — a
// fresh process has no business inheriting a dead one's lease — only
// segment existence and stored tokens are. Every durable mutation is
// appended to a checksummed, append-only WAL before it is acknowledged;
// a snapshot plus WAL-replay-since-snapshot reconstructs state on open.
//
// Grounded on internal/storage/wal/wal.go's append/replay/checksum
// design and internal/snapshot/snapshot_manager.go's atomic
// temp-file-then-rename write, re-targeted from job-queue events to
// token-claim events.
type FileTokenStore struct {
	mem   *InMemoryTokenStore
	codec TokenCodec

	mu           sync.Mutex
	walFile      *os.File
	walEncoder   *json.Encoder
	walPath      string
	snapshotPath string
	seq          uint64
}

type walEventType string

const (
	walInitialize walEventType = "INITIALIZE"
	walStore      walEventType = "STORE"
	walDelete     walEventType = "DELETE"
)

type walRecord struct {
	Seq           uint64          `json:"seq"`
	Type          walEventType    `json:"type"`
	ProcessorName string          `json:"processor_name"`
	SegmentID     int             `json:"segment_id"`
	Count         int             `json:"count,omitempty"`
	Token         json.RawMessage `json:"token,omitempty"`
	Timestamp     int64           `json:"timestamp"`
	Checksum      uint32          `json:"checksum"`
}

func (r walRecord) computeChecksum() uint32 {
	data := fmt.Sprintf("%s|%s|%d|%d|%d", r.Type, r.ProcessorName, r.SegmentID, r.Count, r.Seq)
	return crc32.ChecksumIEEE([]byte(data))
}

type fileSnapshot struct {
	SchemaVersion int                                   `json:"schema_version"`
	LastSeq       uint64                                `json:"last_seq"`
	Processors    map[string]map[string]json.RawMessage `json:"processors"`
}

const snapshotSchemaVersion = 1

// NewFileTokenStore opens (or creates) a durable token store rooted at
// dir, replaying snapshot.json + wal.log to restore state.
func NewFileTokenStore(dir, ownerID string, claimTimeout time.Duration, codec TokenCodec) (*FileTokenStore, error) {
	if codec == nil {
		codec = JSONTokenCodec{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tokenstore: create dir: %w", err)
	}

	s := &FileTokenStore{
		mem:          NewInMemoryTokenStore(ownerID, claimTimeout),
		codec:        codec,
		walPath:      filepath.Join(dir, "wal.log"),
		snapshotPath: filepath.Join(dir, "snapshot.json"),
	}

	if err := s.loadSnapshot(); err != nil {
		return nil, err
	}
	if err := s.replayWAL(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(s.walPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: open wal: %w", err)
	}
	s.walFile = file
	s.walEncoder = json.NewEncoder(file)

	return s, nil
}

func (s *FileTokenStore) loadSnapshot() error {
	data, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("tokenstore: read snapshot: %w", err)
	}

	var snap fileSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("tokenstore: corrupted snapshot: %w", err)
	}
	if snap.SchemaVersion != snapshotSchemaVersion {
		return fmt.Errorf("tokenstore: incompatible snapshot schema %d", snap.SchemaVersion)
	}

	s.seq = snap.LastSeq
	for processorName, segs := range snap.Processors {
		for segIDStr, raw := range segs {
			var segID int
			if _, err := fmt.Sscanf(segIDStr, "%d", &segID); err != nil {
				continue
			}
			token, err := s.codec.Decode(raw)
			if err != nil {
				return fmt.Errorf("tokenstore: decode token for %s/%d: %w", processorName, segID, err)
			}
			s.mem.setSegmentLocked(processorName, segID, token)
		}
	}
	return nil
}

func (s *FileTokenStore) replayWAL() error {
	file, err := os.Open(s.walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("tokenstore: open wal for replay: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for {
		var rec walRecord
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("tokenstore: decode wal record: %w", err)
		}
		if rec.Seq <= s.seq {
			continue // already covered by the loaded snapshot
		}
		if rec.Checksum != rec.computeChecksum() {
			return fmt.Errorf("tokenstore: checksum mismatch at seq=%d", rec.Seq)
		}

		switch rec.Type {
		case walInitialize:
			_ = s.mem.InitializeTokenSegments(context.Background(), rec.ProcessorName, rec.Count)
		case walStore:
			token, err := s.codec.Decode(rec.Token)
			if err != nil {
				return fmt.Errorf("tokenstore: decode wal token at seq=%d: %w", rec.Seq, err)
			}
			s.mem.setSegmentLocked(rec.ProcessorName, rec.SegmentID, token)
		case walDelete:
			_ = s.mem.DeleteToken(context.Background(), rec.ProcessorName, rec.SegmentID)
		}
		s.seq = rec.Seq
	}
	return nil
}

func (s *FileTokenStore) append(rec walRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	rec.Seq = s.seq
	rec.Timestamp = time.Now().UnixMilli()
	rec.Checksum = rec.computeChecksum()

	if err := s.walEncoder.Encode(rec); err != nil {
		return fmt.Errorf("tokenstore: append wal: %w", err)
	}
	return s.walFile.Sync()
}

func (s *FileTokenStore) FetchSegments(ctx context.Context, processorName string) ([]int, error) {
	return s.mem.FetchSegments(ctx, processorName)
}

func (s *FileTokenStore) InitializeTokenSegments(ctx context.Context, processorName string, count int) error {
	if err := s.mem.InitializeTokenSegments(ctx, processorName, count); err != nil {
		return err
	}
	return s.append(walRecord{Type: walInitialize, ProcessorName: processorName, Count: count})
}

func (s *FileTokenStore) FetchToken(ctx context.Context, processorName string, segmentID int) (eventstream.TrackingToken, error) {
	return s.mem.FetchToken(ctx, processorName, segmentID)
}

func (s *FileTokenStore) StoreToken(ctx context.Context, token eventstream.TrackingToken, processorName string, segmentID int) error {
	if err := s.mem.StoreToken(ctx, token, processorName, segmentID); err != nil {
		return err
	}
	encoded, err := s.codec.Encode(token)
	if err != nil {
		return fmt.Errorf("tokenstore: encode token: %w", err)
	}
	return s.append(walRecord{Type: walStore, ProcessorName: processorName, SegmentID: segmentID, Token: encoded})
}

func (s *FileTokenStore) ExtendClaim(ctx context.Context, processorName string, segmentID int) error {
	return s.mem.ExtendClaim(ctx, processorName, segmentID)
}

func (s *FileTokenStore) ReleaseClaim(ctx context.Context, processorName string, segmentID int) error {
	return s.mem.ReleaseClaim(ctx, processorName, segmentID)
}

func (s *FileTokenStore) DeleteToken(ctx context.Context, processorName string, segmentID int) error {
	if err := s.mem.DeleteToken(ctx, processorName, segmentID); err != nil {
		return err
	}
	return s.append(walRecord{Type: walDelete, ProcessorName: processorName, SegmentID: segmentID})
}

// Snapshot writes the full claim table to snapshot.json via a
// temp-file-then-rename so a crash mid-write never corrupts the
// previous snapshot, then truncates the WAL since everything in it up
// to the current seq is now captured.
func (s *FileTokenStore) Snapshot(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	processorNames, err := s.allProcessorNames(ctx)
	if err != nil {
		return err
	}

	snap := fileSnapshot{
		SchemaVersion: snapshotSchemaVersion,
		LastSeq:       s.seq,
		Processors:    make(map[string]map[string]json.RawMessage, len(processorNames)),
	}

	for _, name := range processorNames {
		ids, err := s.mem.FetchSegments(ctx, name)
		if err != nil {
			return err
		}
		segs := make(map[string]json.RawMessage, len(ids))
		for _, id := range ids {
			token := s.mem.peekToken(name, id)
			encoded, err := s.codec.Encode(token)
			if err != nil {
				return fmt.Errorf("tokenstore: encode snapshot token: %w", err)
			}
			segs[fmt.Sprintf("%d", id)] = encoded
		}
		snap.Processors[name] = segs
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenstore: marshal snapshot: %w", err)
	}

	tmpPath := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("tokenstore: write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.snapshotPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("tokenstore: rename snapshot: %w", err)
	}

	return s.rotateWALLocked()
}

func (s *FileTokenStore) allProcessorNames(_ context.Context) ([]string, error) {
	s.mem.mu.RLock()
	defer s.mem.mu.RUnlock()
	names := make([]string, 0, len(s.mem.processors))
	for name := range s.mem.processors {
		names = append(names, name)
	}
	return names, nil
}

// rotateWALLocked truncates the WAL file now that its contents are
// captured by a just-written snapshot. Caller must hold s.mu.
func (s *FileTokenStore) rotateWALLocked() error {
	if err := s.walFile.Close(); err != nil {
		return err
	}
	file, err := os.OpenFile(s.walPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("tokenstore: reopen wal after rotation: %w", err)
	}
	s.walFile = file
	s.walEncoder = json.NewEncoder(file)
	return nil
}

// Close flushes a final snapshot and closes the WAL file.
func (s *FileTokenStore) Close(ctx context.Context) error {
	if err := s.Snapshot(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walFile.Close()
}
