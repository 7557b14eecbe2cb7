// Package storage persists document state: pretty-printed JSON snapshots
// written atomically via temp file + rename, and an append-only JSON Lines
// oplog with one record per committed edit. Recovery loads the snapshot and
// replays every oplog record with a newer version on top of it.
package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/adred-codev/collabd/internal/doc"
	"github.com/adred-codev/collabd/internal/protocol"
)

// Oplog records can exceed the wire cap slightly once envelope fields are
// added around a near-limit patch.
const maxOplogLineBytes = 2 * protocol.MaxMessageBytes

// Entry is one oplog record. TS is seconds since the epoch.
type Entry struct {
	DocID   string         `json:"docId"`
	Version int            `json:"version"`
	Patch   protocol.Patch `json:"patch"`
	By      string         `json:"by"`
	TS      float64        `json:"ts"`
}

type snapshotFile struct {
	DocID   string `json:"docId"`
	Version int    `json:"version"`
	Content string `json:"content"`
}

// Store reads and writes snapshots and oplogs under two directories, which
// may be the same path.
type Store struct {
	snapshotDir string
	oplogDir    string
	log         zerolog.Logger
}

// New creates both directories if needed.
func New(snapshotDir, oplogDir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := os.MkdirAll(oplogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create oplog dir: %w", err)
	}
	return &Store{snapshotDir: snapshotDir, oplogDir: oplogDir, log: log}, nil
}

func (s *Store) SnapshotPath(docID string) string {
	return filepath.Join(s.snapshotDir, docID+".json")
}

func (s *Store) OplogPath(docID string) string {
	return filepath.Join(s.oplogDir, docID+".logl")
}

// WriteSnapshot replaces the snapshot for docID atomically. A reader sees
// either the previous snapshot or the new one, never a partial file.
func (s *Store) WriteSnapshot(docID string, version int, content string) error {
	data, err := json.MarshalIndent(snapshotFile{DocID: docID, Version: version, Content: content}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", docID, err)
	}

	tmp, err := os.CreateTemp(s.snapshotDir, "."+docID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot temp for %s: %w", docID, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot %s: %w", docID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close snapshot %s: %w", docID, err)
	}
	if err := os.Rename(tmp.Name(), s.SnapshotPath(docID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish snapshot %s: %w", docID, err)
	}

	s.log.Debug().Str("doc_id", docID).Int("version", version).Msg("snapshot written")
	return nil
}

// AppendOplog adds one record to the document's oplog. The file is opened,
// appended and closed per call so a crash never loses earlier records.
func (s *Store) AppendOplog(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode oplog record %s v%d: %w", e.DocID, e.Version, err)
	}

	f, err := os.OpenFile(s.OplogPath(e.DocID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open oplog %s: %w", e.DocID, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append oplog %s: %w", e.DocID, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close oplog %s: %w", e.DocID, err)
	}
	return nil
}

// Load reconstructs a document from disk. Missing files mean a fresh
// document; corrupt data degrades to the longest recoverable state rather
// than failing, so a damaged disk never blocks serving.
func (s *Store) Load(docID string) (string, int) {
	content, version := s.readSnapshot(docID)
	return s.replayOplog(docID, content, version)
}

func (s *Store) readSnapshot(docID string) (string, int) {
	data, err := os.ReadFile(s.SnapshotPath(docID))
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("doc_id", docID).Msg("snapshot unreadable, starting empty")
		}
		return "", 0
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		s.log.Warn().Err(err).Str("doc_id", docID).Msg("snapshot corrupt, starting empty")
		return "", 0
	}
	return snap.Content, snap.Version
}

// replayOplog applies records with version > the snapshot version, in file
// order. Undecodable lines and records without a patch object are skipped;
// a record whose patch fails to apply aborts the replay so the document
// keeps its longest valid prefix.
func (s *Store) replayOplog(docID, content string, version int) (string, int) {
	f, err := os.Open(s.OplogPath(docID))
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("doc_id", docID).Msg("oplog unreadable, keeping snapshot state")
		}
		return content, version
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxOplogLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec struct {
			Version int             `json:"version"`
			Patch   json.RawMessage `json:"patch"`
		}
		if err := json.Unmarshal(line, &rec); err != nil {
			s.log.Warn().Err(err).Str("doc_id", docID).Msg("skipping undecodable oplog record")
			continue
		}
		if rec.Version <= version {
			continue
		}
		var patch protocol.Patch
		if len(rec.Patch) == 0 || bytes.Equal(rec.Patch, []byte("null")) {
			continue
		}
		if err := json.Unmarshal(rec.Patch, &patch); err != nil {
			s.log.Warn().Err(err).Str("doc_id", docID).Int("version", rec.Version).
				Msg("skipping oplog record without patch object")
			continue
		}
		updated, err := doc.ApplyPatch(content, patch)
		if err != nil {
			s.log.Error().Err(err).Str("doc_id", docID).Int("version", rec.Version).
				Msg("oplog replay stopped at unapplicable record")
			break
		}
		content = updated
		version = rec.Version
	}
	if err := scanner.Err(); err != nil {
		s.log.Warn().Err(err).Str("doc_id", docID).Msg("oplog read ended early")
	}

	return content, version
}
