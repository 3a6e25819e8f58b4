package checkpoint

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/gob"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	apperrors "github.com/ngoclaw/ngoclaw/gateway/pkg/errors"
)

var (
	zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}
	gzipMagic = []byte{0x1F, 0x8B}
)

func init() {
	// TaskState.Input/PartialResult are JSON-shaped maps; gob needs the
	// concrete dynamic types registered before it can encode an `any`.
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(float64(0))
	gob.Register("")
	gob.Register(false)
}

const envelopeVersion uint16 = 1

// envelopeHeader is the length-prefixed record header described in the
// persisted-state layout: {version, level, timestamp, has_parent}. It
// duplicates fields already present in the gob-encoded Checkpoint so that
// Storage.List can read level and timestamp without gob-decoding the full
// payload of every file (each file is still read and decompressed whole).
type envelopeHeader struct {
	Version    uint16
	Level      Level
	Timestamp  int64 // unix nanoseconds
	HasParent  uint8
}

const envelopeHeaderSize = 2 + 1 + 8 + 1

// Storage is the on-disk checkpoint backend: one file per checkpoint
// under storage_path/checkpoints, with reserved chunks/ and journal/
// subdirectories for future content-addressed diffs and a WAL.
type Storage struct {
	config   Config
	basePath string
	logger   *zap.Logger
}

// NewStorage creates the storage directories (checkpoints/, chunks/,
// journal/) under config.StoragePath if they do not already exist.
func NewStorage(config Config, logger *zap.Logger) (*Storage, error) {
	base := config.StoragePath
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, apperrors.NewCheckpointError(apperrors.KindStorage, "failed to create storage directory", err)
	}
	for _, sub := range []string{"checkpoints", "chunks", "journal"} {
		if err := os.MkdirAll(filepath.Join(base, sub), 0o755); err != nil {
			return nil, apperrors.NewCheckpointError(apperrors.KindStorage, "failed to create subdirectory", err)
		}
	}
	if logger != nil {
		logger.Info("checkpoint storage initialized", zap.String("path", base))
	}
	return &Storage{config: config, basePath: base, logger: logger}, nil
}

// Store serializes, optionally compresses, and durably persists a
// checkpoint. A checkpoint is durable only after fsync returns.
func (s *Storage) Store(cp *Checkpoint) error {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(cp); err != nil {
		return apperrors.NewCheckpointError(apperrors.KindSerialization, "failed to encode checkpoint", err)
	}

	hasParent := uint8(0)
	if cp.Parent != "" {
		hasParent = 1
	}
	header := envelopeHeader{Version: envelopeVersion, Level: cp.Level, Timestamp: cp.Timestamp.UnixNano(), HasParent: hasParent}

	var envelope bytes.Buffer
	if err := binary.Write(&envelope, binary.BigEndian, header); err != nil {
		return apperrors.NewCheckpointError(apperrors.KindSerialization, "failed to encode envelope header", err)
	}
	envelope.Write(payload.Bytes())

	data := envelope.Bytes()
	compressed := false
	if s.shouldCompress() {
		out, err := s.compress(data)
		if err != nil {
			return err
		}
		data = out
		compressed = true
	}

	path := s.checkpointPath(cp.ID)
	f, err := os.Create(path)
	if err != nil {
		return apperrors.NewCheckpointError(apperrors.KindStorage, "failed to create checkpoint file", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return apperrors.NewCheckpointError(apperrors.KindStorage, "failed to write checkpoint", err)
	}
	if err := f.Sync(); err != nil {
		return apperrors.NewCheckpointError(apperrors.KindStorage, "failed to sync checkpoint", err)
	}

	if s.logger != nil {
		s.logger.Debug("checkpoint stored",
			zap.String("checkpoint_id", cp.ID), zap.String("path", path),
			zap.Int("size_bytes", len(data)), zap.Bool("compressed", compressed))
	}
	return nil
}

// Load reads a checkpoint by id. Corruption (a failed decode after a
// successful read) is surfaced as Corrupted, never masked.
func (s *Storage) Load(id string) (*Checkpoint, error) {
	path := s.checkpointPath(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NewCheckpointError(apperrors.KindCheckpointNotFound, id, err)
		}
		return nil, apperrors.NewCheckpointError(apperrors.KindStorage, "failed to read checkpoint", err)
	}

	data, err = s.decompressIfNeeded(data)
	if err != nil {
		return nil, apperrors.NewCheckpointError(apperrors.KindCorrupted, "failed to decompress checkpoint", err)
	}

	if len(data) < envelopeHeaderSize {
		return nil, apperrors.NewCheckpointError(apperrors.KindCorrupted, "checkpoint envelope truncated", nil)
	}
	payload := data[envelopeHeaderSize:]

	var cp Checkpoint
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&cp); err != nil {
		return nil, apperrors.NewCheckpointError(apperrors.KindCorrupted, "failed to decode checkpoint", err)
	}

	if s.logger != nil {
		s.logger.Debug("checkpoint loaded", zap.String("checkpoint_id", id))
	}
	return &cp, nil
}

// List enumerates checkpoints/ and returns metadata sorted by timestamp
// descending. ID and level are read from the filename and the envelope
// header respectively, never fabricated.
func (s *Storage) List() ([]Metadata, error) {
	dir := filepath.Join(s.basePath, "checkpoints")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apperrors.NewCheckpointError(apperrors.KindStorage, "failed to read checkpoints directory", err)
	}

	var out []Metadata
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".chk" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			return nil, apperrors.NewCheckpointError(apperrors.KindStorage, "failed to stat checkpoint file", err)
		}

		id := strings.TrimSuffix(entry.Name(), ".chk")
		header, compressed, err := s.readHeader(path)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("skipping unreadable checkpoint during listing", zap.String("path", path), zap.Error(err))
			}
			continue
		}

		out = append(out, Metadata{
			ID:         id,
			Timestamp:  time.Unix(0, header.Timestamp).UTC(),
			Level:      header.Level,
			SizeBytes:  info.Size(),
			Compressed: compressed,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// readHeader reads a whole checkpoint file, decompresses it if needed, and
// parses only its envelope header, without gob-decoding the payload.
func (s *Storage) readHeader(path string) (envelopeHeader, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return envelopeHeader{}, false, err
	}
	compressed := s.isCompressed(data)
	data, err = s.decompressIfNeeded(data)
	if err != nil {
		return envelopeHeader{}, false, err
	}
	if len(data) < envelopeHeaderSize {
		return envelopeHeader{}, false, apperrors.NewCheckpointError(apperrors.KindCorrupted, "checkpoint envelope truncated", nil)
	}
	var header envelopeHeader
	if err := binary.Read(bytes.NewReader(data[:envelopeHeaderSize]), binary.BigEndian, &header); err != nil {
		return envelopeHeader{}, false, err
	}
	return header, compressed, nil
}

// Metadata stats a single checkpoint file and reads its envelope header,
// without decoding the full payload. Used to index a checkpoint right
// after Store without re-listing the whole directory.
func (s *Storage) Metadata(id string) (Metadata, error) {
	path := s.checkpointPath(id)
	info, err := os.Stat(path)
	if err != nil {
		return Metadata{}, apperrors.NewCheckpointError(apperrors.KindStorage, "failed to stat checkpoint file", err)
	}
	header, compressed, err := s.readHeader(path)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{
		ID:         id,
		Timestamp:  time.Unix(0, header.Timestamp).UTC(),
		Level:      header.Level,
		SizeBytes:  info.Size(),
		Compressed: compressed,
	}, nil
}

// CleanupOld deletes any checkpoint older than retentionDays. Failures on
// individual files are logged and skipped; cleanup never aborts on one
// bad file.
func (s *Storage) CleanupOld(retentionDays uint32) (uint64, error) {
	cutoff := time.Now().AddDate(0, 0, -int(retentionDays))
	checkpoints, err := s.List()
	if err != nil {
		return 0, err
	}

	var deleted uint64
	for _, cp := range checkpoints {
		if cp.Timestamp.Before(cutoff) {
			path := s.checkpointPath(cp.ID)
			if err := os.Remove(path); err != nil {
				if s.logger != nil {
					s.logger.Warn("failed to delete checkpoint", zap.String("checkpoint_id", cp.ID), zap.Error(err))
				}
				continue
			}
			deleted++
		}
	}
	if s.logger != nil {
		s.logger.Info("checkpoint cleanup completed", zap.Uint64("deleted_count", deleted))
	}
	return deleted, nil
}

// Flush is a no-op placeholder for a future buffered-write layer; every
// Store call already fsyncs before returning.
func (s *Storage) Flush() error { return nil }

// Delete removes a single checkpoint file by id.
func (s *Storage) Delete(id string) error {
	path := s.checkpointPath(id)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return apperrors.NewCheckpointError(apperrors.KindCheckpointNotFound, id, err)
		}
		return apperrors.NewCheckpointError(apperrors.KindStorage, "failed to delete checkpoint", err)
	}
	return nil
}

func (s *Storage) checkpointPath(id string) string {
	return filepath.Join(s.basePath, "checkpoints", id+".chk")
}

func (s *Storage) shouldCompress() bool {
	return s.config.Compression == CompressionZstd || s.config.Compression == CompressionGzip
}

func (s *Storage) compress(data []byte) ([]byte, error) {
	switch s.config.Compression {
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel(s.config.CompressionLevel)))
		if err != nil {
			return nil, apperrors.NewCheckpointError(apperrors.KindCompression, "zstd encoder init failed", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	case CompressionGzip:
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, clampGzipLevel(s.config.CompressionLevel))
		if err != nil {
			return nil, apperrors.NewCheckpointError(apperrors.KindCompression, "gzip encoder init failed", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, apperrors.NewCheckpointError(apperrors.KindCompression, "gzip write failed", err)
		}
		if err := w.Close(); err != nil {
			return nil, apperrors.NewCheckpointError(apperrors.KindCompression, "gzip close failed", err)
		}
		return buf.Bytes(), nil
	default:
		return data, nil
	}
}

func (s *Storage) decompressIfNeeded(data []byte) ([]byte, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	}
	if bytes.HasPrefix(data, gzipMagic) {
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	}
	return data, nil
}

func (s *Storage) isCompressed(data []byte) bool {
	return bytes.HasPrefix(data, zstdMagic) || bytes.HasPrefix(data, gzipMagic)
}

// zstdLevel maps the configured 1-9 compression_level onto klauspost/
// compress/zstd's four coarser speed/ratio presets.
func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level <= 4:
		return zstd.SpeedDefault
	case level <= 7:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

func clampGzipLevel(level int) int {
	if level < gzip.BestSpeed || level > gzip.BestCompression {
		return gzip.DefaultCompression
	}
	return level
}
