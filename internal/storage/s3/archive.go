package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"scamwarden/internal/detection"
	"scamwarden/internal/remediation"
)

// CompressionType selects the archive compression codec.
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
	CompressionZstd CompressionType = "zstd"
	CompressionLZ4  CompressionType = "lz4"
)

// Data types stored in the archive.
const (
	DataTypeVerdicts = "verdicts"
	DataTypeCases    = "cases"
)

// ArchiveRecord is a single archived row. Data holds the full JSON
// encoding of the original verdict or case.
type ArchiveRecord struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
}

// NewVerdictRecord converts a verdict into an archive record.
func NewVerdictRecord(v *detection.Verdict) (ArchiveRecord, error) {
	if v == nil {
		return ArchiveRecord{}, fmt.Errorf("verdict is nil")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ArchiveRecord{}, fmt.Errorf("encode verdict %s: %w", v.ID, err)
	}
	return ArchiveRecord{
		ID:        v.ID.String(),
		Timestamp: v.DetectedAt,
		Type:      "verdict",
		Data:      data,
	}, nil
}

// NewCaseRecord converts a remediation case into an archive record.
// The timestamp is the last update, so re-archived cases sort by their
// newest version.
func NewCaseRecord(c *remediation.Case) (ArchiveRecord, error) {
	if c == nil {
		return ArchiveRecord{}, fmt.Errorf("case is nil")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return ArchiveRecord{}, fmt.Errorf("encode case %s: %w", c.ID, err)
	}
	return ArchiveRecord{
		ID:        c.ID.String(),
		Timestamp: c.UpdatedAt,
		Type:      "case",
		Data:      data,
	}, nil
}

// ArchivePart describes one uploaded object of an archive.
type ArchivePart struct {
	PartNumber  int    `json:"part_number"`
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	RecordCount int    `json:"record_count"`
	Checksum    string `json:"checksum"`
}

// ArchiveManifest describes a completed archive run.
type ArchiveManifest struct {
	ID              string          `json:"id"`
	DataType        string          `json:"data_type"`
	StartTime       time.Time       `json:"start_time"`
	EndTime         time.Time       `json:"end_time"`
	TotalRecords    int             `json:"total_records"`
	TotalBytes      int64           `json:"total_bytes"`
	CompressedBytes int64           `json:"compressed_bytes"`
	Compression     CompressionType `json:"compression"`
	Parts           []ArchivePart   `json:"parts"`
	CreatedAt       time.Time       `json:"created_at"`
	Checksum        string          `json:"checksum"`
}

// CompressionRatio reports compressed size over original size.
func (m *ArchiveManifest) CompressionRatio() float64 {
	if m.TotalBytes == 0 {
		return 0
	}
	return float64(m.CompressedBytes) / float64(m.TotalBytes)
}

// ArchiverConfig holds archiver settings.
type ArchiverConfig struct {
	// BatchSize is the maximum records per archive part.
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// MaxBatchBytes caps the uncompressed size of a part.
	MaxBatchBytes int64 `yaml:"max_batch_bytes" json:"max_batch_bytes"`

	// Compression selects the codec for archive parts.
	Compression CompressionType `yaml:"compression" json:"compression"`

	// StorageClass for archive objects.
	StorageClass string `yaml:"storage_class" json:"storage_class"`

	// PathTemplate builds object keys. Placeholders: {type}, {date}, {id}.
	PathTemplate string `yaml:"path_template" json:"path_template"`
}

// DefaultArchiverConfig returns an ArchiverConfig with sensible defaults.
func DefaultArchiverConfig() *ArchiverConfig {
	return &ArchiverConfig{
		BatchSize:     10000,
		MaxBatchBytes: 100 * 1024 * 1024,
		Compression:   CompressionZstd,
		StorageClass:  "STANDARD_IA",
		PathTemplate:  "archives/{type}/{date}/{id}",
	}
}

// ArchiverMetrics is a snapshot of archiver counters.
type ArchiverMetrics struct {
	ArchivesCreated  uint64 `json:"archives_created"`
	RecordsArchived  uint64 `json:"records_archived"`
	BytesArchived    uint64 `json:"bytes_archived"`
	ArchivesRestored uint64 `json:"archives_restored"`
	RecordsRestored  uint64 `json:"records_restored"`
	Errors           uint64 `json:"errors"`
}

// archiverMetrics tracks archiver operation counts.
type archiverMetrics struct {
	archivesCreated  uint64
	recordsArchived  uint64
	bytesArchived    uint64
	archivesRestored uint64
	recordsRestored  uint64
	errors           uint64
}

// Archiver packs records into compressed parts and uploads them with a
// manifest describing the run.
type Archiver struct {
	client  *Client
	config  *ArchiverConfig
	logger  *slog.Logger
	metrics archiverMetrics
}

// NewArchiver creates an archiver on top of an S3 client.
func NewArchiver(client *Client, config *ArchiverConfig, logger *slog.Logger) *Archiver {
	if config == nil {
		config = DefaultArchiverConfig()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 10000
	}
	if config.MaxBatchBytes <= 0 {
		config.MaxBatchBytes = 100 * 1024 * 1024
	}
	if config.Compression == "" {
		config.Compression = CompressionZstd
	}
	if config.PathTemplate == "" {
		config.PathTemplate = "archives/{type}/{date}/{id}"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		client: client,
		config: config,
		logger: logger,
	}
}

// Archive uploads the records as one or more compressed parts plus a
// manifest, and returns the manifest.
func (a *Archiver) Archive(ctx context.Context, dataType string, records []ArchiveRecord) (*ArchiveManifest, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("no records to archive")
	}

	manifest := &ArchiveManifest{
		ID:          uuid.New().String(),
		DataType:    dataType,
		Compression: a.config.Compression,
		CreatedAt:   time.Now().UTC(),
	}

	manifest.StartTime = records[0].Timestamp
	manifest.EndTime = records[0].Timestamp
	for _, r := range records {
		if r.Timestamp.Before(manifest.StartTime) {
			manifest.StartTime = r.Timestamp
		}
		if r.Timestamp.After(manifest.EndTime) {
			manifest.EndTime = r.Timestamp
		}
	}

	batches := splitIntoBatches(records, a.config.BatchSize)
	for i, batch := range batches {
		part, originalSize, err := a.archiveBatch(ctx, manifest.ID, dataType, i+1, batch)
		if err != nil {
			atomic.AddUint64(&a.metrics.errors, 1)
			return nil, fmt.Errorf("archive part %d: %w", i+1, err)
		}
		manifest.Parts = append(manifest.Parts, *part)
		manifest.TotalRecords += part.RecordCount
		manifest.TotalBytes += originalSize
		manifest.CompressedBytes += part.Size
	}

	manifest.Checksum = manifestChecksum(manifest.Parts)

	if err := a.uploadManifest(ctx, manifest); err != nil {
		atomic.AddUint64(&a.metrics.errors, 1)
		return nil, fmt.Errorf("upload manifest: %w", err)
	}

	atomic.AddUint64(&a.metrics.archivesCreated, 1)
	atomic.AddUint64(&a.metrics.recordsArchived, uint64(manifest.TotalRecords))
	atomic.AddUint64(&a.metrics.bytesArchived, uint64(manifest.CompressedBytes))

	a.logger.Info("archive created",
		"archive_id", manifest.ID,
		"data_type", dataType,
		"records", manifest.TotalRecords,
		"parts", len(manifest.Parts),
		"compressed_bytes", manifest.CompressedBytes,
		"ratio", fmt.Sprintf("%.2f", manifest.CompressionRatio()),
	)

	return manifest, nil
}

// archiveBatch serializes, compresses and uploads one part. It returns
// the part descriptor and the uncompressed size.
func (a *Archiver) archiveBatch(ctx context.Context, archiveID, dataType string, partNumber int, records []ArchiveRecord) (*ArchivePart, int64, error) {
	data, err := json.Marshal(records)
	if err != nil {
		return nil, 0, fmt.Errorf("encode records: %w", err)
	}
	originalSize := int64(len(data))

	compressed, err := compress(data, a.config.Compression)
	if err != nil {
		return nil, 0, fmt.Errorf("compress: %w", err)
	}

	key := a.generateKey(dataType, fmt.Sprintf("%s-part%04d", archiveID, partNumber))

	sum := sha256.Sum256(compressed)
	checksum := hex.EncodeToString(sum[:])

	_, err = a.client.Upload(ctx, &UploadInput{
		Key:         key,
		Data:        compressed,
		ContentType: contentTypeFor(a.config.Compression),
		Metadata: map[string]string{
			"archive-id":   archiveID,
			"data-type":    dataType,
			"part-number":  fmt.Sprintf("%d", partNumber),
			"record-count": fmt.Sprintf("%d", len(records)),
			"compression":  string(a.config.Compression),
		},
		StorageClass: a.config.StorageClass,
	})
	if err != nil {
		return nil, 0, err
	}

	return &ArchivePart{
		PartNumber:  partNumber,
		Key:         key,
		Size:        int64(len(compressed)),
		RecordCount: len(records),
		Checksum:    checksum,
	}, originalSize, nil
}

// uploadManifest stores the manifest as plain JSON next to the parts.
func (a *Archiver) uploadManifest(ctx context.Context, manifest *ArchiveManifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	key := fmt.Sprintf("manifests/%s/%s.json", manifest.DataType, manifest.ID)
	_, err = a.client.Upload(ctx, &UploadInput{
		Key:         key,
		Data:        data,
		ContentType: "application/json",
	})
	return err
}

// generateKey builds the object key from the path template.
func (a *Archiver) generateKey(dataType, id string) string {
	key := a.config.PathTemplate
	key = strings.ReplaceAll(key, "{type}", dataType)
	key = strings.ReplaceAll(key, "{date}", time.Now().UTC().Format("2006/01/02"))
	key = strings.ReplaceAll(key, "{id}", id)
	return key + extensionFor(a.config.Compression)
}

// Restore downloads the archive with the given ID and returns its records.
func (a *Archiver) Restore(ctx context.Context, dataType, archiveID string) ([]ArchiveRecord, error) {
	manifest, err := a.getManifest(ctx, dataType, archiveID)
	if err != nil {
		return nil, err
	}

	var records []ArchiveRecord
	for _, part := range manifest.Parts {
		partRecords, err := a.restorePart(ctx, manifest, &part)
		if err != nil {
			atomic.AddUint64(&a.metrics.errors, 1)
			return nil, fmt.Errorf("restore part %d: %w", part.PartNumber, err)
		}
		records = append(records, partRecords...)
	}

	atomic.AddUint64(&a.metrics.archivesRestored, 1)
	atomic.AddUint64(&a.metrics.recordsRestored, uint64(len(records)))

	a.logger.Info("archive restored",
		"archive_id", archiveID,
		"data_type", dataType,
		"records", len(records),
	)

	return records, nil
}

// restorePart downloads and decodes one archive part, verifying its
// checksum when the manifest carries one.
func (a *Archiver) restorePart(ctx context.Context, manifest *ArchiveManifest, part *ArchivePart) ([]ArchiveRecord, error) {
	compressed, err := a.client.Download(ctx, part.Key)
	if err != nil {
		return nil, err
	}

	if part.Checksum != "" {
		sum := sha256.Sum256(compressed)
		if hex.EncodeToString(sum[:]) != part.Checksum {
			return nil, fmt.Errorf("checksum mismatch for %s", part.Key)
		}
	}

	data, err := decompress(compressed, manifest.Compression)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", part.Key, err)
	}

	var records []ArchiveRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	return records, nil
}

// getManifest fetches the manifest for an archive ID.
func (a *Archiver) getManifest(ctx context.Context, dataType, archiveID string) (*ArchiveManifest, error) {
	key := fmt.Sprintf("manifests/%s/%s.json", dataType, archiveID)
	data, err := a.client.Download(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("manifest for archive %s: %w", archiveID, err)
	}

	var manifest ArchiveManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &manifest, nil
}

// ListArchives returns the manifests for a data type, newest first.
func (a *Archiver) ListArchives(ctx context.Context, dataType string) ([]*ArchiveManifest, error) {
	prefix := fmt.Sprintf("manifests/%s/", dataType)
	objects, err := a.client.List(ctx, prefix, 0)
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}

	var manifests []*ArchiveManifest
	for _, obj := range objects {
		key := strings.TrimPrefix(obj.Key, a.client.GetPrefix())
		data, err := a.client.Download(ctx, key)
		if err != nil {
			a.logger.Warn("skipping unreadable manifest", "key", obj.Key, "error", err)
			continue
		}
		var manifest ArchiveManifest
		if err := json.Unmarshal(data, &manifest); err != nil {
			a.logger.Warn("skipping malformed manifest", "key", obj.Key, "error", err)
			continue
		}
		manifests = append(manifests, &manifest)
	}

	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].CreatedAt.After(manifests[j].CreatedAt)
	})

	return manifests, nil
}

// DeleteArchive removes all parts and the manifest of an archive.
func (a *Archiver) DeleteArchive(ctx context.Context, dataType, archiveID string) error {
	manifest, err := a.getManifest(ctx, dataType, archiveID)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(manifest.Parts))
	for _, part := range manifest.Parts {
		keys = append(keys, part.Key)
	}
	if err := a.client.DeleteBatch(ctx, keys); err != nil {
		return fmt.Errorf("delete parts: %w", err)
	}

	manifestKey := fmt.Sprintf("manifests/%s/%s.json", dataType, archiveID)
	if err := a.client.Delete(ctx, manifestKey); err != nil {
		return fmt.Errorf("delete manifest: %w", err)
	}

	a.logger.Info("archive deleted", "archive_id", archiveID, "parts", len(keys))
	return nil
}

// GetMetrics returns a snapshot of archiver counters.
func (a *Archiver) GetMetrics() ArchiverMetrics {
	return ArchiverMetrics{
		ArchivesCreated:  atomic.LoadUint64(&a.metrics.archivesCreated),
		RecordsArchived:  atomic.LoadUint64(&a.metrics.recordsArchived),
		BytesArchived:    atomic.LoadUint64(&a.metrics.bytesArchived),
		ArchivesRestored: atomic.LoadUint64(&a.metrics.archivesRestored),
		RecordsRestored:  atomic.LoadUint64(&a.metrics.recordsRestored),
		Errors:           atomic.LoadUint64(&a.metrics.errors),
	}
}

// splitIntoBatches divides records into slices of at most batchSize.
func splitIntoBatches(records []ArchiveRecord, batchSize int) [][]ArchiveRecord {
	if batchSize <= 0 {
		batchSize = 10000
	}
	var batches [][]ArchiveRecord
	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		batches = append(batches, records[start:end])
	}
	return batches
}

// manifestChecksum hashes the part checksums in order.
func manifestChecksum(parts []ArchivePart) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part.Checksum))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// compress encodes data with the given codec.
func compress(data []byte, compression CompressionType) ([]byte, error) {
	switch compression {
	case CompressionNone:
		return data, nil
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", compression)
	}
}

// decompress decodes data with the given codec.
func decompress(data []byte, compression CompressionType) ([]byte, error) {
	switch compression {
	case CompressionNone:
		return data, nil
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	case CompressionLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", compression)
	}
}

// contentTypeFor maps a codec to the uploaded content type.
func contentTypeFor(compression CompressionType) string {
	switch compression {
	case CompressionGzip:
		return "application/gzip"
	case CompressionZstd:
		return "application/zstd"
	case CompressionLZ4:
		return "application/octet-stream"
	default:
		return "application/json"
	}
}

// extensionFor maps a codec to the object key extension.
func extensionFor(compression CompressionType) string {
	switch compression {
	case CompressionGzip:
		return ".json.gz"
	case CompressionZstd:
		return ".json.zst"
	case CompressionLZ4:
		return ".json.lz4"
	default:
		return ".json"
	}
}
