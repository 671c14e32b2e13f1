package refstore

import "time"

// StorageType tells the consumer where the payload lives.
type StorageType string

const (
	// StorageInline means the payload travels inside the packet.
	StorageInline StorageType = "inline"
	// StorageFilesystem means the payload is stored on local disk.
	StorageFilesystem StorageType = "filesystem"
	// StorageS3 means the payload is stored in an S3 bucket.
	StorageS3 StorageType = "s3"
)

// DataRef is a small token standing in for a payload. Payloads at or
// below the inline threshold are carried in Payload; larger ones are
// stored out-of-line and only the key travels.
type DataRef struct {
	StorageType StorageType `json:"storage_type"`
	Key         string      `json:"key,omitempty"`
	Payload     []byte      `json:"payload,omitempty"`
	SizeBytes   int64       `json:"size_bytes"`
	Checksum    string      `json:"checksum"`
	ContentType string      `json:"content_type,omitempty"`
	Compressed  bool        `json:"compressed,omitempty"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
}

// Inline reports whether the payload is carried in the reference itself.
func (r *DataRef) Inline() bool {
	return r.StorageType == StorageInline
}
