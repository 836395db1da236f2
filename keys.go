package filevault

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/google/uuid"
)

// NewBlobKey returns a fresh owner-scoped key for version of a file.
// Keys never contain the logical path, so renames never move blobs.
func NewBlobKey(owner string, version int64) string {
	sum := sha256.Sum256([]byte(owner))
	return fmt.Sprintf("%s/%s.v%d", hex.EncodeToString(sum[:8]), uuid.New().String(), version)
}

// digestReader computes the sha256 and size of everything read through it.
type digestReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

func newDigestReader(r io.Reader) *digestReader {
	return &digestReader{r: r, h: sha256.New()}
}

func (d *digestReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		d.h.Write(p[:n])
		d.n += int64(n)
	}
	return n, err
}

func (d *digestReader) Checksum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

func (d *digestReader) Size() int64 {
	return d.n
}

// quotaReader fails with ErrQuotaExceeded once more than remaining bytes
// have been read.
type quotaReader struct {
	r         io.Reader
	remaining int64
}

func (q *quotaReader) Read(p []byte) (int, error) {
	if q.remaining < 0 {
		return 0, ErrQuotaExceeded
	}
	if int64(len(p)) > q.remaining+1 {
		p = p[:q.remaining+1]
	}
	n, err := q.r.Read(p)
	q.remaining -= int64(n)
	if q.remaining < 0 {
		return n, ErrQuotaExceeded
	}
	return n, err
}
