package exclusion

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"strconv"

	"github.com/Sternrassler/catalog-ingest/pkg/store"
)

const (
	// BucketSize is the number of ids covered by one bucket.
	BucketSize = 8192

	// bitmapBytes is the size of one bucket bitmap.
	bitmapBytes = BucketSize / 8
)

// BucketID returns the bucket that holds id.
func BucketID(id int64) int64 {
	return id / BucketSize
}

type bucket struct {
	id      int64
	primary []byte
	reasons map[Reason][]byte
	counts  map[Reason]int
	total   int
	dirty   bool
}

func newBucket(id int64) *bucket {
	b := &bucket{
		id:      id,
		primary: make([]byte, bitmapBytes),
		reasons: make(map[Reason][]byte, len(reasons)),
		counts:  make(map[Reason]int, len(reasons)),
	}
	for _, r := range reasons {
		b.reasons[r] = make([]byte, bitmapBytes)
	}
	return b
}

func bitPos(id int64) (int, byte) {
	off := int(id % BucketSize)
	return off / 8, 1 << (off % 8)
}

func isSet(bitmap []byte, id int64) bool {
	i, mask := bitPos(id)
	return bitmap[i]&mask != 0
}

func setBit(bitmap []byte, id int64) {
	i, mask := bitPos(id)
	bitmap[i] |= mask
}

func clearBit(bitmap []byte, id int64) {
	i, mask := bitPos(id)
	bitmap[i] &^= mask
}

func popcount(bitmap []byte) int {
	n := 0
	for _, b := range bitmap {
		n += bits.OnesCount8(b)
	}
	return n
}

// reasonOf returns the reason holding id, or "" if id is not excluded.
func (b *bucket) reasonOf(id int64) Reason {
	if !isSet(b.primary, id) {
		return ""
	}
	for _, r := range reasons {
		if isSet(b.reasons[r], id) {
			return r
		}
	}
	return ""
}

// mark sets id under reason and reports whether anything changed.
func (b *bucket) mark(id int64, reason Reason) bool {
	current := b.reasonOf(id)
	if current == reason {
		return false
	}

	if current != "" {
		clearBit(b.reasons[current], id)
		b.decrement(current)
	} else if isSet(b.primary, id) {
		// Primary bit without a reason bit: adopt it rather than count twice.
		b.total--
	}

	setBit(b.primary, id)
	setBit(b.reasons[reason], id)
	b.counts[reason]++
	b.total++
	b.dirty = true
	return true
}

// clear removes id and reports whether it was present.
func (b *bucket) clear(id int64) bool {
	if !isSet(b.primary, id) {
		return false
	}

	clearBit(b.primary, id)
	for _, r := range reasons {
		if isSet(b.reasons[r], id) {
			clearBit(b.reasons[r], id)
			b.decrement(r)
		}
	}
	if b.total > 0 {
		b.total--
	}
	b.dirty = true
	return true
}

func (b *bucket) decrement(r Reason) {
	if b.counts[r] > 0 {
		b.counts[r]--
	}
}

// members returns up to limit excluded ids in ascending order and whether
// more exist.
func (b *bucket) members(limit int) ([]int64, bool) {
	out := make([]int64, 0, min(limit, b.total))
	base := b.id * BucketSize
	for i, by := range b.primary {
		for by != 0 {
			bit := bits.TrailingZeros8(by)
			if len(out) >= limit {
				return out, true
			}
			out = append(out, base+int64(i*8+bit))
			by &^= 1 << bit
		}
	}
	return out, false
}

func (b *bucket) copyCounts() map[Reason]int {
	out := make(map[Reason]int, len(b.counts))
	for r, n := range b.counts {
		if n > 0 {
			out[r] = n
		}
	}
	return out
}

// bucketPayload is the JSON stored next to the primary bitmap.
type bucketPayload struct {
	Total   int               `json:"total"`
	Counts  map[Reason]int    `json:"counts"`
	Reasons map[Reason][]byte `json:"reasons"`
}

func (b *bucket) record() (store.Record, error) {
	payload := bucketPayload{
		Total:   b.total,
		Counts:  b.copyCounts(),
		Reasons: make(map[Reason][]byte),
	}
	for r, bm := range b.reasons {
		if b.counts[r] > 0 {
			payload.Reasons[r] = bm
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return store.Record{}, fmt.Errorf("marshal bucket %d: %w", b.id, err)
	}

	return store.Record{
		Key:     strconv.FormatInt(b.id, 10),
		Blob:    append([]byte(nil), b.primary...),
		Payload: data,
	}, nil
}

func bucketFromRecord(rec store.Record) (*bucket, error) {
	id, err := strconv.ParseInt(rec.Key, 10, 64)
	if err != nil || id < 0 {
		return nil, fmt.Errorf("invalid bucket key %q", rec.Key)
	}
	if len(rec.Blob) != bitmapBytes {
		return nil, fmt.Errorf("bucket %d: bitmap is %d bytes, want %d", id, len(rec.Blob), bitmapBytes)
	}

	var payload bucketPayload
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			return nil, fmt.Errorf("bucket %d: decode payload: %w", id, err)
		}
	}

	b := newBucket(id)
	copy(b.primary, rec.Blob)
	for r, bm := range payload.Reasons {
		if _, ok := b.reasons[r]; !ok || len(bm) != bitmapBytes {
			continue
		}
		copy(b.reasons[r], bm)
	}

	// Recount from the bitmaps; stored counts are informational.
	b.total = popcount(b.primary)
	for _, r := range reasons {
		for i := range b.reasons[r] {
			b.reasons[r][i] &= b.primary[i]
		}
		b.counts[r] = popcount(b.reasons[r])
	}
	return b, nil
}
