package txn

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/basaltdb/basalt/rowset"
	"github.com/basaltdb/basalt/tablet"
	"github.com/basaltdb/basalt/telemetry"
)

const (
	// pkIndexBatchSize is how many primary key encodings one index read
	// returns. Except for a segment's final batch, the last key of a read
	// is dropped and re-seeked by the next batch so no key is visited twice.
	pkIndexBatchSize = 1024

	// pkIndexCacheSize bounds the loaded primary key indexes kept across
	// publishes.
	pkIndexCacheSize = 256
)

type segCacheKey struct {
	rowsetID  rowset.Id
	segmentID int32
}

// DeleteBitmapBuilder computes, at publish time, which previously written
// rows a freshly visible rowset supersedes in a merge-on-write unique key
// tablet, and records them in the tablet's delete bitmap.
type DeleteBitmapBuilder struct {
	indexCache *lru.Cache[segCacheKey, rowset.PrimaryKeyIndex]
}

func NewDeleteBitmapBuilder() *DeleteBitmapBuilder {
	cache, err := lru.New[segCacheKey, rowset.PrimaryKeyIndex](pkIndexCacheSize)
	if err != nil {
		panic(err)
	}
	return &DeleteBitmapBuilder{indexCache: cache}
}

func (b *DeleteBitmapBuilder) loadIndex(rowsetID rowset.Id, seg rowset.Segment) (rowset.PrimaryKeyIndex, error) {
	key := segCacheKey{rowsetID: rowsetID, segmentID: seg.ID()}
	if idx, ok := b.indexCache.Get(key); ok {
		telemetry.PrimaryKeyIndexCache.With("hit").Inc()
		return idx, nil
	}
	telemetry.PrimaryKeyIndexCache.With("miss").Inc()

	// We need the index blocks to iterate.
	if err := seg.LoadIndex(); err != nil {
		return nil, fmt.Errorf("failed to load primary key index of segment %d: %w", seg.ID(), err)
	}
	idx := seg.PrimaryKeyIndex()
	b.indexCache.Add(key, idx)
	return idx, nil
}

// Build walks every segment of rs in publication order and, for each key,
// marks the row it supersedes: first in earlier segments of this same
// rowset (latest segment wins), then across the tablet's history below
// version.Start. The tablet header lock is held exclusively for the whole
// traversal and the tablet meta is persisted at the end.
//
// Any index or store error aborts the publish with the originating error;
// bitmap edits made before the failure are left in place.
func (b *DeleteBitmapBuilder) Build(store tablet.KV, tab *tablet.Tablet, rs *rowset.Rowset,
	version rowset.Version) error {
	start := time.Now()

	segments, err := rs.LoadSegments()
	if err != nil {
		return err
	}

	// Lock the tablet meta to modify the delete bitmap.
	headerLock := tab.HeaderLock()
	headerLock.Lock()
	defer headerLock.Unlock()

	var preSegments []rowset.Segment
	for _, seg := range segments {
		pkIdx, err := b.loadIndex(rs.ID(), seg)
		if err != nil {
			return err
		}

		total := pkIdx.NumRows()
		remaining := total
		cnt := 0
		var lastKey []byte
		for remaining > 0 {
			iter, err := pkIdx.NewIterator()
			if err != nil {
				return err
			}

			numToRead := pkIndexBatchSize
			if remaining < numToRead {
				numToRead = remaining
			}
			if _, err := iter.SeekAtOrAfter(lastKey); err != nil {
				return err
			}
			keys, err := iter.NextBatch(numToRead)
			if err != nil {
				return err
			}
			if len(keys) != numToRead {
				return fmt.Errorf("short primary key index read: want %d keys, got %d", numToRead, len(keys))
			}

			numRead := len(keys)
			lastKey = append([]byte(nil), keys[numRead-1]...)

			// Exclude the last key, it will be read again by the next batch.
			if numRead == pkIndexBatchSize && numRead != remaining {
				numRead--
			}
			for i := 0; i < numRead; i++ {
				key := keys[i]
				// First check whether the key lives in an earlier segment of
				// this same rowset.
				found, err := b.markIfInPreSegments(tab, preSegments, key, version)
				if err != nil {
					return err
				}
				if found {
					cnt++
					continue
				}
				loc, err := tab.LookupRowKey(key, version.Start-1)
				if err == rowset.ErrKeyNotFound {
					continue
				}
				if err != nil {
					return err
				}
				cnt++
				tab.DeleteBitmap().Add(tablet.BitmapKey{
					RowsetID:  loc.RowsetID,
					SegmentID: loc.SegmentID,
					Version:   version.Start,
				}, loc.RowID)
			}
			remaining -= numRead
		}

		log.Info().
			Int64("tablet_id", tab.TabletID()).
			Str("rowset_id", rs.ID().String()).
			Int32("segment_id", seg.ID()).
			Str("version", version.String()).
			Int("deleted", cnt).
			Int("total", total).
			Msg("Constructed delete bitmap for segment")
		telemetry.DeleteBitmapRowsTotal.Add(float64(cnt))
		telemetry.DeleteBitmapSegmentsTotal.Inc()
		preSegments = append(preSegments, seg)
	}

	if err := tab.SaveMeta(store); err != nil {
		return err
	}
	log.Info().
		Int64("tablet_id", tab.TabletID()).
		Str("version", version.String()).
		Dur("elapsed", time.Since(start)).
		Msg("Finished updating delete bitmap")
	return nil
}

// markIfInPreSegments resolves key over the already processed segments of
// the rowset being published, latest first. A hit is recorded in the
// delete bitmap immediately and skips the tablet-wide lookup.
func (b *DeleteBitmapBuilder) markIfInPreSegments(tab *tablet.Tablet, preSegments []rowset.Segment,
	key []byte, version rowset.Version) (bool, error) {
	for i := len(preSegments) - 1; i >= 0; i-- {
		loc, err := preSegments[i].LookupRowKey(key)
		if err == rowset.ErrKeyNotFound {
			continue
		}
		if err != nil {
			return false, err
		}
		tab.DeleteBitmap().Add(tablet.BitmapKey{
			RowsetID:  loc.RowsetID,
			SegmentID: loc.SegmentID,
			Version:   version.Start,
		}, loc.RowID)
		return true, nil
	}
	return false, nil
}
