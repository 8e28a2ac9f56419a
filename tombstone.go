package freshdiskann

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/freshdiskann/index"
)

// tombstoneRegistry tracks logical deletions. Deleted labels are
// authoritative and survive merges; deleted disk rows are a derived view
// rebuilt after every on-disk reload.
//
// The registry is not internally synchronized; the overlay's gate serializes
// access.
type tombstoneRegistry struct {
	deletedLabels *roaring.Bitmap
	deletedRows   *roaring.Bitmap
}

func newTombstoneRegistry() *tombstoneRegistry {
	return &tombstoneRegistry{
		deletedLabels: roaring.New(),
		deletedRows:   roaring.New(),
	}
}

// markDeleted records a label-level tombstone. Idempotent. It never touches
// the live in-memory index; that is the caller's responsibility.
func (t *tombstoneRegistry) markDeleted(label index.Label) {
	t.deletedLabels.Add(label)
}

// unmarkDeleted removes a label-level tombstone on reinsertion. The caller
// must separately keep the stale on-disk row hidden via markRowDeleted.
func (t *tombstoneRegistry) unmarkDeleted(label index.Label) {
	t.deletedLabels.Remove(label)
}

// markRowDeleted hides a physical on-disk row.
func (t *tombstoneRegistry) markRowDeleted(row index.RowID) {
	t.deletedRows.Add(row)
}

func (t *tombstoneRegistry) isDeletedLabel(label index.Label) bool {
	return t.deletedLabels.Contains(label)
}

func (t *tombstoneRegistry) isDeletedRow(row index.RowID) bool {
	return t.deletedRows.Contains(row)
}

// rows returns the deleted-row set for handing to the disk beam search.
func (t *tombstoneRegistry) rows() *roaring.Bitmap {
	return t.deletedRows
}

// refreshFromLabelMap recomputes the deleted-row view against a freshly
// loaded on-disk index. Deleted labels are preserved verbatim. Rows
// superseded by a later duplicate of their label are hidden as well: the
// base data file is append-only, so a reinserted or updated label leaves its
// old copy behind until some later rebuild.
func (t *tombstoneRegistry) refreshFromLabelMap(lm *labelMap) {
	rows := roaring.New()
	it := t.deletedLabels.Iterator()
	for it.HasNext() {
		if row, ok := lm.rowOf(it.Next()); ok {
			rows.Add(row)
		}
	}
	for _, row := range lm.staleRows() {
		rows.Add(row)
	}
	t.deletedRows = rows
}
