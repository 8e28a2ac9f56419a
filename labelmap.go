package freshdiskann

import (
	"os"

	"github.com/hupe1980/freshdiskann/diskindex"
	"github.com/hupe1980/freshdiskann/index"
)

// labelMap is the bidirectional label<->row correspondence of the currently
// loaded on-disk index. It is rebuilt on every load; rows from a previous
// load generation are meaningless against it.
type labelMap struct {
	labelToRow map[index.Label]index.RowID
	rowToLabel map[index.RowID]index.Label

	// stale holds rows whose label was claimed again by a later row
	// (reinsertion or in-place update before a merge). The newest row owns
	// the label; superseded copies must never surface in search results.
	stale []index.RowID
}

func newLabelMap() *labelMap {
	return &labelMap{
		labelToRow: make(map[index.Label]index.RowID),
		rowToLabel: make(map[index.RowID]index.Label),
	}
}

// add registers a label for a row. Rows must be added in ascending order so
// that the latest duplicate wins.
func (m *labelMap) add(label index.Label, row index.RowID) {
	if old, ok := m.labelToRow[label]; ok {
		m.stale = append(m.stale, old)
	}
	m.labelToRow[label] = row
	m.rowToLabel[row] = label
}

// staleRows returns the superseded duplicate rows.
func (m *labelMap) staleRows() []index.RowID {
	return m.stale
}

func (m *labelMap) rowOf(label index.Label) (index.RowID, bool) {
	row, ok := m.labelToRow[label]
	return row, ok
}

func (m *labelMap) labelOf(row index.RowID) (index.Label, bool) {
	label, ok := m.rowToLabel[row]
	return label, ok
}

func (m *labelMap) len() int {
	return len(m.labelToRow)
}

// diskLabels is the slice of the disk reader the label map needs.
type diskLabels interface {
	NumPoints() int
	GetLabel(row index.RowID) (index.Label, bool)
}

// buildLabelMap constructs the map for a loaded disk index. The labels
// sidecar is preferred when its line count matches the index row count;
// otherwise each row's label is resolved through the index, skipping rows
// whose lookup fails.
func buildLabelMap(disk diskLabels, sidecarPath string, logger *Logger) *labelMap {
	m := newLabelMap()
	n := disk.NumPoints()

	if _, err := os.Stat(sidecarPath); err == nil {
		labels, err := diskindex.ReadLabelsFile(sidecarPath)
		if err == nil && len(labels) == n {
			for row, label := range labels {
				m.add(label, index.RowID(row))
			}
			return m
		}
		logger.Warn("labels sidecar unusable, falling back to per-row lookup",
			"path", sidecarPath,
			"sidecar_lines", len(labels),
			"disk_points", n,
			"error", err,
		)
	}

	for row := 0; row < n; row++ {
		if label, ok := disk.GetLabel(index.RowID(row)); ok {
			m.add(label, index.RowID(row))
		}
	}
	return m
}
