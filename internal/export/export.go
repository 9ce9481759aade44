// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package export renders timeline query results as tabular data for
// reports and downloads.
package export

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"grimm.is/spyglass/internal/errors"
	"grimm.is/spyglass/internal/timeline"
)

// Columns is the fixed export column order. Consumers rely on it not
// changing between releases.
var Columns = []string{"timestamp", "entity", "category", "risk_score", "site", "value"}

// Row converts one stored event into its export row.
func Row(ev timeline.StoredEvent) []string {
	return []string{
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
		ev.EntityName,
		string(ev.Category),
		strconv.FormatFloat(ev.RiskScore, 'f', 1, 64),
		ev.Site,
		strconv.FormatFloat(ev.Value, 'f', 4, 64),
	}
}

// WriteCSV writes the header and one row per event. Rows reproduce a
// store query exactly: same count, same field values.
func WriteCSV(w io.Writer, evs []timeline.StoredEvent) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return errors.Wrap(err, errors.KindInternal, "writing export header")
	}
	for _, ev := range evs {
		if err := cw.Write(Row(ev)); err != nil {
			return errors.Wrap(err, errors.KindInternal, "writing export row")
		}
	}
	cw.Flush()
	return cw.Error()
}
