// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package reconstruct

import (
	"database/sql"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/spyglass/internal/errors"
)

type recordKind int

const (
	recordVisit recordKind = iota
	recordCookie
)

// artifactRecord is one row read from a browser database. A row that
// could be read but not interpreted carries err and is counted as a
// per-record failure.
type artifactRecord struct {
	kind      recordKind
	timestamp time.Time
	url       string
	host      string
	browser   string
	err       error
}

// chromeEpochOffset converts Chromium timestamps (microseconds since
// 1601-01-01) to Unix time.
const chromeEpochOffset = 11644473600

func chromeTime(micros int64) time.Time {
	return time.UnixMicro(micros - chromeEpochOffset*1_000_000).UTC()
}

func firefoxTime(micros int64) time.Time {
	return time.UnixMicro(micros).UTC()
}

// openArtifactCopy copies the database aside before opening it: the
// owning browser may hold a lock or write mid-read. The caller gets a
// read-only handle on the copy; cleanup removes the temp file.
func openArtifactCopy(path string) (*sql.DB, func(), error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, errors.KindNotFound, "opening artifact %s", path)
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "spyglass-artifact-*"+filepath.Ext(path))
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.KindInternal, "creating artifact copy")
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, nil, errors.Wrapf(err, errors.KindUnavailable, "copying artifact %s", path)
	}
	tmp.Close()

	db, err := sql.Open("sqlite", tmp.Name()+"?mode=ro")
	if err != nil {
		os.Remove(tmp.Name())
		return nil, nil, errors.Wrap(err, errors.KindInternal, "opening artifact copy")
	}

	cleanup := func() {
		db.Close()
		os.Remove(tmp.Name())
	}
	return db, cleanup, nil
}

// readChromiumHistory reads visit rows from a Chromium History
// database. Timestamps are microseconds since 1601.
func readChromiumHistory(path string) ([]artifactRecord, error) {
	db, cleanup, err := openArtifactCopy(path)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	rows, err := db.Query(`
		SELECT urls.url, COALESCE(visits.visit_time, urls.last_visit_time)
		FROM urls
		LEFT JOIN visits ON urls.id = visits.url
		WHERE urls.url IS NOT NULL
		ORDER BY visits.visit_time DESC
		LIMIT 10000`)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "querying %s (not a Chromium history db?)", path)
	}
	defer rows.Close()

	var out []artifactRecord
	for rows.Next() {
		var u string
		var ts sql.NullInt64
		if err := rows.Scan(&u, &ts); err != nil {
			out = append(out, artifactRecord{url: u, err: err})
			continue
		}
		if !ts.Valid || ts.Int64 == 0 {
			out = append(out, artifactRecord{url: u, err: errors.New(errors.KindValidation, "visit has no timestamp")})
			continue
		}
		out = append(out, artifactRecord{
			kind:      recordVisit,
			timestamp: chromeTime(ts.Int64),
			url:       u,
			host:      hostOfURL(u),
			browser:   "chromium",
		})
	}
	return out, rows.Err()
}

// readChromiumCookies reads cookie rows. Only host and timing are
// used; cookie values are never retained.
func readChromiumCookies(path string) ([]artifactRecord, error) {
	db, cleanup, err := openArtifactCopy(path)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	rows, err := db.Query(`
		SELECT host_key, COALESCE(NULLIF(last_access_utc, 0), creation_utc)
		FROM cookies
		ORDER BY last_access_utc DESC
		LIMIT 5000`)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "querying %s (not a Chromium cookie db?)", path)
	}
	defer rows.Close()

	var out []artifactRecord
	for rows.Next() {
		var host string
		var ts sql.NullInt64
		if err := rows.Scan(&host, &ts); err != nil {
			out = append(out, artifactRecord{url: host, err: err})
			continue
		}
		if !ts.Valid || ts.Int64 == 0 {
			out = append(out, artifactRecord{url: host, err: errors.New(errors.KindValidation, "cookie has no timestamp")})
			continue
		}
		// Cookie domains are stored with a leading dot.
		h := host
		if len(h) > 0 && h[0] == '.' {
			h = h[1:]
		}
		out = append(out, artifactRecord{
			kind:      recordCookie,
			timestamp: chromeTime(ts.Int64),
			url:       "https://" + h + "/",
			host:      h,
			browser:   "chromium",
		})
	}
	return out, rows.Err()
}

// readFirefoxHistory reads moz_places visits. Timestamps are
// microseconds since the Unix epoch.
func readFirefoxHistory(path string) ([]artifactRecord, error) {
	db, cleanup, err := openArtifactCopy(path)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	rows, err := db.Query(`
		SELECT moz_places.url, moz_historyvisits.visit_date
		FROM moz_places
		LEFT JOIN moz_historyvisits ON moz_places.id = moz_historyvisits.place_id
		WHERE moz_places.url IS NOT NULL
		ORDER BY moz_historyvisits.visit_date DESC
		LIMIT 10000`)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "querying %s (not a Firefox places db?)", path)
	}
	defer rows.Close()

	var out []artifactRecord
	for rows.Next() {
		var u string
		var ts sql.NullInt64
		if err := rows.Scan(&u, &ts); err != nil {
			out = append(out, artifactRecord{url: u, err: err})
			continue
		}
		if !ts.Valid || ts.Int64 == 0 {
			out = append(out, artifactRecord{url: u, err: errors.New(errors.KindValidation, "visit has no timestamp")})
			continue
		}
		out = append(out, artifactRecord{
			kind:      recordVisit,
			timestamp: firefoxTime(ts.Int64),
			url:       u,
			host:      hostOfURL(u),
			browser:   "firefox",
		})
	}
	return out, rows.Err()
}

// readFirefoxCookies reads moz_cookies rows.
func readFirefoxCookies(path string) ([]artifactRecord, error) {
	db, cleanup, err := openArtifactCopy(path)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	rows, err := db.Query(`
		SELECT host, COALESCE(NULLIF(lastAccessed, 0), creationTime)
		FROM moz_cookies
		ORDER BY lastAccessed DESC
		LIMIT 5000`)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "querying %s (not a Firefox cookie db?)", path)
	}
	defer rows.Close()

	var out []artifactRecord
	for rows.Next() {
		var host string
		var ts sql.NullInt64
		if err := rows.Scan(&host, &ts); err != nil {
			out = append(out, artifactRecord{url: host, err: err})
			continue
		}
		if !ts.Valid || ts.Int64 == 0 {
			out = append(out, artifactRecord{url: host, err: errors.New(errors.KindValidation, "cookie has no timestamp")})
			continue
		}
		h := host
		if len(h) > 0 && h[0] == '.' {
			h = h[1:]
		}
		out = append(out, artifactRecord{
			kind:      recordCookie,
			timestamp: firefoxTime(ts.Int64),
			url:       "https://" + h + "/",
			host:      h,
			browser:   "firefox",
		})
	}
	return out, rows.Err()
}

func hostOfURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Hostname()
}
