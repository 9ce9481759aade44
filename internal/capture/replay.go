// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/pcap"

	"grimm.is/spyglass/internal/clock"
	"grimm.is/spyglass/internal/errors"
	"grimm.is/spyglass/internal/logging"
)

// ReplaySource feeds previously recorded traffic through the live
// pipeline. Two formats: a JSONL request log (one replayRecord per
// line) or a pcap file, which goes through the same packet handling
// as the sniffer.
type ReplaySource struct {
	log  *logging.Logger
	path string
}

// replayRecord is one line of a JSONL replay file.
type replayRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	Method      string    `json:"method"`
	URL         string    `json:"url"`
	Host        string    `json:"host,omitempty"`
	Site        string    `json:"site,omitempty"`
	App         string    `json:"app,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Body        string    `json:"body,omitempty"`
	Degraded    bool      `json:"degraded,omitempty"`
}

// NewReplaySource replays the file at path.
func NewReplaySource(path string, log *logging.Logger) *ReplaySource {
	if log == nil {
		log = logging.Default()
	}
	return &ReplaySource{
		log:  log.WithComponent("replay"),
		path: path,
	}
}

func (r *ReplaySource) Name() string { return "replay" }

// Open verifies the replay file exists and is a regular file.
func (r *ReplaySource) Open() error {
	fi, err := os.Stat(r.path)
	if err != nil {
		return errors.Wrapf(err, errors.KindNotFound, "replay file %s", r.path)
	}
	if fi.IsDir() {
		return errors.Errorf(errors.KindValidation, "replay path %s is a directory", r.path)
	}
	return nil
}

// Close is a no-op; Run opens and closes the file itself.
func (r *ReplaySource) Close() error { return nil }

// Run pushes every record in the file, then returns. Replay does not
// pace to original timestamps; the recorded timestamp is preserved on
// each event.
func (r *ReplaySource) Run(ctx context.Context, q *Queue) error {
	if strings.HasSuffix(r.path, ".pcap") || strings.HasSuffix(r.path, ".pcapng") {
		return r.replayPcap(ctx, q)
	}
	return r.replayJSONL(ctx, q)
}

func (r *ReplaySource) replayJSONL(ctx context.Context, q *Queue) error {
	f, err := os.Open(r.path)
	if err != nil {
		return errors.Wrapf(err, errors.KindNotFound, "opening replay file %s", r.path)
	}
	defer f.Close()

	var count, bad int
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 256<<10), 1<<20)
	for sc.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec replayRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			bad++
			continue
		}

		ts := rec.Timestamp
		if ts.IsZero() {
			ts = clock.Now()
		}
		host := rec.Host
		if host == "" {
			host = hostOf(rec.URL)
		}
		q.Push(RawRequest{
			Timestamp:   ts.UTC(),
			Method:      rec.Method,
			URL:         rec.URL,
			Host:        host,
			Site:        rec.Site,
			App:         rec.App,
			ContentType: rec.ContentType,
			Body:        []byte(rec.Body),
			Degraded:    rec.Degraded,
		})
		count++
	}
	if err := sc.Err(); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "reading %s", r.path)
	}

	r.log.Info("replay complete", "records", count, "skipped", bad)
	return nil
}

func (r *ReplaySource) replayPcap(ctx context.Context, q *Queue) error {
	handle, err := pcap.OpenOffline(r.path)
	if err != nil {
		return errors.Wrapf(err, errors.KindNotFound, "opening pcap %s", r.path)
	}
	defer handle.Close()

	// Reuse the sniffer's packet handling; replay is offline capture.
	sniff := &SnifferSource{
		log:      r.log,
		dnsNames: make(map[string]string),
	}

	count := 0
	source := gopacket.NewPacketSource(handle, handle.LinkType())
	for pkt := range source.Packets() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		sniff.processPacket(pkt, q)
		count++
	}

	r.log.Info("pcap replay complete", "packets", count)
	return nil
}
