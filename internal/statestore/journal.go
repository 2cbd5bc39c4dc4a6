package statestore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"

	natomic "github.com/natefinch/atomic"

	"github.com/ilyakruchinin/cpap-uploader/internal/errors"
)

// journalCodec reads/writes the newline-delimited JSON journal format named
// in spec.md §6 (state.journal). Each JournalEvent is one line; the codec is
// tolerant of a torn (incomplete or corrupt) final line, which is the
// recoverable failure mode of a crash mid-append (spec.md §4.4, §8).

// parseJournal reads every well-formed, newline-terminated JSON line from r.
// A trailing partial line (no terminating '\n', or one that fails to parse)
// is silently discarded rather than treated as an error: "the parser treats
// unterminated final lines as absent" (spec.md §4.4).
func parseJournal(r io.Reader) ([]JournalEvent, error) {
	var events []JournalEvent
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	scanner.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			return i + 1, data[:i], nil
		}
		if atEOF {
			// Unterminated final line: consume it without yielding a token.
			return len(data), nil, nil
		}
		return 0, nil, nil
	})

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev JournalEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			// Malformed line: if it's the last one, it's a torn write and
			// is silently dropped by virtue of the loop simply ending here
			// only if no further well-formed lines exist. Any line failing
			// to parse is dropped either way — a torn write can only ever
			// be the final line in practice since writes are append-only.
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// ParseJournalBytes is the byte-slice convenience wrapper used by tests and
// by Store.load.
func ParseJournalBytes(data []byte) ([]JournalEvent, error) {
	return parseJournal(bytes.NewReader(data))
}

// EmitJournalBytes serializes events the same way appendJournal does, for
// round-trip testing (spec.md §8: parse(emit(events)) == events).
func EmitJournalBytes(events []JournalEvent) ([]byte, error) {
	var buf bytes.Buffer
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			return nil, errors.Wrap(err, "statestore: marshal journal event")
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// appendJournalLines appends one JSON line per event to the file at path in
// a single Write call, so a crash mid-write can at worst tear the final
// event of the batch — never an earlier one (spec.md §4.4 flush semantics:
// "flush() writes all queued events in one append").
func appendJournalLines(path string, events []JournalEvent) error {
	if len(events) == 0 {
		return nil
	}
	data, err := EmitJournalBytes(events)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return errors.Wrap(err, "statestore: open journal for append")
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return errors.Wrap(err, "statestore: append journal")
	}
	return f.Sync()
}

// truncateJournal replaces the journal file with an empty one atomically
// (natefinch/atomic): a crash during compaction must never leave a
// zero-length-but-not-yet-renamed journal, which a plain os.Truncate could.
func truncateJournal(path string) error {
	if err := natomic.WriteFile(path, bytes.NewReader(nil)); err != nil {
		return errors.Wrap(err, "statestore: truncate journal")
	}
	return nil
}

// readJournalFile reads and parses the journal at path. A missing file
// parses as zero events.
func readJournalFile(path string) ([]JournalEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "statestore: read journal")
	}
	return ParseJournalBytes(data)
}
