package syncstate

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Header carries the per-side UIDVALIDITY/maxuid bookkeeping persisted at
// the top of the state file (§4.2): "UVm:MUm UVs:Xs:MUs\n".
type Header struct {
	UIDValidity [2]int
	MaxUID      [2]int
	// SMaxXUID is the highest slave UID ever expired (§4.5).
	SMaxXUID int
}

func (h Header) encode() string {
	return fmt.Sprintf("%d:%d %d:%d:%d\n",
		h.UIDValidity[Master], h.MaxUID[Master],
		h.UIDValidity[Slave], h.SMaxXUID, h.MaxUID[Slave])
}

func parseHeader(line string) (Header, error) {
	var h Header
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return h, fmt.Errorf("invalid sync state header: %q", line)
	}
	if _, err := fmt.Sscanf(fields[0], "%d:%d", &h.UIDValidity[Master], &h.MaxUID[Master]); err != nil {
		return h, fmt.Errorf("invalid master header field %q: %w", fields[0], err)
	}
	if _, err := fmt.Sscanf(fields[1], "%d:%d:%d", &h.UIDValidity[Slave], &h.SMaxXUID, &h.MaxUID[Slave]); err != nil {
		return h, fmt.Errorf("invalid slave header field %q: %w", fields[1], err)
	}
	return h, nil
}

func encodeEntry(r *Record) string {
	mark := ""
	if r.Status.Has(StatusExpired) {
		mark = "X"
	}
	return fmt.Sprintf("%d %d %s%s\n", r.UID[Master], r.UID[Slave], mark, r.Flags.String())
}

func parseEntry(line string) (*Record, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil, fmt.Errorf("invalid sync state entry: %q", line)
	}
	var m, s int
	if _, err := fmt.Sscanf(fields[0], "%d", &m); err != nil {
		return nil, fmt.Errorf("invalid master uid in %q: %w", line, err)
	}
	if _, err := fmt.Sscanf(fields[1], "%d", &s); err != nil {
		return nil, fmt.Errorf("invalid slave uid in %q: %w", line, err)
	}
	rec := &Record{UID: [2]UID{UID(m), UID(s)}}
	if len(fields) >= 3 {
		fl := fields[2]
		if strings.HasPrefix(fl, "X") {
			rec.Status |= StatusExpire | StatusExpired
			fl = fl[1:]
		}
		rec.Flags = ParseFlags(fl)
	}
	return rec, nil
}

// readStateFile parses a committed state file into a Header and its live
// Records. Returns (nil, nil, nil) if the file does not exist.
func readStateFile(path string) (*Header, []*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("cannot read sync state %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, nil, fmt.Errorf("incomplete sync state header in %s: %w", path, err)
		}
		return nil, nil, fmt.Errorf("incomplete sync state header in %s", path)
	}
	header, err := parseHeader(scanner.Text())
	if err != nil {
		return nil, nil, fmt.Errorf("invalid sync state header in %s: %w", path, err)
	}

	var records []*Record
	line := 1
	for scanner.Scan() {
		line++
		rec, err := parseEntry(scanner.Text())
		if err != nil {
			return nil, nil, fmt.Errorf("invalid sync state entry at %s:%d: %w", path, line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("error reading sync state %s: %w", path, err)
	}
	return &header, records, nil
}

// writeNewState writes the committed-format state file atomically: callers
// must write to the ".new" path and rename into place themselves (§4.2
// Commit procedure) — this function only formats the content.
func writeNewState(w io.Writer, header Header, records []*Record) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(header.encode()); err != nil {
		return err
	}
	for _, r := range records {
		if r.Dead() {
			continue
		}
		if _, err := bw.WriteString(encodeEntry(r)); err != nil {
			return err
		}
	}
	return bw.Flush()
}
