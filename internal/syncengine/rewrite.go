package syncengine

import (
	"bufio"
	"bytes"
	"fmt"

	"github.com/mbsyncgo/mbsyncgo/internal/maildriver"
)

// ErrMalformedHeader is returned when rewriteBody can't find the
// header/body boundary at all; the caller logs and skips the message with
// SYNC_NOGOOD rather than aborting the channel (§4.4).
var ErrMalformedHeader = fmt.Errorf("malformed message: no header terminator found")

// tuidHeaderPrefix is the 8-byte prefix ("X-TUID:" followed by a space)
// matched at line start to excise a pre-existing X-TUID header.
const tuidHeaderPrefix = "X-TUID: "

// rewriteBody performs the copy-rewrite step: strips any existing X-TUID
// header, inserts a fresh one carrying tuid, and converts line endings
// between the source and destination CRLF conventions.
func rewriteBody(body []byte, tuid string, srcCRLF, dstCRLF bool) ([]byte, error) {
	headerEnd, termLen, err := findHeaderBoundary(body)
	if err != nil {
		return nil, err
	}

	header := body[:headerEnd]
	rest := body[headerEnd+termLen:]

	header = exciseTUIDHeader(header, srcCRLF)

	var out bytes.Buffer
	newline := "\n"
	if dstCRLF {
		newline = "\r\n"
	}
	out.WriteString(fmt.Sprintf("X-TUID: %s%s", tuid, newline))
	out.Write(convertLineEndings(header, srcCRLF, dstCRLF))
	// exciseTUIDHeader ends every header line, so one more line ending
	// forms the blank separator line.
	out.WriteString(newline)
	out.Write(convertLineEndings(rest, srcCRLF, dstCRLF))

	return out.Bytes(), nil
}

// findHeaderBoundary locates the blank-line header terminator (LF LF or CRLF
// CRLF) and returns the header's length (excluding the terminator) and the
// terminator's byte length.
func findHeaderBoundary(body []byte) (int, int, error) {
	if i := bytes.Index(body, []byte("\r\n\r\n")); i >= 0 {
		return i, 4, nil
	}
	if i := bytes.Index(body, []byte("\n\n")); i >= 0 {
		return i, 2, nil
	}
	return 0, 0, ErrMalformedHeader
}

func headerTermFor(crlf bool) string {
	if crlf {
		return "\r\n\r\n"
	}
	return "\n\n"
}

// exciseTUIDHeader removes any existing X-TUID header line, matched at line
// start by its fixed 8-byte prefix (case-sensitive, matching the original's
// byte-exact compare).
func exciseTUIDHeader(header []byte, crlf bool) []byte {
	lineEnd := "\n"
	if crlf {
		lineEnd = "\r\n"
	}

	var out bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(header))
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		line = bytes.TrimSuffix([]byte(line), []byte("\r"))
		trimmed := string(line)
		if bytes.HasPrefix([]byte(trimmed), []byte(tuidHeaderPrefix)) {
			continue
		}
		out.WriteString(trimmed)
		out.WriteString(lineEnd)
	}
	return out.Bytes()
}

// convertLineEndings normalizes body to LF, then re-expands to CRLF if the
// destination driver requires it (maildriver.CapCRLF).
func convertLineEndings(data []byte, srcCRLF, dstCRLF bool) []byte {
	if srcCRLF == dstCRLF {
		return data
	}
	lf := bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	if !dstCRLF {
		return lf
	}
	return bytes.ReplaceAll(lf, []byte("\n"), []byte("\r\n"))
}

// prepareCopy builds the outgoing maildriver.Message for a copy from src to
// dst, applying the TUID rewrite and CRLF conversion keyed off each side's
// advertised capability.
func prepareCopy(srcMsg *maildriver.Message, tuid string, srcCaps, dstCaps maildriver.Capability) (*maildriver.Message, error) {
	body, err := rewriteBody(srcMsg.Body, tuid, srcCaps&maildriver.CapCRLF != 0, dstCaps&maildriver.CapCRLF != 0)
	if err != nil {
		return nil, err
	}
	return &maildriver.Message{
		Flags: srcMsg.Flags,
		Body:  body,
		Size:  int64(len(body)),
	}, nil
}
