package mime

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime/quotedprintable"
	"strings"

	"github.com/robinmta/robin/lineio"
)

// Parser consumes a byte stream positioned at the start of an RFC-822
// message and produces the top-level header set plus a flat list of
// decoded leaves. Nested multiparts contribute their children, not
// themselves; message/rfc822 parts are re-entered recursively and
// their leaves flattened into the top list.
type Parser struct {
	stream  *lineio.Reader
	logger  *slog.Logger
	headers *Headers
	parts   []*Part

	// indexBase offsets synthesized filenames so leaves flattened out
	// of an embedded rfc822 message continue the outer numbering.
	indexBase int
}

// NewParser creates a Parser over the given stream.
func NewParser(r io.Reader) *Parser {
	return &Parser{
		stream:  lineio.NewReader(r),
		logger:  slog.Default(),
		headers: NewHeaders(),
	}
}

// NewParserWithLogger creates a Parser that logs decode recoveries to
// the given logger.
func NewParserWithLogger(r io.Reader, logger *slog.Logger) *Parser {
	p := NewParser(r)
	if logger != nil {
		p.logger = logger
	}
	return p
}

// Headers returns the parsed top-level headers.
func (p *Parser) Headers() *Headers {
	return p.headers
}

// Parts returns the flattened leaves in document order.
func (p *Parser) Parts() []*Part {
	return p.parts
}

// MessageID returns the top-level Message-ID value with angle brackets
// trimmed, or "".
func (p *Parser) MessageID() string {
	return strings.Trim(p.headers.GetValue("Message-ID"), "<>")
}

// ParseHeaders consumes only the top-level header section. Storage uses
// this to reparse a saved file for the rename step without paying for
// body decoding.
func (p *Parser) ParseHeaders() error {
	return readHeaderBlock(p.stream, p.headers)
}

// Parse consumes the whole message.
func (p *Parser) Parse() error {
	if err := p.ParseHeaders(); err != nil {
		return err
	}
	return p.parseBody()
}

// readHeaderBlock consumes header lines until a blank line or EOF,
// joining folded continuations.
func readHeaderBlock(stream *lineio.Reader, hs *Headers) error {
	var raw strings.Builder

	flush := func() {
		if raw.Len() > 0 {
			hs.Put(NewHeader(raw.String()))
			raw.Reset()
		}
	}

	for {
		line, err := stream.ReadLine()
		if line == nil {
			if err != nil && err != io.EOF {
				return err
			}
			break
		}
		trimmed := strings.TrimRight(string(line), "\r\n")
		if trimmed == "" {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			// Folded continuation of the pending header.
			raw.WriteByte('\n')
			raw.WriteString(trimmed)
			continue
		}
		flush()
		raw.WriteString(trimmed)
	}
	flush()
	return nil
}

func (p *Parser) parseBody() error {
	ct, ok := p.headers.Get("Content-Type")
	if !ok {
		// No Content-Type: single implicit part, remaining bytes as text.
		return p.appendSinglePart(true)
	}

	value := strings.ToLower(ct.CleanValue())
	switch {
	case strings.HasPrefix(value, "multipart/"):
		boundary := ct.Parameter("boundary")
		if boundary == "" {
			return p.appendSinglePart(true)
		}
		return p.parseMultipart(boundary)
	case strings.HasPrefix(value, "text/"), strings.HasPrefix(value, "message/"):
		return p.appendSinglePart(true)
	default:
		return p.appendSinglePart(false)
	}
}

// appendSinglePart treats the remaining stream as one body leaf. The
// top-level content-* headers become the part's header subset.
func (p *Parser) appendSinglePart(isText bool) error {
	hs := NewHeaders()
	for _, h := range p.headers.StartingWith("content-") {
		hs.Put(h)
	}

	part, _, err := p.readPartContent(hs, "", isText)
	if err != nil {
		return err
	}
	p.appendPart(part)
	return nil
}

// parseMultipart descends into one boundary level, appending every leaf
// it finds. Bytes before the first boundary (the preamble) and any
// stray headers between children are discarded.
func (p *Parser) parseMultipart(boundary string) error {
	last, err := p.skipToBoundary(boundary)
	if err != nil || last {
		return err
	}

	for {
		hs := NewHeaders()
		if err := readHeaderBlock(p.stream, hs); err != nil {
			return err
		}

		value := ""
		ct, hasCT := hs.Get("Content-Type")
		if hasCT {
			value = strings.ToLower(ct.CleanValue())
		}

		switch {
		case strings.HasPrefix(value, "multipart/"):
			// A nested multipart contributes its children. The inner
			// level terminates on its own boundary, declared by its
			// own Content-Type even when tokens collide.
			inner := ct.Parameter("boundary")
			if inner == "" {
				inner = boundary
			}
			if err := p.parseMultipart(inner); err != nil {
				return err
			}
			last, err = p.skipToBoundary(boundary)
			if err != nil {
				return err
			}

		case strings.HasPrefix(value, "message/rfc822"):
			part, l, err := p.readPartContent(hs, boundary, true)
			if err != nil {
				return err
			}
			last = l

			sub := &Parser{
				stream:    lineio.NewReader(bytes.NewReader(part.body)),
				logger:    p.logger,
				headers:   NewHeaders(),
				indexBase: p.indexBase + len(p.parts),
			}
			if err := sub.Parse(); err != nil {
				p.logger.Warn("embedded rfc822 parse failed, keeping raw part", slog.Any("error", err))
				p.appendPart(part)
				break
			}
			p.parts = append(p.parts, sub.parts...)

		default:
			isText := !hasCT || strings.HasPrefix(value, "text/") || strings.HasPrefix(value, "message/")
			part, l, err := p.readPartContent(hs, boundary, isText)
			if err != nil {
				return err
			}
			p.appendPart(part)
			last = l
		}

		if last {
			return nil
		}
	}
}

// skipToBoundary discards lines until a boundary marker. Returns
// last=true on the terminating marker or EOF.
func (p *Parser) skipToBoundary(boundary string) (last bool, err error) {
	start := []byte("--" + boundary)
	end := []byte("--" + boundary + "--")
	for {
		line, err := p.stream.ReadLine()
		if line == nil {
			if err != nil && err != io.EOF {
				return false, err
			}
			return true, nil
		}
		if bytes.Contains(line, end) {
			return true, nil
		}
		if bytes.Contains(line, start) {
			return false, nil
		}
	}
}

// readPartContent reads lines up to the next boundary (or EOF when no
// boundary is in play), decodes per Content-Transfer-Encoding, and
// digests the decoded bytes. last reports whether the terminating
// boundary (or EOF) was seen.
func (p *Parser) readPartContent(hs *Headers, boundary string, isText bool) (*Part, bool, error) {
	var raw bytes.Buffer
	last := false

	var start, end []byte
	if boundary != "" {
		start = []byte("--" + boundary)
		end = []byte("--" + boundary + "--")
	}

	for {
		line, err := p.stream.ReadLine()
		if line == nil {
			if err != nil && err != io.EOF {
				return nil, false, err
			}
			// Missing terminating boundary: consume to EOF as the
			// last part.
			last = true
			break
		}
		if boundary != "" && bytes.Contains(line, start) {
			if bytes.Contains(line, end) {
				last = true
			}
			break
		}
		raw.Write(line)
	}

	return p.buildPart(hs, raw.Bytes(), isText), last, nil
}

// buildPart decodes and digests one leaf.
func (p *Parser) buildPart(hs *Headers, raw []byte, isText bool) *Part {
	content := p.decodeContent(hs, raw)

	kind := KindFile
	if isText {
		kind = KindText
	}

	md5Sum := md5.Sum(content)
	sha1Sum := sha1.Sum(content)
	sha256Sum := sha256.Sum256(content)

	return &Part{
		headers: hs,
		kind:    kind,
		body:    content,
		size:    len(content),
		hashes: map[HashType]string{
			HashMD5:    base64.StdEncoding.EncodeToString(md5Sum[:]),
			HashSHA1:   base64.StdEncoding.EncodeToString(sha1Sum[:]),
			HashSHA256: base64.StdEncoding.EncodeToString(sha256Sum[:]),
		},
	}
}

// decodeContent applies the part's Content-Transfer-Encoding. Decode
// failures log a warning and fall back to the raw bytes so one bad
// part never poisons its siblings.
func (p *Parser) decodeContent(hs *Headers, raw []byte) []byte {
	encoding := ""
	if cte, ok := hs.Get("Content-Transfer-Encoding"); ok {
		encoding = strings.ToLower(cte.CleanValue())
	}

	switch encoding {
	case "base64":
		filtered := make([]byte, 0, len(raw))
		for _, c := range raw {
			if c == '\r' || c == '\n' || c == ' ' || c == '\t' {
				continue
			}
			filtered = append(filtered, c)
		}
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(filtered)))
		n, err := base64.StdEncoding.Decode(decoded, filtered)
		if err != nil {
			p.logger.Warn("base64 decode failed, keeping raw bytes", slog.Any("error", err))
			return raw
		}
		return decoded[:n]

	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(raw)))
		if err != nil {
			p.logger.Warn("quoted-printable decode failed, keeping raw bytes", slog.Any("error", err))
			return raw
		}
		return decoded

	default:
		return raw
	}
}

// appendPart adds a leaf to the flat list, synthesizing its filename
// from its position when the headers do not name one.
func (p *Parser) appendPart(part *Part) {
	part.filename = deriveFilename(part.headers, p.indexBase+len(p.parts))
	p.parts = append(p.parts, part)
}

// deriveFilename prefers Content-Disposition filename=, then
// Content-Type name=, then synthesizes by index and declared type.
func deriveFilename(hs *Headers, index int) string {
	if cd, ok := hs.Get("Content-Disposition"); ok {
		if filename := cd.Parameter("filename"); filename != "" {
			return filename
		}
	}

	ct, ok := hs.Get("Content-Type")
	if !ok {
		return ""
	}
	if name := ct.Parameter("name"); name != "" {
		return name
	}

	mediaType := strings.ToLower(ct.CleanValue())
	switch {
	case mediaType == "text/html":
		return fmt.Sprintf("part.%d.html", index)
	case mediaType == "text/plain":
		return fmt.Sprintf("part.%d.txt", index)
	case mediaType == "text/calendar":
		return fmt.Sprintf("part.%d.cal", index)
	case strings.HasPrefix(mediaType, "image/"):
		return fmt.Sprintf("part.%d.img", index)
	case strings.HasPrefix(mediaType, "message/"):
		return fmt.Sprintf("rfc822.%d.eml", index)
	default:
		return fmt.Sprintf("part.%d.dat", index)
	}
}
