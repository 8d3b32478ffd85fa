package emailingest

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ParsedEmail is the subset of an RFC 822 message the ingester needs.
type ParsedEmail struct {
	MessageID   string
	Subject     string
	FromName    string
	FromAddr    string
	Text        string
	Attachments []ParsedAttachment
}

type ParsedAttachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

var wordDecoder = mime.WordDecoder{}

var htmlSanitizer = bluemonday.StrictPolicy()

// Parse decodes a raw RFC 822 message into its header fields, a plain-text
// body (falling back to a sanitized rendering of the HTML body), and any
// attachments (spec §4.10 "plain text preferred, HTML sanitized fallback").
func Parse(raw []byte) (ParsedEmail, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return ParsedEmail{}, err
	}

	out := ParsedEmail{
		MessageID: strings.Trim(msg.Header.Get("Message-Id"), "<>"),
		Subject:   decodeHeader(msg.Header.Get("Subject")),
	}
	if addr, err := mail.ParseAddress(msg.Header.Get("From")); err == nil {
		out.FromName = decodeHeader(addr.Name)
		out.FromAddr = addr.Address
	}

	contentType := msg.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		text, attachments, err := parseMultipart(msg.Body, params["boundary"])
		if err != nil {
			return out, err
		}
		out.Text = text
		out.Attachments = attachments
		return out, nil
	}

	body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
	if err != nil {
		return out, err
	}
	if mediaType == "text/html" {
		out.Text = sanitizeHTML(body)
	} else {
		out.Text = body
	}
	return out, nil
}

func parseMultipart(body io.Reader, boundary string) (string, []ParsedAttachment, error) {
	if boundary == "" {
		return "", nil, nil
	}
	mr := multipart.NewReader(body, boundary)
	var text, html string
	var attachments []ParsedAttachment
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return text, attachments, err
		}
		disposition, dispParams, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
		partType, typeParams, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))

		if disposition == "attachment" || (dispParams["filename"] != "" && partType != "text/plain" && partType != "text/html") {
			data, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
			if err != nil {
				continue
			}
			attachments = append(attachments, ParsedAttachment{
				Filename:    decodeHeader(dispParams["filename"]),
				ContentType: partType,
				Data:        []byte(data),
			})
			continue
		}

		decoded, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			continue
		}
		switch partType {
		case "text/plain":
			text = decoded
		case "text/html":
			html = decoded
		case "multipart/alternative", "multipart/related", "multipart/mixed":
			nestedText, nestedAtt, err := parseMultipart(strings.NewReader(decoded), typeParams["boundary"])
			if err == nil {
				if nestedText != "" {
					text = nestedText
				}
				attachments = append(attachments, nestedAtt...)
			}
		}
	}
	if text != "" {
		return text, attachments, nil
	}
	return sanitizeHTML(html), attachments, nil
}

func decodeBody(r io.Reader, encoding string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	case "base64":
		// net/mail callers pass already-dechunked readers for nested parts;
		// multipart.Part exposes base64 bodies raw, so decode explicitly.
		data, err := io.ReadAll(r)
		if err != nil {
			return "", err
		}
		decoded, err := decodeBase64(data)
		if err != nil {
			return string(data), nil
		}
		return string(decoded), nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeBase64(data []byte) ([]byte, error) {
	cleaned := bytes.ReplaceAll(bytes.ReplaceAll(data, []byte("\r"), nil), []byte("\n"), nil)
	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(cleaned)))
	n, err := base64.StdEncoding.Decode(decoded, cleaned)
	if err != nil {
		return nil, err
	}
	return decoded[:n], nil
}

func decodeHeader(s string) string {
	if s == "" {
		return s
	}
	if decoded, err := wordDecoder.DecodeHeader(s); err == nil {
		return decoded
	}
	return s
}

func sanitizeHTML(html string) string {
	if html == "" {
		return ""
	}
	return strings.TrimSpace(htmlSanitizer.Sanitize(html))
}

// subjectTag matches the [#123] / [REF#123] conversation reference tag
// appended to outbound subjects so replies can be threaded back (spec §4.10
// "thread resolution via subject tag").
var subjectTag = regexp.MustCompile(`\[(?:REF#|#)(\d+)\]`)

// ExtractReferenceNumber returns the conversation reference number embedded
// in subject, if any.
func ExtractReferenceNumber(subject string) (int64, bool) {
	m := subjectTag.FindStringSubmatch(subject)
	if m == nil {
		return 0, false
	}
	var n int64
	for _, c := range m[1] {
		n = n*10 + int64(c-'0')
	}
	return n, true
}
