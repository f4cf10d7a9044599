package redirect

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/k3a/html2text"
	"github.com/migadu/mailroute/server/mail"
)

const crlf = "\r\n"

var contentFields = []string{"Content-Type", "Content-Transfer-Encoding", "Content-Disposition", "Content-Id", "Mime-Version"}

// composeContent builds the header and body of the new message from m
// according to the inline and attachment modes. Address, subject and id
// fields are applied afterwards by Compose.
func (r *Resend) composeContent(m *mail.Mail) (gomail.Header, []byte, error) {
	raw, err := m.Bytes()
	if err != nil {
		return gomail.Header{}, nil, err
	}

	top := mail.CopyHeader(m.Header).Header
	for _, k := range contentFields {
		top.Del(k)
	}

	var buf bytes.Buffer
	if r.cfg.Attachment == AttachNone {
		top.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := message.CreateWriter(&buf, top)
		if err != nil {
			return gomail.Header{}, nil, err
		}
		text, err := r.inlineText(m, raw)
		if err != nil {
			return gomail.Header{}, nil, err
		}
		if _, err := io.WriteString(w, text); err != nil {
			return gomail.Header{}, nil, err
		}
		if err := w.Close(); err != nil {
			return gomail.Header{}, nil, err
		}
		return split(buf.Bytes())
	}

	top.SetContentType("multipart/mixed", nil)
	w, err := message.CreateWriter(&buf, top)
	if err != nil {
		return gomail.Header{}, nil, err
	}

	if r.cfg.Inline == InlineUnaltered {
		if err := writeOriginalBody(w, m, raw); err != nil {
			return gomail.Header{}, nil, err
		}
	} else {
		text, err := r.inlineText(m, raw)
		if err != nil {
			return gomail.Header{}, nil, err
		}
		var h message.Header
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		if err := writePart(w, h, []byte(text)); err != nil {
			return gomail.Header{}, nil, err
		}
	}

	if err := r.writeAttachment(w, m, raw); err != nil {
		return gomail.Header{}, nil, err
	}
	if err := w.Close(); err != nil {
		return gomail.Header{}, nil, err
	}
	return split(buf.Bytes())
}

// inlineText is the text body of the new message: the configured message,
// the inlined parts of the original, then the error message when
// attachError is set.
func (r *Resend) inlineText(m *mail.Mail, raw []byte) (string, error) {
	var b strings.Builder
	if r.cfg.Message != "" {
		b.WriteString(r.cfg.Message)
		b.WriteString(crlf)
	}

	switch r.cfg.Inline {
	case InlineHeads:
		b.WriteString(crlf)
		b.WriteString(headerText(m))
	case InlineBody:
		body, err := r.originalBody(m, raw)
		if err != nil {
			return "", err
		}
		b.WriteString(crlf)
		b.WriteString(body)
	case InlineAll:
		body, err := r.originalBody(m, raw)
		if err != nil {
			return "", err
		}
		b.WriteString(crlf)
		b.WriteString(headerText(m))
		b.WriteString(crlf)
		b.WriteString(body)
	}

	if r.cfg.AttachError && r.cfg.Inline != InlineUnaltered && m.ErrorMessage != "" {
		b.WriteString(crlf)
		b.WriteString("Error message below:")
		b.WriteString(crlf)
		b.WriteString(m.ErrorMessage)
		b.WriteString(crlf)
	}
	return b.String(), nil
}

func (r *Resend) writeAttachment(w *message.Writer, m *mail.Mail, raw []byte) error {
	switch r.cfg.Attachment {
	case AttachHeads:
		return writePart(w, attachmentHeader("text/plain", "headers.txt"), []byte(headerText(m)))
	case AttachBody:
		body, err := r.originalBody(m, raw)
		if err != nil {
			return err
		}
		return writePart(w, attachmentHeader("text/plain", "body.txt"), []byte(body))
	case AttachAll:
		return writePart(w, attachmentHeader("text/plain", "message.txt"), []byte(headerText(m)+crlf+string(m.Body)))
	case AttachMessage:
		return writePart(w, attachmentHeader("message/rfc822", "message.eml"), raw)
	default:
		return nil
	}
}

// originalBody is the body of m as it was received, still transfer encoded.
// With htmlToText it is the decoded readable text instead.
func (r *Resend) originalBody(m *mail.Mail, raw []byte) (string, error) {
	if r.cfg.HTMLToText {
		return bodyText(raw)
	}
	return string(m.Body), nil
}

// writeOriginalBody copies the original content, decoded and re-encoded with
// its own content headers, as the first part.
func writeOriginalBody(w *message.Writer, m *mail.Mail, raw []byte) error {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return fmt.Errorf("reading original: %w", err)
	}
	var h message.Header
	for _, k := range contentFields {
		if k == "Mime-Version" {
			continue
		}
		if v := m.Header.Get(k); v != "" {
			h.Set(k, v)
		}
	}
	if !h.Has("Content-Type") {
		h.SetContentType("text/plain", map[string]string{"charset": "us-ascii"})
	}
	pw, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(pw, entity.Body); err != nil {
		pw.Close()
		return err
	}
	return pw.Close()
}

func attachmentHeader(contentType, filename string) message.Header {
	var h message.Header
	if contentType == "text/plain" {
		h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	} else {
		h.SetContentType(contentType, nil)
	}
	h.SetContentDisposition("attachment", map[string]string{"filename": filename})
	return h
}

func writePart(w *message.Writer, h message.Header, data []byte) error {
	pw, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := pw.Write(data); err != nil {
		pw.Close()
		return err
	}
	return pw.Close()
}

// headerText is the original header block without its terminating empty
// line.
func headerText(m *mail.Mail) string {
	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, m.Header.Header.Header); err != nil {
		return ""
	}
	return strings.TrimSuffix(buf.String(), crlf)
}

// bodyText returns the readable text of a message: the first text/plain
// part, else the first text/html part converted to plain text. Non-MIME
// bodies are returned as they are.
func bodyText(raw []byte) (string, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return "", fmt.Errorf("reading original: %w", err)
	}

	var plain, html *string
	walkErr := entity.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil {
			if message.IsUnknownCharset(err) {
				return nil
			}
			return err
		}
		mediaType, _, _ := part.Header.ContentType()
		if mediaType == "" {
			mediaType = "text/plain"
		}
		switch {
		case mediaType == "text/plain" && plain == nil:
			data, err := io.ReadAll(part.Body)
			if err != nil {
				return err
			}
			s := string(data)
			plain = &s
		case mediaType == "text/html" && html == nil:
			data, err := io.ReadAll(part.Body)
			if err != nil {
				return err
			}
			s := string(data)
			html = &s
		}
		return nil
	})
	if walkErr != nil {
		return "", fmt.Errorf("walking original: %w", walkErr)
	}

	switch {
	case plain != nil:
		return *plain, nil
	case html != nil:
		return html2text.HTML2Text(*html), nil
	default:
		return "", nil
	}
}

func split(raw []byte) (gomail.Header, []byte, error) {
	m, err := mail.Parse("", nil, nil, raw)
	if err != nil {
		return gomail.Header{}, nil, err
	}
	return m.Header, m.Body, nil
}
