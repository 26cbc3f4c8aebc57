package email

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is one outbound mail before serialisation.
type Message struct {
	From      string
	To        []string
	Subject   string
	Text      string
	HTML      string
	MessageID string
	InReplyTo string
	Date      time.Time
}

// NewMessageID returns an RFC 5322 msg-id in the domain of from.
func NewMessageID(from string) string {
	domain := "localhost"
	if addr, err := mail.ParseAddress(from); err == nil {
		if _, d, ok := strings.Cut(addr.Address, "@"); ok && d != "" {
			domain = d
		}
	}
	return "<" + uuid.NewString() + "@" + domain + ">"
}

// Bytes serialises m as an RFC 5322 message with CRLF line endings. Text
// and HTML together produce multipart/alternative; either alone is a single
// quoted-printable part.
func (m Message) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	h := textproto.MIMEHeader{}
	h.Set("From", m.From)
	h.Set("To", strings.Join(m.To, ", "))
	h.Set("Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	h.Set("Date", m.Date.Format(time.RFC1123Z))
	h.Set("Message-Id", m.MessageID)
	h.Set("MIME-Version", "1.0")
	if m.InReplyTo != "" {
		h.Set("In-Reply-To", m.InReplyTo)
		h.Set("References", m.InReplyTo)
	}

	switch {
	case m.Text != "" && m.HTML != "":
		boundary, err := newBoundary()
		if err != nil {
			return nil, err
		}
		h.Set("Content-Type", `multipart/alternative; boundary="`+boundary+`"`)
		writeHeader(&buf, h)
		mw := multipart.NewWriter(&buf)
		if err := mw.SetBoundary(boundary); err != nil {
			return nil, err
		}
		for _, part := range []struct{ ctype, body string }{
			{"text/plain; charset=utf-8", m.Text},
			{"text/html; charset=utf-8", m.HTML},
		} {
			pw, err := mw.CreatePart(textproto.MIMEHeader{
				"Content-Type":              {part.ctype},
				"Content-Transfer-Encoding": {"quoted-printable"},
			})
			if err != nil {
				return nil, err
			}
			if err := writeQP(pw, part.body); err != nil {
				return nil, err
			}
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}
	default:
		ctype, body := "text/plain; charset=utf-8", m.Text
		if m.HTML != "" {
			ctype, body = "text/html; charset=utf-8", m.HTML
		}
		h.Set("Content-Type", ctype)
		h.Set("Content-Transfer-Encoding", "quoted-printable")
		writeHeader(&buf, h)
		if err := writeQP(&buf, body); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

var headerOrder = []string{"From", "To", "Subject", "Date", "Message-Id", "In-Reply-To", "References", "MIME-Version", "Content-Type", "Content-Transfer-Encoding"}

func writeHeader(buf *bytes.Buffer, h textproto.MIMEHeader) {
	for _, k := range headerOrder {
		if v := h.Get(k); v != "" {
			fmt.Fprintf(buf, "%s: %s\r\n", k, v)
		}
	}
	buf.WriteString("\r\n")
}

func writeQP(w io.Writer, body string) error {
	qp := quotedprintable.NewWriter(w)
	body = strings.ReplaceAll(strings.ReplaceAll(body, "\r\n", "\n"), "\n", "\r\n")
	if _, err := qp.Write([]byte(body)); err != nil {
		return err
	}
	return qp.Close()
}

func newBoundary() (string, error) {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return "msgp-" + hex.EncodeToString(b[:]), nil
}
