package mailer

import (
	"bytes"
	"fmt"
	"mime"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is a single outgoing HTML email
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
	Headers map[string]string
}

// Bytes renders the message as RFC 5322 data
func (m *Message) Bytes(now time.Time) []byte {
	var buf bytes.Buffer

	buf.WriteString(fmt.Sprintf("From: %s\r\n", m.From))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", m.To))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", m.Subject)))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", now.Format(time.RFC1123Z)))
	buf.WriteString(fmt.Sprintf("Message-ID: <%s@%s>\r\n", uuid.New().String(), domainOf(m.From)))

	keys := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf.WriteString(fmt.Sprintf("%s: %s\r\n", k, m.Headers[k]))
	}

	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(normalizeNewlines(m.HTML))
	if !strings.HasSuffix(m.HTML, "\n") {
		buf.WriteString("\r\n")
	}

	return buf.Bytes()
}

// Address returns the bare address of an RFC 5322 mailbox such as "News <news@example.com>"
func Address(mailbox string) string {
	addr, err := mail.ParseAddress(mailbox)
	if err != nil {
		return strings.TrimSpace(mailbox)
	}
	return addr.Address
}

func domainOf(mailbox string) string {
	parts := strings.Split(Address(mailbox), "@")
	if len(parts) == 2 && parts[1] != "" {
		return parts[1]
	}
	return "localhost"
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}
