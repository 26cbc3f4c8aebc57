package mailer

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/msgproviders/internal/host"
)

// fakeSMTP accepts one session and records the commands and message body.
func fakeSMTP(t *testing.T) (string, int, <-chan []string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	out := make(chan []string, 1)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		w := bufio.NewWriter(conn)
		reply := func(s string) { w.WriteString(s + "\r\n"); w.Flush() }
		var lines []string
		reply("220 fake ESMTP")
		inData := false
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				out <- lines
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if inData {
				if line == "." {
					inData = false
					reply("250 queued")
					continue
				}
				lines = append(lines, "DATA:"+line)
				continue
			}
			lines = append(lines, line)
			switch {
			case strings.HasPrefix(line, "EHLO"):
				reply("250-fake")
				reply("250 8BITMIME")
			case line == "DATA":
				inData = true
				reply("354 go ahead")
			case line == "QUIT":
				reply("221 bye")
				out <- lines
				return
			default:
				reply("250 ok")
			}
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, out
}

func TestSendMail(t *testing.T) {
	h, port, got := fakeSMTP(t)
	m := New(zap.NewNop(), 0)
	err := m.SendMail(context.Background(), host.MailRequest{
		Host: h, Port: port,
		From: "bot@example.com", To: []string{"a@example.com", "b@example.com"},
		Data: []byte("Subject: hi\r\n\r\nhello\r\n"),
	})
	require.NoError(t, err)

	lines := <-got
	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, "MAIL FROM:<bot@example.com>")
	assert.Contains(t, joined, "RCPT TO:<a@example.com>")
	assert.Contains(t, joined, "RCPT TO:<b@example.com>")
	assert.Contains(t, joined, "DATA:hello")
}

func TestSendMailStartTLSUnsupported(t *testing.T) {
	h, port, _ := fakeSMTP(t)
	err := New(zap.NewNop(), 0).SendMail(context.Background(), host.MailRequest{
		Host: h, Port: port, StartTLS: true, From: "a@x", To: []string{"b@x"}, Data: []byte("x"),
	})
	assert.Equal(t, host.CodeDenied, host.CodeOf(err))
}

func TestSendMailValidation(t *testing.T) {
	err := New(zap.NewNop(), 0).SendMail(context.Background(), host.MailRequest{Host: "h"})
	assert.Equal(t, host.CodeInvalid, host.CodeOf(err))
}

func TestSendMailUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	err = New(zap.NewNop(), 0).SendMail(context.Background(), host.MailRequest{
		Host: "127.0.0.1", Port: port, From: "a@x", To: []string{"b@x"}, Data: []byte("x"),
	})
	assert.Equal(t, host.CodeUnavailable, host.CodeOf(err), strconv.Itoa(port))
}
