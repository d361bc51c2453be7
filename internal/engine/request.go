package engine

import (
	"strconv"
	"strings"

	"github.com/joeycumines/goofy/internal/endpoint"
)

const (
	userAgent = "Goofy 0.0"
	// uniqueParam carries the request number when requests are unique
	uniqueParam = "cnt"
	// maxRequestSize bounds a single request, which is sent with one write
	maxRequestSize = 64 << 10
)

// requestTemplate holds the invariant parts of the request for one
// endpoint. Only the unique parameter varies between requests.
type requestTemplate struct {
	head []byte
	tail []byte
	sep  byte
}

func newRequestTemplate(u endpoint.URL, headers []string) requestTemplate {
	var x requestTemplate
	x.head = append(x.head, "GET "...)
	x.head = append(x.head, u.Request...)
	x.sep = '?'
	if strings.IndexByte(u.Request, '?') >= 0 {
		x.sep = '&'
	}

	var b strings.Builder
	b.WriteString(" HTTP/1.0\r\n")
	var hasHost, hasAgent bool
	for _, h := range headers {
		b.WriteString(h)
		b.WriteString("\r\n")
		lower := strings.ToLower(h)
		hasHost = hasHost || strings.Contains(lower, "host:")
		hasAgent = hasAgent || strings.Contains(lower, "user-agent:")
	}
	if !hasHost {
		b.WriteString("Host: ")
		b.WriteString(u.Host)
		b.WriteString("\r\n")
	}
	if !hasAgent {
		b.WriteString("User-Agent: " + userAgent + "\r\n")
	}
	b.WriteString("\r\n")
	x.tail = []byte(b.String())
	return x
}

// appendRequest appends a complete request to buf.
func (x *requestTemplate) appendRequest(buf []byte, unique bool, requestNumber int64) []byte {
	buf = append(buf, x.head...)
	if unique {
		buf = append(buf, x.sep)
		buf = append(buf, uniqueParam+"="...)
		buf = strconv.AppendInt(buf, requestNumber, 10)
	}
	return append(buf, x.tail...)
}

// maxLen is the longest request the template can produce.
func (x *requestTemplate) maxLen() int {
	return len(x.head) + 1 + len(uniqueParam) + 1 + len(strconv.FormatInt(1<<63-1, 10)) + len(x.tail)
}
