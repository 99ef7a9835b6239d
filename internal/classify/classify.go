// Package classify maps a raw HTTP attempt to Found, NotFound, or Transient.
// It is the only place that decides what is retryable.
package classify

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/PuerkitoBio/goquery"
)

// Outcome is the verdict for one attempt.
type Outcome int

// Supported outcomes.
const (
	Transient Outcome = iota
	Found
	NotFound
)

func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case NotFound:
		return "not_found"
	default:
		return "transient"
	}
}

// Cause labels why an attempt was Transient.
type Cause string

// Supported transient causes.
const (
	CauseNone      Cause = ""
	CauseTimeout   Cause = "timeout"
	CauseReset     Cause = "reset"
	CauseTLS       Cause = "tls"
	CauseTruncated Cause = "truncated"
	CauseStatus    Cause = "status"
	CauseEmptyBody Cause = "empty_body"
	CauseNetwork   Cause = "network"
)

// Attempt is the raw result of one HTTP GET.
type Attempt struct {
	StatusCode int
	Body       []byte
	Err        error
}

// Verdict pairs an Outcome with the transient Cause, if any.
type Verdict struct {
	Outcome Outcome
	Cause   Cause
}

// Classifier holds the source-specific soft-404 markers. The zero value
// classifies on status codes and transport errors alone.
type Classifier struct {
	notFoundMarkers []string
}

// New builds a Classifier. A 200 page whose first <h1> contains any marker
// (case-insensitively) is NotFound. The rest of the body is not searched, so
// a record quoting a marker in its notes stays Found.
func New(notFoundMarkers ...string) *Classifier {
	c := &Classifier{}
	for _, m := range notFoundMarkers {
		if m = strings.TrimSpace(m); m != "" {
			c.notFoundMarkers = append(c.notFoundMarkers, strings.ToLower(m))
		}
	}
	return c
}

// Classify returns exactly one Outcome for the attempt.
func (c *Classifier) Classify(a Attempt) Verdict {
	if a.Err != nil {
		// A transport error with a terminal status (colly reports both) is
		// still terminal.
		if a.StatusCode != 0 && terminalStatus(a.StatusCode) {
			return Verdict{Outcome: NotFound}
		}
		return Verdict{Outcome: Transient, Cause: ErrorCause(a.Err)}
	}
	switch {
	case a.StatusCode == http.StatusOK:
		if len(bytes.TrimSpace(a.Body)) == 0 {
			return Verdict{Outcome: Transient, Cause: CauseEmptyBody}
		}
		if c.softNotFound(a.Body) {
			return Verdict{Outcome: NotFound}
		}
		return Verdict{Outcome: Found}
	case terminalStatus(a.StatusCode):
		return Verdict{Outcome: NotFound}
	default:
		return Verdict{Outcome: Transient, Cause: CauseStatus}
	}
}

func (c *Classifier) softNotFound(body []byte) bool {
	if c == nil || len(c.notFoundMarkers) == 0 {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	title := strings.ToLower(strings.Join(strings.Fields(doc.Find("h1").First().Text()), " "))
	if title == "" {
		return false
	}
	for _, m := range c.notFoundMarkers {
		if strings.Contains(title, m) {
			return true
		}
	}
	return false
}

// terminalStatus reports the 4xx codes that mean "no record here". Access
// denied is terminal too; only timeouts and throttling are retried.
func terminalStatus(code int) bool {
	if code < 400 || code >= 500 {
		return false
	}
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	default:
		return true
	}
}

// ErrorCause labels a transport error.
func ErrorCause(err error) Cause {
	if err == nil {
		return CauseNone
	}
	var (
		recordErr    tls.RecordHeaderError
		verifyErr    *tls.CertificateVerificationError
		unknownAuth  x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		invalidCert  x509.CertificateInvalidError
		netErr       net.Error
		lowerMessage = strings.ToLower(err.Error())
	)
	switch {
	case errors.As(err, &recordErr), errors.As(err, &verifyErr),
		errors.As(err, &unknownAuth), errors.As(err, &hostnameErr),
		errors.As(err, &invalidCert), strings.Contains(lowerMessage, "tls"),
		strings.Contains(lowerMessage, "x509"):
		return CauseTLS
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE), strings.Contains(lowerMessage, "connection reset"):
		return CauseReset
	case errors.As(err, &netErr) && netErr.Timeout():
		return CauseTimeout
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF),
		strings.Contains(lowerMessage, "unexpected eof"), strings.Contains(lowerMessage, "chunk"):
		return CauseTruncated
	default:
		return CauseNetwork
	}
}
