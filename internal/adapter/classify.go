package adapter

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Classification tells the dispatcher how to react to a failed upstream
// attempt. When no field is set the failure is terminal and the upstream
// status is returned to the client as-is.
type Classification struct {
	Retry     bool // the attempt may be retried with backoff
	NextKey   bool // rotate to the next key in the group
	NextGroup bool // exclude the group and move to the next candidate
	Message   string
}

// Terminal reports whether the failure permits no further attempts.
func (c Classification) Terminal() bool {
	return !c.Retry && !c.NextKey && !c.NextGroup
}

// Classify maps an upstream HTTP status to a retry decision. The mapping is
// the same for every dialect:
//
//	401, 403        key is bad; mark it invalid and rotate
//	429             rate limited; retry, rotating keys between attempts
//	5xx, 408        transient upstream fault; retry the same key
//	400, 404, 422   the request itself is wrong for this group; fail over
//	anything else   terminal
func Classify(status int, body []byte) Classification {
	c := Classification{Message: errorMessage(status, body)}
	switch {
	case status == 401 || status == 403:
		c.NextKey = true
	case status == 429:
		c.Retry = true
		c.NextKey = true
	case status >= 500 || status == 408:
		c.Retry = true
	case status == 400 || status == 404 || status == 422:
		c.NextGroup = true
	}
	return c
}

// errorMessage pulls a human-readable message out of an upstream error body.
// All three dialects nest it under error.message; the raw body is the
// fallback, capped so log rows stay bounded.
func errorMessage(status int, body []byte) string {
	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() {
		return msg.String()
	}
	// Gemini batches errors as a JSON array on some paths.
	if msg := gjson.GetBytes(body, "0.error.message"); msg.Exists() {
		return msg.String()
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 512 {
		s = s[:512]
	}
	if s == "" {
		return "upstream returned HTTP " + strconv.Itoa(status)
	}
	return s
}
