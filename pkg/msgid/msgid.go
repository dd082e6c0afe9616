// Package msgid produces the correlation identifiers stamped on every
// outbound message header.
package msgid

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// seq disambiguates identifiers minted within the same millisecond. The
// wire format's timestamp component alone is not collision free when
// several messages are emitted in one process tick.
var seq atomic.Uint64

// New returns an identifier of the form
//
//	<TypePrefix>_ZD<YY><MM><DD><last8ofUnixMillis><seq2>
//
// where TypePrefix is the first underscore-delimited token of the message
// type (LOAN for LOAN_FINAL_APPROVAL_NOTIFICATION) and seq2 is a two digit
// rolling counter.
func New(messageType string) string {
	return At(messageType, time.Now())
}

// At is New with an injectable clock.
func At(messageType string, t time.Time) string {
	prefix, _, _ := strings.Cut(messageType, "_")
	if prefix == "" {
		prefix = "MSG"
	}
	last8 := t.UnixMilli() % 100_000_000
	return fmt.Sprintf("%s_ZD%s%08d%02d", prefix, t.Format("060102"), last8, seq.Add(1)%100)
}
