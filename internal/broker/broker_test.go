package broker

import (
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func TestSanitizeReplacesDisallowedRunes(t *testing.T) {
	require.Equal(t, "db_write", sanitize("db.write"))
	require.Equal(t, "a-b_c", sanitize("a-b.c"))
	require.Equal(t, "abcXYZ012_-", sanitize("abcXYZ012_-"))
}

func TestStreamNameForIsSanitizedAndPrefixed(t *testing.T) {
	require.Equal(t, "stream-db_write", streamNameFor("db.write"))
}

func TestExpiredHonorsHeaderDeadline(t *testing.T) {
	m := &nats.Msg{Header: make(nats.Header)}
	require.False(t, expired(m, ttlHeader), "no header set means no expiry")

	m.Header.Set(ttlHeader, time.Now().Add(-time.Minute).Format(time.RFC3339Nano))
	require.True(t, expired(m, ttlHeader))

	m.Header.Set(ttlHeader, time.Now().Add(time.Minute).Format(time.RFC3339Nano))
	require.False(t, expired(m, ttlHeader))
}

func TestExpiredIgnoresUnparsableHeader(t *testing.T) {
	m := &nats.Msg{Header: make(nats.Header)}
	m.Header.Set(ttlHeader, "not-a-timestamp")
	require.False(t, expired(m, ttlHeader))
}

func TestDeadLetterSubjectComposesRoutingKeyAsSubjectToken(t *testing.T) {
	p := QueuePolicy{DLXSubject: "db.dlx"}
	require.Equal(t, "db.dlx", p.deadLetterSubject())

	p.DLXRoutingKey = "write-failed"
	require.Equal(t, "db.dlx.write-failed", p.deadLetterSubject())

	p = QueuePolicy{DLXRoutingKey: "write-failed"}
	require.Equal(t, "", p.deadLetterSubject(), "a routing key alone does not enable dead-lettering")
}

func TestPermanentErrorWrapsAndUnwraps(t *testing.T) {
	inner := errors.New("unsupported-content-type")
	perm := &PermanentError{Err: inner}

	require.Equal(t, inner.Error(), perm.Error())
	require.ErrorIs(t, perm, inner)

	var target *PermanentError
	require.ErrorAs(t, error(perm), &target)
}
