package capture

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregLibert/simtrace/pkg/errs"
)

func fakeClock(start time.Time, step time.Duration) func() time.Time {
	now := start
	return func() time.Time {
		t := now
		now = now.Add(step)
		return t
	}
}

func TestCapture_RoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	w, err := newWriter(&buf, "sniff", fakeClock(start, 10*time.Millisecond))
	require.NoError(t, err)

	chunks := [][]byte{
		{0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x0C, 0x00, 0x01, 0x00, 0x00, 0x00},
		{0x03, 0x02},
	}
	require.NoError(t, w.Write(0, chunks[0]))
	require.NoError(t, w.Write(1, chunks[1]))
	assert.Equal(t, 2, w.Records())

	r, err := NewReader(&buf)
	require.NoError(t, err)
	assert.Equal(t, "sniff", r.Header().Mode)
	assert.True(t, start.Equal(r.Header().StartTime()))

	var got []Record
	require.NoError(t, r.Replay(context.Background(), false, func(rec Record) error {
		got = append(got, rec)
		return nil
	}))
	assert.Equal(t, []Record{
		{Offset: 10 * time.Millisecond, Endpoint: 0, Data: chunks[0]},
		{Offset: 20 * time.Millisecond, Endpoint: 1, Data: chunks[1]},
	}, got)
}

func TestCapture_Realtime(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w, err := newWriter(&buf, "cardem", fakeClock(time.Now(), 20*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, w.Write(0, []byte{1}))
	require.NoError(t, w.Write(0, []byte{2}))

	r, err := NewReader(&buf)
	require.NoError(t, err)
	began := time.Now()
	n := 0
	require.NoError(t, r.Replay(context.Background(), true, func(Record) error {
		n++
		return nil
	}))
	assert.Equal(t, 2, n)
	assert.GreaterOrEqual(t, time.Since(began), 40*time.Millisecond)
}

func TestCapture_ReplayCanceled(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w, err := newWriter(&buf, "sniff", fakeClock(time.Now(), time.Hour))
	require.NoError(t, err)
	require.NoError(t, w.Write(0, []byte{1}))

	r, err := NewReader(&buf)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = r.Replay(ctx, true, func(Record) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewReader_Rejects(t *testing.T) {
	t.Parallel()

	_, err := NewReader(bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrNotCapture)

	other, err := cbor.Marshal(Header{Magic: "pcap", Version: 1})
	require.NoError(t, err)
	_, err = NewReader(bytes.NewReader(other))
	assert.ErrorIs(t, err, ErrNotCapture)

	future, err := cbor.Marshal(Header{Magic: Magic, Version: Version + 1})
	require.NoError(t, err)
	_, err = NewReader(bytes.NewReader(future))
	assert.ErrorIs(t, err, ErrNotCapture)

	unknown, err := cbor.Marshal(map[string]any{"magic": Magic, "version": 1, "colour": "red"})
	require.NoError(t, err)
	_, err = NewReader(bytes.NewReader(unknown))
	assert.ErrorIs(t, err, errs.ErrFraming)
}

func TestReader_TruncatedRecord(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w, err := NewWriter(&buf, "sniff")
	require.NoError(t, err)
	require.NoError(t, w.Write(0, []byte{1, 2, 3, 4}))

	raw := buf.Bytes()
	r, err := NewReader(bytes.NewReader(raw[:len(raw)-2]))
	require.NoError(t, err)
	_, err = r.Next()
	assert.ErrorIs(t, err, errs.ErrFraming)
}
