package simtrace

import (
	"testing"

	"github.com/gregLibert/simtrace/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func marshal(t *testing.T, c Class, typ Type, p Payload) []byte {
	t.Helper()
	m, err := NewMessage(c, typ, 0, p)
	require.NoError(t, err)
	out, err := m.MarshalBinary()
	require.NoError(t, err)
	return out
}

func TestReassembler_ByteByByte(t *testing.T) {
	t.Parallel()

	stream := append(
		marshal(t, ClassSniff, TypeSniffATR, &SniffData{Data: []byte{0x3B, 0x00}}),
		marshal(t, ClassSniff, TypeSniffTPDU, &SniffData{Data: mustHex(t, "A0F200001690")})...,
	)

	r := NewReassembler()
	var got []Message
	for i, b := range stream {
		msgs, err := r.Feed([]byte{b})
		require.NoError(t, err, "byte %d", i)
		got = append(got, msgs...)
	}
	require.Len(t, got, 2)
	assert.Equal(t, TypeSniffATR, got[0].Type)
	assert.Equal(t, TypeSniffTPDU, got[1].Type)
	assert.Zero(t, r.Buffered())
}

func TestReassembler_Concatenated(t *testing.T) {
	t.Parallel()

	var stream []byte
	stream = append(stream, marshal(t, ClassCardem, TypeStatus, &Status{Flags: StatusVCCPresent})...)
	stream = append(stream, marshal(t, ClassSniff, TypeSniffChange, &SniffChange{Flags: ChangeCardInsert})...)
	stream = append(stream, marshal(t, ClassSniff, TypeSniffFiDi, &SniffFiDi{FiDi: 0x94})...)
	half := marshal(t, ClassSniff, TypeSniffATR, &SniffData{Data: []byte{0x3B, 0x00}})
	stream = append(stream, half[:5]...)

	r := NewReassembler(ClassSniff)
	got, err := r.Feed(stream)
	require.NoError(t, err)
	require.Len(t, got, 2, "CARDEM message must be dropped")
	assert.Equal(t, TypeSniffChange, got[0].Type)
	assert.Equal(t, TypeSniffFiDi, got[1].Type)
	assert.Equal(t, 5, r.Buffered())

	got, err = r.Feed(half[5:])
	require.NoError(t, err)
	require.Len(t, got, 1)
	p, err := got[0].Decode()
	require.NoError(t, err)
	assert.Equal(t, &SniffData{Data: []byte{0x3B, 0x00}}, p)
}

func TestReassembler_BadHeader(t *testing.T) {
	t.Parallel()

	r := NewReassembler()
	good := marshal(t, ClassCardem, TypeCardInsert, &CardInsert{Inserted: true})

	got, err := r.Feed(append(good, mustHex(t, "01050000 0000 0200 01")...))
	require.ErrorIs(t, err, ErrBadLength)
	assert.ErrorIs(t, err, errs.ErrTransport)
	require.Len(t, got, 1)
	assert.Zero(t, r.Buffered())

	got, err = r.Feed(good)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestReassembler_TooLong(t *testing.T) {
	t.Parallel()

	r := NewReassembler()
	_, err := r.Feed(mustHex(t, "03040000 0000 FFFF"))
	require.ErrorIs(t, err, ErrTooLong)
	assert.Zero(t, r.Buffered())
}
