package bridge

import (
	"bytes"

	"github.com/gregLibert/simtrace/pkg/iso7816"
)

// Rewriter may change the answer of the real card before the modem sees
// it. cmd is the TPDU sent to the card: header then command data.
type Rewriter interface {
	Rewrite(cmd, data []byte, sw iso7816.StatusWord) ([]byte, iso7816.StatusWord)
}

// RewriterFunc adapts a function to Rewriter.
type RewriterFunc func(cmd, data []byte, sw iso7816.StatusWord) ([]byte, iso7816.StatusWord)

func (f RewriterFunc) Rewrite(cmd, data []byte, sw iso7816.StatusWord) ([]byte, iso7816.StatusWord) {
	return f(cmd, data, sw)
}

// Rule replaces the answer to the commands starting with Command.
type Rule struct {
	Command []byte
	Data    []byte
	SW      iso7816.StatusWord
	// Pad fills Data with FF up to the length the command asks for.
	Pad bool
}

func (r Rule) matches(cmd []byte) bool {
	return len(r.Command) > 0 && bytes.HasPrefix(cmd, r.Command)
}

func (r Rule) answer(cmd []byte) []byte {
	data := append([]byte(nil), r.Data...)
	if !r.Pad || len(cmd) != iso7816.HeaderLength {
		return data
	}
	h, err := iso7816.ParseHeader(cmd)
	if err != nil {
		return data
	}
	for len(data) < h.Len() {
		data = append(data, 0xFF)
	}
	return data
}

// Rules is a Rewriter applying the first matching rule. Answers matching
// no rule pass unchanged.
type Rules []Rule

func (rs Rules) Rewrite(cmd, data []byte, sw iso7816.StatusWord) ([]byte, iso7816.StatusWord) {
	for _, r := range rs {
		if r.matches(cmd) {
			return r.answer(cmd), r.SW
		}
	}
	return data, sw
}
