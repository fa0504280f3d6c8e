package sandbox

import (
	"bytes"
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/encoding/htmlindex"
)

// decodeOutput decodes both streams of a finished result in place. Under a
// strict policy the first undecodable stream aborts with a DecodeError that
// keeps the raw result attached.
func decodeOutput(res *Result, policy DecodePolicy) error {
	for _, s := range []struct {
		name string
		out  *Output
	}{
		{"stdout", res.Stdout},
		{"stderr", res.Stderr},
	} {
		raw, err := s.out.Bytes()
		if err != nil {
			return fmt.Errorf("sandbox: read captured %s: %w", s.name, err)
		}
		text, err := decodeBytes(raw, policy)
		if err != nil {
			return &DecodeError{Stream: s.name, Encoding: encodingLabel(policy), Result: res, Err: err}
		}
		s.out.text = text
		s.out.decoded = true
	}
	return nil
}

func encodingLabel(p DecodePolicy) string {
	if p.Encoding == "" {
		return "utf-8"
	}
	return p.Encoding
}

func decodeBytes(raw []byte, p DecodePolicy) (string, error) {
	label := encodingLabel(p)
	enc, err := htmlindex.Get(label)
	if err != nil {
		return "", fmt.Errorf("unknown encoding %q: %w", label, err)
	}
	canonical, err := htmlindex.Name(enc)
	if err != nil {
		canonical = label
	}

	if canonical == "utf-8" {
		if utf8.Valid(raw) {
			return string(raw), nil
		}
		if p.OnError == DecodeStrict {
			return "", errors.New("input contains ill-formed byte sequences")
		}
		// The decoder replaces each maximal ill-formed subpart with one
		// U+FFFD, so a run of stray bytes keeps its length visible while
		// a truncated multibyte sequence collapses to one marker.
		text, err := enc.NewDecoder().Bytes(raw)
		if err != nil {
			return "", err
		}
		return string(text), nil
	}

	text, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}
	if p.OnError == DecodeStrict {
		// A byte stream that was fully representable in the encoding
		// survives a decode then re-encode round trip unchanged.
		back, err := enc.NewEncoder().Bytes(text)
		if err != nil || !bytes.Equal(back, raw) {
			return "", errors.New("input contains byte sequences undefined in this encoding")
		}
	}
	return string(text), nil
}
