package capture

import (
	"bytes"
	"fmt"

	"github.com/sessfuzz/sessfuzz/internal/config"
	"github.com/sessfuzz/sessfuzz/internal/stategraph"
)

// Tagger classifies a captured payload.
type Tagger func(payload []byte) stategraph.Tag

// maxCommandLen bounds the token TextCommandTagger accepts as a command.
const maxCommandLen = 16

// NoTagger leaves every message untagged.
func NoTagger([]byte) stategraph.Tag { return stategraph.NoTag }

// TextCommandTagger tags line-oriented text protocols (FTP, SMTP, POP3) by
// their upper-cased command word: "user anonymous\r\n" becomes "USER".
// Payloads that do not start with a printable token are left untagged.
func TextCommandTagger(payload []byte) stategraph.Tag {
	end := bytes.IndexAny(payload, " \t\r\n")
	if end < 0 {
		end = len(payload)
	}
	if end == 0 || end > maxCommandLen {
		return stategraph.NoTag
	}
	word := payload[:end]
	for _, c := range word {
		if c < 0x21 || c > 0x7e {
			return stategraph.NoTag
		}
	}
	return stategraph.Tag(bytes.ToUpper(word))
}

// TaggerByName resolves a configured tagger name.
func TaggerByName(name string) (Tagger, error) {
	switch name {
	case "", config.TaggerNone:
		return NoTagger, nil
	case config.TaggerText:
		return TextCommandTagger, nil
	default:
		return nil, fmt.Errorf("unknown tagger %q", name)
	}
}
