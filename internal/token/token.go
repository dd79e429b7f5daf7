// Package token provides a deterministic local tokenizer used for prompt
// budgeting and embedding chunk offsets. It approximates model tokenization
// without shipping a BPE vocabulary: tokens are maximal runs of letters or
// digits, individual CJK runes, or single other runes, with leading
// whitespace attached to the following token so Decode(Encode(s)) == s.
package token

import "unicode"

// Encode splits text into tokens. The concatenation of the returned
// tokens is exactly the input text.
func Encode(text string) []string {
	if text == "" {
		return nil
	}

	runes := []rune(text)
	tokens := make([]string, 0, len(runes)/4+1)

	i := 0
	for i < len(runes) {
		start := i
		for i < len(runes) && unicode.IsSpace(runes[i]) {
			i++
		}
		if i == len(runes) {
			// trailing whitespace joins the previous token
			if len(tokens) > 0 {
				tokens[len(tokens)-1] += string(runes[start:])
			} else {
				tokens = append(tokens, string(runes[start:]))
			}
			break
		}

		r := runes[i]
		switch {
		case isCJK(r):
			i++
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i])) && !isCJK(runes[i]) {
				i++
			}
		default:
			i++
		}
		tokens = append(tokens, string(runes[start:i]))
	}

	return tokens
}

// Decode reassembles tokens produced by Encode.
func Decode(tokens []string) string {
	total := 0
	for _, t := range tokens {
		total += len(t)
	}
	buf := make([]byte, 0, total)
	for _, t := range tokens {
		buf = append(buf, t...)
	}
	return string(buf)
}

// Count returns the token count of text.
func Count(text string) int {
	return len(Encode(text))
}

// CountMessage counts a single chat message including a small per-message
// role/formatting overhead.
func CountMessage(content string) int {
	return Count(content) + 4
}

func isCJK(r rune) bool {
	return r >= 0x4E00 && r <= 0x9FFF
}
