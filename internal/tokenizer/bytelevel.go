package tokenizer

// byteDecoder inverts the GPT-2 byte-to-unicode table: printable bytes map to
// themselves and the rest are shifted to code points from 256 upward.
func byteDecoder() map[rune]byte {
	decoder := make(map[rune]byte, 256)
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	next := 0
	for b := 0; b < 256; b++ {
		if printable(b) {
			decoder[rune(b)] = byte(b)
			continue
		}
		decoder[rune(256+next)] = byte(b)
		next++
	}
	return decoder
}

func decodeByteLevel(piece string, decoder map[rune]byte) (string, bool) {
	out := make([]byte, 0, len(piece))
	for _, r := range piece {
		b, ok := decoder[r]
		if !ok {
			return "", false
		}
		out = append(out, b)
	}
	return string(out), true
}
