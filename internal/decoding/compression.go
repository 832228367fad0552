package decoding

import (
	"bytes"

	"github.com/klauspost/compress/zlib"
)

// CompressionRatio returns len(text) / len(zlib(text)). Highly repetitive
// output compresses well and scores high.
func CompressionRatio(text string) float64 {
	if text == "" {
		return 0
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write([]byte(text)); err != nil {
		return 0
	}
	if err := w.Close(); err != nil {
		return 0
	}
	if buf.Len() == 0 {
		return 0
	}
	return float64(len(text)) / float64(buf.Len())
}
