package decoding

// Fallback reasons.
const (
	ReasonFirstTokenLogProb = "firstTokenLogProbThreshold"
	ReasonSilence           = "silence"
	ReasonCompressionRatio  = "compressionRatioThreshold"
	ReasonLogProb           = "logProbThreshold"
)

// Fallback is the quality verdict of a finished window. A window without a
// verdict decoded cleanly.
type Fallback struct {
	Reason        string `json:"reason"`
	NeedsFallback bool   `json:"needs_fallback"`
}

// EvaluateFallback applies the thresholds in fixed precedence. A silent window
// gets a verdict that does not ask for a retry; silence needs both the
// no-speech and the log-probability threshold to be set and crossed.
func EvaluateFallback(opts Options, firstTokenLogProbTooLow bool, noSpeechProb, compressionRatio, avgLogProb float64) *Fallback {
	if opts.FirstTokenLogProbThreshold != nil && firstTokenLogProbTooLow {
		return &Fallback{Reason: ReasonFirstTokenLogProb, NeedsFallback: true}
	}
	if opts.NoSpeechThreshold != nil && noSpeechProb > *opts.NoSpeechThreshold &&
		opts.LogProbThreshold != nil && avgLogProb < *opts.LogProbThreshold {
		return &Fallback{Reason: ReasonSilence, NeedsFallback: false}
	}
	if opts.CompressionRatioThreshold != nil && compressionRatio > *opts.CompressionRatioThreshold {
		return &Fallback{Reason: ReasonCompressionRatio, NeedsFallback: true}
	}
	if opts.LogProbThreshold != nil && avgLogProb < *opts.LogProbThreshold {
		return &Fallback{Reason: ReasonLogProb, NeedsFallback: true}
	}
	return nil
}
