package audio

import (
	"fmt"
	"math"

	resampling "github.com/tphakala/go-audio-resampling"
)

// resampleTailSeconds is the amount of silence appended before resampling so
// the filter's group delay is flushed out with the real signal.
const resampleTailSeconds = 0.05

// Resample converts mono samples from srcRate to dstRate using a
// high-quality polyphase filter. The output has round(len*dst/src) samples.
// Equal rates return a copy of the input.
func Resample(samples []float32, srcRate, dstRate int) ([]float32, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("audio: invalid resample rates %d -> %d", srcRate, dstRate)
	}
	if srcRate == dstRate || len(samples) == 0 {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out, nil
	}

	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(srcRate),
		OutputRate: float64(dstRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("audio: create resampler: %w", err)
	}

	tail := int(math.Ceil(float64(srcRate) * resampleTailSeconds))
	input := make([]float64, len(samples)+tail)
	for i, s := range samples {
		input[i] = float64(s)
	}
	output, err := rs.Process(input)
	if err != nil {
		return nil, fmt.Errorf("audio: resample %d -> %d: %w", srcRate, dstRate, err)
	}

	want := int(math.Round(float64(len(samples)) * float64(dstRate) / float64(srcRate)))
	if len(output) > want {
		output = output[:want]
	}
	out := make([]float32, len(output))
	for i, s := range output {
		out[i] = float32(s)
	}
	return out, nil
}
