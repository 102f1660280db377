package audio

import "math"

// fullScale is the magnitude used to normalise int16 samples into [-1, 1].
const fullScale = 32768.0

// Level returns the RMS loudness of a little-endian int16 mono PCM frame,
// normalised to [0, 1]. An empty frame has level 0.
func Level(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(pcm[i*2])|int16(pcm[i*2+1])<<8) / fullScale
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// LevelInt16 is [Level] for already decoded samples.
func LevelInt16(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		s := float64(v) / fullScale
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}
