package audio

import "encoding/binary"

// SamplesFromPCM16LE reinterprets raw little-endian PCM16 bytes as samples.
// A trailing odd byte is ignored.
func SamplesFromPCM16LE(data []byte) []int16 {
	n := len(data) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

// PCM16LEFromSamples serializes samples back to little-endian bytes.
func PCM16LEFromSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
