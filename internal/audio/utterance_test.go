package audio

import (
	"bytes"
	"testing"
)

func TestUtteranceAppendOrder(t *testing.T) {
	u := NewUtterance("s1", "")
	if u.ID() == "" {
		t.Fatalf("utterance ID should not be empty")
	}
	u.Append([]byte("aaa"))
	u.Append([]byte("bb"))
	u.Append([]byte("cccc"))

	if u.ChunkCount() != 3 {
		t.Fatalf("ChunkCount() = %d, want 3", u.ChunkCount())
	}
	if u.Size() != 9 {
		t.Fatalf("Size() = %d, want 9", u.Size())
	}
	if got := u.Bytes(); !bytes.Equal(got, []byte("aaabbcccc")) {
		t.Fatalf("Bytes() = %q, want %q", got, "aaabbcccc")
	}
}

func TestUtteranceIgnoresAppendAfterComplete(t *testing.T) {
	u := NewUtterance("s1", "u1")
	u.Append([]byte("before"))
	u.MarkComplete()
	u.Append([]byte("after"))

	if !u.Complete() {
		t.Fatalf("Complete() = false after MarkComplete()")
	}
	if got := u.Bytes(); !bytes.Equal(got, []byte("before")) {
		t.Fatalf("Bytes() = %q, want %q", got, "before")
	}
}

func TestUtteranceCopiesChunks(t *testing.T) {
	u := NewUtterance("s1", "u1")
	chunk := []byte("mutate-me")
	u.Append(chunk)
	chunk[0] = 'X'

	if got := u.Bytes(); got[0] != 'm' {
		t.Fatalf("utterance shares caller memory: %q", got)
	}
}

func TestPCM16RoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 1234}
	data := PCM16LEFromSamples(samples)
	got := SamplesFromPCM16LE(data)
	if len(got) != len(samples) {
		t.Fatalf("round trip length = %d, want %d", len(got), len(samples))
	}
	for i := range got {
		if got[i] != samples[i] {
			t.Fatalf("sample %d = %d, want %d", i, got[i], samples[i])
		}
	}
}

func TestEncodeWAVHeader(t *testing.T) {
	pcm := PCM16LEFromSamples(make([]int16, 160))
	wav, err := EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	if len(wav) != 44+len(pcm) {
		t.Fatalf("wav length = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF/WAVE markers: %q %q", wav[0:4], wav[8:12])
	}
}
