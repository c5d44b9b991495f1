// Package codec converts between PCM16 wire bytes, normalized float samples
// and the base64 envelope used by realtime transports.
package codec

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const scale = 32768.0

// Blob is the transport-safe representation of one PCM16 frame.
type Blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

var ErrNotPCM = errors.New("blob is not pcm audio")

// Encode packs samples as signed 16-bit little-endian PCM. Values outside
// [-1, 1] clamp and NaN encodes as silence.
func Encode(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(toInt16(s)))
	}
	return out
}

// Decode unpacks PCM16 little-endian bytes into samples in [-1, 1). A
// trailing odd byte is ignored.
func Decode(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(float64(v) / scale)
	}
	return out
}

func toInt16(s float32) int16 {
	f := float64(s)
	if math.IsNaN(f) {
		return 0
	}
	v := math.Round(f * scale)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// MimeType returns the mime type advertised for PCM16 at the given rate.
func MimeType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

// Wrap base64-encodes pcm into a Blob.
func Wrap(pcm []byte, sampleRate int) Blob {
	return Blob{
		MimeType: MimeType(sampleRate),
		Data:     base64.StdEncoding.EncodeToString(pcm),
	}
}

// Unwrap returns the raw PCM bytes carried by b.
func Unwrap(b Blob) ([]byte, error) {
	if b.MimeType != "" && !strings.HasPrefix(b.MimeType, "audio/pcm") {
		return nil, fmt.Errorf("%w: %s", ErrNotPCM, b.MimeType)
	}
	pcm, err := base64.StdEncoding.DecodeString(b.Data)
	if err != nil {
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	return pcm, nil
}

// Duration is the playback length of n mono samples at sampleRate.
func Duration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}
