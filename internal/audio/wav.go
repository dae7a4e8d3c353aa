package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// wavHeader is the canonical 44-byte header of a PCM WAV file.
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // file size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // number of bytes in the data
}

const wavHeaderSize = 44

// EncodeWAVHeader returns the 44-byte header for dataSize bytes of mono
// 16-bit PCM in format f.
func EncodeWAVHeader(f Format, dataSize int) []byte {
	h := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + dataSize),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   1,
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.BytesPerSecond()),
		BlockAlign:    2,
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(dataSize),
	}
	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize))
	_ = binary.Write(buf, binary.LittleEndian, h)
	return buf.Bytes()
}

// DecodeWAV extracts mono 16-bit PCM samples and their format from a WAV
// file. Chunks other than "fmt " and "data" are skipped.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, Format{}, fmt.Errorf("invalid WAV file: missing RIFF/WAVE header")
	}

	var (
		f       Format
		haveFmt bool
	)
	rest := data[12:]
	for len(rest) >= 8 {
		id := string(rest[0:4])
		size := int(binary.LittleEndian.Uint32(rest[4:8]))
		body := rest[8:]
		if size > len(body) {
			size = len(body)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, Format{}, fmt.Errorf("invalid WAV file: fmt chunk too short")
			}
			audioFormat := binary.LittleEndian.Uint16(body[0:2])
			channels := binary.LittleEndian.Uint16(body[2:4])
			rate := binary.LittleEndian.Uint32(body[4:8])
			bits := binary.LittleEndian.Uint16(body[14:16])
			if audioFormat != 1 {
				return nil, Format{}, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", audioFormat)
			}
			if bits != 16 {
				return nil, Format{}, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", bits)
			}
			if channels != 1 {
				return nil, Format{}, fmt.Errorf("unsupported channel count: %d (only mono is supported)", channels)
			}
			f = Format{SampleRate: int(rate)}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, Format{}, fmt.Errorf("invalid WAV file: data chunk before fmt chunk")
			}
			return body[:size&^1], f, nil
		}

		// chunks are padded to an even size
		skip := 8 + size + size&1
		if skip > len(rest) {
			break
		}
		rest = rest[skip:]
	}
	return nil, Format{}, fmt.Errorf("invalid WAV file: missing data chunk")
}

// LoadWAV reads and decodes a WAV file from disk.
func LoadWAV(path string) ([]byte, Format, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Format{}, fmt.Errorf("failed to read WAV file %s: %w", path, err)
	}
	pcm, f, err := DecodeWAV(data)
	if err != nil {
		return nil, Format{}, fmt.Errorf("%s: %w", path, err)
	}
	return pcm, f, nil
}

// WAVSink records everything played into a WAV file. Playback is paced like
// a real device; the header is patched with the final size on Close.
type WAVSink struct {
	format Format
	pace   pacer

	mu   sync.Mutex
	w    io.WriteSeeker
	c    io.Closer
	size int
}

// CreateWAVSink creates (or truncates) path and writes a placeholder header.
func CreateWAVSink(path string, f Format) (*WAVSink, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAV file %s: %w", path, err)
	}
	if _, err := file.Write(EncodeWAVHeader(f, 0)); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	return &WAVSink{format: f, pace: pacer{format: f}, w: file, c: file}, nil
}

func (s *WAVSink) Start() error { s.pace.reset(); return nil }
func (s *WAVSink) Stop() error  { return nil }

func (s *WAVSink) Write(p []byte) (int, error) {
	s.pace.wait(len(p))
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.w.Write(p)
	s.size += n
	return n, err
}

// Close finalizes the header and closes the file.
func (s *WAVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Seek(0, io.SeekStart); err != nil {
		s.c.Close()
		return err
	}
	if _, err := s.w.Write(EncodeWAVHeader(s.format, s.size)); err != nil {
		s.c.Close()
		return err
	}
	return s.c.Close()
}
