// Package save holds the versioned persisted form of a game and the codec
// that turns it into durable bytes.
package save

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Version of the save layout. Bump on any incompatible change to the V1
// structs below.
const Version = 1

type Header struct {
	Version int    `json:"version"`
	Slot    string `json:"slot"`
	Seq     uint64 `json:"seq"`
}

// SaveV1 is the complete persisted state of one game: the player, the set of
// cells whose spawn decision has been made, and every cache ever spawned with
// its current counters. Visited and Caches are written sorted by (i, j), so
// equal states produce byte-identical saves.
type SaveV1 struct {
	Header Header `json:"header"`

	Player  PlayerV1  `json:"player"`
	Visited [][2]int  `json:"visited"`
	Caches  []CacheV1 `json:"caches"`
}

type PlayerV1 struct {
	Lat   float64      `json:"lat"`
	Lng   float64      `json:"lng"`
	Path  [][2]float64 `json:"path"`
	Coins int          `json:"coins"`
}

type CacheV1 struct {
	I          int `json:"i"`
	J          int `json:"j"`
	PointValue int `json:"point_value"`
	Coins      int `json:"coins"`
}

// Encode serializes s as a zstd stream holding one JSON header line followed
// by the gob body.
func Encode(s *SaveV1) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}

	bw := bufio.NewWriterSize(enc, 64*1024)
	hb, _ := json.Marshal(s.Header)
	if _, err := bw.Write(hb); err != nil {
		return nil, err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return nil, err
	}
	if err := gob.NewEncoder(bw).Encode(s); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode is the inverse of Encode. Malformed input of any kind returns an
// error rather than panicking; callers fall back to a fresh game.
func Decode(blob []byte) (*SaveV1, error) {
	dec, err := zstd.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(bytes.TrimSpace(line), &h); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	if h.Version != Version {
		return nil, fmt.Errorf("unsupported save version %d", h.Version)
	}

	var s SaveV1
	if err := gob.NewDecoder(br).Decode(&s); err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	return &s, nil
}

// ReadHeader decodes just the header line, without the body. Used by
// tooling that lists saves.
func ReadHeader(blob []byte) (Header, error) {
	var h Header
	dec, err := zstd.NewReader(bytes.NewReader(blob))
	if err != nil {
		return h, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 4*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(bytes.TrimSpace(line), &h); err != nil {
		return h, fmt.Errorf("parse header: %w", err)
	}
	return h, nil
}
