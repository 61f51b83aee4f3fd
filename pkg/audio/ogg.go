package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"layeh.com/gopus"
)

// Opus always decodes at 48 kHz; the OpusHead input rate is informational.
const (
	opusSampleRate = 48000
	// opusMaxFrameSize is the number of samples per channel in the longest
	// legal Opus packet (120 ms).
	opusMaxFrameSize = opusSampleRate * 120 / 1000
)

// ErrInvalidOgg is returned when data is not a decodable Ogg Opus stream.
var ErrInvalidOgg = errors.New("audio: invalid ogg opus")

// oggPageHeaderLen is the fixed part of an Ogg page header.
const oggPageHeaderLen = 27

// DecodeOggOpus demuxes the first logical bitstream of an Ogg container and
// decodes its Opus packets. Only channel mapping family 0 (mono or stereo)
// is supported, which covers browser MediaRecorder output.
func DecodeOggOpus(data []byte) (Clip, error) {
	packets, err := oggPackets(data)
	if err != nil {
		return Clip{}, err
	}
	if len(packets) < 2 {
		return Clip{}, fmt.Errorf("%w: missing opus headers", ErrInvalidOgg)
	}

	head := packets[0]
	if len(head) < 19 || !bytes.HasPrefix(head, []byte("OpusHead")) {
		return Clip{}, fmt.Errorf("%w: first packet is not OpusHead", ErrInvalidOgg)
	}
	channels := int(head[9])
	preSkip := int(binary.LittleEndian.Uint16(head[10:12]))
	if family := head[18]; family != 0 || channels < 1 || channels > 2 {
		return Clip{}, fmt.Errorf("%w: unsupported channel layout (family %d, %d channels)",
			ErrInvalidOgg, family, channels)
	}
	if !bytes.HasPrefix(packets[1], []byte("OpusTags")) {
		return Clip{}, fmt.Errorf("%w: second packet is not OpusTags", ErrInvalidOgg)
	}

	dec, err := gopus.NewDecoder(opusSampleRate, channels)
	if err != nil {
		return Clip{}, fmt.Errorf("audio: create opus decoder: %w", err)
	}

	var pcm []int16
	for i, pkt := range packets[2:] {
		if len(pkt) == 0 {
			continue
		}
		frame, err := dec.Decode(pkt, opusMaxFrameSize, false)
		if err != nil {
			return Clip{}, fmt.Errorf("audio: opus decode packet %d: %w", i, err)
		}
		pcm = append(pcm, frame...)
	}

	skip := preSkip * channels
	if skip > len(pcm) {
		skip = len(pcm)
	}
	return Clip{
		Samples:    Int16ToFloat32(pcm[skip:]),
		SampleRate: opusSampleRate,
		Channels:   channels,
	}, nil
}

// oggPackets reassembles the packets of the first logical bitstream.
// Packets spanning several pages are joined via the lacing values.
func oggPackets(data []byte) ([][]byte, error) {
	var (
		packets [][]byte
		partial []byte
		serial  uint32
		first   = true
	)
	pos := 0
	for pos < len(data) {
		if len(data)-pos < oggPageHeaderLen || string(data[pos:pos+4]) != "OggS" {
			return nil, fmt.Errorf("%w: bad page capture at offset %d", ErrInvalidOgg, pos)
		}
		hdr := data[pos : pos+oggPageHeaderLen]
		if hdr[4] != 0 {
			return nil, fmt.Errorf("%w: unsupported stream version %d", ErrInvalidOgg, hdr[4])
		}
		pageSerial := binary.LittleEndian.Uint32(hdr[14:18])
		nsegs := int(hdr[26])
		segStart := pos + oggPageHeaderLen
		if segStart+nsegs > len(data) {
			return nil, fmt.Errorf("%w: truncated segment table", ErrInvalidOgg)
		}
		lacing := data[segStart : segStart+nsegs]
		bodyLen := 0
		for _, l := range lacing {
			bodyLen += int(l)
		}
		bodyStart := segStart + nsegs
		if bodyStart+bodyLen > len(data) {
			return nil, fmt.Errorf("%w: truncated page body", ErrInvalidOgg)
		}

		if first {
			serial = pageSerial
			first = false
		}
		if pageSerial == serial {
			body := data[bodyStart : bodyStart+bodyLen]
			off := 0
			for _, l := range lacing {
				partial = append(partial, body[off:off+int(l)]...)
				off += int(l)
				if l < 255 {
					packets = append(packets, partial)
					partial = nil
				}
			}
		}
		pos = bodyStart + bodyLen
	}
	return packets, nil
}
