package avdtp

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/darkhz/bluestream/api/errorkinds"
)

// maxSEID is the highest stream end point identifier.
const maxSEID = 0x3e

// SEPType is the role of a stream end point.
type SEPType uint8

// The stream end point roles.
const (
	SEPSource SEPType = 0x00
	SEPSink   SEPType = 0x01
)

func (t SEPType) String() string {
	if t == SEPSink {
		return "sink"
	}

	return "source"
}

// MediaType is the media type of a stream end point.
type MediaType uint8

// The media types.
const (
	MediaAudio      MediaType = 0x00
	MediaVideo      MediaType = 0x01
	MediaMultimedia MediaType = 0x02
)

func (m MediaType) String() string {
	switch m {
	case MediaAudio:
		return "audio"

	case MediaVideo:
		return "video"

	case MediaMultimedia:
		return "multimedia"
	}

	return fmt.Sprintf("media(0x%02x)", uint8(m))
}

// Service class UUIDs that are advertised for local end points.
var (
	AudioSourceUUID = uuid.MustParse("0000110a-0000-1000-8000-00805f9b34fb")
	AudioSinkUUID   = uuid.MustParse("0000110b-0000-1000-8000-00805f9b34fb")
	VideoSourceUUID = uuid.MustParse("00001303-0000-1000-8000-00805f9b34fb")
	VideoSinkUUID   = uuid.MustParse("00001304-0000-1000-8000-00805f9b34fb")
)

// SEPConfig describes a local stream end point to register.
type SEPConfig struct {
	Type           SEPType
	MediaType      MediaType
	CodecType      uint8
	DelayReporting bool

	// Capabilities lists what the end point supports. A media transport
	// record is added when missing, and a delay reporting record when
	// DelayReporting is set.
	Capabilities Capabilities
}

// LocalSEP is a registered local stream end point.
type LocalSEP struct {
	SEID           uint8
	Type           SEPType
	MediaType      MediaType
	CodecType      uint8
	DelayReporting bool
	Capabilities   Capabilities
	ServiceClass   uuid.UUID

	stream *Stream
}

// InUse reports whether a stream is bound to the end point.
func (l *LocalSEP) InUse() bool {
	return l.stream != nil
}

// Stream returns the stream bound to the end point, if any.
func (l *LocalSEP) Stream() *Stream {
	return l.stream
}

func newLocalSEP(seid uint8, cfg SEPConfig) (*LocalSEP, error) {
	caps := cfg.Capabilities.Clone()
	if !caps.Has(CategoryMediaTransport) {
		caps = append(Capabilities{{Category: CategoryMediaTransport}}, caps...)
	}
	if cfg.DelayReporting && !caps.Has(CategoryDelayReporting) {
		caps = append(caps, Capability{Category: CategoryDelayReporting})
	}

	if err := caps.Validate(); err != nil {
		return nil, fmt.Errorf("sep capabilities: %v: %w", err, errorkinds.ErrInvalidParameters)
	}

	codec, ok := caps.Get(CategoryMediaCodec)
	if !ok {
		return nil, fmt.Errorf("sep without media codec capability: %w", errorkinds.ErrInvalidParameters)
	}
	if codec.MediaType() != cfg.MediaType || codec.CodecType() != cfg.CodecType {
		return nil, fmt.Errorf("media codec capability does not match the sep: %w", errorkinds.ErrInvalidParameters)
	}

	return &LocalSEP{
		SEID:           seid,
		Type:           cfg.Type,
		MediaType:      cfg.MediaType,
		CodecType:      cfg.CodecType,
		DelayReporting: cfg.DelayReporting,
		Capabilities:   caps,
		ServiceClass:   serviceClass(cfg.Type, cfg.MediaType),
	}, nil
}

func serviceClass(t SEPType, media MediaType) uuid.UUID {
	switch {
	case media == MediaVideo && t == SEPSource:
		return VideoSourceUUID

	case media == MediaVideo:
		return VideoSinkUUID

	case t == SEPSource:
		return AudioSourceUUID
	}

	return AudioSinkUUID
}

// RemoteSEP describes a stream end point of a remote device, as discovered.
type RemoteSEP struct {
	SEID      uint8
	InUse     bool
	Type      SEPType
	MediaType MediaType

	// Capabilities holds the advertised capabilities, once retrieved.
	Capabilities Capabilities
}

// DelayReporting reports whether the remote end point advertised delay reporting.
func (r RemoteSEP) DelayReporting() bool {
	return r.Capabilities.Has(CategoryDelayReporting)
}

// discoverEntry encodes the discover response record of a local end point.
func (l *LocalSEP) discoverEntry() [2]byte {
	var inUse byte
	if l.InUse() {
		inUse = 1
	}

	return [2]byte{
		l.SEID<<2 | inUse<<1,
		byte(l.MediaType)<<4 | byte(l.Type)<<3,
	}
}

func decodeDiscover(payload []byte) ([]RemoteSEP, error) {
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("discover response of %d bytes: %w", len(payload), errorkinds.ErrInvalidPDU)
	}

	seps := make([]RemoteSEP, 0, len(payload)/2)
	for i := 0; i < len(payload); i += 2 {
		seps = append(seps, RemoteSEP{
			SEID:      payload[i] >> 2,
			InUse:     payload[i]&0x02 != 0,
			MediaType: MediaType(payload[i+1] >> 4),
			Type:      SEPType(payload[i+1]>>3) & 0x01,
		})
	}

	return seps, nil
}
