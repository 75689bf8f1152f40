package avdtp

import (
	"bytes"
	"fmt"
)

// Category is a service capability category.
type Category uint8

// The service categories.
const (
	CategoryMediaTransport    Category = 0x01
	CategoryReporting         Category = 0x02
	CategoryRecovery          Category = 0x03
	CategoryContentProtection Category = 0x04
	CategoryHeaderCompression Category = 0x05
	CategoryMultiplexing      Category = 0x06
	CategoryMediaCodec        Category = 0x07
	CategoryDelayReporting    Category = 0x08
)

var categoryNames = map[Category]string{
	CategoryMediaTransport:    "media_transport",
	CategoryReporting:         "reporting",
	CategoryRecovery:          "recovery",
	CategoryContentProtection: "content_protection",
	CategoryHeaderCompression: "header_compression",
	CategoryMultiplexing:      "multiplexing",
	CategoryMediaCodec:        "media_codec",
	CategoryDelayReporting:    "delay_reporting",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}

	return fmt.Sprintf("category(0x%02x)", uint8(c))
}

// Reconfigurable reports whether the category is an application service
// capability, which is the only kind a reconfigure may change.
func (c Category) Reconfigurable() bool {
	return c == CategoryMediaCodec || c == CategoryContentProtection
}

// Capability is one service capability record. Its data is opaque,
// except for the media type and codec type that lead a media codec record.
type Capability struct {
	Category Category
	Data     []byte
}

// MediaCodec returns a media codec capability.
func MediaCodec(media MediaType, codec uint8, info []byte) Capability {
	data := make([]byte, 0, 2+len(info))
	data = append(data, byte(media)<<4, codec)
	data = append(data, info...)

	return Capability{Category: CategoryMediaCodec, Data: data}
}

// MediaType returns the media type of a media codec capability.
func (c Capability) MediaType() MediaType {
	if c.Category != CategoryMediaCodec || len(c.Data) < 1 {
		return 0
	}

	return MediaType(c.Data[0] >> 4)
}

// CodecType returns the codec type of a media codec capability.
func (c Capability) CodecType() uint8 {
	if c.Category != CategoryMediaCodec || len(c.Data) < 2 {
		return 0
	}

	return c.Data[1]
}

// Capabilities is an ordered list of capability records.
type Capabilities []Capability

// DecodeCapabilities decodes a sequence of {category, length, data} records.
// A malformed record yields an *Error without the signal set.
func DecodeCapabilities(b []byte) (Capabilities, error) {
	var caps Capabilities

	for len(b) > 0 {
		if len(b) < 2 {
			return nil, rejectError(0, 0, ErrorBadPayloadFormat)
		}

		category, length := Category(b[0]), int(b[1])
		if len(b) < 2+length {
			return nil, rejectError(0, category, ErrorBadLength)
		}

		rec := Capability{Category: category}
		if length > 0 {
			rec.Data = bytes.Clone(b[2 : 2+length])
		}

		caps = append(caps, rec)

		b = b[2+length:]
	}

	return caps, nil
}

// Encode encodes the records in order.
func (c Capabilities) Encode() []byte {
	size := 0
	for _, rec := range c {
		size += 2 + len(rec.Data)
	}

	b := make([]byte, 0, size)
	for _, rec := range c {
		b = append(b, byte(rec.Category), byte(len(rec.Data)))
		b = append(b, rec.Data...)
	}

	return b
}

// Get returns the first record of the category.
func (c Capabilities) Get(category Category) (Capability, bool) {
	for _, rec := range c {
		if rec.Category == category {
			return rec, true
		}
	}

	return Capability{}, false
}

// Has reports whether a record of the category is present.
func (c Capabilities) Has(category Category) bool {
	_, ok := c.Get(category)

	return ok
}

// Clone returns a deep copy.
func (c Capabilities) Clone() Capabilities {
	if c == nil {
		return nil
	}

	clone := make(Capabilities, len(c))
	for i, rec := range c {
		clone[i] = Capability{Category: rec.Category, Data: bytes.Clone(rec.Data)}
	}

	return clone
}

// Merge returns a copy of c where every category in update replaces the
// records of c of the same category, keeping the original order. Categories
// only present in update are appended.
func (c Capabilities) Merge(update Capabilities) Capabilities {
	merged := make(Capabilities, 0, len(c)+len(update))
	replaced := make(map[Category]bool, len(update))

	for _, rec := range c {
		if !update.Has(rec.Category) {
			merged = append(merged, Capability{rec.Category, bytes.Clone(rec.Data)})
			continue
		}

		if replaced[rec.Category] {
			continue
		}

		replaced[rec.Category] = true
		for _, u := range update {
			if u.Category == rec.Category {
				merged = append(merged, Capability{u.Category, bytes.Clone(u.Data)})
			}
		}
	}

	for _, u := range update {
		if !c.Has(u.Category) {
			merged = append(merged, Capability{u.Category, bytes.Clone(u.Data)})
		}
	}

	return merged
}

// Validate checks the structure of every record: known categories, no
// duplicate categories except multiplexing, encodable lengths and the
// per-category formats.
func (c Capabilities) Validate() error {
	seen := make(map[Category]bool, len(c))

	for _, rec := range c {
		if rec.Category < CategoryMediaTransport || rec.Category > CategoryDelayReporting {
			return rejectError(0, rec.Category, ErrorBadServCategory)
		}

		if seen[rec.Category] && rec.Category != CategoryMultiplexing {
			return rejectError(0, rec.Category, ErrorBadServCategory)
		}
		seen[rec.Category] = true

		// The length field of a record is one octet.
		if len(rec.Data) > 0xff {
			return rejectError(0, rec.Category, ErrorBadLength)
		}

		if code, ok := checkFormat(rec); !ok {
			return rejectError(0, rec.Category, code)
		}
	}

	return nil
}

func checkFormat(rec Capability) (ErrorCode, bool) {
	n := len(rec.Data)

	switch rec.Category {
	case CategoryMediaTransport, CategoryReporting:
		return ErrorBadMediaTransportFormat, n == 0

	case CategoryDelayReporting:
		return ErrorBadPayloadFormat, n == 0

	case CategoryRecovery:
		if n != 3 {
			return ErrorBadRecoveryFormat, false
		}

		// Only RFC2733 recovery is defined.
		return ErrorBadRecoveryType, rec.Data[0] == 0x01

	case CategoryHeaderCompression:
		return ErrorBadROHCFormat, n == 1

	case CategoryContentProtection:
		return ErrorBadCPFormat, n >= 2

	case CategoryMultiplexing:
		return ErrorBadMultiplexingFormat, n >= 1

	case CategoryMediaCodec:
		return ErrorBadPayloadFormat, n >= 2
	}

	return ErrorBadServCategory, false
}

// unsupportedBy returns the first category of c that is absent from supported.
func (c Capabilities) unsupportedBy(supported Capabilities) (Category, bool) {
	for _, rec := range c {
		if !supported.Has(rec.Category) {
			return rec.Category, true
		}
	}

	return 0, false
}
