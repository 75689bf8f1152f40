package keystore

import (
	"context"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/ugorji/go/codec"

	"github.com/darkhz/bluestream/api/bluetooth"
)

// File describes a key store that is persisted as JSON to a file.
// Every change is written through to disk before it is acknowledged.
type File struct {
	path string
	mem  *Memory

	handle codec.JsonHandle

	mu sync.Mutex
}

// fileRecord is the on-disk form of a key.
type fileRecord struct {
	Kind          string `json:"kind"`
	Adapter       string `json:"adapter"`
	Device        string `json:"device"`
	AddressType   uint8  `json:"address_type"`
	Type          uint8  `json:"type,omitempty"`
	PinLength     uint8  `json:"pin_length,omitempty"`
	Authenticated uint8  `json:"authenticated,omitempty"`
	Master        uint8  `json:"master,omitempty"`
	EncSize       uint8  `json:"enc_size,omitempty"`
	EDiv          uint16 `json:"ediv,omitempty"`
	Rand          uint64 `json:"rand,omitempty"`
	Value         string `json:"value"`
}

const (
	kindLinkKey = "link-key"
	kindLTK     = "long-term-key"
)

// OpenFile opens (or creates) the key store at path.
func OpenFile(path string) (*File, error) {
	f := &File{path: path, mem: NewMemory()}
	f.handle.Indent = 2

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return f, nil
		}

		return nil, wrapFileError(err, path, "keystore-read", "Cannot read the key store")
	}

	if len(data) == 0 {
		return f, nil
	}

	var records []fileRecord
	if err := codec.NewDecoderBytes(data, &f.handle).Decode(&records); err != nil {
		return nil, wrapFileError(err, path, "keystore-decode", "Cannot decode the key store")
	}

	for _, r := range records {
		if err := f.load(r); err != nil {
			return nil, wrapFileError(err, path, "keystore-decode", "Cannot decode the key store")
		}
	}

	return f, nil
}

// LinkKeys returns the link keys of all devices bonded with the adapter.
func (f *File) LinkKeys(adapter bluetooth.MacAddress) ([]LinkKey, error) {
	return f.mem.LinkKeys(adapter)
}

// StoreLinkKey adds or replaces a link key and persists the store.
func (f *File) StoreLinkKey(key LinkKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	_ = f.mem.StoreLinkKey(key)

	return f.flush()
}

// LongTermKeys returns the long term keys of all devices bonded with the adapter.
func (f *File) LongTermKeys(adapter bluetooth.MacAddress) ([]LongTermKey, error) {
	return f.mem.LongTermKeys(adapter)
}

// StoreLongTermKey adds or replaces a long term key and persists the store.
func (f *File) StoreLongTermKey(key LongTermKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	_ = f.mem.StoreLongTermKey(key)

	return f.flush()
}

// Remove removes every key of the device and persists the store.
func (f *File) Remove(adapter, device bluetooth.MacAddress) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.mem.Remove(adapter, device); err != nil {
		return err
	}

	return f.flush()
}

// flush writes the whole store to a temporary file and renames it into place.
func (f *File) flush() error {
	records := make([]fileRecord, 0, f.mem.linkKeys.Size()+f.mem.ltks.Size())

	f.mem.linkKeys.Range(func(_ keyID, k LinkKey) bool {
		records = append(records, fileRecord{
			Kind:        kindLinkKey,
			Adapter:     k.Adapter.String(),
			Device:      k.Device.MacAddress.String(),
			AddressType: uint8(k.Device.Type),
			Type:        k.Type,
			PinLength:   k.PinLength,
			Value:       hex.EncodeToString(k.Value[:]),
		})

		return true
	})

	f.mem.ltks.Range(func(_ keyID, k LongTermKey) bool {
		records = append(records, fileRecord{
			Kind:          kindLTK,
			Adapter:       k.Adapter.String(),
			Device:        k.Device.MacAddress.String(),
			AddressType:   uint8(k.Device.Type),
			Authenticated: k.Authenticated,
			Master:        k.Master,
			EncSize:       k.EncSize,
			EDiv:          k.EDiv,
			Rand:          k.Rand,
			Value:         hex.EncodeToString(k.Value[:]),
		})

		return true
	})

	var data []byte
	if err := codec.NewEncoderBytes(&data, &f.handle).Encode(records); err != nil {
		return wrapFileError(err, f.path, "keystore-encode", "Cannot encode the key store")
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return wrapFileError(err, f.path, "keystore-mkdir", "Cannot create the key store directory")
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return wrapFileError(err, f.path, "keystore-write", "Cannot write the key store")
	}

	if err := os.Rename(tmp, f.path); err != nil {
		return wrapFileError(err, f.path, "keystore-rename", "Cannot replace the key store")
	}

	return nil
}

// load adds one decoded record to the in-memory store.
func (f *File) load(r fileRecord) error {
	adapter, err := bluetooth.ParseMAC(r.Adapter)
	if err != nil {
		return err
	}

	device, err := bluetooth.ParseMAC(r.Device)
	if err != nil {
		return err
	}

	var value [16]byte
	raw, err := hex.DecodeString(r.Value)
	if err != nil {
		return err
	}
	if len(raw) != len(value) {
		return errors.New("key value must be 16 bytes")
	}
	copy(value[:], raw)

	addr := bluetooth.Address{MacAddress: device, Type: bluetooth.AddressType(r.AddressType)}

	switch r.Kind {
	case kindLinkKey:
		return f.mem.StoreLinkKey(LinkKey{
			Adapter:   adapter,
			Device:    addr,
			Type:      r.Type,
			Value:     value,
			PinLength: r.PinLength,
		})

	case kindLTK:
		return f.mem.StoreLongTermKey(LongTermKey{
			Adapter:       adapter,
			Device:        addr,
			Authenticated: r.Authenticated,
			Master:        r.Master,
			EncSize:       r.EncSize,
			EDiv:          r.EDiv,
			Rand:          r.Rand,
			Value:         value,
		})
	}

	return errors.New("unknown key kind " + r.Kind)
}

func wrapFileError(err error, path, at, message string) error {
	return fault.Wrap(err,
		fctx.With(context.Background(), "error_at", at, "path", path),
		ftag.With(ftag.Internal),
		fmsg.With(message),
	)
}
