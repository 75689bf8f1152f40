package bluetooth

// DeviceEventData holds the dynamic (variable) remote device information.
// This is primarily used to send device event related data.
type DeviceEventData struct {
	// Address holds the Bluetooth MAC address of the device.
	Address MacAddress `json:"address,omitempty" codec:"Address,omitempty" doc:"The Bluetooth MAC address of the device."`

	// AddressType holds the type of the device address.
	AddressType AddressType `json:"address_type,omitempty" codec:"AddressType,omitempty" doc:"The type of the device address."`

	// AssociatedAdapter holds the Bluetooth MAC address of the adapter
	// the device is associated with.
	AssociatedAdapter MacAddress `json:"associated_adapter,omitempty" codec:"AssociatedAdapter,omitempty" doc:"The Bluetooth MAC address of the adapter the device is associated with."`

	// Connected indicates if the device is connected.
	Connected bool `json:"connected,omitempty" codec:"Connected,omitempty" doc:"Indicates if the device is connected."`

	// Bonded indicates if the device is bonded.
	Bonded bool `json:"bonded,omitempty" codec:"Bonded,omitempty" doc:"Indicates if the device is bonded."`

	// Blocked indicates if the device is marked as blocked.
	Blocked bool `json:"blocked,omitempty" codec:"Blocked,omitempty" doc:"Indicates if the device is marked as blocked."`

	// RSSI indicates the signal strength of the device.
	RSSI int8 `json:"rssi,omitempty" codec:"RSSI,omitempty" doc:"Indicates the signal strength of the device."`

	// Class holds the device type class specifier, if known.
	Class uint32 `json:"class,omitempty" codec:"Class,omitempty" doc:"The device type class specifier."`

	// Status holds the management status code that caused this event, if any.
	Status uint8 `json:"status,omitempty" codec:"Status,omitempty" doc:"The management status code that caused this event."`
}

// DeviceTypeFromClass parses the major device class and returns its type.
func DeviceTypeFromClass(class uint32) string {
	switch (class & 0x1f00) >> 8 {
	case 0x01:
		return "Computer"

	case 0x02:
		return "Phone"

	case 0x03:
		return "Network"

	case 0x04:
		switch (class & 0xfc) >> 2 {
		case 0x01, 0x02:
			return "Headset"

		case 0x05:
			return "Speakers"

		case 0x06:
			return "Headphones"

		case 0x0b, 0x0c, 0x0d:
			return "Video"
		}

		return "Audio device"

	case 0x05:
		return "Peripheral"

	case 0x06:
		return "Imaging"

	case 0x07:
		return "Wearable"

	case 0x08:
		return "Toy"
	}

	return "Unknown"
}
