package bluetooth

import "github.com/google/uuid"

// AdapterData holds the information about a local controller known to the engine.
type AdapterData struct {
	// Name holds the local name of the adapter.
	Name string `json:"name,omitempty" codec:"Name,omitempty" doc:"The local name of the adapter."`

	// ShortName holds the abbreviated local name of the adapter.
	ShortName string `json:"short_name,omitempty" codec:"ShortName,omitempty" doc:"The abbreviated local name of the adapter."`

	// UniqueName holds a unique name for the adapter, for example "hci0".
	UniqueName string `json:"unique_name,omitempty" codec:"UniqueName,omitempty" doc:"A unique name for the adapter, for example 'hci0'."`

	// Version holds the Bluetooth core version implemented by the controller.
	Version uint8 `json:"version,omitempty" codec:"Version,omitempty" doc:"The Bluetooth core version implemented by the controller."`

	// Manufacturer holds the company identifier of the controller.
	Manufacturer uint16 `json:"manufacturer,omitempty" codec:"Manufacturer,omitempty" doc:"The company identifier of the controller."`

	// Class holds the class of device of the adapter.
	Class uint32 `json:"class,omitempty" codec:"Class,omitempty" doc:"The class of device of the adapter."`

	// UUIDs holds the service UUIDs registered on the adapter.
	UUIDs uuid.UUIDs `json:"uuids,omitempty" codec:"UUIDs,omitempty" doc:"The service UUIDs registered on the adapter."`

	AdapterEventData
}

// AdapterEventData holds the dynamic (variable) adapter information.
// This is primarily used to send adapter event related data.
type AdapterEventData struct {
	// Index holds the kernel-assigned adapter index.
	Index uint16 `json:"index" codec:"Index" doc:"The kernel-assigned adapter index."`

	// Address holds the Bluetooth MAC address of the adapter.
	Address MacAddress `json:"address,omitempty" codec:"Address,omitempty" doc:"The Bluetooth MAC address of the adapter."`

	// Powered indicates whether the adapter is powered on or off.
	Powered bool `json:"powered,omitempty" codec:"Powered,omitempty" doc:"Indicates whether the adapter is powered on or off."`

	// Discoverable indicates whether the adapter is discoverable by other devices.
	Discoverable bool `json:"discoverable,omitempty" codec:"Discoverable,omitempty" doc:"Indicates whether the adapter is discoverable by other devices."`

	// Connectable indicates whether the adapter accepts incoming connections.
	Connectable bool `json:"connectable,omitempty" codec:"Connectable,omitempty" doc:"Indicates whether the adapter accepts incoming connections."`

	// Pairable indicates whether the adapter is pairable with other devices.
	Pairable bool `json:"pairable,omitempty" codec:"Pairable,omitempty" doc:"Indicates whether the adapter is pairable with other devices."`

	// Discovering indicates whether the adapter is discovering devices.
	Discovering bool `json:"discovering,omitempty" codec:"Discovering,omitempty" doc:"Indicates whether the adapter is discovering devices."`
}
