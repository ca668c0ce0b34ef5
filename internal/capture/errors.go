package capture

import "fmt"

// DeviceAccessError means the capture device could not be opened: missing,
// busy, or denied.
type DeviceAccessError struct {
	Device string
	Err    error
}

func (e *DeviceAccessError) Error() string {
	return fmt.Sprintf("capture device %s unavailable: %v", e.Device, e.Err)
}

func (e *DeviceAccessError) Unwrap() error {
	return e.Err
}
