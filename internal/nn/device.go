package nn

// Device names the compute backend parameters live on.
type Device string

const DeviceCPU Device = "cpu"

// SelectDevice picks the device for one run and returns the line to announce
// it with. Only the CPU backend is compiled in; without force the caller is
// told that no accelerator was found.
func SelectDevice(forceCPU bool) (Device, string) {
	if forceCPU {
		return DeviceCPU, "Running on CPU"
	}
	return DeviceCPU, "No accelerator backend available, running on CPU"
}
