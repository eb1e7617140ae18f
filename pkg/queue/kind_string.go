// Code generated by "stringer -type=Kind"; hand-authored here in the
// same style since this module's code is not run through go generate.

package queue

import "strconv"

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindNoSpace:
		return "NoSpace"
	case KindTooManyDomains:
		return "TooManyDomains"
	case KindLockFailure:
		return "LockFailure"
	case KindSharedMemoryError:
		return "SharedMemoryError"
	case KindDeviceError:
		return "DeviceError"
	case KindCountOverflow:
		return "CountOverflow"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}
