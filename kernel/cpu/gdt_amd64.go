package cpu

// Segment selectors into the GDT the boot assembly installs before handing
// off to Kmain. The two user selectors carry RPL=3 in their low two bits so
// loading them (directly, or implicitly via iretq) drops the CPU to ring 3.
const (
	KernelCodeSelector = 0x08
	KernelDataSelector = 0x10
	UserCodeSelector   = 0x18 | 3
	UserDataSelector   = 0x20 | 3
)
