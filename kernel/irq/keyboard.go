package irq

import "github.com/ferrodyne-os/nucleus/kernel/cpu"

// portKeyboardData is the PS/2 controller's output buffer; reading it both
// retrieves the pending scancode and acknowledges the controller.
const portKeyboardData = 0x60

// scancodeQueueCapacity bounds how many unread scancodes the interrupt
// handler will buffer before it starts dropping them. There is exactly one
// producer (keyboardHandler, running with interrupts disabled) and one
// consumer (Pop, called from whatever polls it), so the ring needs no lock.
const scancodeQueueCapacity = 128

var scancodeQueue struct {
	buf        [scancodeQueueCapacity]byte
	head, tail uint32
}

// inbFn lets tests substitute a fake PS/2 data port instead of real port I/O.
var inbFn = cpu.Inb

// keyboardHandler is installed as the keyboard IRQ handler. It must not
// block or allocate: it only drains the one pending scancode and pushes it
// onto the bounded queue Pop drains.
func keyboardHandler(frame *Frame, regs *Regs) {
	pushScancode(inbFn(portKeyboardData))
}

// pushScancode enqueues a scancode, dropping it silently if the queue is
// full; a slow or absent consumer must not stall the interrupt handler.
func pushScancode(b byte) {
	next := (scancodeQueue.tail + 1) % scancodeQueueCapacity
	if next == scancodeQueue.head {
		return
	}
	scancodeQueue.buf[scancodeQueue.tail] = b
	scancodeQueue.tail = next
}

// Pop removes and returns the oldest unread scancode. ok is false if the
// queue is empty.
func Pop() (b byte, ok bool) {
	if scancodeQueue.head == scancodeQueue.tail {
		return 0, false
	}
	b = scancodeQueue.buf[scancodeQueue.head]
	scancodeQueue.head = (scancodeQueue.head + 1) % scancodeQueueCapacity
	return b, true
}
