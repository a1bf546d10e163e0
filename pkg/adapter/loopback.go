package adapter

import "io"

// LoopbackDevice is an in-memory Device backed by a pipe, standing in for a
// real tun device when there is no network namespace to bind one. It
// exercises the adapter's read/write plumbing end to end; it is not a TCP
// peer simulator; a blob this stack writes comes back as-is on Read, so it
// only round-trips cleanly when local and remote addresses match (e.g. a
// loopback client talking to itself).
type LoopbackDevice struct {
	name string
	r    *io.PipeReader
	w    *io.PipeWriter
}

// NewLoopbackDevice returns a Device whose Write feeds its own Read — a
// single blob written comes back out exactly as written.
func NewLoopbackDevice(name string) *LoopbackDevice {
	r, w := io.Pipe()
	return &LoopbackDevice{name: name, r: r, w: w}
}

func (d *LoopbackDevice) Read(buf []byte, offset int) (int, error) {
	return d.r.Read(buf[offset:])
}

func (d *LoopbackDevice) Write(buf []byte, offset int) (int, error) {
	n, err := d.w.Write(buf[offset:])
	return n, err
}

func (d *LoopbackDevice) Name() (string, error) {
	return d.name, nil
}

func (d *LoopbackDevice) Close() error {
	_ = d.r.Close()
	return d.w.Close()
}
