// Package pcaptap implements the optional decapsulated-packet trace
// described in spec.md ยง4.8: each buffer passed to Tap.Write is appended to
// a pcap-ng capture file as one packet. In this relay the only caller is
// the inner stack's tappedConn, which passes the bytes read from a
// management session's inner TCP connection, so the trace holds that byte
// stream, not raw decrypted IPv4 datagrams (see DESIGN.md's PcapTap entry).
//
// The retrieval pack carries no pcap-ng writer for Go (the original
// service's pcap_file crate is Rust-only — see
// _examples/original_source/backend/src/udp_server/pcap_logger.rs); this
// package hand-rolls the minimal subset of the format needed for a
// single-interface, IPv4-linktype capture using encoding/binary, per
// DESIGN.md's justification for this one stdlib-only component.
package pcaptap

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gridlink/relay/internal/relay/metrics"
)

const (
	blockTypeSectionHeader = 0x0A0D0D0A
	blockTypeInterfaceDesc = 0x00000001
	blockTypeEnhancedPacket = 0x00000006

	byteOrderMagic = 0x1A2B3C4D

	linkTypeRaw = 101 // LINKTYPE_RAW: raw IPv4/IPv6, no link-layer header
)

// Tap writes decapsulated packets to a pcap-ng file. It is safe for
// concurrent use; Write never blocks the caller for longer than a
// try-lock — if the file's mutex is already held, the packet is dropped
// from the trace rather than stalling the data path (spec.md ยง4.8).
type Tap struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	busy   chan struct{}
}

// Open creates (truncating) the pcap-ng file at path and writes its
// Section Header Block and one Interface Description Block.
func Open(path string) (*Tap, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pcaptap: opening %s: %w", path, err)
	}

	t := &Tap{
		w:      bufio.NewWriter(f),
		closer: f,
		busy:   make(chan struct{}, 1),
	}
	t.busy <- struct{}{}

	if err := t.writeSectionHeader(); err != nil {
		f.Close()
		return nil, err
	}
	if err := t.writeInterfaceDescription(); err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

func (t *Tap) writeSectionHeader() error {
	body := make([]byte, 16)
	binary.LittleEndian.PutUint32(body[0:4], byteOrderMagic)
	binary.LittleEndian.PutUint16(body[4:6], 1) // major version
	binary.LittleEndian.PutUint16(body[6:8], 0) // minor version
	binary.LittleEndian.PutUint64(body[8:16], ^uint64(0)) // section length unspecified
	return t.writeBlock(blockTypeSectionHeader, body)
}

func (t *Tap) writeInterfaceDescription() error {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint16(body[0:2], linkTypeRaw)
	binary.LittleEndian.PutUint16(body[2:4], 0) // reserved
	binary.LittleEndian.PutUint32(body[4:8], 0) // snaplen: unlimited
	return t.writeBlock(blockTypeInterfaceDesc, body)
}

// writeBlock frames body as a generic pcap-ng block: type, total length,
// body, total length repeated (the pcap-ng trailer). Caller holds t.mu.
func (t *Tap) writeBlock(blockType uint32, body []byte) error {
	padded := pad32(body)
	total := 12 + len(padded)

	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], blockType)
	binary.LittleEndian.PutUint32(header[4:8], uint32(total))

	if _, err := t.w.Write(header); err != nil {
		return err
	}
	if _, err := t.w.Write(padded); err != nil {
		return err
	}
	trailer := make([]byte, 4)
	binary.LittleEndian.PutUint32(trailer, uint32(total))
	if _, err := t.w.Write(trailer); err != nil {
		return err
	}
	return t.w.Flush()
}

// Write appends one Enhanced Packet Block carrying data, timestamped now.
// If the Tap is already busy writing another packet, data is dropped and
// PcapPacketsDropped is incremented (spec.md ยง4.8: "slow disk must not
// stall the dispatcher").
func (t *Tap) Write(data []byte, now time.Time) {
	select {
	case <-t.busy:
	default:
		metrics.PcapPacketsDropped.Inc()
		return
	}
	defer func() { t.busy <- struct{}{} }()

	t.mu.Lock()
	defer t.mu.Unlock()

	micros := uint64(now.UnixMicro())
	body := make([]byte, 0, 20+len(data))
	head := make([]byte, 20)
	binary.LittleEndian.PutUint32(head[0:4], 0) // interface_id
	binary.LittleEndian.PutUint32(head[4:8], uint32(micros>>32))
	binary.LittleEndian.PutUint32(head[8:12], uint32(micros))
	binary.LittleEndian.PutUint32(head[12:16], uint32(len(data))) // captured_len
	binary.LittleEndian.PutUint32(head[16:20], uint32(len(data))) // original_len
	body = append(body, head...)
	body = append(body, data...)

	if err := t.writeBlock(blockTypeEnhancedPacket, body); err != nil {
		metrics.PcapPacketsDropped.Inc()
	}
}

// Close flushes and closes the underlying file.
func (t *Tap) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.w.Flush()
	return t.closer.Close()
}

func pad32(b []byte) []byte {
	rem := len(b) % 4
	if rem == 0 {
		return b
	}
	return append(b, make([]byte, 4-rem)...)
}
