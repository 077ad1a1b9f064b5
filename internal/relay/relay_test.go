package relay

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mdtunnel/udptunnel/internal/frame"
	"github.com/mdtunnel/udptunnel/internal/socket"
)

// streamPair returns a connected stream: one end wrapped for the relay,
// the other as a plain file for the test to drive.
func streamPair(t *testing.T) (*socket.Conn, *os.File) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	far := os.NewFile(uintptr(fds[1]), "far")
	t.Cleanup(func() { far.Close() })
	return socket.FromFD(fds[0]), far
}

// udpEndpoints returns the relay's bound datagram socket and an external
// UDP peer talking to it.
func udpEndpoints(t *testing.T) (*socket.Conn, *net.UDPConn, *net.UDPAddr) {
	t.Helper()
	dgram, err := socket.ListenDatagram("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenDatagram: %v", err)
	}
	t.Cleanup(func() { dgram.Close() })
	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { peer.Close() })
	relayAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: dgram.LocalPort()}
	return dgram, peer, relayAddr
}

func startRelay(t *testing.T, cfg Config) <-chan error {
	t.Helper()
	r := New(cfg)
	done := make(chan error, 1)
	go func() { done <- r.Run() }()
	return done
}

func waitRelay(t *testing.T, done <-chan error, want error) {
	t.Helper()
	select {
	case err := <-done:
		if want == nil && err != nil {
			t.Fatalf("relay: %v", err)
		}
		if want != nil && !errors.Is(err, want) {
			t.Fatalf("relay ended with %v, want %v", err, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not terminate")
	}
}

func readFrame(t *testing.T, r io.Reader) []byte {
	t.Helper()
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		t.Fatalf("read frame header: %v", err)
	}
	p := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(r, p); err != nil {
		t.Fatalf("read frame payload: %v", err)
	}
	return p
}

func writeFrame(t *testing.T, w io.Writer, p []byte) {
	t.Helper()
	wire, err := frame.Append(nil, p)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := w.Write(wire); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestClientRelayRoundTrip(t *testing.T) {
	stream, far := streamPair(t)
	dgram, peer, relayAddr := udpEndpoints(t)
	done := startRelay(t, Config{Stream: stream, Datagram: dgram, Token: frame.DefaultToken})

	// Datagram in, frame out.
	if _, err := peer.WriteToUDP([]byte("ping"), relayAddr); err != nil {
		t.Fatalf("send datagram: %v", err)
	}
	if got := readFrame(t, far); string(got) != "ping" {
		t.Fatalf("frame %q, want ping", got)
	}

	// Frame in, datagram back to the last sender.
	writeFrame(t, far, []byte("pong"))
	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 64)
	n, _, err := peer.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("receive datagram: %v", err)
	}
	if string(buf[:n]) != "pong" {
		t.Fatalf("datagram %q, want pong", buf[:n])
	}

	far.Close()
	waitRelay(t, done, ErrStreamClosed)
}

func TestFIFOWithinDirection(t *testing.T) {
	stream, far := streamPair(t)
	dgram, peer, relayAddr := udpEndpoints(t)
	done := startRelay(t, Config{Stream: stream, Datagram: dgram, Token: frame.DefaultToken})

	const count = 20
	for i := 0; i < count; i++ {
		if _, err := peer.WriteToUDP([]byte{byte(i)}, relayAddr); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for i := 0; i < count; i++ {
		got := readFrame(t, far)
		if len(got) != 1 || got[0] != byte(i) {
			t.Fatalf("frame %d out of order: % X", i, got)
		}
	}
	far.Close()
	waitRelay(t, done, ErrStreamClosed)
}

func TestServerSeededPeerAndHandshake(t *testing.T) {
	stream, far := streamPair(t)
	dgram, peer, _ := udpEndpoints(t)
	seed := &unix.SockaddrInet4{Port: peer.LocalAddr().(*net.UDPAddr).Port, Addr: [4]byte{127, 0, 0, 1}}
	done := startRelay(t, Config{
		Stream: stream, Datagram: dgram,
		Peer: seed, ExpectHandshake: true, Token: frame.DefaultToken,
	})

	if _, err := far.Write(frame.DefaultToken[:]); err != nil {
		t.Fatalf("write token: %v", err)
	}
	writeFrame(t, far, []byte("to-seeded-peer"))
	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 64)
	n, _, err := peer.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(buf[:n]) != "to-seeded-peer" {
		t.Fatalf("got %q", buf[:n])
	}
	far.Close()
	waitRelay(t, done, ErrStreamClosed)
}

func TestHandshakeRejected(t *testing.T) {
	stream, far := streamPair(t)
	dgram, _, _ := udpEndpoints(t)
	done := startRelay(t, Config{
		Stream: stream, Datagram: dgram,
		ExpectHandshake: true, Token: frame.DefaultToken,
	})

	bad := frame.DefaultToken
	bad[7] ^= 0x80
	if _, err := far.Write(bad[:]); err != nil {
		t.Fatalf("write token: %v", err)
	}
	waitRelay(t, done, frame.ErrHandshake)
}

func TestNoPeerFrameDropped(t *testing.T) {
	stream, far := streamPair(t)
	dgram, peer, relayAddr := udpEndpoints(t)
	done := startRelay(t, Config{Stream: stream, Datagram: dgram, Token: frame.DefaultToken})

	// No peer known yet: this frame is dropped, the relay stays up.
	writeFrame(t, far, []byte("nowhere"))

	// A datagram teaches the relay its peer; traffic then flows.
	if _, err := peer.WriteToUDP([]byte("hello"), relayAddr); err != nil {
		t.Fatalf("send datagram: %v", err)
	}
	if got := readFrame(t, far); string(got) != "hello" {
		t.Fatalf("frame %q", got)
	}
	writeFrame(t, far, []byte("back"))
	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 64)
	n, _, err := peer.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(buf[:n]) != "back" {
		t.Fatalf("datagram %q", buf[:n])
	}
	far.Close()
	waitRelay(t, done, ErrStreamClosed)
}

func TestRefusedSendTolerated(t *testing.T) {
	stream, far := streamPair(t)
	dgram, _, _ := udpEndpoints(t)

	// A freshly closed loopback port: sends may come back ECONNREFUSED.
	ghost, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	port := ghost.LocalAddr().(*net.UDPAddr).Port
	ghost.Close()

	done := startRelay(t, Config{
		Stream: stream, Datagram: dgram,
		Peer:  &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}},
		Token: frame.DefaultToken,
	})

	// Whatever the kernel reports for the dead peer, the relay survives.
	writeFrame(t, far, []byte("one"))
	writeFrame(t, far, []byte("two"))
	time.Sleep(100 * time.Millisecond)
	far.Close()
	waitRelay(t, done, ErrStreamClosed)
}

func TestZeroLengthFrameForwarded(t *testing.T) {
	stream, far := streamPair(t)
	dgram, peer, relayAddr := udpEndpoints(t)
	done := startRelay(t, Config{Stream: stream, Datagram: dgram, Token: frame.DefaultToken})

	if _, err := peer.WriteToUDP([]byte("prime"), relayAddr); err != nil {
		t.Fatalf("prime: %v", err)
	}
	if got := readFrame(t, far); string(got) != "prime" {
		t.Fatalf("frame %q", got)
	}

	writeFrame(t, far, nil)
	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 16)
	n, _, err := peer.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if n != 0 {
		t.Fatalf("datagram length %d, want 0", n)
	}
	far.Close()
	waitRelay(t, done, ErrStreamClosed)
}

func TestLargePayload(t *testing.T) {
	stream, far := streamPair(t)
	dgram, peer, relayAddr := udpEndpoints(t)
	done := startRelay(t, Config{Stream: stream, Datagram: dgram, Token: frame.DefaultToken})

	// A large payload that still fits in one loopback IPv4 datagram.
	big := make([]byte, 60000)
	for i := range big {
		big[i] = byte(i * 31)
	}
	if _, err := peer.WriteToUDP(big, relayAddr); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := readFrame(t, far)
	if !bytes.Equal(got, big) {
		t.Fatalf("payload mismatch: %d bytes", len(got))
	}

	writeFrame(t, far, big)
	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 65535)
	n, _, err := peer.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !bytes.Equal(buf[:n], big) {
		t.Fatalf("datagram mismatch: %d bytes", n)
	}
	far.Close()
	waitRelay(t, done, ErrStreamClosed)
}

func TestIdleTimeout(t *testing.T) {
	stream, _ := streamPair(t)
	dgram, _, _ := udpEndpoints(t)
	r := New(Config{
		Stream: stream, Datagram: dgram,
		Token:           frame.DefaultToken,
		DatagramTimeout: 100 * time.Millisecond,
	})
	r.pollInterval = 50 * time.Millisecond
	done := make(chan error, 1)
	go func() { done <- r.Run() }()
	waitRelay(t, done, ErrIdleTimeout)
}

func TestEmptyDatagramIgnored(t *testing.T) {
	stream, far := streamPair(t)
	dgram, peer, relayAddr := udpEndpoints(t)
	done := startRelay(t, Config{Stream: stream, Datagram: dgram, Token: frame.DefaultToken})

	if _, err := peer.WriteToUDP(nil, relayAddr); err != nil {
		t.Fatalf("send empty: %v", err)
	}
	if _, err := peer.WriteToUDP([]byte("real"), relayAddr); err != nil {
		t.Fatalf("send real: %v", err)
	}
	// Only the non-empty datagram crosses the stream.
	if got := readFrame(t, far); string(got) != "real" {
		t.Fatalf("frame %q, want real", got)
	}
	far.Close()
	waitRelay(t, done, ErrStreamClosed)
}
