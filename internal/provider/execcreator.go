package provider

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"time"

	"github.com/viproma/coral-sub001/internal/model"
	"github.com/viproma/coral-sub001/internal/wire"
)

// ExecSlaveCreator instantiates a slave by forking a helper executable
// and waiting for it to report its bound endpoints over a short-lived
// TCP rendezvous socket — the Go rendering of provider_provider.cpp's
// SlaveCreator::Instantiate, which forks a slave-exe process and waits
// on a pipe for it to signal readiness (original_source/src/dsb/provider_provider.cpp,
// include/coral/provider/slave_creator.hpp).
//
// The helper is invoked as:
//
//	<Path> <extra Args...> --report-endpoint=<rendezvous address>
//
// and is expected to connect back to that address and write exactly one
// length-delimited two-field message: control endpoint address, then
// data endpoint address (both "transport address" pairs joined by a
// single space, e.g. "tcp 127.0.0.1:40001").
type ExecSlaveCreator struct {
	Desc model.SlaveTypeDescription
	Path string
	Args []string
}

func (c ExecSlaveCreator) Description() model.SlaveTypeDescription { return c.Desc }

// Instantiate forks the helper and blocks (in the caller's goroutine,
// which Provider always arranges to be off the reactor thread) until it
// reports its endpoints, fails to start, or timeout elapses.
func (c ExecSlaveCreator) Instantiate(ctx context.Context, timeout time.Duration) (model.SlaveLocator, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return model.SlaveLocator{}, ErrSpawnFailed{Cause: fmt.Errorf("opening rendezvous listener: %w", err)}
	}
	defer ln.Close()

	args := append(append([]string(nil), c.Args...), "--report-endpoint="+ln.Addr().String())
	cmd := exec.CommandContext(ctx, c.Path, args...)
	if err := cmd.Start(); err != nil {
		return model.SlaveLocator{}, ErrSpawnFailed{Cause: err}
	}

	type accepted struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan accepted, 1)
	go func() {
		conn, err := ln.Accept()
		acceptCh <- accepted{conn, err}
	}()

	select {
	case a := <-acceptCh:
		if a.err != nil {
			_ = cmd.Process.Kill()
			return model.SlaveLocator{}, ErrSpawnFailed{Cause: a.err}
		}
		defer a.conn.Close()
		return readLocatorReport(a.conn)
	case <-time.After(timeout):
		_ = cmd.Process.Kill()
		return model.SlaveLocator{}, ErrSpawnTimeout{Timeout: timeout}
	}
}

func readLocatorReport(conn net.Conn) (model.SlaveLocator, error) {
	frame, err := wire.ReadFrame(conn)
	if err != nil {
		return model.SlaveLocator{}, ErrSpawnFailed{Cause: fmt.Errorf("reading endpoint report: %w", err)}
	}
	control, data, err := splitTwoEndpoints(frame)
	if err != nil {
		return model.SlaveLocator{}, ErrSpawnFailed{Cause: err}
	}
	return model.SlaveLocator{ControlEndpoint: control, DataPubEndpoint: data}, nil
}

func splitTwoEndpoints(frame []byte) (control, data model.Endpoint, err error) {
	var ctlTransport, ctlAddr, dataTransport, dataAddr string
	n, scanErr := fmt.Sscanf(string(frame), "%s %s %s %s", &ctlTransport, &ctlAddr, &dataTransport, &dataAddr)
	if scanErr != nil || n != 4 {
		return model.Endpoint{}, model.Endpoint{}, fmt.Errorf("malformed endpoint report %q", frame)
	}
	return model.Endpoint{Transport: ctlTransport, Address: ctlAddr},
		model.Endpoint{Transport: dataTransport, Address: dataAddr}, nil
}

// ErrSpawnFailed means the helper process itself never started
// successfully (exec failure, or the rendezvous listener never accepted
// a connection). Distinguished from ErrSpawnTimeout because an operator
// investigating the former should check the executable and its
// arguments, while the latter usually means the slave's own startup is
// just slow (original_source's provider_provider.cpp keeps the same
// distinction internally even though both surface identically on the
// wire as one instantiate-slave error).
type ErrSpawnFailed struct{ Cause error }

func (e ErrSpawnFailed) Error() string { return fmt.Sprintf("slave helper failed to start: %v", e.Cause) }
func (e ErrSpawnFailed) Unwrap() error { return e.Cause }

// ErrSpawnTimeout means the helper started but never reported its
// endpoints within Timeout.
type ErrSpawnTimeout struct{ Timeout time.Duration }

func (e ErrSpawnTimeout) Error() string {
	return fmt.Sprintf("slave helper did not report its endpoints within %s", e.Timeout)
}
