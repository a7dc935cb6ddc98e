package provider

import (
	"context"
	"net"
	"time"

	"github.com/viproma/coral-sub001/internal/model"
	"github.com/viproma/coral-sub001/internal/reactor"
	"github.com/viproma/coral-sub001/internal/slaveagent"
	"github.com/viproma/coral-sub001/internal/slaveinstance"
)

// InProcessSlaveCreator instantiates a slave as an in-process
// internal/slaveagent.Agent on its own reactor, rather than forking a
// helper executable. It exists purely to make spec.md §8's end-to-end
// scenarios runnable as Go tests without an external FMU toolchain —
// the same carve-out internal/slaveinstance's Identity and Logger serve
// — and is not part of this module's production surface.
type InProcessSlaveCreator struct {
	Desc              model.SlaveTypeDescription
	NewInstance       func() slaveinstance.Instance
	MaxVersion        uint16
	InactivityTimeout time.Duration
}

func (c InProcessSlaveCreator) Description() model.SlaveTypeDescription { return c.Desc }

func (c InProcessSlaveCreator) Instantiate(_ context.Context, _ time.Duration) (model.SlaveLocator, error) {
	controlLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return model.SlaveLocator{}, ErrSpawnFailed{Cause: err}
	}
	dataLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		_ = controlLn.Close()
		return model.SlaveLocator{}, ErrSpawnFailed{Cause: err}
	}

	r, err := reactor.New()
	if err != nil {
		_ = controlLn.Close()
		_ = dataLn.Close()
		return model.SlaveLocator{}, ErrSpawnFailed{Cause: err}
	}
	go func() { _ = r.Run(context.Background()) }()

	slaveagent.New(r, controlLn, dataLn, c.MaxVersion, c.NewInstance(), c.InactivityTimeout)

	return model.SlaveLocator{
		ControlEndpoint: model.Endpoint{Transport: "tcp", Address: controlLn.Addr().String()},
		DataPubEndpoint: model.Endpoint{Transport: "tcp", Address: dataLn.Addr().String()},
	}, nil
}
