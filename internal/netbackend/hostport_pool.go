package netbackend

import (
	"fmt"
	"net"
	"sync"

	"github.com/suryatmodulus/boxlite/pkg/boxliteerr"
)

// hostPortPool tracks which host ports are reserved by which box, on top of
// an actual bind() probe per spec §4.3's port conflict policy: reservation
// alone doesn't guarantee a port is free from processes outside BoxLite.
type hostPortPool struct {
	mu       sync.Mutex
	reserved map[int]string // port -> box id
}

func newHostPortPool() *hostPortPool {
	return &hostPortPool{reserved: make(map[int]string)}
}

// Reserve checks each requested host port is free (neither reserved by
// another box nor bindable-failing due to an external process) and reserves
// all of them atomically, or none.
func (p *hostPortPool) reserve(boxID string, ports []int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, port := range ports {
		if owner, ok := p.reserved[port]; ok && owner != boxID {
			return boxliteerr.Configf("PortInUse", "host port %d already reserved", port)
		}
	}

	for _, port := range ports {
		if _, ok := p.reserved[port]; ok {
			continue
		}
		if err := probeBind(port); err != nil {
			return boxliteerr.Configf("PortInUse", "host port %d: %v", port, err)
		}
	}

	for _, port := range ports {
		p.reserved[port] = boxID
	}
	return nil
}

func (p *hostPortPool) release(boxID string, ports []int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, port := range ports {
		if p.reserved[port] == boxID {
			delete(p.reserved, port)
		}
	}
}

func (p *hostPortPool) isReserved(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.reserved[port]
	return ok
}

func probeBind(port int) error {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return err
	}
	return l.Close()
}
