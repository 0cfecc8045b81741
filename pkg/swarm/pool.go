package swarm

import (
	"sync"
	"time"

	"hyperg/pkg/codec"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

// connPool shares one client connection per peer address.
type connPool struct {
	dialTimeout time.Duration

	mutex       sync.RWMutex
	connections map[string]*grpc.ClientConn
	closed      bool
}

func newConnPool(dialTimeout time.Duration) *connPool {
	return &connPool{
		dialTimeout: dialTimeout,
		connections: make(map[string]*grpc.ClientConn),
	}
}

// get returns a pooled connection or creates a new one.
func (p *connPool) get(address string) (*grpc.ClientConn, error) {
	p.mutex.RLock()
	conn, exists := p.connections[address]
	p.mutex.RUnlock()

	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return nil, errPoolClosed
	}
	// Double-check after acquiring write lock
	conn, exists = p.connections[address]
	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	conn, err := p.dial(address)
	if err != nil {
		return nil, err
	}
	p.connections[address] = conn
	return conn, nil
}

func (p *connPool) dial(address string) (*grpc.ClientConn, error) {
	backoffConfig := backoff.Config{
		BaseDelay:  100 * time.Millisecond,
		Multiplier: 1.6,
		Jitter:     0.2,
		MaxDelay:   5 * time.Second,
	}

	return grpc.Dial(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(codec.GRPC{})),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoffConfig,
			MinConnectTimeout: p.dialTimeout,
		}),
	)
}

// closeAll closes every pooled connection and refuses new ones.
func (p *connPool) closeAll() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.closed = true
	var firstErr error
	for address, conn := range p.connections {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.connections, address)
	}
	return firstErr
}
