package util

import (
	"net"
	"sync"

	"github.com/replicate/go/must"
)

var (
	ports   = make(map[int]bool)
	portsMu sync.Mutex
)

// FindPort reserves a free TCP port, never handing out the same port twice
// within one process. Tests use it to give each fake server its own port.
func FindPort() int {
	portsMu.Lock()
	defer portsMu.Unlock()
	for {
		a := must.Get(net.ResolveTCPAddr("tcp", "localhost:0"))
		l := must.Get(net.ListenTCP("tcp", a))
		p := l.Addr().(*net.TCPAddr).Port
		if _, ok := ports[p]; !ok {
			ports[p] = true
			l.Close()
			return p
		}
	}
}
