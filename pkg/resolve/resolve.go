// Package resolve caches the addresses of the libc definitions that the
// interposed names shadow. Each symbol is looked up at most once per process;
// every later call sees the same address or the same error.
package resolve

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
)

// Symbol is one intercepted libc name.
type Symbol int

const (
	Socket Symbol = iota
	Bind
	Listen
	Connect
	Accept
	Accept4
	Send
	Recv
	Sendto
	Recvfrom
	Sendmsg
	Recvmsg
	Read
	Write
	Close
	Getsockopt
	Setsockopt
	Getsockname
	Getpeername
	Shutdown
	Fcntl
	Poll
	Select
	EpollCreate
	EpollCreate1
	EpollCtl
	EpollWait

	numSymbols
)

var names = [numSymbols]string{
	Socket:       "socket",
	Bind:         "bind",
	Listen:       "listen",
	Connect:      "connect",
	Accept:       "accept",
	Accept4:      "accept4",
	Send:         "send",
	Recv:         "recv",
	Sendto:       "sendto",
	Recvfrom:     "recvfrom",
	Sendmsg:      "sendmsg",
	Recvmsg:      "recvmsg",
	Read:         "read",
	Write:        "write",
	Close:        "close",
	Getsockopt:   "getsockopt",
	Setsockopt:   "setsockopt",
	Getsockname:  "getsockname",
	Getpeername:  "getpeername",
	Shutdown:     "shutdown",
	Fcntl:        "fcntl",
	Poll:         "poll",
	Select:       "select",
	EpollCreate:  "epoll_create",
	EpollCreate1: "epoll_create1",
	EpollCtl:     "epoll_ctl",
	EpollWait:    "epoll_wait",
}

func (s Symbol) String() string {
	if s >= 0 && s < numSymbols {
		return names[s]
	}
	return fmt.Sprintf("symbol(%d)", int(s))
}

// Symbols returns every intercepted symbol in declaration order.
func Symbols() []Symbol {
	out := make([]Symbol, numSymbols)
	for i := range out {
		out[i] = Symbol(i)
	}
	return out
}

// Lookup finds the next definition of name after the calling object.
type Lookup func(name string) (unsafe.Pointer, error)

var ErrUnknownSymbol = errors.New("unknown symbol")

type slot struct {
	once sync.Once
	addr unsafe.Pointer
	err  error
}

type Cache struct {
	lookup Lookup
	slots  [numSymbols]slot
}

func NewCache(lookup Lookup) *Cache {
	return &Cache{lookup: lookup}
}

// Get returns the address of sym, resolving it on first use.
func (c *Cache) Get(sym Symbol) (unsafe.Pointer, error) {
	if sym < 0 || sym >= numSymbols {
		return nil, errors.Wrapf(ErrUnknownSymbol, "resolve %d", int(sym))
	}
	s := &c.slots[sym]
	s.once.Do(func() {
		s.addr, s.err = c.lookup(names[sym])
		if s.err == nil && s.addr == nil {
			s.err = errors.Errorf("%s: no next definition", names[sym])
		}
		if s.err != nil {
			s.err = errors.Wrapf(s.err, "resolve %s", names[sym])
		}
	})
	return s.addr, s.err
}
