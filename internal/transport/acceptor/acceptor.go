// Package acceptor implements the process-wide TCP Connection Acceptor
// (spec.md §4.3): a singleton that binds one port across every
// administrator-whitelisted up interface, dispatches inbound sockets to
// registered cookie handlers, and reacts to interface up/down events.
package acceptor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	rerrors "github.com/alxayo/mmtransport/internal/errors"
	"github.com/alxayo/mmtransport/internal/logger"
	"github.com/alxayo/mmtransport/internal/transport/cookie"
)

// Greeting is CONNECTION_GREETING: the fixed ASCII string the acceptor
// writes immediately after a cookie match, byte-exact on both ends.
const Greeting = "MMTRANSPORT-CONNECTED\n"

// Handler is invoked once per cookie, either with the matched connection or
// with conn == nil on timeout/cancellation.
type Handler func(conn net.Conn)

// Config describes the administrator-controlled acceptor surface
// (spec.md §6 "Environment configuration").
type Config struct {
	// InterfaceWhitelist lists interface names to bind; empty means "all
	// up interfaces" (loopback is always added if missing).
	InterfaceWhitelist []string
	PortBase           int
	PortSpan           int
	// NetClassPath overrides the sysfs path watched for interface
	// add/remove events; defaults to /sys/class/net. Tests substitute a
	// scratch directory.
	NetClassPath string
}

type registration struct {
	handler Handler
	timer   *time.Timer
}

// Acceptor is the TCP Connection Acceptor singleton. One process should
// construct exactly one and share it between the Negotiator and the
// Connection Broker.
type Acceptor struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	port      int
	listeners map[string]net.Listener // keyed by interface name
	pending   map[cookie.Cookie]*registration
	watcher   *fsnotify.Watcher
	cancelRun context.CancelFunc
}

// New constructs an Acceptor. Call Start to bind and begin accepting.
func New(cfg Config) *Acceptor {
	if cfg.NetClassPath == "" {
		cfg.NetClassPath = "/sys/class/net"
	}
	return &Acceptor{
		cfg:       cfg,
		log:       logger.Logger().With("component", "acceptor"),
		listeners: make(map[string]net.Listener),
		pending:   make(map[cookie.Cookie]*registration),
	}
}

// Start enumerates whitelisted up interfaces, scans the configured port
// range for one that binds on all of them, and begins accepting. It
// returns the chosen port. Start fails if the range is empty or no port
// binds on every interface (spec.md §4.3 step 2, §8 "Port range
// exhausted on startup").
func (a *Acceptor) Start(ctx context.Context) (int, error) {
	if a.cfg.PortSpan <= 0 {
		return 0, rerrors.New(rerrors.KindFatalIrrecoverable, "acceptor.start", fmt.Errorf("empty port range"))
	}

	ifaces, err := a.upInterfaces()
	if err != nil {
		return 0, rerrors.New(rerrors.KindFatalIrrecoverable, "acceptor.start", err)
	}

	port, listeners, err := a.bindFirstAvailablePort(ifaces)
	if err != nil {
		return 0, rerrors.New(rerrors.KindFatalIrrecoverable, "acceptor.start", err)
	}

	a.mu.Lock()
	a.port = port
	a.listeners = listeners
	a.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	a.cancelRun = cancel
	for name, l := range listeners {
		go a.acceptLoop(runCtx, name, l)
	}

	if err := a.watchInterfaces(runCtx); err != nil {
		a.log.Warn("interface watch unavailable, up/down reactions disabled", "error", err)
	}

	a.log.Info("acceptor listening", "port", port, "interfaces", len(listeners))
	return port, nil
}

// Port returns the bound port, valid after Start succeeds.
func (a *Acceptor) Port() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.port
}

func (a *Acceptor) upInterfaces() ([]net.Interface, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	whitelist := make(map[string]bool, len(a.cfg.InterfaceWhitelist))
	for _, name := range a.cfg.InterfaceWhitelist {
		whitelist[name] = true
	}
	var out []net.Interface
	haveLoopback := false
	for _, ifc := range all {
		if ifc.Flags&net.FlagUp == 0 {
			continue
		}
		if len(whitelist) > 0 && !whitelist[ifc.Name] {
			continue
		}
		if ifc.Flags&net.FlagLoopback != 0 {
			haveLoopback = true
		}
		out = append(out, ifc)
	}
	if !haveLoopback {
		if lo, err := net.InterfaceByName("lo"); err == nil {
			out = append(out, *lo)
		}
	}
	return out, nil
}

// bindFirstAvailablePort scans [PortBase, PortBase+PortSpan) and returns
// the first port that binds on every supplied interface.
func (a *Acceptor) bindFirstAvailablePort(ifaces []net.Interface) (int, map[string]net.Listener, error) {
	for port := a.cfg.PortBase; port < a.cfg.PortBase+a.cfg.PortSpan; port++ {
		listeners := make(map[string]net.Listener, len(ifaces))
		ok := true
		for _, ifc := range ifaces {
			addr, err := interfaceBindAddr(ifc, port)
			if err != nil {
				ok = false
				break
			}
			l, err := net.Listen("tcp", addr)
			if err != nil {
				ok = false
				break
			}
			listeners[ifc.Name] = l
		}
		if ok && len(listeners) > 0 {
			return port, listeners, nil
		}
		for _, l := range listeners {
			l.Close()
		}
	}
	return 0, nil, fmt.Errorf("no port in [%d, %d) bound on all %d interfaces", a.cfg.PortBase, a.cfg.PortBase+a.cfg.PortSpan, len(ifaces))
}

func interfaceBindAddr(ifc net.Interface, port int) (string, error) {
	addrs, err := ifc.Addrs()
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.To4() != nil {
			return fmt.Sprintf("%s:%d", ipNet.IP.String(), port), nil
		}
	}
	if ifc.Flags&net.FlagLoopback != 0 {
		return fmt.Sprintf("127.0.0.1:%d", port), nil
	}
	return "", fmt.Errorf("interface %s has no IPv4 address", ifc.Name)
}

// watchInterfaces uses fsnotify to watch the sysfs network-class directory
// for interface creation/removal, re-deriving listeners when membership
// changes (spec.md §4.3 step 3).
func (a *Acceptor) watchInterfaces(ctx context.Context) error {
	if _, err := os.Stat(a.cfg.NetClassPath); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(a.cfg.NetClassPath); err != nil {
		w.Close()
		return err
	}
	a.mu.Lock()
	a.watcher = w
	a.mu.Unlock()

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Remove) != 0 {
					a.log.Info("interface membership change observed", "event", ev.Name, "op", ev.Op.String())
					a.reconcileInterfaces(ctx)
				}
			case werr, ok := <-w.Errors:
				if !ok {
					return
				}
				a.log.Warn("interface watcher error", "error", werr)
			}
		}
	}()
	return nil
}

// reconcileInterfaces adds listeners for newly-up interfaces and tears
// down listeners for interfaces that disappeared, on the already-chosen port.
func (a *Acceptor) reconcileInterfaces(ctx context.Context) {
	ifaces, err := a.upInterfaces()
	if err != nil {
		a.log.Warn("failed to re-enumerate interfaces", "error", err)
		return
	}
	want := make(map[string]net.Interface, len(ifaces))
	for _, ifc := range ifaces {
		want[ifc.Name] = ifc
	}

	a.mu.Lock()
	port := a.port
	for name, l := range a.listeners {
		if _, stillUp := want[name]; !stillUp {
			l.Close()
			delete(a.listeners, name)
			a.log.Info("released acceptor socket for down interface", "interface", name)
		}
	}
	existing := make(map[string]bool, len(a.listeners))
	for name := range a.listeners {
		existing[name] = true
	}
	a.mu.Unlock()

	for name, ifc := range want {
		if existing[name] {
			continue
		}
		addr, err := interfaceBindAddr(ifc, port)
		if err != nil {
			continue
		}
		l, err := net.Listen("tcp", addr)
		if err != nil {
			a.log.Warn("failed to bind newly-up interface", "interface", name, "error", err)
			continue
		}
		a.mu.Lock()
		a.listeners[name] = l
		a.mu.Unlock()
		go a.acceptLoop(ctx, name, l)
		a.log.Info("bound acceptor socket for up interface", "interface", name)
	}
}

func (a *Acceptor) acceptLoop(ctx context.Context, ifaceName string, l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			a.log.Warn("accept failed", "interface", ifaceName, "error", err)
			return
		}
		go a.handleConn(conn)
	}
}

// handleConn implements the cookie protocol on every new inbound socket
// (spec.md §4.3): read the cookie, look it up, write the greeting on
// match, or close on timeout/unknown cookie.
func (a *Acceptor) handleConn(conn net.Conn) {
	a.mu.Lock()
	noPending := len(a.pending) == 0
	a.mu.Unlock()
	if noPending {
		conn.Close()
		return
	}

	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	buf := make([]byte, cookie.Length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		conn.Close()
		return
	}
	c, err := cookie.Parse(string(buf))
	if err != nil {
		conn.Close()
		return
	}

	a.mu.Lock()
	reg, found := a.pending[c]
	if found {
		reg.timer.Stop()
		delete(a.pending, c)
	}
	a.mu.Unlock()

	if !found {
		conn.Close()
		a.log.Warn("unknown cookie presented", "cookie", c.String())
		return
	}

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte(Greeting)); err != nil {
		conn.Close()
		reg.handler(nil)
		return
	}
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})
	reg.handler(conn)
}

// Register arms a pending cookie handler with the given timeout. Duplicate
// registration of an outstanding cookie is a programming error (spec.md §4.3).
func (a *Acceptor) Register(c cookie.Cookie, timeout time.Duration, handler Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.pending[c]; exists {
		return rerrors.New(rerrors.KindInvalidOperation, "acceptor.register", fmt.Errorf("cookie already registered"))
	}
	reg := &registration{handler: handler}
	reg.timer = time.AfterFunc(timeout, func() {
		a.mu.Lock()
		cur, still := a.pending[c]
		if still && cur == reg {
			delete(a.pending, c)
		}
		a.mu.Unlock()
		if still {
			handler(nil)
		}
	})
	a.pending[c] = reg
	return nil
}

// Cancel removes a pending registration without invoking its handler
// (used when the caller itself is tearing down, e.g. Negotiator retry).
func (a *Acceptor) Cancel(c cookie.Cookie) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if reg, ok := a.pending[c]; ok {
		reg.timer.Stop()
		delete(a.pending, c)
	}
}

// PendingCount reports the number of armed cookie registrations
// (diagnostics/tests; also the "only listens while ≥1 pending" gate
// enforced inside handleConn).
func (a *Acceptor) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Close stops accepting and releases every bound socket and the interface
// watcher, if any.
func (a *Acceptor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancelRun != nil {
		a.cancelRun()
	}
	var firstErr error
	for _, l := range a.listeners {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.listeners = make(map[string]net.Listener)
	for c, reg := range a.pending {
		reg.timer.Stop()
		delete(a.pending, c)
	}
	return firstErr
}
