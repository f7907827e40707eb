package listener

import (
	"context"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/zoff-tech/elasticsearch-raven/pkg/sentry"
)

const (
	maxDatagramSize    = 65535
	defaultReadTimeout = time.Second
)

// ListenUDP opens the socket named by address: "udp://host:port", a bare
// "host:port", or "fd://N" for a socket inherited from a supervisor.
func ListenUDP(address string) (net.PacketConn, error) {
	switch {
	case strings.HasPrefix(address, "fd://"):
		fd, err := strconv.Atoi(strings.TrimPrefix(address, "fd://"))
		if err != nil || fd < 0 {
			return nil, errors.Errorf("invalid file descriptor in %q", address)
		}
		f := os.NewFile(uintptr(fd), "raven-udp")
		defer f.Close()
		conn, err := net.FilePacketConn(f)
		if err != nil {
			return nil, errors.Wrapf(err, "use socket %s", address)
		}
		return conn, nil
	case strings.HasPrefix(address, "udp://"):
		address = strings.TrimPrefix(address, "udp://")
	case strings.Contains(address, "://"):
		return nil, errors.Errorf("unsupported listen address %q", address)
	}
	conn, err := net.ListenPacket("udp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", address)
	}
	return conn, nil
}

// UDPListener reads one sentry message per datagram.
type UDPListener struct {
	conn        net.PacketConn
	readTimeout time.Duration
	deps        Dependencies

	stopOnce sync.Once
	stopping chan struct{}
	done     chan struct{}
}

func NewUDPListener(conn net.PacketConn, readTimeout time.Duration, deps Dependencies) (*UDPListener, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	deps.Log = deps.Log.With().Str("component", "udp").Logger()
	return &UDPListener{
		conn:        conn,
		readTimeout: readTimeout,
		deps:        deps,
		stopping:    make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

// Addr is the local address of the socket.
func (u *UDPListener) Addr() net.Addr {
	return u.conn.LocalAddr()
}

func (u *UDPListener) Serve(ctx context.Context) error {
	defer close(u.done)
	defer u.conn.Close()

	u.deps.Log.Info().Str("address", u.conn.LocalAddr().String()).Msg("listening")
	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-u.stopping:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		if err := u.conn.SetReadDeadline(time.Now().Add(u.readTimeout)); err != nil {
			return errors.Wrap(err, "set read deadline")
		}
		n, addr, err := u.conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return errors.Wrap(err, "read datagram")
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		if err := u.deps.ingest(ctx, "udp", func() (*sentry.Message, error) {
			return sentry.CreateFromUDP(datagram)
		}); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if u.deps.Debug {
			u.deps.Log.Info().Msgf("%s [%s]", addr, time.Now().Format("2006-01-02 15:04:05.000000"))
		}
	}
}

func (u *UDPListener) Shutdown(ctx context.Context) error {
	u.stopOnce.Do(func() { close(u.stopping) })
	select {
	case <-u.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
