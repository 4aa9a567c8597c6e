package logging

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"grimm.is/appwall/internal/brand"
	"grimm.is/appwall/internal/clock"
)

const syslogDialTimeout = 5 * time.Second

// SyslogConfig addresses a remote syslog server.
type SyslogConfig struct {
	Enabled  bool
	Host     string
	Port     int    // default 514
	Protocol string // udp or tcp, default udp
	Tag      string // default the binary name
	Facility int    // default 1 (user)
}

// DefaultSyslogConfig returns the defaults of every optional field.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Port:     514,
		Protocol: "udp",
		Tag:      brand.BinaryName,
		Facility: 1,
	}
}

// SyslogWriter sends each Write as one RFC 3164 message. A failed write
// redials once and retries.
type SyslogWriter struct {
	mu       sync.Mutex
	conn     net.Conn
	network  string
	addr     string
	prefix   string // " host tag: "
	facility int
	closed   bool
}

// NewSyslogWriter dials the server described by cfg.
func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("syslog host is required")
	}
	def := DefaultSyslogConfig()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.Protocol == "" {
		cfg.Protocol = def.Protocol
	}
	if cfg.Tag == "" {
		cfg.Tag = def.Tag
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = cfg.Tag
	}

	w := &SyslogWriter{
		network:  cfg.Protocol,
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		prefix:   " " + host + " " + cfg.Tag + ": ",
		facility: cfg.Facility,
	}
	if err := w.dial(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *SyslogWriter) dial() error {
	conn, err := net.DialTimeout(w.network, w.addr, syslogDialTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to syslog server %s: %w", w.addr, err)
	}
	w.conn = conn
	return nil
}

// Write implements io.Writer. All messages carry severity info. A write
// after a lost connection dials again first.
func (w *SyslogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, fmt.Errorf("syslog writer closed")
	}

	msg := []byte("<" + strconv.Itoa(w.facility*8+6) + ">" + clock.Now().Format(time.Stamp) + w.prefix + string(p))
	for attempt := 0; ; attempt++ {
		if w.conn == nil {
			if err := w.dial(); err != nil {
				return 0, err
			}
		}
		_, err := w.conn.Write(msg)
		if err == nil {
			return len(p), nil
		}
		w.conn.Close()
		w.conn = nil
		if attempt > 0 {
			return 0, err
		}
	}
}

// Close closes the connection. Later writes fail.
func (w *SyslogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}
