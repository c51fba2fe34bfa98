package protoclient

import (
	"net"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// DefaultFlushInterval between two flushes of the outbound queue
	DefaultFlushInterval = 50 * time.Millisecond
	// DefaultCallTimeout before a pending call fails with ErrCallTimeout
	DefaultCallTimeout = 10 * time.Second
)

// Correlation selects how responses are matched to pending calls.
type Correlation int

const (
	// CorrelateByCommand keys pending calls by command id, sequence stays 0 on the wire.
	// Two in-flight calls with the same command can be cross delivered.
	CorrelateByCommand Correlation = iota
	// CorrelateBySequence stamps a request id into the sequence field,
	// the server has to echo it back.
	CorrelateBySequence
)

func (c Correlation) String() string {
	if c == CorrelateBySequence {
		return "sequence"
	}
	return "command"
}

// ParseCorrelation accepts "command" or "sequence".
func ParseCorrelation(s string) (Correlation, error) {
	switch s {
	case "", "command", "cmd":
		return CorrelateByCommand, nil
	case "sequence", "seq":
		return CorrelateBySequence, nil
	}
	return 0, errors.Wrapf(ErrInvalidArgument, "unknown correlation %q", s)
}

type ClientConfig struct {
	Host string
	Port int

	// MaxPayloadSize limits outbound payloads, 0 means unlimited
	MaxPayloadSize int

	// MaxFrameSize limits inbound frames, 0 means unlimited
	MaxFrameSize int

	BatchSends    bool
	FlushInterval time.Duration
	CallTimeout   time.Duration
	DialTimeout   time.Duration
	Correlation   Correlation
	Wbuf          int
	Rbuf          int
	Logger        *zap.Logger

	// WriteTimeout bounds every socket write, 0 means no deadline
	WriteTimeout time.Duration

	// Dial replaces the default net.Dialer
	Dial func(network, address string) (net.Conn, error)

	// OnError receives connection level errors after the connect callback fired
	OnError func(*Client, error)

	// OnClose is called once the peer ended the connection
	OnClose func(*Client, error)
}

func (c *ClientConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *ClientConfig) init() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Logger == nil {
		c.Logger = l
	}
}

type fileConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	MaxPayloadSize  int    `toml:"max_payload_size"`
	MaxFrameSize    int    `toml:"max_frame_size"`
	BatchSends      bool   `toml:"batch_sends"`
	FlushIntervalMs int    `toml:"flush_interval_ms"`
	CallTimeoutMs   int    `toml:"call_timeout_ms"`
	DialTimeoutMs   int    `toml:"dial_timeout_ms"`
	WriteTimeoutMs  int    `toml:"write_timeout_ms"`
	Correlation     string `toml:"correlation"`
}

// LoadConfigFile reads a ClientConfig from a TOML file, either at the top level
// or under a [client] table.
func LoadConfigFile(path string) (config ClientConfig, err error) {
	var doc struct {
		fileConfig
		Client *fileConfig `toml:"client"`
	}
	if _, err = toml.DecodeFile(path, &doc); err != nil {
		err = errors.Wrapf(err, "decode %s", path)
		return
	}
	fc := doc.fileConfig
	if doc.Client != nil {
		fc = *doc.Client
	}

	corr, err := ParseCorrelation(fc.Correlation)
	if err != nil {
		return
	}
	config = ClientConfig{
		Host:           fc.Host,
		Port:           fc.Port,
		MaxPayloadSize: fc.MaxPayloadSize,
		MaxFrameSize:   fc.MaxFrameSize,
		BatchSends:     fc.BatchSends,
		FlushInterval:  time.Duration(fc.FlushIntervalMs) * time.Millisecond,
		CallTimeout:    time.Duration(fc.CallTimeoutMs) * time.Millisecond,
		DialTimeout:    time.Duration(fc.DialTimeoutMs) * time.Millisecond,
		WriteTimeout:   time.Duration(fc.WriteTimeoutMs) * time.Millisecond,
		Correlation:    corr,
	}
	return
}
