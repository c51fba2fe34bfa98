package protoclient

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadConfigFile(t *testing.T) {
	path := writeFile(t, "client.toml", `
[client]
host = "10.0.0.1"
port = 8080
max_payload_size = 100
batch_sends = true
flush_interval_ms = 20
call_timeout_ms = 1500
correlation = "sequence"
`)

	config, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile failed: %v", err)
	}
	if config.Addr() != "10.0.0.1:8080" {
		t.Errorf("unexpected addr %s", config.Addr())
	}
	if config.MaxPayloadSize != 100 || !config.BatchSends {
		t.Errorf("unexpected config %+v", config)
	}
	if config.FlushInterval != 20*time.Millisecond || config.CallTimeout != 1500*time.Millisecond {
		t.Errorf("unexpected durations %v %v", config.FlushInterval, config.CallTimeout)
	}
	if config.Correlation != CorrelateBySequence {
		t.Errorf("unexpected correlation %v", config.Correlation)
	}
}

func TestLoadConfigFileTopLevel(t *testing.T) {
	path := writeFile(t, "client.toml", "host = \"example.com\"\nport = 9000\n")

	config, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile failed: %v", err)
	}
	if config.Host != "example.com" || config.Port != 9000 {
		t.Errorf("unexpected config %+v", config)
	}

	config.init()
	if config.FlushInterval != DefaultFlushInterval || config.CallTimeout != DefaultCallTimeout {
		t.Errorf("defaults not applied: %v %v", config.FlushInterval, config.CallTimeout)
	}
	if config.Correlation != CorrelateByCommand {
		t.Errorf("expected command correlation by default")
	}
}

func TestLoadConfigFileErrors(t *testing.T) {
	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := writeFile(t, "bad.toml", "correlation = \"random\"\n")
	if _, err := LoadConfigFile(path); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		kind Kind
	}{
		{nil, KindUnknown},
		{errors.New("other"), KindUnknown},
		{ErrAlreadyClosed, KindAlreadyClosed},
		{ErrAlreadyConnected, KindAlreadyConnected},
		{ErrNotConnected, KindNotConnected},
		{&TimeoutError{Command: 1}, KindCallTimeout},
		{&FrameError{Length: 1}, KindTransport},
		{asTransport(errors.New("reset by peer")), KindTransport},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.kind {
			t.Errorf("KindOf(%v) = %v, want %v", tc.err, got, tc.kind)
		}
	}
}

func TestTransportErrorUnwrap(t *testing.T) {
	cause := errors.New("broken pipe")
	err := asTransport(cause)
	if !errors.Is(err, cause) || !errors.Is(err, ErrTransport) {
		t.Errorf("transport error lost its cause: %v", err)
	}
	if asTransport(err) != err {
		t.Errorf("transport errors should not be wrapped twice")
	}
}
