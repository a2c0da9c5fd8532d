package localcache

import (
	"context"
	"log/slog"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	c := defaultConfig()
	if c.sizeMB != 0 {
		t.Errorf("default sizeMB = %v; want 0", c.sizeMB)
	}
	if c.objectMax != 1<<20 {
		t.Errorf("default objectMax = %d; want %d", c.objectMax, 1<<20)
	}
	if c.compression != "none" {
		t.Errorf("default compression = %q; want none", c.compression)
	}
	if c.logger == nil {
		t.Error("default logger should not be nil")
	}
}

func TestOptionsApply(t *testing.T) {
	c := defaultConfig()
	logger := slog.Default()

	opts := []Option{
		WithSizeMB(42),
		WithObjectMax(1024),
		WithCompression("zlib"),
		WithDir("/tmp/example"),
		WithPrefix("test-"),
		WithLogger(logger),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.sizeMB != 42 {
		t.Errorf("sizeMB = %v; want 42", c.sizeMB)
	}
	if c.objectMax != 1024 {
		t.Errorf("objectMax = %d; want 1024", c.objectMax)
	}
	if c.compression != "zlib" {
		t.Errorf("compression = %q; want zlib", c.compression)
	}
	if c.dir != "/tmp/example" {
		t.Errorf("dir = %q; want /tmp/example", c.dir)
	}
	if c.prefix != "test-" {
		t.Errorf("prefix = %q; want test-", c.prefix)
	}
	if c.logger != logger {
		t.Error("WithLogger should override the default logger")
	}
}

func TestWithLoggerNilIsIgnored(t *testing.T) {
	c := defaultConfig()
	original := c.logger
	WithLogger(nil)(c)
	if c.logger != original {
		t.Error("WithLogger(nil) should leave the existing logger untouched")
	}
}

func TestNewRejectsNegativeSizes(t *testing.T) {
	ctx := context.Background()
	if _, err := New(ctx, WithSizeMB(-1)); err == nil {
		t.Error("New with a negative sizeMB should fail")
	}
	if _, err := New(ctx, WithObjectMax(-1)); err == nil {
		t.Error("New with a negative objectMax should fail")
	}
}
