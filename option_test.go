package mpl

import (
	"log/slog"
	"runtime"
	"testing"
)

func TestOptions_Defaults(t *testing.T) {
	opts, err := resolveOptions(nil)
	if err != nil {
		t.Fatalf("resolveOptions failed: %v", err)
	}

	if _, ok := opts.codec.(GobCodec); !ok {
		t.Errorf("codec = %T, want GobCodec", opts.codec)
	}
	if opts.logger != slog.Default() {
		t.Error("logger is not slog.Default()")
	}
	if opts.maxMessageSize != defaultMaxPackageLength {
		t.Errorf("maxMessageSize = %d, want %d", opts.maxMessageSize, defaultMaxPackageLength)
	}
	if opts.eventBufferSize != defaultEventBufferSize {
		t.Errorf("eventBufferSize = %d, want %d", opts.eventBufferSize, defaultEventBufferSize)
	}
}

func TestWithCodec(t *testing.T) {
	opts, err := resolveOptions([]Option{WithCodec(RawCodec{})})
	if err != nil {
		t.Fatalf("resolveOptions failed: %v", err)
	}
	if _, ok := opts.codec.(RawCodec); !ok {
		t.Errorf("codec = %T, want RawCodec", opts.codec)
	}

	if _, err = resolveOptions([]Option{WithCodec(nil)}); err != ErrInvalidCodec {
		t.Errorf("err = %v, want ErrInvalidCodec", err)
	}
}

func TestWithLogger(t *testing.T) {
	logger := &mockLogger{}
	opt := WithLogger(logger)

	var opts options
	opt(&opts)

	if opts.logger != logger {
		t.Error("logger not set correctly")
	}
}

func TestWithMaxMessageSize(t *testing.T) {
	opt := WithMaxMessageSize(4096)

	var opts options
	opt(&opts)

	if opts.maxMessageSize != 4096 {
		t.Errorf("maxMessageSize = %d, want 4096", opts.maxMessageSize)
	}

	opts = options{}
	WithMaxMessageSize(-1)(&opts)
	if err := checkOptions(&opts); err != nil {
		t.Fatalf("checkOptions failed: %v", err)
	}
	if opts.maxMessageSize != defaultMaxPackageLength {
		t.Errorf("maxMessageSize = %d, want default %d", opts.maxMessageSize, defaultMaxPackageLength)
	}
}

func TestWithEventBufferSize(t *testing.T) {
	opt := WithEventBufferSize(8)

	var opts options
	opt(&opts)

	if opts.eventBufferSize != 8 {
		t.Errorf("eventBufferSize = %d, want 8", opts.eventBufferSize)
	}

	opts = options{}
	WithEventBufferSize(0)(&opts)
	if err := checkOptions(&opts); err != nil {
		t.Fatalf("checkOptions failed: %v", err)
	}
	if opts.eventBufferSize != defaultEventBufferSize {
		t.Errorf("eventBufferSize = %d, want default %d", opts.eventBufferSize, defaultEventBufferSize)
	}
}

func TestOptions_MultipleOptions(t *testing.T) {
	logger := &mockLogger{}

	opts, err := resolveOptions([]Option{
		nil,
		WithCodec(RawCodec{}),
		WithLogger(logger),
		WithMaxMessageSize(8192),
		WithEventBufferSize(50),
	})
	if err != nil {
		t.Fatalf("resolveOptions failed: %v", err)
	}

	if _, ok := opts.codec.(RawCodec); !ok {
		t.Error("codec not set")
	}
	if opts.logger != logger {
		t.Error("logger not set")
	}
	if opts.maxMessageSize != 8192 {
		t.Errorf("maxMessageSize = %d, want 8192", opts.maxMessageSize)
	}
	if opts.eventBufferSize != 50 {
		t.Errorf("eventBufferSize = %d, want 50", opts.eventBufferSize)
	}
}

func TestServerOptions_Defaults(t *testing.T) {
	var opts serverOptions
	if err := checkServerOptions(&opts); err != nil {
		t.Fatalf("checkServerOptions failed: %v", err)
	}

	if opts.handlerCount != runtime.GOMAXPROCS(0) {
		t.Errorf("handlerCount = %d, want %d", opts.handlerCount, runtime.GOMAXPROCS(0))
	}
	if opts.serverListener != nil {
		t.Error("serverListener set by default")
	}
}

func TestServerOptions_MultipleOptions(t *testing.T) {
	var opts serverOptions
	for _, opt := range []ServerOption{
		WithHandlerCount(3),
		WithServerListener(NopListener{}),
		WithReactorOptions(WithCodec(RawCodec{})),
		WithReactorOptions(WithEventBufferSize(16)),
	} {
		opt(&opts)
	}
	if err := checkServerOptions(&opts); err != nil {
		t.Fatalf("checkServerOptions failed: %v", err)
	}

	if opts.handlerCount != 3 {
		t.Errorf("handlerCount = %d, want 3", opts.handlerCount)
	}
	if opts.serverListener == nil {
		t.Error("serverListener not set")
	}
	if len(opts.reactor) != 2 {
		t.Errorf("len(reactor) = %d, want 2", len(opts.reactor))
	}
}

func TestWithHandlerCount_Invalid(t *testing.T) {
	for _, n := range []int{0, -2} {
		var opts serverOptions
		WithHandlerCount(n)(&opts)

		if err := checkServerOptions(&opts); err != ErrInvalidHandlerCount {
			t.Errorf("count %d: err = %v, want ErrInvalidHandlerCount", n, err)
		}
	}
}
