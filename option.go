package mpl

import "runtime"

// Default configuration values.
const (
	// defaultMaxPackageLength is the default maximum payload of a single frame (1MB).
	defaultMaxPackageLength = 1024 * 1024
	// defaultEventBufferSize is the number of readiness events fetched per wait.
	defaultEventBufferSize = 128
)

// options holds the configuration shared by reactors and their connections.
type options struct {
	codec    Codec
	codecSet bool
	logger   Logger

	maxMessageSize  int // maximum payload of a single inbound frame
	eventBufferSize int // readiness events fetched per demultiplexer wait
}

// Option is a function that configures reactor and connection options.
type Option func(*options)

// WithCodec returns an Option that sets the message codec.
// If not set, GobCodec is used.
func WithCodec(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
		o.codecSet = true
	}
}

// WithLogger returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func WithLogger(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMaxMessageSize returns an Option that sets the largest frame payload
// accepted from a peer. A larger length prefix is a transport error.
func WithMaxMessageSize(size int) Option {
	return func(o *options) {
		o.maxMessageSize = size
	}
}

// WithEventBufferSize returns an Option that sets how many readiness events
// a reactor collects per wait.
func WithEventBufferSize(size int) Option {
	return func(o *options) {
		o.eventBufferSize = size
	}
}

// checkOptions validates and sets default values for options.
func checkOptions(opts *options) error {
	if opts.codecSet && opts.codec == nil {
		return ErrInvalidCodec
	}
	if opts.codec == nil {
		opts.codec = GobCodec{}
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.maxMessageSize <= 0 {
		opts.maxMessageSize = defaultMaxPackageLength
	}

	if opts.eventBufferSize <= 0 {
		opts.eventBufferSize = defaultEventBufferSize
	}

	return nil
}

func resolveOptions(opt []Option) (options, error) {
	var opts options
	for _, o := range opt {
		if o != nil {
			o(&opts)
		}
	}
	err := checkOptions(&opts)
	return opts, err
}

// serverOptions holds the configuration of a Server.
type serverOptions struct {
	handlerCount    int
	handlerCountSet bool
	serverListener  ServerListener
	reactor         []Option
}

// ServerOption configures a Server.
type ServerOption func(*serverOptions)

// WithHandlerCount sets the size of the reactor pool accepted connections
// are spread over. Defaults to GOMAXPROCS.
func WithHandlerCount(n int) ServerOption {
	return func(s *serverOptions) {
		s.handlerCount = n
		s.handlerCountSet = true
	}
}

// WithServerListener sets the receiver of server lifecycle events. By
// default the connection listener is used if it implements ServerListener.
func WithServerListener(l ServerListener) ServerOption {
	return func(s *serverOptions) {
		s.serverListener = l
	}
}

// WithReactorOptions applies opts to every reactor of the pool. The logger
// set here is also used by the server itself.
func WithReactorOptions(opts ...Option) ServerOption {
	return func(s *serverOptions) {
		s.reactor = append(s.reactor, opts...)
	}
}

func checkServerOptions(opts *serverOptions) error {
	if !opts.handlerCountSet {
		opts.handlerCount = runtime.GOMAXPROCS(0)
	}
	if opts.handlerCount < 1 {
		return ErrInvalidHandlerCount
	}
	return nil
}
