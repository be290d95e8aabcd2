package coap

// Client is the facade an application holds: one Config, one Endpoint,
// and the Put/Post entry points that build a request message and hand it
// to the Block1 driver (spec.md §4.E), mirroring teacher's `Client`
// struct (referenced throughout broker.go as `b.cl`) as the single owner
// of config, hooks, logger, and the verbs callers actually call.
type Client struct {
	cfg Config
	ep  *Endpoint
}

// NewClient builds a Client bound to socket, applying opts over the
// spec.md §6 defaults.
func NewClient(socket Socket, opts ...Opt) (*Client, error) {
	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, ep: NewEndpoint(socket, cfg)}, nil
}

// RequestOpt customizes a single Put/Post call beyond the Client's
// defaults.
type RequestOpt func(*requestSettings)

type requestSettings struct {
	blockSize     int
	contentFormat []byte
	token         []byte
}

// WithRequestBlockSize overrides the Client's default block size for one
// request.
func WithRequestBlockSize(n int) RequestOpt {
	return func(s *requestSettings) { s.blockSize = n }
}

// WithContentFormat sets the Content-Format option (spec.md §6, option 12)
// on one request.
func WithContentFormat(format uint16) RequestOpt {
	return func(s *requestSettings) {
		s.contentFormat = []byte{byte(format >> 8), byte(format)}
	}
}

// WithToken pins a request's Token instead of letting the Endpoint
// generate one.
func WithToken(token []byte) RequestOpt {
	return func(s *requestSettings) { s.token = token }
}

func (c *Client) newSettings(opts []RequestOpt) requestSettings {
	s := requestSettings{blockSize: c.cfg.blockSize}
	for _, o := range opts {
		o(&s)
	}
	return s
}

func uriPathOptions(path string) []Option {
	var opts []Option
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				opts = append(opts, Option{Number: OptionUriPath, Value: []byte(path[start:i])})
			}
			start = i + 1
		}
	}
	return opts
}

func (c *Client) buildBase(code Code, path string, s requestSettings) Message {
	msg := Message{Type: CON, Code: code, Token: s.token}
	// Uri-Path repeats once per segment, so the options are appended as a
	// group; WithOption would keep only the last segment.
	msg.Options = append(msg.Options, uriPathOptions(path)...)
	if s.contentFormat != nil {
		msg = msg.WithOption(Option{Number: OptionContentFormat, Value: s.contentFormat})
	}
	return msg
}

// Put issues a confirmable PUT of payload to path on peer, segmenting it
// via the Block1 driver if it exceeds the effective block size (spec.md
// §4.E). The first datagram is handed to the Socket before Put returns,
// but every event is raised later, by an inbound datagram or a fired
// timer, so listeners registered on the returned Request right away see
// all of them.
func (c *Client) Put(peer PeerAddr, path string, payload []byte, opts ...RequestOpt) *Request {
	return c.submit(PUT, peer, path, payload, opts)
}

// Post issues a confirmable POST, otherwise identical to Put.
func (c *Client) Post(peer PeerAddr, path string, payload []byte, opts ...RequestOpt) *Request {
	return c.submit(POST, peer, path, payload, opts)
}

func (c *Client) submit(code Code, peer PeerAddr, path string, payload []byte, opts []RequestOpt) *Request {
	s := c.newSettings(opts)
	base := c.buildBase(code, path, s)
	req := newRequest(peer)

	driver := newBlockwiseRequest(c.ep, peer, req, base, payload, s.blockSize, c.cfg.strictBlockGrowth)
	req.cancelFn = driver.cancel

	c.ep.Submit(driver.start)
	return req
}
