package client

// Raw is the bare nREPL dialect: clone a session and evaluate in it. It
// needs nothing installed on the remote side.
type Raw struct {
	nrepl
	handlers []Handler
}

// NewRaw creates the Raw dialect.
func NewRaw() *Raw {
	d := &Raw{nrepl: nrepl{evalOp: "eval"}}
	d.handlers = []Handler{
		handshakeHandler(),
		sessionClosedHandler(),
		valueHandler(nil, nil),
		d.rawExceptionHandler(),
		lookupHandler(),
		outputHandler("out"),
		outputHandler("err"),
		doneHandler(),
	}
	return d
}

func (d *Raw) Name() string { return "raw" }

func (d *Raw) Handshake(c *Conn) error {
	return c.startHandshake([]Step{cloneStep()})
}

func (d *Raw) Handlers() []Handler { return d.handlers }
