package request

import (
	"sort"
	"sync"
	"time"
)

// ReservedIDs is the highest id kept for handshake steps. Request ids start
// right after it.
const ReservedIDs = 9

// InterruptingValue is shown for requests whose batch was interrupted.
const InterruptingValue = "Interrupting..."

// Interrupter sends a best-effort interrupt for req on its connection.
type Interrupter func(req Request)

// Hooks notify the presentation layer. They are called without the
// registry lock held and may call back into the registry.
type Hooks struct {
	// OnUpdate fires after a request is created or changes state.
	OnUpdate func(req Request)
	// OnErase fires after a request left the registry.
	OnErase func(req Request)
}

// Params describe a request to create.
type Params struct {
	// ID is allocated when zero.
	ID int64
	// BatchID defaults to the request's own id.
	BatchID  int64
	Kind     Kind
	Code     string
	NS       string
	Session  string
	Owner    uint32
	Position Position
	Glyph    string
}

// Registry holds every live request, indexed by id and by context.
// It is safe for concurrent use: requests are created on the submitting
// goroutine and resolved on a connection's read goroutine.
type Registry struct {
	mu           sync.Mutex
	lastID       int64
	byID         map[int64]*Request
	byContext    map[string]map[int64]*Request
	interrupters map[uint32]Interrupter
	hooks        Hooks
}

// NewRegistry creates an empty registry.
func NewRegistry(hooks Hooks) *Registry {
	return &Registry{
		lastID:       ReservedIDs,
		byID:         make(map[int64]*Request),
		byContext:    make(map[string]map[int64]*Request),
		interrupters: make(map[uint32]Interrupter),
		hooks:        hooks,
	}
}

// NextID allocates a fresh request id.
func (r *Registry) NextID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastID++
	return r.lastID
}

// Attach registers the interrupter used for pending requests owned by owner
// when they are erased.
func (r *Registry) Attach(owner uint32, fn Interrupter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interrupters[owner] = fn
}

// Detach forgets the interrupter of owner.
func (r *Registry) Detach(owner uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.interrupters, owner)
}

// Create registers a single Pending request under context. A status request
// replaces any previous status request of the same context.
func (r *Registry) Create(context string, p Params) Request {
	return r.CreateBatch(context, []Params{p})[0]
}

// CreateBatch registers several Pending requests sharing one batch id. When
// the first params carry no BatchID, the batch id is the first request's id.
// Allocated ids within one call are consecutive.
func (r *Registry) CreateBatch(context string, params []Params) []Request {
	if len(params) == 0 {
		return nil
	}
	for _, p := range params {
		if p.Kind == KindStatus {
			r.Erase(func(req Request) bool { return req.Kind == KindStatus }, context)
			break
		}
	}

	r.mu.Lock()
	batch := params[0].BatchID
	created := make([]Request, 0, len(params))
	for _, p := range params {
		id := p.ID
		if id == 0 {
			r.lastID++
			id = r.lastID
		}
		if batch == 0 {
			batch = id
		}
		req := &Request{
			ID:       id,
			BatchID:  batch,
			Context:  context,
			Kind:     p.Kind,
			Code:     p.Code,
			NS:       p.NS,
			Session:  p.Session,
			Owner:    p.Owner,
			Position: p.Position,
			Status:   Pending,
			Glyph:    p.Glyph,
			Elapsed:  NoElapsed,
		}
		if p.BatchID != 0 {
			req.BatchID = p.BatchID
		}
		r.insert(req)
		created = append(created, *req)
	}
	r.mu.Unlock()

	for _, req := range created {
		r.updated(req)
	}
	return created
}

func (r *Registry) insert(req *Request) {
	r.byID[req.ID] = req
	ctx := r.byContext[req.Context]
	if ctx == nil {
		ctx = make(map[int64]*Request)
		r.byContext[req.Context] = ctx
	}
	ctx[req.ID] = req
}

func (r *Registry) remove(req *Request) {
	delete(r.byID, req.ID)
	if ctx := r.byContext[req.Context]; ctx != nil {
		delete(ctx, req.ID)
		if len(ctx) == 0 {
			delete(r.byContext, req.Context)
		}
	}
}

// ByID returns the request with the given id.
func (r *Registry) ByID(id int64) (Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.byID[id]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// ByBatch returns the requests of a batch ordered by id.
func (r *Registry) ByBatch(batch int64) []Request {
	return r.Select(func(req Request) bool { return req.BatchID == batch }, "")
}

// ByContext returns the requests of a context ordered by id.
func (r *Registry) ByContext(context string) []Request {
	return r.Select(func(Request) bool { return true }, context)
}

// Select returns matching requests ordered by id. An empty context selects
// across all contexts.
func (r *Registry) Select(pred func(Request) bool, context string) []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Request
	for _, req := range r.scope(context) {
		if pred(*req) {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

func (r *Registry) scope(context string) map[int64]*Request {
	if context == "" {
		return r.byID
	}
	return r.byContext[context]
}

// modify applies fn to the request with the given id and reports the change.
func (r *Registry) modify(id int64, fn func(req *Request)) bool {
	r.mu.Lock()
	req, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	fn(req)
	snapshot := *req
	r.mu.Unlock()

	r.updated(snapshot)
	return true
}

// SetSession records the session a request is evaluated in.
func (r *Registry) SetSession(id int64, session string) bool {
	return r.modify(id, func(req *Request) { req.Session = session })
}

// OnSuccess moves a request to Success. Pass NoElapsed when the remote did
// not report timing.
func (r *Registry) OnSuccess(id int64, value string, elapsed time.Duration) bool {
	return r.modify(id, func(req *Request) {
		req.Status = Success
		req.Value = value
		req.Elapsed = elapsed
	})
}

// OnException moves a request to Exception.
func (r *Registry) OnException(id int64, ex Failure) bool {
	return r.modify(id, func(req *Request) {
		req.Status = Exception
		req.Value = ex.Message
		req.ExLoc = ex.Location
		req.Trace = ex.Trace
	})
}

// OnLookup moves a request to Lookup. A nil info means the symbol was not found.
func (r *Registry) OnLookup(id int64, info *LookupInfo) bool {
	return r.modify(id, func(req *Request) {
		req.Status = Lookup
		req.Value = ""
		req.Info = info
	})
}

// SetTrace attaches a stack trace fetched after the exception was reported.
func (r *Registry) SetTrace(id int64, trace string) bool {
	return r.modify(id, func(req *Request) { req.Trace = trace })
}

// OnDone handles a completion for id, which is either a request id or a
// batch id. Requests that never reached Success or Exception are erased
// without an interrupt. The erased requests are returned.
func (r *Registry) OnDone(id int64) []Request {
	r.mu.Lock()
	_, single := r.byID[id]
	r.mu.Unlock()
	if single {
		return r.finish(func(req *Request) bool { return req.ID == id })
	}
	return r.OnBatchDone(id)
}

// OnBatchDone erases the requests of batch that are not terminal.
func (r *Registry) OnBatchDone(batch int64) []Request {
	return r.finish(func(req *Request) bool { return req.BatchID == batch })
}

func (r *Registry) finish(match func(req *Request) bool) []Request {
	r.mu.Lock()
	var erased []Request
	for _, req := range r.byID {
		if !match(req) || req.Status.Terminal() {
			continue
		}
		req.Status = Done
		erased = append(erased, *req)
	}
	for _, req := range erased {
		r.remove(r.byID[req.ID])
	}
	r.mu.Unlock()

	sort.Slice(erased, func(i, j int) bool { return erased[i].ID < erased[j].ID })
	for _, req := range erased {
		r.erased(req)
	}
	return erased
}

// Erase removes every request matching pred, optionally scoped to one
// context. Pending requests with a session get a best-effort interrupt
// through their owner's interrupter. It returns the number erased.
func (r *Registry) Erase(pred func(Request) bool, context string) int {
	type victim struct {
		req       Request
		interrupt Interrupter
	}

	r.mu.Lock()
	var victims []victim
	for _, req := range r.scope(context) {
		if !pred(*req) {
			continue
		}
		v := victim{req: *req}
		if req.Status == Pending && req.Session != "" {
			v.interrupt = r.interrupters[req.Owner]
		}
		victims = append(victims, v)
	}
	for _, v := range victims {
		r.remove(r.byID[v.req.ID])
	}
	r.mu.Unlock()

	sort.Slice(victims, func(i, j int) bool { return victims[i].req.ID < victims[j].req.ID })
	for _, v := range victims {
		if v.interrupt != nil {
			v.interrupt(v.req)
		}
		r.erased(v.req)
	}
	return len(victims)
}

// ClearCompleted erases every request of context that is neither pending
// nor being interrupted.
func (r *Registry) ClearCompleted(context string) int {
	return r.Erase(func(req Request) bool {
		return req.Status != Pending && req.Status != Interrupting
	}, context)
}

// OldestPending returns the lowest-id pending request of the oldest batch
// that still has pending work in context.
func (r *Registry) OldestPending(context string) (Request, bool) {
	pending := r.Select(func(req Request) bool { return req.Status == Pending }, context)
	if len(pending) == 0 {
		return Request{}, false
	}
	oldest := pending[0]
	for _, req := range pending[1:] {
		if req.BatchID < oldest.BatchID {
			oldest = req
		}
	}
	return oldest, true
}

// MarkInterrupting moves every pending request of batch to Interrupting.
func (r *Registry) MarkInterrupting(batch int64) []Request {
	r.mu.Lock()
	var marked []Request
	for _, req := range r.byID {
		if req.BatchID == batch && req.Status == Pending {
			req.Status = Interrupting
			req.Value = InterruptingValue
			marked = append(marked, *req)
		}
	}
	r.mu.Unlock()

	sort.Slice(marked, func(i, j int) bool { return marked[i].ID < marked[j].ID })
	for _, req := range marked {
		r.updated(req)
	}
	return marked
}

// Advance sets glyph on every pending request of context (all contexts when
// empty) and returns how many were updated.
func (r *Registry) Advance(glyph, context string) int {
	r.mu.Lock()
	var touched []Request
	for _, req := range r.scope(context) {
		if req.Status == Pending {
			req.Glyph = glyph
			touched = append(touched, *req)
		}
	}
	r.mu.Unlock()

	for _, req := range touched {
		r.updated(req)
	}
	return len(touched)
}

func (r *Registry) updated(req Request) {
	if r.hooks.OnUpdate != nil {
		r.hooks.OnUpdate(req)
	}
}

func (r *Registry) erased(req Request) {
	if r.hooks.OnErase != nil {
		r.hooks.OnErase(req)
	}
}
