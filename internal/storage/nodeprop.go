package storage

// VectorId is either a signed integer or a string id, per spec.md 3. Go
// has no tagged-union primitive, so VectorId is modeled as a struct with
// exactly one side populated; String() gives a stable identity key for
// maps (internal/lazy.EagerLazySet, internal/sparse posting lists).
type VectorId struct {
	IsString bool
	Int      int64
	Str      string
}

func IntID(v int64) VectorId  { return VectorId{Int: v} }
func StrID(v string) VectorId { return VectorId{IsString: true, Str: v} }

func (v VectorId) String() string {
	if v.IsString {
		return "s:" + v.Str
	}
	return "i:" + itoa(v.Int)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// NodeProp is the id/value/location triple from spec.md 3. Location is set
// the first time the prop is persisted; once set, the bytes at that range
// equal the prop's serialized form (an invariant the serializer package
// relies on).
type NodeProp struct {
	ID       VectorId
	Value    Storage
	Location *PropLocation // nil until first persist
}

type PropLocation struct {
	Offset uint32
	Len    uint32
}

// PropState models Pending/Ready: a prop read from disk starts Pending
// (only its location is known) and resolves to Ready on first read,
// monotonically, per spec.md 3.
type PropState struct {
	ready   bool
	pending *PropLocation
	prop    *NodeProp
}

func PendingProp(loc PropLocation) PropState {
	return PropState{pending: &loc}
}

func ReadyProp(p NodeProp) PropState {
	return PropState{ready: true, prop: &p}
}

func (p PropState) IsReady() bool { return p.ready }

// Resolve forces a Pending PropState to Ready using loader to fetch and
// decode the bytes at its location. Calling Resolve on an already-Ready
// state is a no-op that returns the cached prop.
func (p *PropState) Resolve(loader func(PropLocation) (NodeProp, error)) (NodeProp, error) {
	if p.ready {
		return *p.prop, nil
	}
	prop, err := loader(*p.pending)
	if err != nil {
		return NodeProp{}, err
	}
	p.prop = &prop
	p.ready = true
	return prop, nil
}
