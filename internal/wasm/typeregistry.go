package wasm

import "sync"

// TypeRegistry hash-conses composite types across every module loaded into
// a Store, assigning each canonical rec group a single TypeID so that
// call_indirect and call_ref can compare types across module boundaries in
// O(1) instead of performing a structural walk per call.
//
// A rec group's canonical form replaces any intra-group type reference with
// an offset relative to the group's first type, so that two modules
// declaring textually distinct but structurally identical rec groups (e.g.
// after static linking merges their type sections) hash to the same key.
type TypeRegistry struct {
	mu sync.Mutex

	// keyToID maps a canonical rec-group key to the TypeIDs assigned to its
	// members, in declaration order.
	keyToID map[string][]TypeID

	nextID TypeID

	// idToType lets a TypeID be resolved back to its CompositeType for
	// subtype-chain walks and debug output.
	idToType map[TypeID]*CompositeType

	// superOf maps a TypeID to its direct supertype's TypeID, when any.
	superOf map[TypeID]TypeID
}

// NewTypeRegistry returns an empty registry. A Store owns exactly one.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		keyToID:  map[string][]TypeID{},
		idToType: map[TypeID]*CompositeType{},
		superOf:  map[TypeID]TypeID{},
		nextID:   1, // 0 is reserved to mean "no type" in a few call sites.
	}
}

// Register canonicalizes every rec group of m and assigns TypeIDs to each
// composite type, mutating m.flattenedTypes' TypeID fields in place. It is
// idempotent: registering the same module twice is a no-op the second time.
func (r *TypeRegistry) Register(m *Module) {
	r.mu.Lock()
	defer r.mu.Unlock()

	base := Index(0)
	for _, rg := range m.TypeSection {
		key := canonicalRecGroupKey(rg, base)
		ids, ok := r.keyToID[key]
		if !ok {
			ids = make([]TypeID, len(rg.Types))
			for i, ct := range rg.Types {
				id := r.nextID
				r.nextID++
				ids[i] = id
				r.idToType[id] = ct
			}
			r.keyToID[key] = ids
		}
		for i, ct := range rg.Types {
			ct.TypeID = ids[i]
		}
		base += Index(len(rg.Types))
	}

	// Resolve each member's Supertype (a module-global flattened index)
	// into a TypeID now that every member in this module has one.
	for _, ct := range m.flattenedTypes {
		if ct.Supertype >= 0 {
			r.superOf[ct.TypeID] = m.flattenedTypes[ct.Supertype].TypeID
		}
	}
}

// RegisterFunctionType assigns (or finds) the TypeID for a standalone
// function signature declared outside any module, e.g. by a host-module
// builder. It behaves exactly as if the signature appeared as its own
// single-member, final rec group.
func (r *TypeRegistry) RegisterFunctionType(ft *FunctionType) TypeID {
	ct := &CompositeType{Kind: CompositeTypeFunc, FuncType: ft, Supertype: -1, Final: true}
	rg := &RecGroup{Types: []*CompositeType{ct}}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := canonicalRecGroupKey(rg, 0)
	ids, ok := r.keyToID[key]
	if !ok {
		id := r.nextID
		r.nextID++
		ids = []TypeID{id}
		r.idToType[id] = ct
		r.keyToID[key] = ids
	}
	ct.TypeID = ids[0]
	return ids[0]
}

// TypeOf resolves a previously registered TypeID back to its CompositeType.
func (r *TypeRegistry) TypeOf(id TypeID) *CompositeType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idToType[id]
}

// IsSubtype reports whether sub is a (reflexive, transitive) subtype of
// super, walking the supertype chain recorded by Register. Both IDs must
// belong to this registry.
func (r *TypeRegistry) IsSubtype(sub, super TypeID) bool {
	if sub == super {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for cur, ok := r.superOf[sub]; ok; cur, ok = r.superOf[cur] {
		if cur == super {
			return true
		}
	}
	return false
}

// canonicalRecGroupKey renders rg into a string distinguishing it from any
// structurally different rec group, while equating two structurally
// identical ones regardless of which module declared them. Intra-group
// type references are not resolved here (the binary format only ever
// references prior or supertype indices by absolute module-global index);
// base is folded into the key so that cross-module references pointing at
// the same relative offset collide correctly.
func canonicalRecGroupKey(rg *RecGroup, base Index) string {
	var sb []byte
	for _, ct := range rg.Types {
		sb = append(sb, byte(ct.Kind))
		if ct.Final {
			sb = append(sb, 1)
		} else {
			sb = append(sb, 0)
		}
		if ct.Supertype < 0 {
			// No supertype: a fixed marker, so the key is independent of
			// where in the module's type index space this group begins.
			sb = append(sb, 0xff)
		} else {
			sb = append(sb, 0xfe)
			sb = appendVarint(sb, uint64(int64(ct.Supertype)-int64(base)))
		}
		switch ct.Kind {
		case CompositeTypeFunc:
			sb = append(sb, '(')
			for _, p := range ct.FuncType.Params {
				sb = append(sb, p)
			}
			sb = append(sb, ')')
			for _, rr := range ct.FuncType.Results {
				sb = append(sb, rr)
			}
		case CompositeTypeStruct:
			sb = append(sb, '{')
			for _, f := range ct.StructType.Fields {
				sb = append(sb, f.Type)
				if f.Mutable {
					sb = append(sb, 1)
				} else {
					sb = append(sb, 0)
				}
			}
			sb = append(sb, '}')
		case CompositeTypeArray:
			sb = append(sb, '[', ct.ArrayType.Element)
			if ct.ArrayType.Mutable {
				sb = append(sb, 1)
			} else {
				sb = append(sb, 0)
			}
			sb = append(sb, ']')
		}
		sb = append(sb, ';')
	}
	return string(sb)
}

func appendVarint(b []byte, v uint64) []byte {
	for v >= 0x80 {
		b = append(b, byte(v)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}
