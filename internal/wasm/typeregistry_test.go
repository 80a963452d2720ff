package wasm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func funcTypeModule(sigs ...*FunctionType) *Module {
	m := &Module{}
	for _, sig := range sigs {
		m.TypeSection = append(m.TypeSection, &RecGroup{
			Types: []*CompositeType{{Kind: CompositeTypeFunc, FuncType: sig, Supertype: -1, Final: true}},
		})
	}
	m.BuildFlattenedTypes()
	return m
}

func TestRegistryDeduplicatesAcrossModules(t *testing.T) {
	r := NewTypeRegistry()
	sig := func() *FunctionType {
		return &FunctionType{Params: []ValueType{ValueTypeI32, ValueTypeI32}, Results: []ValueType{ValueTypeI32}}
	}

	a := funcTypeModule(sig(), &FunctionType{Params: []ValueType{ValueTypeI64}, Results: []ValueType{ValueTypeI64}})
	b := funcTypeModule(&FunctionType{Results: []ValueType{ValueTypeF64}}, sig())
	r.Register(a)
	r.Register(b)

	// Structurally identical signatures share a TypeID regardless of the
	// declaring module or their position in its type index space.
	require.Equal(t, a.TypeOfIndex(0).TypeID, b.TypeOfIndex(1).TypeID)
	require.NotEqual(t, a.TypeOfIndex(0).TypeID, a.TypeOfIndex(1).TypeID)
	require.NotEqual(t, a.TypeOfIndex(1).TypeID, b.TypeOfIndex(0).TypeID)
}

func TestRegistryIdempotentRegistration(t *testing.T) {
	r := NewTypeRegistry()
	m := funcTypeModule(&FunctionType{Params: []ValueType{ValueTypeI32}})
	r.Register(m)
	first := m.TypeOfIndex(0).TypeID
	r.Register(m)
	require.Equal(t, first, m.TypeOfIndex(0).TypeID)
}

func TestRegistryStandaloneFunctionType(t *testing.T) {
	r := NewTypeRegistry()
	m := funcTypeModule(&FunctionType{Params: []ValueType{ValueTypeI32}, Results: []ValueType{ValueTypeI32}})
	r.Register(m)

	id := r.RegisterFunctionType(&FunctionType{Params: []ValueType{ValueTypeI32}, Results: []ValueType{ValueTypeI32}})
	require.Equal(t, m.TypeOfIndex(0).TypeID, id)
}

func TestRegistrySubtypeChain(t *testing.T) {
	r := NewTypeRegistry()
	m := &Module{}
	sup := &CompositeType{Kind: CompositeTypeStruct, StructType: &StructType{Fields: []StructField{{Type: ValueTypeI32}}}, Supertype: -1}
	sub := &CompositeType{Kind: CompositeTypeStruct, StructType: &StructType{Fields: []StructField{{Type: ValueTypeI32}, {Type: ValueTypeI64}}}, Supertype: 0}
	m.TypeSection = []*RecGroup{{Types: []*CompositeType{sup, sub}}}
	m.BuildFlattenedTypes()
	r.Register(m)

	require.True(t, r.IsSubtype(sub.TypeID, sup.TypeID))
	require.True(t, r.IsSubtype(sub.TypeID, sub.TypeID))
	require.False(t, r.IsSubtype(sup.TypeID, sub.TypeID))
}
