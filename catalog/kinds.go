package catalog

import "github.com/jacentio/stockroom/hierarchy"

// Entity kind names. Each selects one logical collection within a tenant's
// store.
const (
	KindCategory = "category"
	KindUnit     = "unit"
	KindProduct  = "product"
	KindParty    = "party"
	KindTax      = "tax"
)

// Attribute names through which products reference hierarchical entities.
const (
	attrGroup = "group"
	attrUnit  = "unit"
)

// NewDependentRegistry declares which records block deletion of
// hierarchical catalog entities: a product referencing a category or a
// unit keeps that entity alive.
func NewDependentRegistry() *hierarchy.Registry {
	r := hierarchy.NewRegistry()
	r.Register(KindCategory, hierarchy.Dependent{Kind: KindProduct, Attr: attrGroup})
	r.Register(KindUnit, hierarchy.Dependent{Kind: KindProduct, Attr: attrUnit})
	return r
}
