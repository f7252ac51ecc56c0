package shard

// Sharded is implemented by record types whose rows live on a shard.
// The Router resolves their handle from the calling scope.
// Types that do not implement it always use the default store.
type Sharded interface {
	Sharded()
}

// Aware is embedded by record types to mark them shard-aware:
//
//	type Article struct {
//	    shard.Aware
//	    ID     int64
//	    UserID int64
//	}
type Aware struct{}

// Sharded implements the Sharded interface.
func (Aware) Sharded() {}

// IsSharded reports whether model is shard-aware.
func IsSharded(model any) bool {
	_, ok := model.(Sharded)
	return ok
}
