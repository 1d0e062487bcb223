package store

import "context"

// Namespaced confines kv to keys starting with prefix. Closing the returned
// KV does not close kv.
func Namespaced(kv KV, prefix string) KV {
	return &namespaced{kv: kv, prefix: prefix}
}

type namespaced struct {
	kv     KV
	prefix string
}

func (n *namespaced) Get(ctx context.Context, key string) ([]byte, error) {
	return n.kv.Get(ctx, n.prefix+key)
}

func (n *namespaced) Set(ctx context.Context, key string, value []byte) error {
	return n.kv.Set(ctx, n.prefix+key, value)
}

func (n *namespaced) Delete(ctx context.Context, key string) error {
	return n.kv.Delete(ctx, n.prefix+key)
}

func (n *namespaced) Ping(ctx context.Context) error { return n.kv.Ping(ctx) }

func (n *namespaced) Close() error { return nil }
