package cache

type NoopCache struct{}

func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) Get(key PreviewKey) ([]byte, bool) {
	return nil, false
}

func (c *NoopCache) Set(key PreviewKey, value []byte) {
}

func (c *NoopCache) Has(key PreviewKey) bool {
	return false
}

func (c *NoopCache) Clear() {
}
