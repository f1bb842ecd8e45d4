package txcodec

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nkkko/chainwatch/internal/metrics"
	"github.com/nkkko/chainwatch/pkg/types"
)

// CachingDecoder memoizes another decoder by transaction hash. A
// transaction usually arrives twice, once inside its block and once as a Tx
// event, so the second decode is served from the cache.
type CachingDecoder struct {
	next    Decoder
	cache   *lru.TwoQueueCache
	metrics *metrics.Metrics
}

// NewCachingDecoder wraps next with a 2Q cache holding up to size transactions
func NewCachingDecoder(next Decoder, size int) (*CachingDecoder, error) {
	cache, err := lru.New2Q(size)
	if err != nil {
		return nil, err
	}

	return &CachingDecoder{
		next:    next,
		cache:   cache,
		metrics: metrics.GetMetrics(),
	}, nil
}

// Decode returns a private copy of the decoded transaction
func (c *CachingDecoder) Decode(raw []byte) (*types.Tx, error) {
	key := Hash(raw)

	if value, found := c.cache.Get(key); found {
		c.metrics.TxCacheHitsTotal.Inc()
		return cloneTx(value.(*types.Tx)), nil
	}
	c.metrics.TxCacheMissesTotal.Inc()

	start := time.Now()
	tx, err := c.next.Decode(raw)
	c.metrics.TxDecodeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	c.cache.Add(key, tx)
	return cloneTx(tx), nil
}

// Len returns the number of cached transactions
func (c *CachingDecoder) Len() int {
	return c.cache.Len()
}

// Purge empties the cache
func (c *CachingDecoder) Purge() {
	c.cache.Purge()
}

func cloneTx(tx *types.Tx) *types.Tx {
	out := &types.Tx{
		Raw:      append([]byte(nil), tx.Raw...),
		AuthInfo: append([]byte(nil), tx.AuthInfo...),
		Body: types.TxBody{
			Memo:          tx.Body.Memo,
			TimeoutHeight: tx.Body.TimeoutHeight,
		},
	}
	if tx.Body.Messages != nil {
		out.Body.Messages = make([]types.Any, len(tx.Body.Messages))
		for i, m := range tx.Body.Messages {
			out.Body.Messages[i] = types.Any{TypeURL: m.TypeURL, Value: append([]byte(nil), m.Value...)}
		}
	}
	for _, sig := range tx.Signatures {
		out.Signatures = append(out.Signatures, append([]byte(nil), sig...))
	}
	return out
}
