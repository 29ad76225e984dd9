package redisx

import "time"

const (
	// Idempotent order create: idem:order:create:{idempotency key} -> order_id
	KeyIdemOrderCreate = "idem:order:create:%s"

	// Cached order read: order_detail:{order_id} -> JSON of the joined order
	KeyOrderDetail = "order_detail:%s"

	// Generation counter of a cache dependency: cache_gen:{dep}
	KeyCacheGeneration = "cache_gen:%s"

	// Dependency bumped by any user or product change
	DepCatalog = "catalog"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Units sold per product (sorted set, member = product_id)
	KeyProductSales = "product_sales"

	// Products at or below the low-stock threshold (set of product_id)
	KeyLowStock = "low_stock"

	// Product version of the last stock level applied to low_stock (hash product_id -> version)
	KeyStockVersion = "stock_version"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLOrderDetail = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
	TTLGeneration  = time.Hour
)
