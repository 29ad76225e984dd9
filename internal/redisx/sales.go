package redisx

import (
	"context"
	"github.com/redis/go-redis/v9"
)

type ProductSales struct {
	ProductID string `json:"productId"`
	UnitsSold int64  `json:"unitsSold"`
	Rank      int64  `json:"rank"`
}

// Sales reads the projections maintained by the worker.
type Sales struct{ rdb *redis.Client }

func NewSales(rdb *redis.Client) *Sales { return &Sales{rdb: rdb} }

func (s *Sales) TopSellers(ctx context.Context, n int64) ([]ProductSales, error) {
	zs, err := s.rdb.ZRevRangeWithScores(ctx, KeyProductSales, 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ProductSales, 0, len(zs))
	for i, z := range zs {
		if z.Score <= 0 {
			continue
		}
		id, _ := z.Member.(string)
		out = append(out, ProductSales{ProductID: id, UnitsSold: int64(z.Score), Rank: int64(i + 1)})
	}
	return out, nil
}

func (s *Sales) LowStock(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, KeyLowStock).Result()
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}
