package orders

const (
	TopicOrderCreated   = "order.created"
	TopicOrderUpdated   = "order.updated"
	TopicOrderCancelled = "order.cancelled"
	TopicProductStock   = "product.stock"
)

// Topics is every topic the order service publishes to.
var Topics = []string{TopicOrderCreated, TopicOrderUpdated, TopicOrderCancelled, TopicProductStock}

func TopicFor(eventType string) string {
	switch eventType {
	case EventOrderCreated:
		return TopicOrderCreated
	case EventOrderUpdated:
		return TopicOrderUpdated
	case EventOrderCancelled:
		return TopicOrderCancelled
	case EventStockAdjusted:
		return TopicProductStock
	}
	return ""
}

// Partition key = product id. Order holds within one topic only; consumers
// compare ProductVersion to order stock levels across topics.
func PartitionKey(productID string) []byte { return []byte(productID) }
