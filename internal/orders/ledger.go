package orders

// The ledger is pure arithmetic over a product snapshot. Callers make sure the
// snapshot is current: a row lock (pessimistic) or a version check (optimistic).

// Reserve returns the stock left after taking quantity.
func Reserve(stock, quantity int) (int, error) {
	if quantity <= 0 {
		return stock, validation("Quantity must be a positive integer")
	}
	if stock < quantity {
		return stock, errNotEnoughStock
	}
	return stock - quantity, nil
}

// AdjustForUpdate moves a reservation from oldQty to newQty. A positive delta
// gives stock back, a negative one takes more.
func AdjustForUpdate(stock, oldQty, newQty int) (int, error) {
	if newQty <= 0 {
		return stock, validation("Quantity must be a positive integer")
	}
	next := stock + (oldQty - newQty)
	if next < 0 {
		return stock, errNotEnoughStock
	}
	return next, nil
}

// Release returns quantity to stock.
func Release(stock, quantity int) int {
	if quantity <= 0 {
		return stock
	}
	return stock + quantity
}
