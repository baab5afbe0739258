package gateway

// PendingCount exposes the number of in-flight requests to external tests.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
