package domain

// Consumer is the UUID-identified holder of allocations. Consumers are
// created implicitly on first allocation and removed when their bundle
// becomes empty.
type Consumer struct {
	UUID      string `json:"uuid"`
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`

	// Generation is nil for consumers created before versioned consumers
	// and strictly increasing afterwards.
	Generation *int64 `json:"generation"`
}

// GenerationValue returns the generation or 0 for an unversioned consumer.
func (c *Consumer) GenerationValue() int64 {
	if c.Generation == nil {
		return 0
	}
	return *c.Generation
}
