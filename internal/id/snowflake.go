package id

import (
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

var (
	node *snowflake.Node
	once sync.Once
)

// Init initializes the Snowflake node with the given node ID.
// It must run before the first NewTicketID call to take effect.
func Init(nodeID int64) error {
	var err error
	once.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// NewTicketID returns a time-ordered opaque ticket id.
// Without Init the generator runs as node 0.
func NewTicketID() string {
	once.Do(func() {
		node, _ = snowflake.NewNode(0)
	})
	return node.Generate().String()
}

// New returns a random id for users, comments, timeline entries and events.
func New() string {
	return uuid.NewString()
}
