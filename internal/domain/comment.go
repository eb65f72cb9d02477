package domain

import "time"

// Comment is one entry in a block's discussion thread.
type Comment struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// CommentThread groups the comments attached to one block. The BlockID is
// a weak reference: deleting the block does not delete its thread, so a
// thread may outlive its block and surface as orphaned.
type CommentThread struct {
	BlockID  string    `json:"block_id"`
	Comments []Comment `json:"comments"`
	Resolved bool      `json:"resolved"`
}
