package domain

// CursorPosition is a collaborator's pointer location in the itinerary view.
type CursorPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PresenceState is the ephemeral per-connection awareness payload relayed
// to session peers. It is never persisted and is cleared on disconnect.
type PresenceState struct {
	UserID         string          `json:"user_id"`
	Cursor         *CursorPosition `json:"cursor"`
	EditingBlockID *string         `json:"editing_block_id"`
}
