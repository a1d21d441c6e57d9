package chat

import "time"

// Session is the public view of a browser session.
type Session struct {
	ID            string    `json:"id"`
	PersonaID     string    `json:"personaId"`
	AvatarActive  bool      `json:"avatarActive"`
	MemoryState   string    `json:"memoryState"`
	TurnCount     int       `json:"turnCount"`
	PersistedUpTo int       `json:"persistedUpTo"`
	CreatedAt     time.Time `json:"createdAt"`
}
