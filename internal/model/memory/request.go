package memory

import "github.com/zhouzirui/z-avatar/backend/internal/model/chat"

// Message is one entry of a conversation record, without timestamp.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Record is the conversation shape accepted for ingestion.
type Record struct {
	Messages []Message `json:"messages"`
}

// RecordFromTurns strips timestamps and keeps turn order.
func RecordFromTurns(turns []chat.Turn) Record {
	messages := make([]Message, 0, len(turns))
	for _, turn := range turns {
		messages = append(messages, Message{Role: string(turn.Role), Content: turn.Content})
	}
	return Record{Messages: messages}
}

// Scope tags stored memories with their owner.
type Scope struct {
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	AgentName string `json:"agent_name,omitempty"`
}

// MemorizeRequest submits a record inline, or staged at ResourcePath.
type MemorizeRequest struct {
	Scope        Scope   `json:"scope"`
	Record       *Record `json:"record,omitempty"`
	ResourcePath string  `json:"resourcePath,omitempty"`
}

// QueryContent wraps free text the way the retrieval API expects.
type QueryContent struct {
	Text string `json:"text"`
}

// Query is one retrieval query object.
type Query struct {
	Role    string       `json:"role"`
	Content QueryContent `json:"content"`
}

// RetrieveRequest asks for memories related to Queries, filtered by Where.
type RetrieveRequest struct {
	Queries []Query           `json:"queries"`
	Where   map[string]string `json:"where"`
	Limit   int               `json:"limit,omitempty"`
}

// UserQuery builds the single-query request used by the bridge, filtered by user only.
func UserQuery(text string, scope Scope) RetrieveRequest {
	return RetrieveRequest{
		Queries: []Query{{Role: "user", Content: QueryContent{Text: text}}},
		Where:   map[string]string{"user_id": scope.UserID},
	}
}

// Text returns the text of the last query, or "".
func (r RetrieveRequest) Text() string {
	if len(r.Queries) == 0 {
		return ""
	}
	return r.Queries[len(r.Queries)-1].Content.Text
}
