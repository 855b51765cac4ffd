// Package protocol defines the wire message protocol between client
// and server, per spec §6: a strongly-typed inbound edit/cursor frame
// and the six outbound frame kinds (operation, cursor, users_list /
// user_joined / user_left, reset). Inbound frames are parsed into
// this typed shape at the boundary adapter; loosely-typed maps never
// propagate past it (spec §9 Design Note).
package protocol

import "encoding/json"

// OperationFrame is the wire shape of a single edit, per spec §6's
// "Inbound edit frame".
type OperationFrame struct {
	Type        string `json:"type"` // "INSERT" | "DELETE"
	Content     string `json:"content,omitempty"`
	Length      int    `json:"length,omitempty"`
	Position    int    `json:"position"`
	BaseVersion int64  `json:"baseVersion"`
}

// EditFrame is a client's request to apply an operation.
type EditFrame struct {
	DocumentID string         `json:"documentId"`
	UserID     string         `json:"userId"`
	UserName   string         `json:"userName"`
	Operation  OperationFrame `json:"operation"`
}

// CursorFrame is a client's caret-position update.
type CursorFrame struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	UserName   string `json:"userName"`
	Position   int    `json:"position"`
}

// ClientMsg is a tagged union of inbound messages; exactly one field
// is set per message.
type ClientMsg struct {
	Edit   *EditFrame   `json:"Edit,omitempty"`
	Cursor *CursorFrame `json:"Cursor,omitempty"`
}

// UnmarshalJSON implements the tagged-union parse: only the field
// present in the wire payload is populated.
func (m *ClientMsg) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if editData, ok := raw["Edit"]; ok {
		var edit EditFrame
		if err := json.Unmarshal(editData, &edit); err != nil {
			return err
		}
		m.Edit = &edit
	}

	if cursorData, ok := raw["Cursor"]; ok {
		var cursor CursorFrame
		if err := json.Unmarshal(cursorData, &cursor); err != nil {
			return err
		}
		m.Cursor = &cursor
	}

	return nil
}

// OperationMsg is the outbound "operation" frame: the applied,
// transformed op plus its server-assigned id and authoring metadata.
type OperationMsg struct {
	OperationID int64  `json:"operationId"`
	BaseVersion int64  `json:"baseVersion"`
	AuthorID    string `json:"authorId"`
	Type        string `json:"type"`
	Content     string `json:"content,omitempty"`
	Length      int    `json:"length,omitempty"`
	Position    int    `json:"position"`
}

// CursorMsg is the outbound "cursor" frame.
type CursorMsg struct {
	UserID   string `json:"userId"`
	Position int    `json:"position"`
	UserName string `json:"userName"`
	Color    string `json:"color"`
}

// UserEntry describes one member in a UsersListMsg.
type UserEntry struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// UsersListMsg is the outbound full-membership snapshot sent on join.
type UsersListMsg struct {
	Users []UserEntry `json:"users"`
}

// UserJoinedMsg / UserLeftMsg are outbound membership deltas.
type UserJoinedMsg struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type UserLeftMsg struct {
	UserID string `json:"userId"`
}

// ResetMsg is the outbound frame issued after a revert or a stale
// edit, per spec §7/§4.4.
type ResetMsg struct {
	Text          string `json:"text"`
	ServerVersion int64  `json:"serverVersion"`
}

// ServerMsg is a tagged union of outbound messages; exactly one field
// is set per message.
type ServerMsg struct {
	Operation  *OperationMsg  `json:"Operation,omitempty"`
	Cursor     *CursorMsg     `json:"Cursor,omitempty"`
	UsersList  *UsersListMsg  `json:"UsersList,omitempty"`
	UserJoined *UserJoinedMsg `json:"UserJoined,omitempty"`
	UserLeft   *UserLeftMsg   `json:"UserLeft,omitempty"`
	Reset      *ResetMsg      `json:"Reset,omitempty"`
}

// MarshalJSON ensures only the set field is present in the JSON
// output, matching the tagged-union wire contract.
func (m *ServerMsg) MarshalJSON() ([]byte, error) {
	result := make(map[string]interface{})

	switch {
	case m.Operation != nil:
		result["Operation"] = m.Operation
	case m.Cursor != nil:
		result["Cursor"] = m.Cursor
	case m.UsersList != nil:
		result["UsersList"] = m.UsersList
	case m.UserJoined != nil:
		result["UserJoined"] = m.UserJoined
	case m.UserLeft != nil:
		result["UserLeft"] = m.UserLeft
	case m.Reset != nil:
		result["Reset"] = m.Reset
	}

	return json.Marshal(result)
}

// Constructors for outbound messages.

func NewOperationMsg(m OperationMsg) *ServerMsg        { return &ServerMsg{Operation: &m} }
func NewCursorMsg(m CursorMsg) *ServerMsg              { return &ServerMsg{Cursor: &m} }
func NewUsersListMsg(users []UserEntry) *ServerMsg     { return &ServerMsg{UsersList: &UsersListMsg{Users: users}} }
func NewUserJoinedMsg(id, name string) *ServerMsg      { return &ServerMsg{UserJoined: &UserJoinedMsg{UserID: id, UserName: name}} }
func NewUserLeftMsg(id string) *ServerMsg              { return &ServerMsg{UserLeft: &UserLeftMsg{UserID: id}} }
func NewResetMsg(text string, serverVersion int64) *ServerMsg {
	return &ServerMsg{Reset: &ResetMsg{Text: text, ServerVersion: serverVersion}}
}
