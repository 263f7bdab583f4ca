package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// PlaceholderTitle is stored on chat creation until a generated title lands.
const PlaceholderTitle = "New chat"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Chat struct {
	ID         string     `gorm:"primaryKey;size:64" json:"id"`
	UserID     string     `gorm:"type:varchar(64);index;not null" json:"userId"`
	Title      string     `gorm:"type:varchar(255);not null" json:"title"`
	Visibility Visibility `gorm:"type:varchar(16);not null" json:"visibility"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

func (Chat) TableName() string { return "chats" }

// Message is the domain form of a stored message.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId,omitempty"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Clone copies the part slice and approvals so the copy can be mutated freely.
func (m Message) Clone() Message {
	out := m
	out.Parts = make([]Part, len(m.Parts))
	copy(out.Parts, m.Parts)
	for i := range out.Parts {
		if a := out.Parts[i].Approval; a != nil {
			cp := *a
			if a.Approved != nil {
				v := *a.Approved
				cp.Approved = &v
			}
			out.Parts[i].Approval = &cp
		}
	}
	return out
}

// ToolPart returns the tool part for callID, or nil.
func (m *Message) ToolPart(callID string) *Part {
	for i := range m.Parts {
		if m.Parts[i].Type == PartTool && m.Parts[i].ToolCallID == callID {
			return &m.Parts[i]
		}
	}
	return nil
}

// ApprovalPart returns the tool part carrying approvalID, or nil.
func (m *Message) ApprovalPart(approvalID string) *Part {
	for i := range m.Parts {
		p := &m.Parts[i]
		if p.Type == PartTool && p.Approval != nil && p.Approval.ID == approvalID {
			return p
		}
	}
	return nil
}

// Text concatenates the text parts.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	return out
}

// MessageRow is the persisted shape; parts are stored as one JSON column.
type MessageRow struct {
	ChatID    string         `gorm:"primaryKey;type:varchar(64);index:idx_chat_msg_chat_created,priority:1"`
	ID        string         `gorm:"primaryKey;type:varchar(64)"`
	Role      Role           `gorm:"type:varchar(16);index;not null"`
	Parts     datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time      `gorm:"index:idx_chat_msg_chat_created,priority:2"`
}

func (MessageRow) TableName() string { return "chat_messages" }

func toRow(m Message) (MessageRow, error) {
	parts := m.Parts
	if parts == nil {
		parts = []Part{}
	}
	b, err := json.Marshal(parts)
	if err != nil {
		return MessageRow{}, fmt.Errorf("encode parts of %s: %w", m.ID, err)
	}
	return MessageRow{
		ChatID:    m.ChatID,
		ID:        m.ID,
		Role:      m.Role,
		Parts:     datatypes.JSON(b),
		CreatedAt: m.CreatedAt,
	}, nil
}

func fromRow(r MessageRow) (Message, error) {
	var parts []Part
	if len(r.Parts) > 0 {
		if err := json.Unmarshal(r.Parts, &parts); err != nil {
			return Message{}, fmt.Errorf("decode parts of %s: %w", r.ID, err)
		}
	}
	return Message{
		ID:        r.ID,
		ChatID:    r.ChatID,
		Role:      r.Role,
		Parts:     parts,
		CreatedAt: r.CreatedAt,
	}, nil
}

// StreamRecord links a resumable stream id to its chat.
type StreamRecord struct {
	ID        string    `gorm:"primaryKey;size:26"` // ULID length
	ChatID    string    `gorm:"type:varchar(64);index;not null"`
	CreatedAt time.Time `gorm:"index"`
}

func (StreamRecord) TableName() string { return "chat_streams" }
