// Package event holds the normalized inbound event record produced by
// the decoder and consumed by handler chains.
package event

import "strings"

// Kind tags the message variant.
type Kind string

const (
	KindText          Kind = "text"
	KindAt            Kind = "at"
	KindImage         Kind = "image"
	KindVoice         Kind = "voice"
	KindVideo         Kind = "video"
	KindFile          Kind = "file"
	KindEmoji         Kind = "emoji"
	KindQuote         Kind = "quote"
	KindPat           Kind = "pat"
	KindSystem        Kind = "system"
	KindFriendRequest Kind = "friend_request"
	KindOther         Kind = "other"
)

// Kinds lists every dispatchable kind, used for registration
// validation.
var Kinds = []Kind{
	KindText, KindAt, KindImage, KindVoice, KindVideo, KindFile,
	KindEmoji, KindQuote, KindPat, KindSystem, KindFriendRequest,
	KindOther,
}

// Valid reports whether k is a registered kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Event is the normalized record. FromConv is always the other end of
// the conversation from the bot's perspective; the decoder inverts
// self-sent frames before this struct is built.
type Event struct {
	MsgID      int64
	NewMsgID   int64
	CreateTime int64
	Kind       Kind
	FromConv   string
	Sender     string
	IsGroup    bool
	AtList     []string
	RawSource  string

	// Text content; also set for at and quote events.
	Text string

	// Image fields.
	ImageBytes []byte
	AESKey     string
	CDNURL     string

	// Voice.
	WAVBytes []byte

	// Video.
	MP4Bytes []byte

	// File.
	Filename  string
	Ext       string
	FileBytes []byte

	// Emoji.
	EmojiMD5 string
	EmojiLen int64

	// Quote: the referred sub-event.
	Quoted *Event

	// Pat.
	Patter string
	Patted string
	Suffix string

	// System.
	Subtype string

	// Friend request.
	Scene int
	V1    string
	V2    string
}

// IsGroupConv reports whether a conversation id names a chatroom.
func IsGroupConv(conv string) bool {
	return strings.HasSuffix(conv, "@chatroom")
}

// Mentions reports whether wxid appears in the at-list.
func (e *Event) Mentions(wxid string) bool {
	for _, id := range e.AtList {
		if id == wxid {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. The dispatcher hands each handler its own
// copy so mutations never leak across the chain.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	if e.AtList != nil {
		out.AtList = append([]string(nil), e.AtList...)
	}
	out.ImageBytes = cloneBytes(e.ImageBytes)
	out.WAVBytes = cloneBytes(e.WAVBytes)
	out.MP4Bytes = cloneBytes(e.MP4Bytes)
	out.FileBytes = cloneBytes(e.FileBytes)
	out.Quoted = e.Quoted.Clone()
	return &out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
