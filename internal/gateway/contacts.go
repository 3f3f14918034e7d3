package gateway

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Contact is the slim view of a gateway contact record. The gateway
// nests display fields inside {"string": ...} wrappers, so the raw
// payload is walked with gjson instead of a struct mirror.
type Contact struct {
	Wxid     string
	Nickname string
	Remark   string
	Alias    string
	Avatar   string
}

func contactFromJSON(v gjson.Result) Contact {
	return Contact{
		Wxid:     stringField(v, "UserName"),
		Nickname: stringField(v, "NickName"),
		Remark:   stringField(v, "Remark"),
		Alias:    v.Get("Alias").String(),
		Avatar:   v.Get("BigHeadImgUrl").String(),
	}
}

// stringField reads either {"string": "x"} or a bare "x".
func stringField(v gjson.Result, key string) string {
	f := v.Get(key)
	if s := f.Get("string"); s.Exists() {
		return s.String()
	}
	return f.String()
}

func (c *Client) GetProfile(ctx context.Context) (*Contact, error) {
	raw, err := c.postRaw(ctx, "GetProfile", map[string]any{"Wxid": c.wxid})
	if err != nil {
		return nil, err
	}
	contact := contactFromJSON(gjson.GetBytes(raw, "userInfo"))
	if contact.Wxid == "" {
		contact = contactFromJSON(gjson.ParseBytes(raw))
	}
	return &contact, nil
}

func (c *Client) GetMyQRCode(ctx context.Context) (string, error) {
	raw, err := c.postRaw(ctx, "GetMyQRCode", map[string]any{"Wxid": c.wxid, "Style": 0})
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(raw, "qrcode.buffer").String(), nil
}

// GetContact resolves one or more wxids to contact records.
func (c *Client) GetContact(ctx context.Context, wxids ...string) ([]Contact, error) {
	raw, err := c.postRaw(ctx, "GetContact", map[string]any{"Wxid": c.wxid, "RequestWxids": wxids})
	if err != nil {
		return nil, err
	}
	var contacts []Contact
	for _, v := range gjson.GetBytes(raw, "ContactList").Array() {
		contacts = append(contacts, contactFromJSON(v))
	}
	return contacts, nil
}

func (c *Client) GetNickname(ctx context.Context, wxid string) (string, error) {
	contacts, err := c.GetContact(ctx, wxid)
	if err != nil {
		return "", err
	}
	if len(contacts) == 0 {
		return "", nil
	}
	return contacts[0].Nickname, nil
}

func (c *Client) GetContractDetail(ctx context.Context, wxids []string, chatroom string) ([]Contact, error) {
	raw, err := c.postRaw(ctx, "GetContractDetail", map[string]any{
		"Wxid":         c.wxid,
		"RequestWxids": wxids,
		"Chatroom":     chatroom,
	})
	if err != nil {
		return nil, err
	}
	var contacts []Contact
	for _, v := range gjson.GetBytes(raw, "ContactList").Array() {
		contacts = append(contacts, contactFromJSON(v))
	}
	return contacts, nil
}

// ContactPage is one page of the full contact list, chained through
// two opaque cursor values.
type ContactPage struct {
	Wxids       []string
	CurrentSeq  int64
	ChatroomSeq int64
	Continue    bool
}

func (c *Client) GetContractList(ctx context.Context, currentSeq, chatroomSeq int64) (*ContactPage, error) {
	raw, err := c.postRaw(ctx, "GetContractList", map[string]any{
		"Wxid":                      c.wxid,
		"CurrentWxcontactSeq":       currentSeq,
		"CurrentChatroomContactSeq": chatroomSeq,
	})
	if err != nil {
		return nil, err
	}
	page := &ContactPage{
		CurrentSeq:  gjson.GetBytes(raw, "CurrentWxcontactSeq").Int(),
		ChatroomSeq: gjson.GetBytes(raw, "CurrentChatroomContactSeq").Int(),
		Continue:    gjson.GetBytes(raw, "CountinueFlag").Int() == 1,
	}
	for _, v := range gjson.GetBytes(raw, "ContactUsernameList").Array() {
		page.Wxids = append(page.Wxids, v.String())
	}
	return page, nil
}

// ListContacts walks the paged contact list to completion.
func (c *Client) ListContacts(ctx context.Context) ([]string, error) {
	var (
		all                     []string
		currentSeq, chatroomSeq int64
	)
	for {
		page, err := c.GetContractList(ctx, currentSeq, chatroomSeq)
		if err != nil {
			return all, err
		}
		all = append(all, page.Wxids...)
		if !page.Continue {
			return all, nil
		}
		currentSeq, chatroomSeq = page.CurrentSeq, page.ChatroomSeq
	}
}

// ---- rooms ----

// ChatroomInfo is the room metadata plus its member wxids.
type ChatroomInfo struct {
	ChatroomID string
	Name       string
	Owner      string
	Members    []string
}

func (c *Client) GetChatroomInfo(ctx context.Context, chatroom string) (*ChatroomInfo, error) {
	raw, err := c.postRaw(ctx, "GetChatroomInfoNoAnnounce", map[string]any{"Wxid": c.wxid, "Chatroom": chatroom})
	if err != nil {
		return nil, err
	}
	info := &ChatroomInfo{
		ChatroomID: stringField(gjson.ParseBytes(raw), "ChatRoomName"),
		Name:       stringField(gjson.ParseBytes(raw), "NickName"),
		Owner:      gjson.GetBytes(raw, "ChatRoomOwner").String(),
	}
	for _, m := range gjson.GetBytes(raw, "NewChatroomData.ChatRoomMember").Array() {
		info.Members = append(info.Members, m.Get("UserName").String())
	}
	return info, nil
}

func (c *Client) GetChatroomMemberDetail(ctx context.Context, chatroom string) ([]Contact, error) {
	raw, err := c.postRaw(ctx, "GetChatroomMemberDetail", map[string]any{"Wxid": c.wxid, "Chatroom": chatroom})
	if err != nil {
		return nil, err
	}
	var members []Contact
	for _, v := range gjson.GetBytes(raw, "NewChatroomData.ChatRoomMember").Array() {
		members = append(members, Contact{
			Wxid:     v.Get("UserName").String(),
			Nickname: v.Get("NickName").String(),
			Avatar:   v.Get("BigHeadImgUrl").String(),
		})
	}
	return members, nil
}

func (c *Client) GetChatroomQRCode(ctx context.Context, chatroom string) (string, error) {
	raw, err := c.postRaw(ctx, "GetChatroomQRCode", map[string]any{"Wxid": c.wxid, "Chatroom": chatroom})
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(raw, "qrcode.buffer").String(), nil
}

// AddChatroomMember directly adds members; usable for rooms under 40
// people.
func (c *Client) AddChatroomMember(ctx context.Context, chatroom string, members []string) error {
	body := map[string]any{"Wxid": c.wxid, "Chatroom": chatroom, "InviteWxids": strings.Join(members, ",")}
	return c.post(ctx, "AddChatroomMember", body, nil)
}

// InviteChatroomMember sends invite links; required for rooms of 40+.
func (c *Client) InviteChatroomMember(ctx context.Context, chatroom string, members []string) error {
	body := map[string]any{"Wxid": c.wxid, "Chatroom": chatroom, "InviteWxids": strings.Join(members, ",")}
	return c.post(ctx, "InviteChatroomMember", body, nil)
}

// ---- friends ----

// AcceptFriend confirms a friend request using the scene and stamp
// values carried by the request frame.
func (c *Client) AcceptFriend(ctx context.Context, scene int, v1, v2 string) error {
	body := map[string]any{"Wxid": c.wxid, "Scene": scene, "V1": v1, "V2": v2}
	return c.post(ctx, "AcceptFriend", body, nil)
}

// postRaw runs a verb and hands back the raw Data bytes for gjson
// callers.
func (c *Client) postRaw(ctx context.Context, verb string, body any) ([]byte, error) {
	var out json.RawMessage
	if err := c.post(ctx, verb, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// postRawDownload is postRaw on the long-timeout download client.
func (c *Client) postRawDownload(ctx context.Context, verb string, body any) ([]byte, error) {
	var out json.RawMessage
	if err := c.postDownload(ctx, verb, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

