package gateway

import (
	"context"
	"encoding/base64"
	"strings"
)

// SendResult carries the ids needed to later revoke a message.
type SendResult struct {
	ClientMsgID int64 `json:"ClientMsgId"`
	CreateTime  int64 `json:"CreateTime"`
	NewMsgID    int64 `json:"NewMsgId"`
}

// SendTextMsg sends plain text; at mentions the given members inside a
// group conversation.
func (c *Client) SendTextMsg(ctx context.Context, to, content string, at ...string) (*SendResult, error) {
	var out SendResult
	body := map[string]any{
		"Wxid":    c.wxid,
		"ToWxid":  to,
		"Content": content,
		"Type":    1,
		"At":      strings.Join(at, ","),
	}
	if err := c.post(ctx, "SendTextMsg", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SendImageMsg(ctx context.Context, to string, image []byte) (*SendResult, error) {
	var out SendResult
	body := map[string]any{
		"Wxid":   c.wxid,
		"ToWxid": to,
		"Base64": base64.StdEncoding.EncodeToString(image),
	}
	if err := c.post(ctx, "SendImageMsg", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendVoiceMsg sends a silk blob. Format is the silk frame rate the
// blob was encoded at.
func (c *Client) SendVoiceMsg(ctx context.Context, to string, voice []byte, format int) (*SendResult, error) {
	var out SendResult
	body := map[string]any{
		"Wxid":   c.wxid,
		"ToWxid": to,
		"Base64": base64.StdEncoding.EncodeToString(voice),
		"Type":   format,
	}
	if err := c.post(ctx, "SendVoiceMsg", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SendVideoMsg(ctx context.Context, to string, video, thumbnail []byte) (*SendResult, error) {
	var out SendResult
	body := map[string]any{
		"Wxid":   c.wxid,
		"ToWxid": to,
		"Base64": base64.StdEncoding.EncodeToString(video),
		"Image":  base64.StdEncoding.EncodeToString(thumbnail),
	}
	if err := c.post(ctx, "SendVideoMsg", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SendShareLink(ctx context.Context, to, url, title, description, thumbURL string) (*SendResult, error) {
	var out SendResult
	body := map[string]any{
		"Wxid":     c.wxid,
		"ToWxid":   to,
		"Url":      url,
		"Title":    title,
		"Desc":     description,
		"ThumbUrl": thumbURL,
	}
	if err := c.post(ctx, "SendShareLink", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SendCardMsg(ctx context.Context, to, cardWxid, cardNickname, cardAlias string) (*SendResult, error) {
	var out SendResult
	body := map[string]any{
		"Wxid":         c.wxid,
		"ToWxid":       to,
		"CardWxid":     cardWxid,
		"CardNickname": cardNickname,
		"CardAlias":    cardAlias,
	}
	if err := c.post(ctx, "SendCardMsg", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendAppMsg sends a raw appmsg XML payload of the given inner type.
func (c *Client) SendAppMsg(ctx context.Context, to, xml string, msgType int) (*SendResult, error) {
	var out SendResult
	body := map[string]any{
		"Wxid":   c.wxid,
		"ToWxid": to,
		"Xml":    xml,
		"Type":   msgType,
	}
	if err := c.post(ctx, "SendAppMsg", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SendEmojiMsg(ctx context.Context, to, md5 string, totalLen int) (*SendResult, error) {
	var out SendResult
	body := map[string]any{
		"Wxid":     c.wxid,
		"ToWxid":   to,
		"Md5":      md5,
		"TotalLen": totalLen,
	}
	if err := c.post(ctx, "SendEmojiMsg", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CDN forwards re-send a received media payload without re-uploading.
// Content is the raw XML of the original message.

func (c *Client) SendCDNFileMsg(ctx context.Context, to, content string) (*SendResult, error) {
	return c.forwardCDN(ctx, "SendCDNFileMsg", to, content)
}

func (c *Client) SendCDNImgMsg(ctx context.Context, to, content string) (*SendResult, error) {
	return c.forwardCDN(ctx, "SendCDNImgMsg", to, content)
}

func (c *Client) SendCDNVideoMsg(ctx context.Context, to, content string) (*SendResult, error) {
	return c.forwardCDN(ctx, "SendCDNVideoMsg", to, content)
}

func (c *Client) forwardCDN(ctx context.Context, verb, to, content string) (*SendResult, error) {
	var out SendResult
	body := map[string]any{
		"Wxid":    c.wxid,
		"ToWxid":  to,
		"Content": content,
	}
	if err := c.post(ctx, verb, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RevokeMsg retracts a previously sent message using the ids returned
// at send time.
func (c *Client) RevokeMsg(ctx context.Context, to string, clientMsgID, createTime, newMsgID int64) error {
	body := map[string]any{
		"Wxid":        c.wxid,
		"ToWxid":      to,
		"ClientMsgId": clientMsgID,
		"CreateTime":  createTime,
		"NewMsgId":    newMsgID,
	}
	return c.post(ctx, "RevokeMsg", body, nil)
}
