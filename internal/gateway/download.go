package gateway

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/yydsdd211/xybot/internal/protocol"
)

// attachChunkSize is the per-request slice for attachment downloads.
const attachChunkSize = 64 * 1024

// CdnDownloadImg fetches a full-size image by its CDN url and AES key.
func (c *Client) CdnDownloadImg(ctx context.Context, aesKey, fileURL string) ([]byte, error) {
	raw, err := c.postRawDownload(ctx, "CdnDownloadImg", map[string]any{
		"Wxid":    c.wxid,
		"AesKey":  aesKey,
		"FileURL": fileURL,
	})
	if err != nil {
		return nil, err
	}
	return decodeMedia("CdnDownloadImg", gjson.GetBytes(raw, "Image").String())
}

// DownloadVoice fetches a silk voice blob referenced by a frame.
func (c *Client) DownloadVoice(ctx context.Context, msgID int64, voiceURL string, length int) ([]byte, error) {
	raw, err := c.postRawDownload(ctx, "DownloadVoice", map[string]any{
		"Wxid":     c.wxid,
		"MsgId":    msgID,
		"Voiceurl": voiceURL,
		"Length":   length,
	})
	if err != nil {
		return nil, err
	}
	return decodeMedia("DownloadVoice", gjson.GetBytes(raw, "data.buffer").String())
}

func (c *Client) DownloadVideo(ctx context.Context, msgID int64) ([]byte, error) {
	raw, err := c.postRawDownload(ctx, "DownloadVideo", map[string]any{
		"Wxid":  c.wxid,
		"MsgId": msgID,
	})
	if err != nil {
		return nil, err
	}
	return decodeMedia("DownloadVideo", gjson.GetBytes(raw, "data.buffer").String())
}

// DownloadAttach fetches an attachment in fixed-size chunks until the
// declared total length is reached.
func (c *Client) DownloadAttach(ctx context.Context, attachID string, totalLen int) ([]byte, error) {
	var data []byte
	for offset := 0; offset < totalLen; {
		size := attachChunkSize
		if rest := totalLen - offset; rest < size {
			size = rest
		}
		raw, err := c.postRawDownload(ctx, "DownloadAttach", map[string]any{
			"Wxid":     c.wxid,
			"AttachId": attachID,
			"Section":  map[string]int{"StartPos": offset, "DataLen": size},
		})
		if err != nil {
			return nil, err
		}
		chunk, err := decodeMedia("DownloadAttach", gjson.GetBytes(raw, "data.buffer").String())
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			return nil, &protocol.APIError{
				Code: protocol.CodeDownloadFailed,
				Verb: "DownloadAttach",
				Msg:  fmt.Sprintf("empty chunk at offset %d of %d", offset, totalLen),
			}
		}
		data = append(data, chunk...)
		offset += len(chunk)
	}
	return data, nil
}

func decodeMedia(verb, b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, &protocol.APIError{Code: protocol.CodeDownloadFailed, Verb: verb, Msg: "empty payload"}
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, &protocol.APIError{Code: protocol.CodeDownloadFailed, Verb: verb, Msg: err.Error()}
	}
	return data, nil
}
