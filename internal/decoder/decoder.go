// Package decoder turns raw gateway frames into normalized events.
// Apart from on-demand media downloads the translation is a pure
// function of the frame.
package decoder

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/yydsdd211/xybot/internal/event"
	"github.com/yydsdd211/xybot/internal/protocol"
	"github.com/yydsdd211/xybot/internal/store"
)

// Downloader is the narrow media-fetch surface the decoder needs; the
// gateway client satisfies it.
type Downloader interface {
	CdnDownloadImg(ctx context.Context, aesKey, fileURL string) ([]byte, error)
	DownloadVoice(ctx context.Context, msgID int64, voiceURL string, length int) ([]byte, error)
	DownloadVideo(ctx context.Context, msgID int64) ([]byte, error)
	DownloadAttach(ctx context.Context, attachID string, totalLen int) ([]byte, error)
}

// Decoder translates frames for one account. selfWxid drives both the
// at-mention check and self-sent inversion.
type Decoder struct {
	selfWxid string
	dl       Downloader
	tr       Transcoder
	msglog   *store.MsgLog
}

func New(selfWxid string, dl Downloader, tr Transcoder, msglog *store.MsgLog) *Decoder {
	if tr == nil {
		tr = NewFFmpegTranscoder()
	}
	return &Decoder{selfWxid: selfWxid, dl: dl, tr: tr, msglog: msglog}
}

// Decode emits the event for a frame, or (nil, nil) when the frame is
// deliberately ignored.
func (d *Decoder) Decode(ctx context.Context, f protocol.Frame) (*event.Event, error) {
	ev, err := d.decode(ctx, f)
	if err != nil || ev == nil {
		return ev, err
	}
	if d.msglog != nil && ev.Kind != event.KindFriendRequest {
		ts := time.Now()
		if ev.CreateTime > 0 {
			ts = time.Unix(ev.CreateTime, 0)
		}
		entry := store.LogEntry{
			MsgID:    ev.MsgID,
			Sender:   ev.Sender,
			FromConv: ev.FromConv,
			KindCode: f.MsgType,
			Content:  ev.Text,
			IsGroup:  ev.IsGroup,
			TS:       ts,
		}
		if err := d.msglog.Append(entry); err != nil {
			log.Printf("[decoder] message log append: %v", err)
		}
	}
	return ev, nil
}

func (d *Decoder) decode(ctx context.Context, f protocol.Frame) (*event.Event, error) {
	base := d.base(f)

	switch f.MsgType {
	case 1:
		return d.decodeText(base, f)
	case 3:
		return d.decodeImage(ctx, base, f)
	case 34:
		return d.decodeVoice(ctx, base, f)
	case 43:
		return d.decodeVideo(ctx, base, f)
	case 47:
		return d.decodeEmoji(base, f)
	case 49:
		return d.decodeApp(ctx, base, f)
	case 10002:
		return d.decodeSystem(base, f)
	case 37:
		return d.decodeFriendRequest(base, f)
	case 51:
		return nil, nil
	default:
		log.Printf("[decoder] unhandled msg type %d from %s", f.MsgType, base.FromConv)
		return nil, nil
	}
}

// base fills the common fields, inverting self-sent frames so
// FromConv always names the other end of the conversation.
func (d *Decoder) base(f protocol.Frame) *event.Event {
	fromConv := f.FromUser.String
	if fromConv == d.selfWxid {
		fromConv = f.ToWxid.String
	}
	return &event.Event{
		MsgID:      f.MsgID,
		NewMsgID:   f.NewMsgID,
		CreateTime: f.CreateTime,
		FromConv:   fromConv,
		Sender:     fromConv,
		IsGroup:    event.IsGroupConv(fromConv),
		RawSource:  f.MsgSource,
	}
}

// splitGroupPrefix peels "wxid_sender:\n" off group message content.
func splitGroupPrefix(ev *event.Event, content string) string {
	if !ev.IsGroup {
		return content
	}
	idx := strings.Index(content, "\n")
	if idx < 0 {
		return content
	}
	sender := strings.TrimSuffix(content[:idx], ":")
	if sender == "" || strings.ContainsAny(sender, "<> ") {
		return content
	}
	ev.Sender = sender
	return content[idx+1:]
}

type msgSource struct {
	AtUserList string `xml:"atuserlist"`
}

func parseAtList(source string) []string {
	if source == "" {
		return nil
	}
	var ms msgSource
	if err := xml.Unmarshal([]byte(source), &ms); err != nil {
		return nil
	}
	var out []string
	for _, id := range strings.Split(ms.AtUserList, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func (d *Decoder) decodeText(ev *event.Event, f protocol.Frame) (*event.Event, error) {
	ev.Text = splitGroupPrefix(ev, f.Content.String)
	ev.AtList = parseAtList(f.MsgSource)
	if ev.Mentions(d.selfWxid) {
		ev.Kind = event.KindAt
	} else {
		ev.Kind = event.KindText
	}
	return ev, nil
}

type imgXML struct {
	Img struct {
		AESKey       string `xml:"aeskey,attr"`
		CDNMidImgURL string `xml:"cdnmidimgurl,attr"`
	} `xml:"img"`
}

func (d *Decoder) decodeImage(ctx context.Context, ev *event.Event, f protocol.Frame) (*event.Event, error) {
	ev.Kind = event.KindImage
	content := splitGroupPrefix(ev, strings.TrimSpace(f.Content.String))

	var msg imgXML
	if err := xml.Unmarshal([]byte(content), &msg); err != nil {
		return nil, decodeErr(f, fmt.Sprintf("image xml: %v", err))
	}
	ev.AESKey = msg.Img.AESKey
	ev.CDNURL = msg.Img.CDNMidImgURL

	data, err := d.dl.CdnDownloadImg(ctx, ev.AESKey, ev.CDNURL)
	if err != nil {
		// Downgrade to an empty-payload event.
		log.Printf("[decoder] image download for msg %d: %v", f.MsgID, err)
		return ev, nil
	}
	ev.ImageBytes = data
	return ev, nil
}

type voiceXML struct {
	VoiceMsg struct {
		VoiceURL string `xml:"voiceurl,attr"`
		Length   string `xml:"length,attr"`
	} `xml:"voicemsg"`
}

func (d *Decoder) decodeVoice(ctx context.Context, ev *event.Event, f protocol.Frame) (*event.Event, error) {
	ev.Kind = event.KindVoice
	content := splitGroupPrefix(ev, f.Content.String)

	var silk []byte
	if f.ImgBuf != nil && f.ImgBuf.Len > 0 && f.ImgBuf.Buffer != "" {
		data, err := base64.StdEncoding.DecodeString(f.ImgBuf.Buffer)
		if err != nil {
			return nil, decodeErr(f, fmt.Sprintf("inline voice buffer: %v", err))
		}
		silk = data
	} else {
		var msg voiceXML
		if err := xml.Unmarshal([]byte(content), &msg); err != nil {
			return nil, decodeErr(f, fmt.Sprintf("voice xml: %v", err))
		}
		length, _ := strconv.Atoi(msg.VoiceMsg.Length)
		data, err := d.dl.DownloadVoice(ctx, f.MsgID, msg.VoiceMsg.VoiceURL, length)
		if err != nil {
			log.Printf("[decoder] voice download for msg %d: %v", f.MsgID, err)
			return ev, nil
		}
		silk = data
	}

	wav, err := d.tr.Transcode(ctx, silk)
	if err != nil {
		log.Printf("[decoder] voice transcode for msg %d: %v", f.MsgID, err)
		wav = silk
	}
	ev.WAVBytes = wav
	return ev, nil
}

func (d *Decoder) decodeVideo(ctx context.Context, ev *event.Event, f protocol.Frame) (*event.Event, error) {
	ev.Kind = event.KindVideo
	splitGroupPrefix(ev, f.Content.String)

	data, err := d.dl.DownloadVideo(ctx, f.MsgID)
	if err != nil {
		log.Printf("[decoder] video download for msg %d: %v", f.MsgID, err)
		return ev, nil
	}
	ev.MP4Bytes = data
	return ev, nil
}

type emojiXML struct {
	Emoji struct {
		MD5 string `xml:"md5,attr"`
		Len string `xml:"len,attr"`
	} `xml:"emoji"`
}

func (d *Decoder) decodeEmoji(ev *event.Event, f protocol.Frame) (*event.Event, error) {
	ev.Kind = event.KindEmoji
	content := splitGroupPrefix(ev, strings.TrimSpace(f.Content.String))

	var msg emojiXML
	if err := xml.Unmarshal([]byte(content), &msg); err != nil {
		return nil, decodeErr(f, fmt.Sprintf("emoji xml: %v", err))
	}
	ev.EmojiMD5 = msg.Emoji.MD5
	ev.EmojiLen, _ = strconv.ParseInt(msg.Emoji.Len, 10, 64)
	return ev, nil
}

type referXML struct {
	Type        int    `xml:"type"`
	SvrID       int64  `xml:"svrid"`
	FromUsr     string `xml:"fromusr"`
	ChatUsr     string `xml:"chatusr"`
	DisplayName string `xml:"displayname"`
	Content     string `xml:"content"`
}

type appXML struct {
	AppMsg struct {
		Type   int      `xml:"type"`
		Title  string   `xml:"title"`
		Refer  referXML `xml:"refermsg"`
		Attach struct {
			TotalLen int    `xml:"totallen"`
			AttachID string `xml:"attachid"`
			FileExt  string `xml:"fileext"`
		} `xml:"appattach"`
	} `xml:"appmsg"`
}

func (d *Decoder) decodeApp(ctx context.Context, ev *event.Event, f protocol.Frame) (*event.Event, error) {
	content := splitGroupPrefix(ev, strings.TrimSpace(f.Content.String))

	var msg appXML
	if err := xml.Unmarshal([]byte(content), &msg); err != nil {
		return nil, decodeErr(f, fmt.Sprintf("app xml: %v", err))
	}

	switch msg.AppMsg.Type {
	case 57:
		ev.Kind = event.KindQuote
		ev.Text = msg.AppMsg.Title
		ev.Quoted = quotedFromRefer(msg.AppMsg.Refer)
		return ev, nil
	case 6:
		ev.Kind = event.KindFile
		ev.Filename = msg.AppMsg.Title
		ev.Ext = msg.AppMsg.Attach.FileExt
		data, err := d.dl.DownloadAttach(ctx, msg.AppMsg.Attach.AttachID, msg.AppMsg.Attach.TotalLen)
		if err != nil {
			log.Printf("[decoder] attach download for msg %d: %v", f.MsgID, err)
			return ev, nil
		}
		ev.FileBytes = data
		return ev, nil
	case 74:
		// Upload in progress; a type-6 frame follows when done.
		return nil, nil
	default:
		log.Printf("[decoder] unhandled app type %d from %s", msg.AppMsg.Type, ev.FromConv)
		return nil, nil
	}
}

// quotedFromRefer builds the quoted message. A type-49 reference is
// itself an app message, so its payload is decoded one more level;
// quote chains then surface their text instead of raw XML.
func quotedFromRefer(refer referXML) *event.Event {
	quoted := &event.Event{
		MsgID:    refer.SvrID,
		FromConv: refer.FromUsr,
		Sender:   refer.ChatUsr,
		IsGroup:  event.IsGroupConv(refer.FromUsr),
		Text:     refer.Content,
	}
	if quoted.Sender == "" {
		quoted.Sender = refer.FromUsr
	}
	switch refer.Type {
	case 1:
		quoted.Kind = event.KindText
	case 3:
		quoted.Kind = event.KindImage
	case 49:
		quoted.Kind = event.KindOther
		var inner appXML
		if err := xml.Unmarshal([]byte(refer.Content), &inner); err != nil {
			break
		}
		if inner.AppMsg.Title != "" {
			quoted.Text = inner.AppMsg.Title
		}
		if inner.AppMsg.Type == 57 {
			quoted.Kind = event.KindQuote
			quoted.Quoted = quotedFromRefer(inner.AppMsg.Refer)
		}
	default:
		quoted.Kind = event.KindOther
	}
	return quoted
}

type sysXML struct {
	Type string `xml:"type,attr"`
	Pat  struct {
		FromUsername   string `xml:"fromusername"`
		PattedUsername string `xml:"pattedusername"`
		Template       string `xml:"template"`
	} `xml:"pat"`
}

func (d *Decoder) decodeSystem(ev *event.Event, f protocol.Frame) (*event.Event, error) {
	content := splitGroupPrefix(ev, strings.TrimSpace(f.Content.String))

	var msg sysXML
	if err := xml.Unmarshal([]byte(content), &msg); err != nil {
		return nil, decodeErr(f, fmt.Sprintf("system xml: %v", err))
	}
	if msg.Type == "pat" {
		ev.Kind = event.KindPat
		ev.Patter = msg.Pat.FromUsername
		ev.Patted = msg.Pat.PattedUsername
		ev.Suffix = msg.Pat.Template
		return ev, nil
	}
	ev.Kind = event.KindSystem
	ev.Subtype = msg.Type
	ev.Text = content
	return ev, nil
}

type friendXML struct {
	FromUsername    string `xml:"fromusername,attr"`
	EncryptUsername string `xml:"encryptusername,attr"`
	Content         string `xml:"content,attr"`
	Scene           string `xml:"scene,attr"`
	Ticket          string `xml:"ticket,attr"`
}

func (d *Decoder) decodeFriendRequest(ev *event.Event, f protocol.Frame) (*event.Event, error) {
	var msg friendXML
	if err := xml.Unmarshal([]byte(strings.TrimSpace(f.Content.String)), &msg); err != nil {
		return nil, decodeErr(f, fmt.Sprintf("friend request xml: %v", err))
	}
	ev.Kind = event.KindFriendRequest
	ev.Sender = msg.FromUsername
	ev.FromConv = msg.FromUsername
	ev.Text = msg.Content
	ev.Scene, _ = strconv.Atoi(msg.Scene)
	ev.V1 = msg.EncryptUsername
	ev.V2 = msg.Ticket
	return ev, nil
}

func decodeErr(f protocol.Frame, msg string) error {
	return &protocol.APIError{
		Code: protocol.CodeDecode,
		Verb: fmt.Sprintf("decode msg %d type %d", f.MsgID, f.MsgType),
		Msg:  msg,
	}
}
